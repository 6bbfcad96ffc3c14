// Package brain generates agent chat replies through the OpenAI Chat
// Completions API, colored by the agent's configured persona.
package brain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Config carries everything the brain needs to answer as one agent.
type Config struct {
	APIKey      string
	Model       string
	Name        string
	Role        string
	Personality string
	Goal        string
	// SystemPrompt overrides the persona-derived prompt when set.
	SystemPrompt string
}

// Brain is a persona-bound responder. It is stateless; conversational
// context is passed in per call.
type Brain struct {
	client openai.Client
	model  string
	prompt string
	name   string
	log    *slog.Logger
}

// New builds a Brain. It fails when no API key is configured so callers can
// skip the integration instead of discovering the problem on first use.
func New(cfg Config, log *slog.Logger) (*Brain, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("brain: no API key configured")
	}
	model := cfg.Model
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	return &Brain{
		client: openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:  model,
		prompt: systemPrompt(cfg),
		name:   cfg.Name,
		log:    log.With("integration", "openai", "agent", cfg.Name),
	}, nil
}

// systemPrompt assembles the persona prompt from the agent's configuration.
func systemPrompt(cfg Config) string {
	if cfg.SystemPrompt != "" {
		return cfg.SystemPrompt
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a %s on a software development team.\n", cfg.Name, cfg.Role)
	if cfg.Personality != "" {
		fmt.Fprintf(&b, "Personality: %s\n", cfg.Personality)
	}
	if cfg.Goal != "" {
		fmt.Fprintf(&b, "Current goal: %s\n", cfg.Goal)
	}
	b.WriteString("Keep replies short and practical. Speak in the first person.")
	return b.String()
}

// Reply answers one incoming message. contextSummary may be empty; when set
// it is prepended so the model sees recent task state.
func (b *Brain) Reply(ctx context.Context, contextSummary, message string) (string, error) {
	user := message
	if contextSummary != "" {
		user = "Context:\n" + contextSummary + "\n\nMessage:\n" + message
	}

	resp, err := b.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: b.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(b.prompt),
			openai.UserMessage(user),
		},
		Temperature:         openai.Float(0.7),
		MaxCompletionTokens: openai.Int(500),
	})
	if err != nil {
		return "", fmt.Errorf("brain: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("brain: no choices returned")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	b.log.Debug("reply generated", "model", b.model, "chars", len(text))
	return text, nil
}
