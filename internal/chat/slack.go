package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/slack-go/slack"
)

// SlackClient implements Client against the Slack Web API. Each agent owns
// its own client so messages post under the agent's identity.
type SlackClient struct {
	botToken  string
	appToken  string
	agentName string
	logger    *slog.Logger

	mu  sync.Mutex
	api *slack.Client
}

// NewSlackClient builds an unconnected Slack client for one agent.
func NewSlackClient(botToken, appToken, agentName string, logger *slog.Logger) *SlackClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackClient{
		botToken:  botToken,
		appToken:  appToken,
		agentName: agentName,
		logger:    logger,
	}
}

// Connect builds the API client and verifies the token with an auth test.
func (c *SlackClient) Connect(ctx context.Context) error {
	if c.botToken == "" {
		return fmt.Errorf("slack: bot token is empty")
	}

	opts := []slack.Option{}
	if c.appToken != "" {
		opts = append(opts, slack.OptionAppLevelToken(c.appToken))
	}
	api := slack.New(c.botToken, opts...)

	resp, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}

	c.mu.Lock()
	c.api = api
	c.mu.Unlock()

	c.logger.Info("slack connected", "agent", c.agentName, "team", resp.Team, "bot_user", resp.User)
	return nil
}

// Send posts message to channel as this agent.
func (c *SlackClient) Send(ctx context.Context, channel, message string) error {
	c.mu.Lock()
	api := c.api
	c.mu.Unlock()
	if api == nil {
		return fmt.Errorf("slack: not connected")
	}

	_, _, err := api.PostMessageContext(ctx, channel,
		slack.MsgOptionText(message, false),
		slack.MsgOptionUsername(c.agentName),
	)
	if err != nil {
		return fmt.Errorf("slack post to %s: %w", channel, err)
	}
	return nil
}

// Disconnect drops the API client. The Web API is stateless, so this only
// releases the handle and marks the client unusable until reconnect.
func (c *SlackClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.api = nil
	return nil
}
