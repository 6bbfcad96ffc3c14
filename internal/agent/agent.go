// Package agent implements the lifecycle supervisor: it owns the mapping
// from roster name to running agent handle and drives initialization,
// start/stop/restart, status aggregation, and the long-lived control loop.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Polymythic/AgentSoftwareDeveloper/internal/brain"
	"github.com/Polymythic/AgentSoftwareDeveloper/internal/chat"
	"github.com/Polymythic/AgentSoftwareDeveloper/internal/config"
	"github.com/Polymythic/AgentSoftwareDeveloper/internal/sourcectl"
	"github.com/Polymythic/AgentSoftwareDeveloper/internal/store"
)

// Agent is one running roster entry. It exclusively owns its integration
// clients; the supervisor creates it during initialization and destroys it
// on stop. Either client may be nil when the integration is not configured.
// closed is atomic because the supervisor shuts a handle down outside its
// map lock while status queries may still hold a reference to it.
type Agent struct {
	cfg        config.AgentConfig
	instanceID string
	chat       chat.Client
	source     sourcectl.Client
	brain      *brain.Brain
	store      *store.Store
	log        *slog.Logger
	startedAt  time.Time
	closed     atomic.Bool
}

// Name returns the roster name this handle is bound to.
func (a *Agent) Name() string { return a.cfg.Name }

// InstanceID returns the per-boot identifier for this handle.
func (a *Agent) InstanceID() string { return a.instanceID }

// SourceControl returns the agent's source-control client, nil when the
// integration is not configured. Richer repository operations live on the
// concrete client.
func (a *Agent) SourceControl() sourcectl.Client { return a.source }

// Chat returns the agent's chat client, nil when the integration is not
// configured.
func (a *Agent) Chat() chat.Client { return a.chat }

// Health computes a fresh status snapshot for the live handle.
func (a *Agent) Health(ctx context.Context) (StatusSnapshot, error) {
	if a.closed.Load() {
		return StatusSnapshot{}, fmt.Errorf("agent %q handle is shut down", a.cfg.Name)
	}

	var integrations []string
	if a.chat != nil {
		integrations = append(integrations, "chat")
	}
	if a.source != nil {
		integrations = append(integrations, "source_control")
	}
	if a.brain != nil {
		integrations = append(integrations, "llm")
	}

	return StatusSnapshot{
		Name:          a.cfg.Name,
		Status:        StatusRunning,
		Timestamp:     time.Now().UTC(),
		InstanceID:    a.instanceID,
		UptimeSeconds: time.Since(a.startedAt).Seconds(),
		Integrations:  integrations,
	}, nil
}

// Shutdown releases both integration connections. Both disconnects are
// attempted even when the first fails, and the final state is persisted
// best-effort. Calling Shutdown twice is harmless.
func (a *Agent) Shutdown(ctx context.Context) error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if a.chat != nil {
		if err := a.chat.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("chat disconnect: %w", err))
		}
	}
	if a.source != nil {
		if err := a.source.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("source control disconnect: %w", err))
		}
	}

	if a.store != nil {
		if err := a.store.SaveState(ctx, store.AgentState{
			AgentName:  a.cfg.Name,
			InstanceID: a.instanceID,
			TaskStatus: "idle",
		}); err != nil {
			a.log.Warn("failed to persist final state", "error", err)
		}
	}

	return errors.Join(errs...)
}

// SendChatMessage posts to the chat integration. Fails when no chat client
// is configured for this agent.
func (a *Agent) SendChatMessage(ctx context.Context, channel, message string) error {
	if a.chat == nil {
		return fmt.Errorf("agent %q has no chat integration", a.cfg.Name)
	}
	return a.chat.Send(ctx, channel, message)
}

// ProcessMessage produces a persona reply for an incoming message. When the
// LLM is unavailable or fails, a fixed fallback introduction is returned so
// the agent never goes silent. The exchange is recorded in the activity log.
func (a *Agent) ProcessMessage(ctx context.Context, message string) string {
	var (
		reply string
		err   error
	)
	if a.brain != nil {
		reply, err = a.brain.Reply(ctx, a.contextSummary(ctx), message)
		if err != nil {
			a.log.Warn("reply generation failed, using fallback", "error", err)
		}
	}
	if reply == "" {
		reply = fmt.Sprintf("I'm %s, the team %s. I received your message and will follow up shortly.",
			a.cfg.Name, a.cfg.Role)
	}

	if a.store != nil {
		details := map[string]any{"message_chars": len(message), "reply_chars": len(reply)}
		if err := a.store.RecordActivity(ctx, a.cfg.Name, "chat", "process_message", details); err != nil {
			a.log.Warn("failed to record activity", "error", err)
		}
	}
	return reply
}

// contextSummary summarizes persisted task state for the LLM prompt.
func (a *Agent) contextSummary(ctx context.Context) string {
	if a.store == nil {
		return ""
	}
	st, err := a.store.State(ctx, a.cfg.Name)
	if err != nil || st == nil || st.CurrentTask == "" {
		return ""
	}
	return fmt.Sprintf("Current task: %s (status: %s)", st.CurrentTask, st.TaskStatus)
}

func newInstanceID() string { return uuid.NewString() }
