package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Polymythic/AgentSoftwareDeveloper/internal/brain"
	"github.com/Polymythic/AgentSoftwareDeveloper/internal/chat"
	"github.com/Polymythic/AgentSoftwareDeveloper/internal/config"
	"github.com/Polymythic/AgentSoftwareDeveloper/internal/otel"
	"github.com/Polymythic/AgentSoftwareDeveloper/internal/sourcectl"
	"github.com/Polymythic/AgentSoftwareDeveloper/internal/store"
)

// defaultSettleDelay is the pause between stop and start during a restart,
// long enough for the chat and source-control sides to observe the
// disconnect before the agent reconnects.
const defaultSettleDelay = 2 * time.Second

// Integrations supplies per-agent integration factories. A nil factory, or
// a factory returning nil, disables that integration for the agent; this is
// not an error.
type Integrations struct {
	NewChat   func(cfg config.AgentConfig) chat.Client
	NewSource func(cfg config.AgentConfig) sourcectl.Client
	NewBrain  func(cfg config.AgentConfig) (*brain.Brain, error)
}

// Supervisor owns the name-to-handle mapping and the running flag. It is
// the sole mutator of both; lifecycle operations run sequentially over the
// roster, so ordering is roster order for start and reverse roster order
// for stop.
type Supervisor struct {
	cfg     *config.SystemConfig
	ints    Integrations
	store   *store.Store
	log     *slog.Logger
	metrics *otel.Metrics
	settle  time.Duration

	mu      sync.Mutex
	agents  map[string]*Agent
	running bool
}

// NewSupervisor builds a supervisor over cfg. store and metrics may be nil.
func NewSupervisor(cfg *config.SystemConfig, ints Integrations, st *store.Store, log *slog.Logger, m *otel.Metrics) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		ints:    ints,
		store:   st,
		log:     log.With("component", "supervisor"),
		metrics: m,
		settle:  defaultSettleDelay,
		agents:  make(map[string]*Agent),
	}
}

// SetSettleDelay overrides the restart settle delay.
func (s *Supervisor) SetSettleDelay(d time.Duration) { s.settle = d }

// InitializeAgent builds the handle for name, connects its integrations and
// registers it. If any connection fails the handle is not registered and an
// InitError wrapping the cause is returned. Re-initializing a registered
// name shuts the previous handle down before the new one replaces it.
func (s *Supervisor) InitializeAgent(ctx context.Context, name string) error {
	if s.cfg == nil {
		return &config.ConfigError{Err: errors.New("no configuration loaded")}
	}
	cfg, err := s.cfg.Lookup(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.agents[name]
	delete(s.agents, name)
	s.mu.Unlock()
	if prev != nil {
		s.log.Info("re-initializing agent, shutting down previous handle", "agent", name)
		if err := prev.Shutdown(ctx); err != nil {
			s.log.Warn("previous handle shutdown failed", "agent", name, "error", err)
		}
		s.addRunning(ctx, -1)
	}

	a := &Agent{
		cfg:        cfg,
		instanceID: newInstanceID(),
		store:      s.store,
		log:        s.log.With("agent", name),
		startedAt:  time.Now(),
	}

	if s.ints.NewChat != nil {
		a.chat = s.ints.NewChat(cfg)
	}
	if a.chat != nil {
		if err := a.chat.Connect(ctx); err != nil {
			return &InitError{Agent: name, Err: fmt.Errorf("chat connect: %w", err)}
		}
	}

	if s.ints.NewSource != nil {
		a.source = s.ints.NewSource(cfg)
	}
	if a.source != nil {
		if err := a.source.Connect(ctx); err != nil {
			if a.chat != nil {
				if derr := a.chat.Disconnect(); derr != nil {
					s.log.Warn("chat disconnect after failed init", "agent", name, "error", derr)
				}
			}
			return &InitError{Agent: name, Err: fmt.Errorf("source control connect: %w", err)}
		}
	}

	// The LLM is a soft dependency: agents fall back to canned replies.
	if s.ints.NewBrain != nil {
		b, err := s.ints.NewBrain(cfg)
		if err != nil {
			s.log.Warn("llm unavailable, agent will use fallback replies", "agent", name, "error", err)
		}
		a.brain = b
	}

	s.mu.Lock()
	s.agents[name] = a
	s.mu.Unlock()
	s.addRunning(ctx, 1)

	s.persistAgent(ctx, a, "running")
	s.log.Info("agent initialized", "agent", name, "instance_id", a.instanceID, "role", cfg.Role)
	return nil
}

// StartAgent initializes name if needed, then announces its arrival on the
// default chat channel. Announcement failure is logged, never propagated.
func (s *Supervisor) StartAgent(ctx context.Context, name string) error {
	s.mu.Lock()
	a := s.agents[name]
	s.mu.Unlock()

	if a == nil {
		if err := s.InitializeAgent(ctx, name); err != nil {
			return err
		}
		s.mu.Lock()
		a = s.agents[name]
		s.mu.Unlock()
		// A concurrent StopAgent can remove the handle between
		// registration and this re-read; the stop wins.
		if a == nil {
			s.log.Warn("agent stopped while starting", "agent", name)
			return nil
		}
	}

	if a.chat != nil && s.cfg.Slack.DefaultChannel != "" {
		msg := fmt.Sprintf("🚀 %s is now online and ready to help with %s tasks!", a.cfg.Name, a.cfg.Role)
		if err := a.chat.Send(ctx, s.cfg.Slack.DefaultChannel, msg); err != nil {
			s.log.Warn("arrival announcement failed", "agent", name, "error", err)
			if s.metrics != nil {
				s.metrics.AnnounceFailures.Add(ctx, 1)
			}
		}
	}

	if s.metrics != nil {
		s.metrics.AgentStarts.Add(ctx, 1)
	}
	s.log.Info("agent started", "agent", name)
	return nil
}

// StopAgent removes name from the running set, announcing its departure and
// releasing its connections. It returns false when name was not running.
// Shutdown failures are logged; the entry is always removed.
func (s *Supervisor) StopAgent(ctx context.Context, name string) bool {
	s.mu.Lock()
	a, ok := s.agents[name]
	if ok {
		delete(s.agents, name)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	if a.chat != nil && s.cfg != nil && s.cfg.Slack.DefaultChannel != "" {
		msg := fmt.Sprintf("👋 %s is going offline. Goodbye!", a.cfg.Name)
		if err := a.chat.Send(ctx, s.cfg.Slack.DefaultChannel, msg); err != nil {
			s.log.Warn("departure announcement failed", "agent", name, "error", err)
			if s.metrics != nil {
				s.metrics.AnnounceFailures.Add(ctx, 1)
			}
		}
	}

	if err := a.Shutdown(ctx); err != nil {
		s.log.Warn("agent shutdown failed", "agent", name, "error", err)
	}
	s.addRunning(ctx, -1)

	if s.store != nil {
		if err := s.store.UpdateAgentStatus(ctx, name, "stopped"); err != nil {
			s.log.Warn("failed to persist stopped status", "agent", name, "error", err)
		}
	}

	if s.metrics != nil {
		s.metrics.AgentStops.Add(ctx, 1)
	}
	s.log.Info("agent stopped", "agent", name)
	return true
}

// RestartAgent stops name, waits for the settle delay so the remote side
// observes the disconnect, and starts it again. Restart is best-effort:
// failures at either stage are logged, not returned.
func (s *Supervisor) RestartAgent(ctx context.Context, name string) {
	s.log.Info("restarting agent", "agent", name)
	s.StopAgent(ctx, name)

	select {
	case <-time.After(s.settle):
	case <-ctx.Done():
		s.log.Warn("restart interrupted", "agent", name)
		return
	}

	if err := s.StartAgent(ctx, name); err != nil {
		s.log.Error("restart failed to start agent", "agent", name, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.AgentRestarts.Add(ctx, 1)
	}
}

// StartAll starts every roster agent in configured order, skipping names
// already running. Individual failures are logged and reported through
// status, not returned; the running flag is set after the full pass.
func (s *Supervisor) StartAll(ctx context.Context) error {
	if s.cfg == nil {
		return &config.ConfigError{Err: errors.New("no configuration loaded")}
	}

	s.log.Info("starting all agents", "count", len(s.cfg.Agents))
	for _, cfg := range s.cfg.Agents {
		s.mu.Lock()
		_, present := s.agents[cfg.Name]
		s.mu.Unlock()
		if present {
			continue
		}
		if err := s.StartAgent(ctx, cfg.Name); err != nil {
			s.log.Error("agent failed to start", "agent", cfg.Name, "error", err)
			if s.metrics != nil {
				s.metrics.InitFailures.Add(ctx, 1)
			}
		}
	}

	s.mu.Lock()
	s.running = true
	started := len(s.agents)
	s.mu.Unlock()
	s.log.Info("startup pass complete", "running", started, "configured", len(s.cfg.Agents))
	return nil
}

// StopAll stops every running agent over a snapshot of the current names in
// reverse roster order. The running flag is always cleared, even when
// individual stops fail.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	names := make([]string, 0, len(s.agents))
	for name := range s.agents {
		names = append(names, name)
	}
	s.mu.Unlock()

	// Reverse roster order; names missing from the roster sort last.
	sort.Slice(names, func(i, j int) bool {
		return s.rosterIndex(names[i]) > s.rosterIndex(names[j])
	})

	s.log.Info("stopping all agents", "count", len(names))
	for _, name := range names {
		s.StopAgent(ctx, name)
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Supervisor) rosterIndex(name string) int {
	if s.cfg == nil {
		return -1
	}
	return s.cfg.RosterIndex(name)
}

// AgentStatus reports the status of name. It never fails: an unknown or
// stopped name reports not_running, and a failing health check degrades to
// an error snapshot instead of propagating.
func (s *Supervisor) AgentStatus(ctx context.Context, name string) StatusSnapshot {
	s.mu.Lock()
	a := s.agents[name]
	s.mu.Unlock()
	if a == nil {
		return notRunning(name)
	}

	snap, err := a.Health(ctx)
	if err != nil {
		s.log.Warn("health check failed", "agent", name, "error", err)
		return StatusSnapshot{
			Name:      name,
			Status:    StatusError,
			Timestamp: time.Now().UTC(),
			Detail:    err.Error(),
		}
	}
	return snap
}

// AllAgentStatus reports the status of every configured roster name, so
// stopped agents are visibly not_running rather than silently absent.
// Returns an empty map when no configuration is loaded.
func (s *Supervisor) AllAgentStatus(ctx context.Context) map[string]StatusSnapshot {
	out := make(map[string]StatusSnapshot)
	if s.cfg == nil {
		return out
	}
	for _, cfg := range s.cfg.Agents {
		out[cfg.Name] = s.AgentStatus(ctx, cfg.Name)
	}
	return out
}

// Agent returns the live handle for name, or nil when it is not running.
func (s *Supervisor) Agent(name string) *Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agents[name]
}

// Running reports whether the control loop is active.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunForever starts the roster and blocks until ctx is cancelled or the
// running flag is cleared. All agents are stopped on every exit path, so no
// connection is leaked even on abnormal shutdown.
func (s *Supervisor) RunForever(ctx context.Context) error {
	defer s.StopAll(context.WithoutCancel(ctx))

	if err := s.StartAll(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("shutdown requested")
			return nil
		case <-ticker.C:
			if !s.Running() {
				s.log.Info("running flag cleared, leaving control loop")
				return nil
			}
		}
	}
}

// persistAgent writes the roster row and initial state; failures are logged.
func (s *Supervisor) persistAgent(ctx context.Context, a *Agent, status string) {
	if s.store == nil {
		return
	}
	rec := store.AgentRecord{
		Name:       a.cfg.Name,
		InstanceID: a.instanceID,
		Role:       string(a.cfg.Role),
		Model:      a.cfg.Model,
		Status:     status,
	}
	if err := s.store.UpsertAgent(ctx, rec); err != nil {
		s.log.Warn("failed to persist agent record", "agent", a.cfg.Name, "error", err)
		return
	}
	st := store.AgentState{AgentName: a.cfg.Name, InstanceID: a.instanceID}
	if err := s.store.SaveState(ctx, st); err != nil {
		s.log.Warn("failed to persist agent state", "agent", a.cfg.Name, "error", err)
	}
}

func (s *Supervisor) addRunning(ctx context.Context, delta int64) {
	if s.metrics != nil {
		s.metrics.AgentsRunning.Add(ctx, delta)
	}
}
