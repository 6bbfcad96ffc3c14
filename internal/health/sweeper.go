// Package health runs periodic status sweeps over the agent roster,
// recording transitions in the store and reporting sweep metrics.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/Polymythic/AgentSoftwareDeveloper/internal/agent"
	"github.com/Polymythic/AgentSoftwareDeveloper/internal/otel"
	"github.com/Polymythic/AgentSoftwareDeveloper/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// DefaultSchedule sweeps every five minutes.
const DefaultSchedule = "*/5 * * * *"

// StatusSource is the roster-wide status query the sweeper polls.
// *agent.Supervisor satisfies it.
type StatusSource interface {
	AllAgentStatus(ctx context.Context) map[string]agent.StatusSnapshot
}

// Config holds the dependencies for the health sweeper.
type Config struct {
	Source   StatusSource
	Store    *store.Store  // optional; transitions are only logged when nil
	Metrics  *otel.Metrics // optional
	Logger   *slog.Logger
	Schedule string // 5-field cron expression; DefaultSchedule if empty
}

// Sweeper periodically captures a roster-wide status snapshot and records
// agent status transitions.
type Sweeper struct {
	source   StatusSource
	store    *store.Store
	metrics  *otel.Metrics
	logger   *slog.Logger
	schedule cronlib.Schedule

	mu   sync.Mutex
	last map[string]agent.Status

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a Sweeper. It fails when the schedule expression does
// not parse.
func NewSweeper(cfg Config) (*Sweeper, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = DefaultSchedule
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		source:   cfg.Source,
		store:    cfg.Store,
		metrics:  cfg.Metrics,
		logger:   logger.With("component", "health"),
		schedule: sched,
		last:     make(map[string]agent.Status),
	}, nil
}

// Start begins the sweep loop in a background goroutine, firing at the
// configured schedule until the context is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("health sweeper started", "next_run", s.schedule.Next(time.Now()))
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("health sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	// Sweep immediately on startup, then at each scheduled time.
	s.Sweep(ctx)

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep captures one roster-wide snapshot, logging and persisting any
// status transitions since the previous sweep. Errors never stop the loop.
func (s *Sweeper) Sweep(ctx context.Context) {
	start := time.Now()
	statuses := s.source.AllAgentStatus(ctx)

	var running, errored int
	for name, snap := range statuses {
		switch snap.Status {
		case agent.StatusRunning:
			running++
		case agent.StatusError:
			errored++
			if s.metrics != nil {
				s.metrics.HealthCheckErrors.Add(ctx, 1)
			}
		}
		s.recordTransition(ctx, name, snap)
	}

	elapsed := time.Since(start)
	if s.metrics != nil {
		s.metrics.HealthSweepDuration.Record(ctx, elapsed.Seconds())
	}
	s.logger.Info("health sweep complete",
		"agents", len(statuses),
		"running", running,
		"errored", errored,
		"elapsed", elapsed,
	)
}

// recordTransition logs and persists a status change for one agent.
func (s *Sweeper) recordTransition(ctx context.Context, name string, snap agent.StatusSnapshot) {
	s.mu.Lock()
	prev, seen := s.last[name]
	s.last[name] = snap.Status
	s.mu.Unlock()

	if seen && prev == snap.Status {
		return
	}

	s.logger.Info("agent status transition",
		"agent", name,
		"from", string(prev),
		"to", string(snap.Status),
		"detail", snap.Detail,
	)
	if s.store == nil {
		return
	}
	details := map[string]any{"from": string(prev), "to": string(snap.Status)}
	if snap.Detail != "" {
		details["detail"] = snap.Detail
	}
	if err := s.store.RecordActivity(ctx, name, "health", "status_transition", details); err != nil {
		s.logger.Warn("failed to record status transition", "agent", name, "error", err)
	}
}

// NextRunTime parses expr and returns the first run time after the given time.
func NextRunTime(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
