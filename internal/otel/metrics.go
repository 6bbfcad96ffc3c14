package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the supervisor's metric instruments.
type Metrics struct {
	AgentsRunning       metric.Int64UpDownCounter
	AgentStarts         metric.Int64Counter
	AgentStops          metric.Int64Counter
	AgentRestarts       metric.Int64Counter
	InitFailures        metric.Int64Counter
	AnnounceFailures    metric.Int64Counter
	HealthSweepDuration metric.Float64Histogram
	HealthCheckErrors   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.AgentsRunning, err = meter.Int64UpDownCounter("supervisor.agents.running",
		metric.WithDescription("Number of currently registered agents"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentStarts, err = meter.Int64Counter("supervisor.agent.starts",
		metric.WithDescription("Successful agent starts"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentStops, err = meter.Int64Counter("supervisor.agent.stops",
		metric.WithDescription("Agent stops"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentRestarts, err = meter.Int64Counter("supervisor.agent.restarts",
		metric.WithDescription("Agent restart attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.InitFailures, err = meter.Int64Counter("supervisor.agent.init_failures",
		metric.WithDescription("Agent initializations that failed on integration connect"),
	)
	if err != nil {
		return nil, err
	}

	m.AnnounceFailures, err = meter.Int64Counter("supervisor.announce.failures",
		metric.WithDescription("Best-effort chat announcements that failed to send"),
	)
	if err != nil {
		return nil, err
	}

	m.HealthSweepDuration, err = meter.Float64Histogram("supervisor.health.sweep.duration",
		metric.WithDescription("Health sweep duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.HealthCheckErrors, err = meter.Int64Counter("supervisor.health.errors",
		metric.WithDescription("Health checks that returned an error status"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
