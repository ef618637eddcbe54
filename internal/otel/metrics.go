package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the taskdag instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	TaskOperations   metric.Int64Counter
	CycleChecks      metric.Int64Counter
	CycleCheckTime   metric.Float64Histogram
	EdgeRejections   metric.Int64Counter
	RateLimitRejects metric.Int64Counter
	EventStreams     metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("taskdag.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskOperations, err = meter.Int64Counter("taskdag.task.operations",
		metric.WithDescription("Task and dependency mutations by operation and outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.CycleChecks, err = meter.Int64Counter("taskdag.dag.cycle_checks",
		metric.WithDescription("Dependency insertions that ran the cycle check"),
	)
	if err != nil {
		return nil, err
	}

	m.CycleCheckTime, err = meter.Float64Histogram("taskdag.dag.cycle_check.duration",
		metric.WithDescription("Dependency insertion latency including the cycle check"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.EdgeRejections, err = meter.Int64Counter("taskdag.dag.rejections",
		metric.WithDescription("Dependency insertions rejected as cycles or self-loops"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("taskdag.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.EventStreams, err = meter.Int64UpDownCounter("taskdag.events.streams",
		metric.WithDescription("Open websocket event streams"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
