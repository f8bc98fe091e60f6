package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the runtime's metric instruments.
type Metrics struct {
	MessagesEnqueued  metric.Int64Counter
	MessagesLeased    metric.Int64Counter
	MessagesAcked     metric.Int64Counter
	MessagesNacked    metric.Int64Counter
	DeadLetters       metric.Int64Counter
	VerifyDecisions   metric.Int64Counter
	CheckDecisions    metric.Int64Counter
	CascadeEscalated  metric.Int64Counter
	AttemptDuration   metric.Float64Histogram
	ConsultDuration   metric.Float64Histogram
	ActiveExecutions  metric.Int64UpDownCounter
	LeaseRecoveries   metric.Int64Counter
	WorkspaceConflict metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.MessagesEnqueued, err = meter.Int64Counter("gowarden.queue.enqueued",
		metric.WithDescription("Messages accepted onto durable queues"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesLeased, err = meter.Int64Counter("gowarden.queue.leased",
		metric.WithDescription("Messages leased by consumers"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesAcked, err = meter.Int64Counter("gowarden.queue.acked",
		metric.WithDescription("Messages settled successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesNacked, err = meter.Int64Counter("gowarden.queue.nacked",
		metric.WithDescription("Messages returned for redelivery"),
	)
	if err != nil {
		return nil, err
	}

	m.DeadLetters, err = meter.Int64Counter("gowarden.queue.dead_letters",
		metric.WithDescription("Messages moved to the dead-letter table"),
	)
	if err != nil {
		return nil, err
	}

	m.VerifyDecisions, err = meter.Int64Counter("gowarden.approval.verify",
		metric.WithDescription("Consuming verify decisions by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.CheckDecisions, err = meter.Int64Counter("gowarden.approval.check",
		metric.WithDescription("Non-consuming entry-gate checks by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.CascadeEscalated, err = meter.Int64Counter("gowarden.lifecycle.escalated",
		metric.WithDescription("Work items surfaced to a human after cascade exhaustion"),
	)
	if err != nil {
		return nil, err
	}

	m.AttemptDuration, err = meter.Float64Histogram("gowarden.lifecycle.attempt.duration",
		metric.WithDescription("Attempt execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ConsultDuration, err = meter.Float64Histogram("gowarden.lifecycle.consult.duration",
		metric.WithDescription("Consult-planner wait duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveExecutions, err = meter.Int64UpDownCounter("gowarden.lifecycle.active",
		metric.WithDescription("Work items currently executing"),
	)
	if err != nil {
		return nil, err
	}

	m.LeaseRecoveries, err = meter.Int64Counter("gowarden.queue.lease_recoveries",
		metric.WithDescription("Expired or orphaned leases returned to queued"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkspaceConflict, err = meter.Int64Counter("gowarden.workspace.conflicts",
		metric.WithDescription("Workspace merges blocked on conflicting files"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
