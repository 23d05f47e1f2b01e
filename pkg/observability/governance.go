package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the governance counters. A nil *Metrics is valid and
// records nothing, so components can be built without telemetry.
type Metrics struct {
	seals         metric.Int64Counter
	gateDecisions metric.Int64Counter
	gateLatency   metric.Float64Histogram
	replays       metric.Int64Counter
	drift         metric.Int64Counter
	violations    metric.Int64Counter
}

// NewMetrics registers the governance instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.seals, err = meter.Int64Counter("authority.envelope.seals",
		metric.WithDescription("Envelope seal calls by outcome"),
		metric.WithUnit("{seal}"),
	)
	if err != nil {
		return nil, err
	}

	m.gateDecisions, err = meter.Int64Counter("authority.gate.decisions",
		metric.WithDescription("Runtime gate decisions by outcome and violation code"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, err
	}

	m.gateLatency, err = meter.Float64Histogram("authority.gate.duration",
		metric.WithDescription("Runtime gate check duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25),
	)
	if err != nil {
		return nil, err
	}

	m.replays, err = meter.Int64Counter("authority.replay.completions",
		metric.WithDescription("Replay attempts reaching a terminal status"),
		metric.WithUnit("{replay}"),
	)
	if err != nil {
		return nil, err
	}

	m.drift, err = meter.Int64Counter("authority.replay.drift",
		metric.WithDescription("Replays whose output diverged from the sealed hash"),
		metric.WithUnit("{replay}"),
	)
	if err != nil {
		return nil, err
	}

	m.violations, err = meter.Int64Counter("authority.gate.violations",
		metric.WithDescription("Violation rows written"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordSeal counts a seal call by outcome. Envelope ids and hashes are
// not used as labels.
func (m *Metrics) RecordSeal(ctx context.Context, isNew bool) {
	if m == nil {
		return
	}
	m.seals.Add(ctx, 1, metric.WithAttributes(SealOutcome(isNew)))
}

// RecordGate counts a gate decision and its latency.
func (m *Metrics) RecordGate(ctx context.Context, source string, passed bool, code string, took time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(GateOperation(source, passed, code)...)
	m.gateDecisions.Add(ctx, 1, attrs)
	m.gateLatency.Record(ctx, took.Seconds(), attrs)
	if !passed {
		m.violations.Add(ctx, 1, metric.WithAttributes(AttrViolationCode.String(code)))
	}
}

// RecordReplay counts a replay reaching status.
func (m *Metrics) RecordReplay(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.replays.Add(ctx, 1, metric.WithAttributes(AttrReplayStatus.String(status)))
}

// RecordDrift counts a drift detection.
func (m *Metrics) RecordDrift(ctx context.Context, driftType string) {
	if m == nil {
		return
	}
	m.drift.Add(ctx, 1, metric.WithAttributes(AttrDriftType.String(driftType)))
}

// GovernanceMetrics registers the governance instruments on the provider's meter.
func (p *Provider) GovernanceMetrics() (*Metrics, error) {
	return NewMetrics(p.Meter())
}
