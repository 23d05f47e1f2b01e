package replay

import (
	"context"
	"log/slog"

	"github.com/Mindburn-Labs/helm/authority/pkg/contracts"
	"github.com/Mindburn-Labs/helm/authority/pkg/observability"
)

// DriftSink receives every DRIFT_DETECTED attempt. Implementations must not
// block for long; CompleteReplay calls them inline.
type DriftSink interface {
	ReportDrift(ctx context.Context, attempt *contracts.ReplayAttempt)
}

// DriftSinkFunc adapts a function to DriftSink.
type DriftSinkFunc func(ctx context.Context, attempt *contracts.ReplayAttempt)

func (f DriftSinkFunc) ReportDrift(ctx context.Context, attempt *contracts.ReplayAttempt) {
	f(ctx, attempt)
}

// LogSink raises drift as an Error log with alert=true and counts it.
type LogSink struct {
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewLogSink creates the default drift sink. metrics may be nil.
func NewLogSink(logger *slog.Logger, metrics *observability.Metrics) *LogSink {
	return &LogSink{logger: logger, metrics: metrics}
}

func (s *LogSink) ReportDrift(ctx context.Context, attempt *contracts.ReplayAttempt) {
	details := attempt.DriftDetails
	if details == nil {
		details = &contracts.DriftDetails{DriftType: contracts.DriftTypeHashMismatch}
	}
	s.metrics.RecordDrift(ctx, details.DriftType)
	observability.AddSpanEvent(ctx, "replay.drift",
		observability.AttrReplayID.String(attempt.ReplayID),
		observability.AttrEnvelopeHash.String(attempt.EnvelopeHash),
		observability.AttrDriftType.String(details.DriftType),
	)

	attrs := []any{
		"alert", true,
		"replay_id", attempt.ReplayID,
		"envelope_hash", attempt.EnvelopeHash,
		"drift_type", details.DriftType,
		"expected_hash", details.ExpectedHash,
		"actual_hash", details.ActualHash,
		"source", attempt.Source,
		"initiated_by", attempt.InitiatedBy,
	}
	if attempt.EnvelopeID != nil {
		attrs = append(attrs, "envelope_id", *attempt.EnvelopeID)
	}
	s.logger.ErrorContext(ctx, "replay drift detected", attrs...)
}

// MultiSink fans a drift report out to several sinks.
type MultiSink []DriftSink

func (m MultiSink) ReportDrift(ctx context.Context, attempt *contracts.ReplayAttempt) {
	for _, sink := range m {
		sink.ReportDrift(ctx, attempt)
	}
}
