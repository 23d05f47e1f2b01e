// Package replay implements the replay verifier: re-executing a capability
// against a previously sealed envelope and confirming the new output hash
// matches the sealed one.
//
// Attempts move PENDING to exactly one of SUCCESS, DRIFT_DETECTED or ERROR
// and are never touched again. Drift is a hard failure: it is reported to a
// DriftSink and never re-sealed or swallowed.
//
// Capability owners build a Harness over the Verifier and register an
// Executor per content schema to run a whole replay in one call.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm/authority/pkg/contracts"
	"github.com/Mindburn-Labs/helm/authority/pkg/envelope"
	"github.com/Mindburn-Labs/helm/authority/pkg/observability"
	"github.com/Mindburn-Labs/helm/authority/pkg/store"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// InitiateRequest starts a replay of the envelope sealed under ContentHash.
type InitiateRequest struct {
	ContentHash  string          `json:"content_hash"`
	ActorContext json.RawMessage `json:"actor_context,omitempty"`
	Source       string          `json:"source"`
	InitiatedBy  string          `json:"initiated_by"`
}

// InitiateResult carries the sealed content to re-execute. EnvelopeID is nil
// and Status is ERROR when no envelope is sealed under the hash.
type InitiateResult struct {
	ReplayID        string                 `json:"replay_id"`
	EnvelopeID      *string                `json:"envelope_id"`
	EnvelopeContent *contracts.Document    `json:"envelope_content,omitempty"`
	Status          contracts.ReplayStatus `json:"status"`
	ErrorCode       contracts.Code         `json:"error_code,omitempty"`
}

// CompleteRequest reports the re-executed output.
type CompleteRequest struct {
	ReplayID       string          `json:"replay_id"`
	NewOutput      json.RawMessage `json:"new_output,omitempty"`
	NewContentHash string          `json:"new_content_hash"`
}

// CompleteResult is the terminal outcome of a replay.
type CompleteResult struct {
	ReplayID      string                  `json:"replay_id"`
	Status        contracts.ReplayStatus  `json:"status"`
	DriftDetected bool                    `json:"drift_detected"`
	DriftDetails  *contracts.DriftDetails `json:"drift_details,omitempty"`
}

// HistoryQuery filters replay history. Zero Limit means DefaultHistoryLimit.
type HistoryQuery struct {
	EnvelopeID   string `json:"envelope_id,omitempty"`
	EnvelopeHash string `json:"envelope_hash,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

// EnvelopeReader is the part of the envelope ledger the verifier needs.
type EnvelopeReader interface {
	Get(ctx context.Context, key envelope.Lookup) (*contracts.Envelope, error)
}

// Verifier records and judges replay attempts.
type Verifier struct {
	envelopes EnvelopeReader
	store     *SQLStore
	drift     DriftSink
	metrics   *observability.Metrics
	logger    *slog.Logger
	clock     func() time.Time
}

// NewVerifier creates a verifier that reads sealed envelopes from envelopes
// and records attempts in db.
func NewVerifier(db *store.DB, envelopes EnvelopeReader) *Verifier {
	logger := slog.Default().With("component", "replay-verifier")
	return &Verifier{
		envelopes: envelopes,
		store:     NewSQLStore(db),
		drift:     NewLogSink(logger, nil),
		logger:    logger,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.clock = clock
	return v
}

// WithLogger sets the logger.
func (v *Verifier) WithLogger(logger *slog.Logger) *Verifier {
	v.logger = logger
	return v
}

// WithDriftSink replaces the drift alert path.
func (v *Verifier) WithDriftSink(sink DriftSink) *Verifier {
	v.drift = sink
	return v
}

// WithMetrics records replay counters.
func (v *Verifier) WithMetrics(m *observability.Metrics) *Verifier {
	v.metrics = m
	return v
}

// InitiateReplay records a replay attempt for the envelope sealed under
// req.ContentHash. A missing envelope is not an error: the failed intent is
// recorded as a terminal ERROR attempt with ENVELOPE_NOT_SEALED.
func (v *Verifier) InitiateReplay(ctx context.Context, req *InitiateRequest) (*InitiateResult, error) {
	if req.ContentHash == "" || req.Source == "" || req.InitiatedBy == "" {
		return nil, contracts.Errorf(contracts.CodeInvalidRequest, "content_hash, source and initiated_by are required")
	}
	if len(req.ActorContext) > 0 && !json.Valid(req.ActorContext) {
		return nil, contracts.Errorf(contracts.CodeInvalidRequest, "actor_context is not valid JSON")
	}

	now := v.clock().UTC()
	attempt := &contracts.ReplayAttempt{
		ReplayID:     uuid.NewString(),
		EnvelopeHash: req.ContentHash,
		Status:       contracts.ReplayPending,
		ActorContext: req.ActorContext,
		InitiatedBy:  req.InitiatedBy,
		Source:       req.Source,
		InitiatedAt:  now,
	}

	env, err := v.envelopes.Get(ctx, envelope.Lookup{ContentHash: req.ContentHash})
	switch {
	case errors.Is(err, contracts.ErrEnvelopeNotSealed):
		attempt.Status = contracts.ReplayError
		attempt.ErrorCode = contracts.CodeEnvelopeNotSealed
		attempt.CompletedAt = timePtr(now)
	case err != nil:
		return nil, fmt.Errorf("look up envelope: %w", err)
	default:
		attempt.EnvelopeID = &env.EnvelopeID
	}

	if err := v.store.Insert(ctx, attempt); err != nil {
		return nil, err
	}

	result := &InitiateResult{
		ReplayID:   attempt.ReplayID,
		EnvelopeID: attempt.EnvelopeID,
		Status:     attempt.Status,
		ErrorCode:  attempt.ErrorCode,
	}
	if env != nil {
		result.EnvelopeContent = &env.Content
		v.logger.InfoContext(ctx, "replay initiated",
			"replay_id", attempt.ReplayID, "envelope_id", env.EnvelopeID, "source", req.Source)
	} else {
		v.metrics.RecordReplay(ctx, string(attempt.Status))
		v.logger.WarnContext(ctx, "replay of unsealed hash recorded",
			"replay_id", attempt.ReplayID, "content_hash", req.ContentHash, "source", req.Source)
	}
	return result, nil
}

// CompleteReplay compares the re-executed hash with the sealed one and
// closes the attempt. Any difference is drift.
func (v *Verifier) CompleteReplay(ctx context.Context, req *CompleteRequest) (*CompleteResult, error) {
	if req.ReplayID == "" || req.NewContentHash == "" {
		return nil, contracts.Errorf(contracts.CodeInvalidRequest, "replay_id and new_content_hash are required")
	}
	if len(req.NewOutput) > 0 && !json.Valid(req.NewOutput) {
		return nil, contracts.Errorf(contracts.CodeInvalidRequest, "new_output is not valid JSON")
	}

	attempt, err := v.store.Get(ctx, req.ReplayID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, contracts.Errorf(contracts.CodeReplayNotFound, "replay %s not found", req.ReplayID)
	}
	if err != nil {
		return nil, fmt.Errorf("load replay attempt: %w", err)
	}
	if attempt.Status.Terminal() {
		return nil, terminalError(attempt)
	}

	now := v.clock().UTC()
	attempt.NewOutput = req.NewOutput
	attempt.NewContentHash = req.NewContentHash
	attempt.CompletedAt = timePtr(now)
	if req.NewContentHash == attempt.EnvelopeHash {
		attempt.Status = contracts.ReplaySuccess
	} else {
		attempt.Status = contracts.ReplayDriftDetected
		attempt.DriftDetected = true
		attempt.DriftDetails = &contracts.DriftDetails{
			DriftType:    contracts.DriftTypeHashMismatch,
			ExpectedHash: attempt.EnvelopeHash,
			ActualHash:   req.NewContentHash,
			DetectedAt:   now,
		}
	}

	if err := v.close(ctx, attempt); err != nil {
		return nil, err
	}

	v.metrics.RecordReplay(ctx, string(attempt.Status))
	if attempt.DriftDetected {
		v.drift.ReportDrift(ctx, attempt)
	} else {
		v.logger.InfoContext(ctx, "replay verified", "replay_id", attempt.ReplayID, "content_hash", attempt.EnvelopeHash)
	}

	return &CompleteResult{
		ReplayID:      attempt.ReplayID,
		Status:        attempt.Status,
		DriftDetected: attempt.DriftDetected,
		DriftDetails:  attempt.DriftDetails,
	}, nil
}

// FailReplay closes a PENDING attempt as ERROR, for re-executions that
// could not produce an output at all.
func (v *Verifier) FailReplay(ctx context.Context, replayID string, code contracts.Code) (*CompleteResult, error) {
	attempt, err := v.store.Get(ctx, replayID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, contracts.Errorf(contracts.CodeReplayNotFound, "replay %s not found", replayID)
	}
	if err != nil {
		return nil, fmt.Errorf("load replay attempt: %w", err)
	}
	if attempt.Status.Terminal() {
		return nil, terminalError(attempt)
	}

	attempt.Status = contracts.ReplayError
	attempt.ErrorCode = code
	attempt.CompletedAt = timePtr(v.clock().UTC())
	if err := v.close(ctx, attempt); err != nil {
		return nil, err
	}
	v.metrics.RecordReplay(ctx, string(attempt.Status))
	v.logger.WarnContext(ctx, "replay failed", "replay_id", replayID, "error_code", code)
	return &CompleteResult{ReplayID: replayID, Status: attempt.Status}, nil
}

// close performs the single PENDING to terminal transition.
func (v *Verifier) close(ctx context.Context, attempt *contracts.ReplayAttempt) error {
	changed, err := v.store.Complete(ctx, attempt)
	if err != nil {
		return err
	}
	if changed {
		return nil
	}
	// A concurrent completion won.
	current, err := v.store.Get(ctx, attempt.ReplayID)
	if err != nil {
		return fmt.Errorf("reload replay attempt: %w", err)
	}
	return terminalError(current)
}

// History returns attempts newest first, filtered by envelope id or hash.
func (v *Verifier) History(ctx context.Context, q HistoryQuery) ([]*contracts.ReplayAttempt, error) {
	limit := q.Limit
	switch {
	case limit < 0:
		return nil, contracts.Errorf(contracts.CodeInvalidRequest, "limit must not be negative")
	case limit == 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	attempts, err := v.store.List(ctx, q.EnvelopeID, q.EnvelopeHash, limit)
	if err != nil {
		return nil, err
	}
	if attempts == nil {
		attempts = []*contracts.ReplayAttempt{}
	}
	return attempts, nil
}

func terminalError(a *contracts.ReplayAttempt) error {
	return contracts.Errorf(contracts.CodeReplayAlreadyTerminal,
		"replay %s is already %s", a.ReplayID, a.Status)
}
