// Package gate implements the runtime gate every privileged call must pass,
// and the append-only violation log it writes on every denial.
//
// The gate is fail-closed. A missing, unknown, revoked or expired envelope
// denies the call, and so does any store error or timeout while checking.
//
// Services that execute privileged calls mount Gate.Middleware on their own
// router; the authority server itself only exposes Check over HTTP.
package gate

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
	// DefaultCheckTimeout bounds the envelope lookup of one check.
	DefaultCheckTimeout = 2 * time.Second
	// violationWriteTimeout bounds the detached violation write.
	violationWriteTimeout = 5 * time.Second
)

// CheckRequest describes the privileged call being gated. EnvelopeID,
// EnvelopeHash and Token are alternative references; none means
// NO_ENVELOPE.
type CheckRequest struct {
	Source         string          `json:"source"`
	Endpoint       string          `json:"endpoint"`
	Method         string          `json:"method"`
	TenantID       string          `json:"tenant_id"`
	WorkspaceID    string          `json:"workspace_id"`
	RequestUserID  string          `json:"request_user_id,omitempty"`
	EnvelopeID     string          `json:"envelope_id,omitempty"`
	EnvelopeHash   string          `json:"envelope_hash,omitempty"`
	Token          string          `json:"token,omitempty"`
	RequestContext json.RawMessage `json:"request_context,omitempty"`
}

// CheckResult is the gate decision. ViolationID is nil when the call passed.
type CheckResult struct {
	GatePassed       bool                     `json:"gate_passed"`
	ViolationID      *string                  `json:"violation_id"`
	ViolationCode    contracts.ViolationCode  `json:"violation_code,omitempty"`
	ViolationMessage string                   `json:"violation_message,omitempty"`
	EnvelopeStatus   contracts.EnvelopeStatus `json:"envelope_status,omitempty"`
	EnvelopeID       string                   `json:"envelope_id,omitempty"`
}

// EnvelopeReader resolves an envelope reference.
type EnvelopeReader interface {
	Get(ctx context.Context, key envelope.Lookup) (*contracts.Envelope, error)
}

// TokenResolver turns a seal token into an envelope reference. When both
// fields are set the envelope is looked up by id and must carry the hash.
type TokenResolver interface {
	Resolve(token string) (envelope.Lookup, error)
}

// Gate checks envelope validity for privileged calls.
type Gate struct {
	envelopes  EnvelopeReader
	violations *ViolationStore
	tokens     TokenResolver
	timeout    time.Duration
	metrics    *observability.Metrics
	logger     *slog.Logger
	clock      func() time.Time
}

// New creates a gate that reads envelopes through envelopes and logs
// violations in db.
func New(db *store.DB, envelopes EnvelopeReader) *Gate {
	return &Gate{
		envelopes:  envelopes,
		violations: NewViolationStore(db),
		timeout:    DefaultCheckTimeout,
		logger:     slog.Default().With("component", "runtime-gate"),
		clock:      time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// WithLogger sets the logger.
func (g *Gate) WithLogger(logger *slog.Logger) *Gate {
	g.logger = logger
	return g
}

// WithTimeout sets the per-check lookup deadline.
func (g *Gate) WithTimeout(d time.Duration) *Gate {
	g.timeout = d
	return g
}

// WithTokens lets callers present a seal token instead of an id or hash.
func (g *Gate) WithTokens(r TokenResolver) *Gate {
	g.tokens = r
	return g
}

// WithMetrics records gate decisions.
func (g *Gate) WithMetrics(m *observability.Metrics) *Gate {
	g.metrics = m
	return g
}

// Violations exposes the violation log.
func (g *Gate) Violations() *ViolationStore {
	return g.violations
}

// Check decides whether the call may proceed. Denials are returned as a
// result, not an error; every denial has been logged before Check returns.
// An error is returned only for malformed requests or when the violation
// itself could not be written, and the result is still a denial then.
func (g *Gate) Check(ctx context.Context, req *CheckRequest) (*CheckResult, error) {
	if req.Source == "" || req.Endpoint == "" || req.Method == "" {
		return nil, contracts.Errorf(contracts.CodeInvalidRequest, "source, endpoint and method are required")
	}
	if len(req.RequestContext) > 0 && !json.Valid(req.RequestContext) {
		return nil, contracts.Errorf(contracts.CodeInvalidRequest, "request_context is not valid JSON")
	}

	start := g.clock()
	result := g.decide(ctx, req)
	g.metrics.RecordGate(ctx, req.Source, result.GatePassed, string(result.ViolationCode), g.clock().Sub(start))

	if result.GatePassed {
		g.logger.DebugContext(ctx, "gate passed",
			"source", req.Source, "endpoint", req.Endpoint, "envelope_id", result.EnvelopeID)
		return result, nil
	}

	violation := &contracts.GateViolation{
		ViolationID:      uuid.NewString(),
		Code:             result.ViolationCode,
		Message:          result.ViolationMessage,
		RequestSource:    req.Source,
		RequestEndpoint:  req.Endpoint,
		RequestMethod:    req.Method,
		TenantID:         req.TenantID,
		WorkspaceID:      req.WorkspaceID,
		RequestUserID:    req.RequestUserID,
		EnvelopeID:       firstNonEmpty(req.EnvelopeID, result.EnvelopeID),
		EnvelopeHash:     req.EnvelopeHash,
		RequestContext:   req.RequestContext,
		ResolutionStatus: contracts.ResolutionOpen,
		ViolatedAt:       g.clock().UTC(),
	}

	// The caller's deadline may be what denied the call; the audit row is
	// written regardless.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), violationWriteTimeout)
	defer cancel()
	if err := g.violations.Insert(writeCtx, violation); err != nil {
		g.logger.ErrorContext(ctx, "violation log write failed",
			"violation_code", violation.Code, "source", req.Source, "endpoint", req.Endpoint, "error", err)
		return result, fmt.Errorf("record gate violation: %w", err)
	}
	result.ViolationID = &violation.ViolationID

	g.logger.WarnContext(ctx, "gate denied",
		"violation_id", violation.ViolationID, "violation_code", violation.Code,
		"source", req.Source, "endpoint", req.Endpoint, "method", req.Method,
		"tenant_id", req.TenantID, "workspace_id", req.WorkspaceID)
	return result, nil
}

func (g *Gate) decide(ctx context.Context, req *CheckRequest) *CheckResult {
	key := envelope.Lookup{EnvelopeID: req.EnvelopeID}
	if key.EnvelopeID == "" {
		key.ContentHash = req.EnvelopeHash
	}
	// boundHash is the hash the presented id must carry.
	boundHash := ""
	if req.EnvelopeID != "" {
		boundHash = req.EnvelopeHash
	}

	if key.EnvelopeID == "" && key.ContentHash == "" {
		if req.Token == "" {
			return deny(contracts.ViolationNoEnvelope, "no envelope reference presented")
		}
		if g.tokens == nil {
			return deny(contracts.ViolationInvalidEnvelope, "seal tokens are not accepted")
		}
		resolved, err := g.tokens.Resolve(req.Token)
		if err != nil {
			return deny(contracts.ViolationInvalidEnvelope, fmt.Sprintf("seal token rejected: %v", err))
		}
		key = envelope.Lookup{EnvelopeID: resolved.EnvelopeID}
		boundHash = resolved.ContentHash
		if key.EnvelopeID == "" {
			key.ContentHash, boundHash = resolved.ContentHash, ""
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	env, err := g.envelopes.Get(lookupCtx, key)
	switch {
	case errors.Is(err, contracts.ErrEnvelopeNotSealed):
		return deny(contracts.ViolationInvalidEnvelope, fmt.Sprintf("no sealed envelope for %s", key))
	case err != nil:
		g.logger.ErrorContext(ctx, "gate lookup failed, denying", "reference", key.String(), "error", err)
		return deny(contracts.ViolationInvalidEnvelope, fmt.Sprintf("envelope %s could not be verified", key))
	}

	if boundHash != "" && env.ContentHash != boundHash {
		r := deny(contracts.ViolationInvalidEnvelope,
			fmt.Sprintf("envelope %s does not carry content_hash %s", env.EnvelopeID, boundHash))
		r.EnvelopeID = env.EnvelopeID
		return r
	}

	status := env.EffectiveStatus(g.clock())
	result := &CheckResult{EnvelopeStatus: status, EnvelopeID: env.EnvelopeID}
	switch status {
	case contracts.EnvelopeSealed:
		result.GatePassed = true
	case contracts.EnvelopeRevoked:
		result.ViolationCode = contracts.ViolationRevokedEnvelope
		result.ViolationMessage = fmt.Sprintf("envelope %s has been revoked", env.EnvelopeID)
	case contracts.EnvelopeExpired:
		result.ViolationCode = contracts.ViolationExpiredEnvelope
		result.ViolationMessage = fmt.Sprintf("envelope %s has expired", env.EnvelopeID)
	default:
		result.ViolationCode = contracts.ViolationInvalidEnvelope
		result.ViolationMessage = fmt.Sprintf("envelope %s has unknown status %q", env.EnvelopeID, status)
	}
	return result
}

// ViolationStatistics summarises violations since the given time. An empty
// source matches every source.
func (g *Gate) ViolationStatistics(ctx context.Context, since time.Time, source string) (*contracts.ViolationStatistics, error) {
	return g.violations.Statistics(ctx, since, source)
}

// Acknowledge marks an OPEN violation as seen.
func (g *Gate) Acknowledge(ctx context.Context, violationID, by string) (*contracts.GateViolation, error) {
	return g.transition(ctx, violationID, contracts.ResolutionAcknowledged, by)
}

// Resolve closes an OPEN or ACKNOWLEDGED violation.
func (g *Gate) Resolve(ctx context.Context, violationID, by string) (*contracts.GateViolation, error) {
	return g.transition(ctx, violationID, contracts.ResolutionResolved, by)
}

func (g *Gate) transition(ctx context.Context, violationID string, to contracts.ResolutionStatus, by string) (*contracts.GateViolation, error) {
	if violationID == "" || by == "" {
		return nil, contracts.Errorf(contracts.CodeInvalidRequest, "violation_id and actor are required")
	}
	current, err := g.violations.Get(ctx, violationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, contracts.Errorf(contracts.CodeViolationNotFound, "violation %s not found", violationID)
	}
	if err != nil {
		return nil, fmt.Errorf("load violation: %w", err)
	}
	if !current.ResolutionStatus.CanTransitionTo(to) {
		return nil, contracts.Errorf(contracts.CodeInvalidTransition,
			"violation %s cannot move from %s to %s", violationID, current.ResolutionStatus, to)
	}

	changed, err := g.violations.Transition(ctx, violationID, current.ResolutionStatus, to, by, g.clock().UTC())
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, contracts.Errorf(contracts.CodeInvalidTransition,
			"violation %s changed concurrently", violationID)
	}

	g.logger.InfoContext(ctx, "violation transitioned",
		"violation_id", violationID, "from", current.ResolutionStatus, "to", to, "by", by)
	return g.violations.Get(ctx, violationID)
}

func deny(code contracts.ViolationCode, msg string) *CheckResult {
	return &CheckResult{ViolationCode: code, ViolationMessage: msg}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
