package envelope

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm/authority/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm/authority/pkg/contracts"
	"github.com/Mindburn-Labs/helm/authority/pkg/observability"
	"github.com/Mindburn-Labs/helm/authority/pkg/store"
)

// SealRequest carries everything committed by a seal.
type SealRequest struct {
	Version                 string             `json:"envelope_version"`
	ContentHash             string             `json:"content_hash,omitempty"`
	TenantID                string             `json:"tenant_id"`
	WorkspaceID             string             `json:"workspace_id"`
	UserID                  string             `json:"user_id,omitempty"`
	PersonaID               string             `json:"persona_id"`
	PolicyID                string             `json:"policy_id"`
	PolicyVersion           string             `json:"policy_version"`
	TerritoryID             string             `json:"territory_id,omitempty"`
	PersonaResolutionPath   []string           `json:"persona_resolution_path,omitempty"`
	PersonaResolutionScope  string             `json:"persona_resolution_scope,omitempty"`
	TerritoryResolutionPath []string           `json:"territory_resolution_path,omitempty"`
	Content                 contracts.Document `json:"envelope_content"`
	SealedBy                string             `json:"sealed_by"`
	ExpiresAt               *time.Time         `json:"expires_at,omitempty"`
}

// SealResult reports the envelope a seal converged on.
type SealResult struct {
	EnvelopeID  string    `json:"envelope_id"`
	ContentHash string    `json:"content_hash"`
	IsNew       bool      `json:"is_new"`
	SealedAt    time.Time `json:"sealed_at"`
	Token       string    `json:"token,omitempty"`
}

// Lookup addresses an envelope by exactly one of its keys.
type Lookup struct {
	EnvelopeID  string `json:"envelope_id,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
}

func (l Lookup) validate() error {
	hasID, hasHash := l.EnvelopeID != "", l.ContentHash != ""
	switch {
	case hasID && hasHash:
		return contracts.Errorf(contracts.CodeInvalidRequest, "exactly one of envelope_id or content_hash is required, got both")
	case !hasID && !hasHash:
		return contracts.Errorf(contracts.CodeInvalidRequest, "exactly one of envelope_id or content_hash is required")
	}
	return nil
}

func (l Lookup) String() string {
	if l.EnvelopeID != "" {
		return "envelope_id=" + l.EnvelopeID
	}
	return "content_hash=" + l.ContentHash
}

// VerifyResult is the outcome of Verify.
type VerifyResult struct {
	IsValid     bool                     `json:"is_valid"`
	Status      contracts.EnvelopeStatus `json:"status,omitempty"`
	Message     string                   `json:"message"`
	EnvelopeID  string                   `json:"envelope_id,omitempty"`
	ContentHash string                   `json:"content_hash,omitempty"`
}

// ContentResult is the outcome of GetContent.
type ContentResult struct {
	EnvelopeID string             `json:"envelope_id"`
	Version    string             `json:"envelope_version"`
	Hash       string             `json:"content_hash"`
	Content    contracts.Document `json:"envelope_content"`
}

// RevokeRequest revokes a sealed envelope.
type RevokeRequest struct {
	EnvelopeID string `json:"envelope_id"`
	RevokedBy  string `json:"revoked_by"`
	Reason     string `json:"reason,omitempty"`
}

// Archiver copies newly sealed envelopes to long-term storage.
type Archiver interface {
	Archive(ctx context.Context, env *contracts.Envelope) (string, error)
}

// TokenIssuer mints a bearer token bound to a sealed envelope.
type TokenIssuer interface {
	Issue(env *contracts.Envelope) (string, error)
}

// Invalidator is notified when an envelope's status changes.
type Invalidator interface {
	Invalidate(ctx context.Context, env *contracts.Envelope) error
}

// Ledger seals, verifies and reads envelopes.
type Ledger struct {
	db           *store.DB
	store        *SQLStore
	validator    *Validator
	archiver     Archiver
	issuer       TokenIssuer
	invalidators []Invalidator
	metrics      *observability.Metrics
	logger       *slog.Logger
	clock        func() time.Time
}

// NewLedger creates a ledger over a migrated database.
func NewLedger(db *store.DB) *Ledger {
	return &Ledger{
		db:        db,
		store:     NewSQLStore(db),
		validator: NewValidator(),
		logger:    slog.Default().With("component", "envelope-ledger"),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	l.validator = l.validator.WithClock(clock)
	return l
}

// WithLogger sets the logger.
func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	l.logger = logger
	return l
}

// WithSchemas enables content schema validation.
func (l *Ledger) WithSchemas(r *SchemaRegistry) *Ledger {
	l.validator = l.validator.WithSchemas(r)
	return l
}

// WithArchiver archives every newly sealed envelope.
func (l *Ledger) WithArchiver(a Archiver) *Ledger {
	l.archiver = a
	return l
}

// WithTokenIssuer attaches a seal token to every seal result.
func (l *Ledger) WithTokenIssuer(i TokenIssuer) *Ledger {
	l.issuer = i
	return l
}

// WithMetrics records seal counters.
func (l *Ledger) WithMetrics(m *observability.Metrics) *Ledger {
	l.metrics = m
	return l
}

// OnRevoke registers a status-change listener.
func (l *Ledger) OnRevoke(inv Invalidator) *Ledger {
	l.invalidators = append(l.invalidators, inv)
	return l
}

// Seal commits req idempotently on its content hash. Concurrent seals of the
// same hash converge on one envelope; only the writer sees IsNew.
func (l *Ledger) Seal(ctx context.Context, req *SealRequest) (*SealResult, error) {
	if result := l.validator.Validate(req); !result.Valid {
		return nil, contracts.Errorf(contracts.CodeInvalidRequest, "%s", result.Error())
	}

	hash := strings.TrimSpace(req.ContentHash)
	if hash == "" {
		computed, err := canonicalize.DocumentHash(req.Content)
		if err != nil {
			return nil, contracts.Wrap(contracts.CodeInvalidRequest, err, "canonicalize envelope_content")
		}
		hash = computed
	}

	candidate := &contracts.Envelope{
		EnvelopeID:              uuid.NewString(),
		EnvelopeVersion:         req.Version,
		ContentHash:             hash,
		TenantID:                req.TenantID,
		WorkspaceID:             req.WorkspaceID,
		UserID:                  req.UserID,
		PersonaID:               req.PersonaID,
		PolicyID:                req.PolicyID,
		PolicyVersion:           req.PolicyVersion,
		TerritoryID:             req.TerritoryID,
		PersonaResolutionPath:   req.PersonaResolutionPath,
		PersonaResolutionScope:  req.PersonaResolutionScope,
		TerritoryResolutionPath: req.TerritoryResolutionPath,
		Content:                 req.Content,
		SealedBy:                req.SealedBy,
		Status:                  contracts.EnvelopeSealed,
		SealedAt:                l.clock().UTC(),
		ExpiresAt:               req.ExpiresAt,
	}

	env, isNew, err := l.sealOnce(ctx, candidate)
	if err != nil && store.IsUniqueViolation(err) {
		// Lost an insert race the conflict clause could not absorb.
		env, err = l.store.GetByHash(ctx, l.db, hash)
		isNew = false
	}
	if err != nil {
		return nil, fmt.Errorf("seal envelope: %w", err)
	}

	l.metrics.RecordSeal(ctx, isNew)
	if isNew {
		l.logger.InfoContext(ctx, "envelope sealed",
			"envelope_id", env.EnvelopeID, "content_hash", env.ContentHash,
			"tenant_id", env.TenantID, "sealed_by", env.SealedBy)
		l.archive(ctx, env)
	} else {
		l.logger.DebugContext(ctx, "seal converged on existing envelope",
			"envelope_id", env.EnvelopeID, "content_hash", env.ContentHash)
	}

	result := &SealResult{
		EnvelopeID:  env.EnvelopeID,
		ContentHash: env.ContentHash,
		IsNew:       isNew,
		SealedAt:    env.SealedAt,
	}
	if l.issuer != nil {
		token, err := l.issuer.Issue(env)
		if err != nil {
			return nil, fmt.Errorf("issue seal token: %w", err)
		}
		result.Token = token
	}
	return result, nil
}

func (l *Ledger) sealOnce(ctx context.Context, candidate *contracts.Envelope) (*contracts.Envelope, bool, error) {
	var (
		env   *contracts.Envelope
		isNew bool
	)
	err := l.db.InTx(ctx, func(tx *sql.Tx) error {
		existing, err := l.store.GetByHash(ctx, tx, candidate.ContentHash)
		if err == nil {
			env = existing
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		inserted, err := l.store.InsertIfAbsent(ctx, tx, candidate)
		if err != nil {
			return err
		}
		if inserted {
			env, isNew = candidate, true
			return nil
		}
		env, err = l.store.GetByHash(ctx, tx, candidate.ContentHash)
		return err
	})
	return env, isNew, err
}

func (l *Ledger) archive(ctx context.Context, env *contracts.Envelope) {
	if l.archiver == nil {
		return
	}
	ref, err := l.archiver.Archive(ctx, env)
	if err != nil {
		// The ledger row is authoritative; the archive copy can be rebuilt.
		l.logger.WarnContext(ctx, "envelope archive failed", "envelope_id", env.EnvelopeID, "error", err)
		return
	}
	l.logger.DebugContext(ctx, "envelope archived", "envelope_id", env.EnvelopeID, "ref", ref)
}

// Get loads the full envelope record. A missing envelope is reported as
// contracts.ErrEnvelopeNotSealed.
func (l *Ledger) Get(ctx context.Context, key Lookup) (*contracts.Envelope, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	var (
		env *contracts.Envelope
		err error
	)
	if key.EnvelopeID != "" {
		env, err = l.store.GetByID(ctx, l.db, key.EnvelopeID)
	} else {
		env, err = l.store.GetByHash(ctx, l.db, key.ContentHash)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, contracts.Errorf(contracts.CodeEnvelopeNotSealed, "no sealed envelope for %s", key)
	}
	if err != nil {
		return nil, fmt.Errorf("load envelope: %w", err)
	}
	return env, nil
}

// Verify reports whether the addressed envelope is currently valid.
func (l *Ledger) Verify(ctx context.Context, key Lookup) (*VerifyResult, error) {
	env, err := l.Get(ctx, key)
	if errors.Is(err, contracts.ErrEnvelopeNotSealed) {
		return &VerifyResult{IsValid: false, Message: err.Error()}, nil
	}
	if err != nil {
		return nil, err
	}

	status := env.EffectiveStatus(l.clock())
	return &VerifyResult{
		IsValid:     status == contracts.EnvelopeSealed,
		Status:      status,
		Message:     fmt.Sprintf("envelope %s is %s", env.EnvelopeID, status),
		EnvelopeID:  env.EnvelopeID,
		ContentHash: env.ContentHash,
	}, nil
}

// GetContent returns the sealed payload.
func (l *Ledger) GetContent(ctx context.Context, key Lookup) (*ContentResult, error) {
	env, err := l.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return &ContentResult{
		EnvelopeID: env.EnvelopeID,
		Version:    env.EnvelopeVersion,
		Hash:       env.ContentHash,
		Content:    env.Content,
	}, nil
}

// Revoke moves a SEALED envelope to REVOKED and notifies listeners.
func (l *Ledger) Revoke(ctx context.Context, req *RevokeRequest) (*contracts.Envelope, error) {
	if req.EnvelopeID == "" || strings.TrimSpace(req.RevokedBy) == "" {
		return nil, contracts.Errorf(contracts.CodeInvalidRequest, "envelope_id and revoked_by are required")
	}

	changed, err := l.store.Revoke(ctx, req.EnvelopeID, req.RevokedBy, req.Reason, l.clock().UTC())
	if err != nil {
		return nil, fmt.Errorf("revoke envelope: %w", err)
	}
	env, err := l.Get(ctx, Lookup{EnvelopeID: req.EnvelopeID})
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, contracts.Errorf(contracts.CodeInvalidTransition,
			"envelope %s is %s and cannot be revoked", env.EnvelopeID, env.Status)
	}

	l.logger.WarnContext(ctx, "envelope revoked",
		"envelope_id", env.EnvelopeID, "revoked_by", req.RevokedBy, "reason", req.Reason)
	for _, inv := range l.invalidators {
		if err := inv.Invalidate(ctx, env); err != nil {
			l.logger.ErrorContext(ctx, "revocation listener failed", "envelope_id", env.EnvelopeID, "error", err)
		}
	}
	return env, nil
}
