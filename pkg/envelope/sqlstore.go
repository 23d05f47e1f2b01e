package envelope

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm/authority/pkg/contracts"
	"github.com/Mindburn-Labs/helm/authority/pkg/store"
)

const envelopeColumns = `envelope_id, envelope_version, content_hash, tenant_id, workspace_id, user_id,
	persona_id, policy_id, policy_version, territory_id, persona_resolution_path, persona_resolution_scope,
	territory_resolution_path, envelope_content, content_schema, content_schema_version, sealed_by, status,
	sealed_at, expires_at, revoked_at, revoked_by, revocation_reason`

// SQLStore persists envelopes. It never deletes and only updates the status
// and revocation columns.
type SQLStore struct {
	db *store.DB
}

// NewSQLStore creates an envelope store over db.
func NewSQLStore(db *store.DB) *SQLStore {
	return &SQLStore{db: db}
}

// InsertIfAbsent inserts env unless an envelope with the same content hash
// exists. It reports whether a row was written.
func (s *SQLStore) InsertIfAbsent(ctx context.Context, q store.Querier, env *contracts.Envelope) (bool, error) {
	personaPath, err := marshalPath(env.PersonaResolutionPath)
	if err != nil {
		return false, err
	}
	territoryPath, err := marshalPath(env.TerritoryResolutionPath)
	if err != nil {
		return false, err
	}

	query := s.db.Rebind(`INSERT INTO envelopes (` + envelopeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		ON CONFLICT (content_hash) DO NOTHING`)

	res, err := q.ExecContext(ctx, query,
		env.EnvelopeID, env.EnvelopeVersion, env.ContentHash, env.TenantID, env.WorkspaceID, store.NullString(env.UserID),
		env.PersonaID, env.PolicyID, env.PolicyVersion, store.NullString(env.TerritoryID), personaPath, store.NullString(env.PersonaResolutionScope),
		territoryPath, string(env.Content.BodyOrNull()), env.Content.Schema, env.Content.SchemaVersion, env.SealedBy, env.Status,
		s.db.TimeArg(env.SealedAt), s.db.NullTimeArg(env.ExpiresAt), s.db.NullTimeArg(env.RevokedAt), store.NullString(env.RevokedBy), store.NullString(env.RevocationReason),
	)
	if err != nil {
		return false, store.Classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// GetByID loads an envelope by id.
func (s *SQLStore) GetByID(ctx context.Context, q store.Querier, envelopeID string) (*contracts.Envelope, error) {
	return s.getOne(ctx, q, "envelope_id", envelopeID)
}

// GetByHash loads an envelope by content hash.
func (s *SQLStore) GetByHash(ctx context.Context, q store.Querier, contentHash string) (*contracts.Envelope, error) {
	return s.getOne(ctx, q, "content_hash", contentHash)
}

func (s *SQLStore) getOne(ctx context.Context, q store.Querier, column, key string) (*contracts.Envelope, error) {
	query := s.db.Rebind(`SELECT ` + envelopeColumns + ` FROM envelopes WHERE ` + column + ` = $1`)
	env, err := scanEnvelope(q.QueryRowContext(ctx, query, key))
	if err != nil {
		return nil, store.NotFound(err)
	}
	return env, nil
}

// Revoke moves a SEALED envelope to REVOKED. It reports whether a row changed.
func (s *SQLStore) Revoke(ctx context.Context, envelopeID, revokedBy, reason string, at time.Time) (bool, error) {
	query := s.db.Rebind(`UPDATE envelopes
		SET status = $1, revoked_at = $2, revoked_by = $3, revocation_reason = $4
		WHERE envelope_id = $5 AND status = $6`)
	res, err := s.db.ExecContext(ctx, query,
		contracts.EnvelopeRevoked, s.db.TimeArg(at), revokedBy, store.NullString(reason),
		envelopeID, contracts.EnvelopeSealed,
	)
	if err != nil {
		return false, store.Classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func marshalPath(path []string) (string, error) {
	if path == nil {
		path = []string{}
	}
	b, err := json.Marshal(path)
	if err != nil {
		return "", fmt.Errorf("marshal resolution path: %w", err)
	}
	return string(b), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row rowScanner) (*contracts.Envelope, error) {
	var (
		env                                 contracts.Envelope
		userID, territoryID, scope          sql.NullString
		revokedBy, reason                   sql.NullString
		personaPath, territoryPath, content []byte
		sealedAt, expiresAt, revokedAt      store.Time
	)
	err := row.Scan(
		&env.EnvelopeID, &env.EnvelopeVersion, &env.ContentHash, &env.TenantID, &env.WorkspaceID, &userID,
		&env.PersonaID, &env.PolicyID, &env.PolicyVersion, &territoryID, &personaPath, &scope,
		&territoryPath, &content, &env.Content.Schema, &env.Content.SchemaVersion, &env.SealedBy, &env.Status,
		&sealedAt, &expiresAt, &revokedAt, &revokedBy, &reason,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(personaPath, &env.PersonaResolutionPath); err != nil {
		return nil, fmt.Errorf("decode persona_resolution_path: %w", err)
	}
	if err := json.Unmarshal(territoryPath, &env.TerritoryResolutionPath); err != nil {
		return nil, fmt.Errorf("decode territory_resolution_path: %w", err)
	}
	env.Content.Body = json.RawMessage(content)
	env.UserID = userID.String
	env.TerritoryID = territoryID.String
	env.PersonaResolutionScope = scope.String
	env.SealedAt = sealedAt.Time
	env.ExpiresAt = expiresAt.Ptr()
	env.RevokedAt = revokedAt.Ptr()
	env.RevokedBy = revokedBy.String
	env.RevocationReason = reason.String
	return &env, nil
}
