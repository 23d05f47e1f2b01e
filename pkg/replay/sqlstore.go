package replay

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm/authority/pkg/contracts"
	"github.com/Mindburn-Labs/helm/authority/pkg/store"
)

const attemptColumns = `replay_id, envelope_id, envelope_hash, replay_status, error_code, drift_detected,
	drift_type, drift_details, actor_context, new_output, new_content_hash, initiated_by, source,
	initiated_at, completed_at`

// SQLStore persists replay attempts. Rows are inserted once and updated once,
// from PENDING to a terminal status.
type SQLStore struct {
	db *store.DB
}

// NewSQLStore creates a replay attempt store over db.
func NewSQLStore(db *store.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Insert appends a new attempt.
func (s *SQLStore) Insert(ctx context.Context, a *contracts.ReplayAttempt) error {
	var envelopeID sql.NullString
	if a.EnvelopeID != nil {
		envelopeID = sql.NullString{String: *a.EnvelopeID, Valid: true}
	}
	query := s.db.Rebind(`INSERT INTO replay_attempts (` + attemptColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`)
	_, err := s.db.ExecContext(ctx, query,
		a.ReplayID, envelopeID, a.EnvelopeHash, a.Status, store.NullString(string(a.ErrorCode)), a.DriftDetected,
		nil, nil, nullJSON(a.ActorContext), nil, nil, a.InitiatedBy, a.Source,
		s.db.TimeArg(a.InitiatedAt), s.db.NullTimeArg(a.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert replay attempt: %w", store.Classify(err))
	}
	return nil
}

// Complete writes the terminal outcome of a PENDING attempt. It reports
// false when the attempt is missing or already terminal.
func (s *SQLStore) Complete(ctx context.Context, a *contracts.ReplayAttempt) (bool, error) {
	var driftType, driftDetails any
	if a.DriftDetails != nil {
		raw, err := json.Marshal(a.DriftDetails)
		if err != nil {
			return false, fmt.Errorf("marshal drift details: %w", err)
		}
		driftType, driftDetails = a.DriftDetails.DriftType, string(raw)
	}

	query := s.db.Rebind(`UPDATE replay_attempts
		SET replay_status = $1, error_code = $2, drift_detected = $3, drift_type = $4, drift_details = $5,
			new_output = $6, new_content_hash = $7, completed_at = $8
		WHERE replay_id = $9 AND replay_status = $10`)
	res, err := s.db.ExecContext(ctx, query,
		a.Status, store.NullString(string(a.ErrorCode)), a.DriftDetected, driftType, driftDetails,
		nullJSON(a.NewOutput), store.NullString(a.NewContentHash), s.db.NullTimeArg(a.CompletedAt),
		a.ReplayID, contracts.ReplayPending,
	)
	if err != nil {
		return false, fmt.Errorf("complete replay attempt: %w", store.Classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// Get loads one attempt.
func (s *SQLStore) Get(ctx context.Context, replayID string) (*contracts.ReplayAttempt, error) {
	query := s.db.Rebind(`SELECT ` + attemptColumns + ` FROM replay_attempts WHERE replay_id = $1`)
	a, err := scanAttempt(s.db.QueryRowContext(ctx, query, replayID))
	if err != nil {
		return nil, store.NotFound(err)
	}
	return a, nil
}

// List returns attempts newest first. Empty filters match every attempt.
func (s *SQLStore) List(ctx context.Context, envelopeID, envelopeHash string, limit int) ([]*contracts.ReplayAttempt, error) {
	var (
		where []string
		args  []any
	)
	if envelopeID != "" {
		args = append(args, envelopeID)
		where = append(where, fmt.Sprintf("envelope_id = $%d", len(args)))
	}
	if envelopeHash != "" {
		args = append(args, envelopeHash)
		where = append(where, fmt.Sprintf("envelope_hash = $%d", len(args)))
	}

	query := `SELECT ` + attemptColumns + ` FROM replay_attempts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY initiated_at DESC, replay_id DESC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list replay attempts: %w", err)
	}
	defer rows.Close()

	var out []*contracts.ReplayAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (*contracts.ReplayAttempt, error) {
	var (
		a                                contracts.ReplayAttempt
		envelopeID, errorCode, driftType sql.NullString
		newHash                          sql.NullString
		driftDetails, actor, output      []byte
		initiatedAt, completedAt         store.Time
	)
	err := row.Scan(
		&a.ReplayID, &envelopeID, &a.EnvelopeHash, &a.Status, &errorCode, &a.DriftDetected,
		&driftType, &driftDetails, &actor, &output, &newHash, &a.InitiatedBy, &a.Source,
		&initiatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if envelopeID.Valid {
		id := envelopeID.String
		a.EnvelopeID = &id
	}
	if len(driftDetails) > 0 {
		a.DriftDetails = &contracts.DriftDetails{}
		if err := json.Unmarshal(driftDetails, a.DriftDetails); err != nil {
			return nil, fmt.Errorf("decode drift_details: %w", err)
		}
		// The column is the discriminator of record.
		if driftType.Valid {
			a.DriftDetails.DriftType = driftType.String
		}
	}
	a.ErrorCode = contracts.Code(errorCode.String)
	a.ActorContext = rawOrNil(actor)
	a.NewOutput = rawOrNil(output)
	a.NewContentHash = newHash.String
	a.InitiatedAt = initiatedAt.Time
	a.CompletedAt = completedAt.Ptr()
	return &a, nil
}

func rawOrNil(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(append([]byte(nil), b...))
}

func timePtr(t time.Time) *time.Time {
	return &t
}
