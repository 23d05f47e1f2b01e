package gate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm/authority/pkg/contracts"
	"github.com/Mindburn-Labs/helm/authority/pkg/store"
)

// RecentViolationLimit bounds the recent list in statistics.
const RecentViolationLimit = 10

const violationColumns = `violation_id, violation_code, violation_message, request_source, request_endpoint,
	request_method, tenant_id, workspace_id, request_user_id, envelope_id, envelope_hash, request_context,
	resolution_status, violated_at, resolved_at, resolved_by`

// ViolationStore is the append-only violation log. Only the resolution
// columns are ever updated.
type ViolationStore struct {
	db *store.DB
}

// NewViolationStore creates a violation log over db.
func NewViolationStore(db *store.DB) *ViolationStore {
	return &ViolationStore{db: db}
}

// Insert appends v.
func (s *ViolationStore) Insert(ctx context.Context, v *contracts.GateViolation) error {
	var reqCtx any
	if len(v.RequestContext) > 0 {
		reqCtx = string(v.RequestContext)
	}
	query := s.db.Rebind(`INSERT INTO gate_violations (` + violationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`)
	_, err := s.db.ExecContext(ctx, query,
		v.ViolationID, v.Code, v.Message, v.RequestSource, v.RequestEndpoint,
		v.RequestMethod, v.TenantID, v.WorkspaceID, store.NullString(v.RequestUserID),
		store.NullString(v.EnvelopeID), store.NullString(v.EnvelopeHash), reqCtx,
		v.ResolutionStatus, s.db.TimeArg(v.ViolatedAt), s.db.NullTimeArg(v.ResolvedAt), store.NullString(v.ResolvedBy),
	)
	if err != nil {
		return fmt.Errorf("insert violation: %w", store.Classify(err))
	}
	return nil
}

// Get loads one violation.
func (s *ViolationStore) Get(ctx context.Context, violationID string) (*contracts.GateViolation, error) {
	query := s.db.Rebind(`SELECT ` + violationColumns + ` FROM gate_violations WHERE violation_id = $1`)
	v, err := scanViolation(s.db.QueryRowContext(ctx, query, violationID))
	if err != nil {
		return nil, store.NotFound(err)
	}
	return v, nil
}

// Transition moves a violation from one resolution status to another and
// records who made the latest transition. It reports false when the
// violation was not in from.
func (s *ViolationStore) Transition(ctx context.Context, violationID string, from, to contracts.ResolutionStatus, by string, at time.Time) (bool, error) {
	query := s.db.Rebind(`UPDATE gate_violations
		SET resolution_status = $1, resolved_at = $2, resolved_by = $3
		WHERE violation_id = $4 AND resolution_status = $5`)
	res, err := s.db.ExecContext(ctx, query, to, s.db.TimeArg(at), by, violationID, from)
	if err != nil {
		return false, fmt.Errorf("update violation: %w", store.Classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// Statistics aggregates violations at or after since, optionally for one
// request source.
func (s *ViolationStore) Statistics(ctx context.Context, since time.Time, source string) (*contracts.ViolationStatistics, error) {
	stats := &contracts.ViolationStatistics{
		Since:            since.UTC(),
		SourceFilter:     source,
		ByCode:           make(map[contracts.ViolationCode]int),
		BySource:         make(map[string]int),
		RecentViolations: []*contracts.GateViolation{},
	}

	where, args := `violated_at >= $1`, []any{s.db.TimeArg(since)}
	if source != "" {
		where += ` AND request_source = $2`
		args = append(args, source)
	}

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`SELECT violation_code, request_source, resolution_status, COUNT(*)
		FROM gate_violations WHERE `+where+`
		GROUP BY violation_code, request_source, resolution_status`), args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate violations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			code   contracts.ViolationCode
			src    string
			status contracts.ResolutionStatus
			n      int
		)
		if err := rows.Scan(&code, &src, &status, &n); err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		stats.TotalViolations += n
		stats.ByCode[code] += n
		stats.BySource[src] += n
		if status != contracts.ResolutionResolved {
			stats.UnresolvedCount += n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	recent, err := s.db.QueryContext(ctx, s.db.Rebind(`SELECT `+violationColumns+`
		FROM gate_violations WHERE `+where+`
		ORDER BY violated_at DESC, violation_id DESC LIMIT `+fmt.Sprint(RecentViolationLimit)), args...)
	if err != nil {
		return nil, fmt.Errorf("recent violations: %w", err)
	}
	defer recent.Close()
	for recent.Next() {
		v, err := scanViolation(recent)
		if err != nil {
			return nil, err
		}
		stats.RecentViolations = append(stats.RecentViolations, v)
	}
	return stats, recent.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanViolation(row rowScanner) (*contracts.GateViolation, error) {
	var (
		v                                    contracts.GateViolation
		userID, envelopeID, envelopeHash, by sql.NullString
		reqCtx                               []byte
		violatedAt, resolvedAt               store.Time
	)
	err := row.Scan(
		&v.ViolationID, &v.Code, &v.Message, &v.RequestSource, &v.RequestEndpoint,
		&v.RequestMethod, &v.TenantID, &v.WorkspaceID, &userID, &envelopeID, &envelopeHash, &reqCtx,
		&v.ResolutionStatus, &violatedAt, &resolvedAt, &by,
	)
	if err != nil {
		return nil, err
	}
	v.RequestUserID = userID.String
	v.EnvelopeID = envelopeID.String
	v.EnvelopeHash = envelopeHash.String
	v.ResolvedBy = by.String
	if len(reqCtx) > 0 {
		v.RequestContext = json.RawMessage(append([]byte(nil), reqCtx...))
	}
	v.ViolatedAt = violatedAt.Time
	v.ResolvedAt = resolvedAt.Ptr()
	return &v, nil
}
