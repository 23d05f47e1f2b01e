// Package versioning keeps the control-plane version ledger: an append-only
// record of which governance contract is active. The current version is the
// most recently applied row; nothing caches it.
package versioning

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/helm/authority/pkg/contracts"
	"github.com/Mindburn-Labs/helm/authority/pkg/store"
)

// Builtin is the governance contract shipped with this build. EnsureBuiltin
// records it on an empty ledger.
const Builtin = "1.0.0"

// Ledger reads and appends control-plane versions.
type Ledger struct {
	db     *store.DB
	clock  func() time.Time
	logger *slog.Logger
}

// NewLedger creates a ledger over db.
func NewLedger(db *store.DB) *Ledger {
	return &Ledger{
		db:     db,
		clock:  time.Now,
		logger: slog.Default().With("component", "control-plane-versions"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// WithLogger sets the logger.
func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	l.logger = logger
	return l
}

// Parse validates a control-plane version string.
func Parse(version string) (*semver.Version, error) {
	v, err := semver.StrictNewVersion(version)
	if err != nil {
		return nil, contracts.Wrap(contracts.CodeInvalidRequest, err,
			fmt.Sprintf("control-plane version %q is not semantic", version))
	}
	return v, nil
}

// Current returns the latest applied version. Rows sharing the latest
// applied_at are ordered by semantic precedence.
func (l *Ledger) Current(ctx context.Context) (*contracts.ControlPlaneVersion, error) {
	return current(ctx, l.db)
}

func current(ctx context.Context, q store.Querier) (*contracts.ControlPlaneVersion, error) {
	rows, err := q.QueryContext(ctx, `SELECT version, applied_at, description FROM control_plane_versions
		WHERE applied_at = (SELECT MAX(applied_at) FROM control_plane_versions)`)
	if err != nil {
		return nil, fmt.Errorf("query control-plane version: %w", err)
	}
	defer rows.Close()

	var (
		best    *contracts.ControlPlaneVersion
		bestVer *semver.Version
	)
	for rows.Next() {
		var (
			row contracts.ControlPlaneVersion
			at  store.Time
		)
		if err := rows.Scan(&row.Version, &at, &row.Description); err != nil {
			return nil, fmt.Errorf("scan control-plane version: %w", err)
		}
		row.AppliedAt = at.Time
		v, err := semver.NewVersion(row.Version)
		if err != nil {
			continue
		}
		if bestVer == nil || v.GreaterThan(bestVer) {
			r := row
			best, bestVer = &r, v
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if best == nil {
		return nil, contracts.Errorf(contracts.CodeControlPlaneNotConfigured, "no control-plane version has been applied")
	}
	return best, nil
}

// History lists applied versions, newest first. Rows sharing an applied_at
// are ordered by semantic precedence, as in Current.
func (l *Ledger) History(ctx context.Context) ([]contracts.ControlPlaneVersion, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT version, applied_at, description FROM control_plane_versions
		ORDER BY applied_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list control-plane versions: %w", err)
	}
	defer rows.Close()

	out := []contracts.ControlPlaneVersion{}
	for rows.Next() {
		var (
			row contracts.ControlPlaneVersion
			at  store.Time
		)
		if err := rows.Scan(&row.Version, &at, &row.Description); err != nil {
			return nil, fmt.Errorf("scan control-plane version: %w", err)
		}
		row.AppliedAt = at.Time
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.SortStableFunc(out, func(a, b contracts.ControlPlaneVersion) int {
		if c := b.AppliedAt.Compare(a.AppliedAt); c != 0 {
			return c
		}
		return compareVersions(b.Version, a.Version)
	})
	return out, nil
}

// compareVersions orders by semver precedence. Unparseable versions sort
// below parseable ones.
func compareVersions(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return va.Compare(vb)
}

// Apply appends version to the ledger. It must be strictly greater than the
// current version.
func (l *Ledger) Apply(ctx context.Context, version, description string) (*contracts.ControlPlaneVersion, error) {
	next, err := Parse(version)
	if err != nil {
		return nil, err
	}

	applied := &contracts.ControlPlaneVersion{
		Version:     next.String(),
		AppliedAt:   l.clock().UTC(),
		Description: description,
	}
	err = l.db.InTx(ctx, func(tx *sql.Tx) error {
		if l.db.Dialect == store.Postgres {
			if _, err := tx.ExecContext(ctx, `LOCK TABLE control_plane_versions IN EXCLUSIVE MODE`); err != nil {
				return fmt.Errorf("lock control-plane versions: %w", err)
			}
		}
		cur, err := current(ctx, tx)
		switch {
		case contracts.CodeOf(err) == contracts.CodeControlPlaneNotConfigured:
		case err != nil:
			return err
		default:
			curVer, perr := semver.NewVersion(cur.Version)
			if perr == nil && !next.GreaterThan(curVer) {
				return contracts.Errorf(contracts.CodeVersionNotMonotonic,
					"control-plane version %s does not advance past %s", applied.Version, cur.Version)
			}
			if applied.AppliedAt.Before(cur.AppliedAt) {
				applied.AppliedAt = cur.AppliedAt
			}
		}

		query := l.db.Rebind(`INSERT INTO control_plane_versions (version, applied_at, description) VALUES ($1, $2, $3)`)
		if _, err := tx.ExecContext(ctx, query, applied.Version, l.db.TimeArg(applied.AppliedAt), applied.Description); err != nil {
			if store.IsUniqueViolation(err) {
				return contracts.Errorf(contracts.CodeVersionNotMonotonic, "control-plane version %s was already applied", applied.Version)
			}
			return fmt.Errorf("insert control-plane version: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.InfoContext(ctx, "control-plane version applied", "version", applied.Version, "description", description)
	return applied, nil
}

// EnsureBuiltin applies Builtin when the ledger is empty.
func (l *Ledger) EnsureBuiltin(ctx context.Context) (*contracts.ControlPlaneVersion, error) {
	cur, err := l.Current(ctx)
	if contracts.CodeOf(err) == contracts.CodeControlPlaneNotConfigured {
		return l.Apply(ctx, Builtin, "initial governance contract")
	}
	return cur, err
}
