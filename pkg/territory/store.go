package territory

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Mindburn-Labs/helm/authority/pkg/contracts"
	"github.com/Mindburn-Labs/helm/authority/pkg/store"
)

const territoryColumns = `id, slug, name, level, coverage_type, status, parent_id, country_code`

// SQLStore reads and upserts territories and sub-verticals.
type SQLStore struct {
	db *store.DB
}

// NewSQLStore creates a territory store over db.
func NewSQLStore(db *store.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Get loads a territory by id regardless of status.
func (s *SQLStore) Get(ctx context.Context, id string) (*contracts.Territory, error) {
	return s.one(ctx, `WHERE id = $1`, id)
}

// ActiveByIDOrName finds an active territory whose id or name equals ident.
func (s *SQLStore) ActiveByIDOrName(ctx context.Context, ident string) (*contracts.Territory, error) {
	return s.one(ctx, `WHERE (id = $1 OR name = $2) AND status = $3 ORDER BY id LIMIT 1`,
		ident, ident, contracts.TerritoryActive)
}

// ActiveBySlug finds an active territory by slug.
func (s *SQLStore) ActiveBySlug(ctx context.Context, slug string) (*contracts.Territory, error) {
	return s.one(ctx, `WHERE slug = $1 AND status = $2`, slug, contracts.TerritoryActive)
}

// Global loads the single global territory.
func (s *SQLStore) Global(ctx context.Context) (*contracts.Territory, error) {
	return s.one(ctx, `WHERE level = $1`, contracts.LevelGlobal)
}

// ActiveCountries lists active country-level territories.
func (s *SQLStore) ActiveCountries(ctx context.Context) ([]*contracts.Territory, error) {
	query := s.db.Rebind(`SELECT ` + territoryColumns + ` FROM territories
		WHERE level = $1 AND status = $2 ORDER BY slug`)
	rows, err := s.db.QueryContext(ctx, query, contracts.LevelCountry, contracts.TerritoryActive)
	if err != nil {
		return nil, fmt.Errorf("list countries: %w", err)
	}
	defer rows.Close()

	var out []*contracts.Territory
	for rows.Next() {
		t, err := scanTerritory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetSubVertical loads a sub-vertical by id.
func (s *SQLStore) GetSubVertical(ctx context.Context, id string) (*contracts.SubVertical, error) {
	query := s.db.Rebind(`SELECT id, slug, name, eligibility FROM sub_verticals WHERE id = $1`)
	var sv contracts.SubVertical
	err := s.db.QueryRowContext(ctx, query, id).Scan(&sv.ID, &sv.Slug, &sv.Name, &sv.Eligibility)
	if err != nil {
		return nil, store.NotFound(err)
	}
	return &sv, nil
}

// Linked reports whether the territory explicitly serves the sub-vertical.
func (s *SQLStore) Linked(ctx context.Context, territoryID, subVerticalID string) (bool, error) {
	query := s.db.Rebind(`SELECT 1 FROM territory_sub_verticals WHERE territory_id = $1 AND sub_vertical_id = $2`)
	var one int
	err := s.db.QueryRowContext(ctx, query, territoryID, subVerticalID).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("check link: %w", err)
	}
	return true, nil
}

// UpsertTerritory inserts or updates t.
func (s *SQLStore) UpsertTerritory(ctx context.Context, q store.Querier, t *contracts.Territory) error {
	query := s.db.Rebind(`INSERT INTO territories (` + territoryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET slug = excluded.slug, name = excluded.name, level = excluded.level,
			coverage_type = excluded.coverage_type, status = excluded.status,
			parent_id = excluded.parent_id, country_code = excluded.country_code`)
	_, err := q.ExecContext(ctx, query,
		t.ID, t.Slug, t.Name, t.Level, t.CoverageType, t.Status,
		store.NullString(t.ParentID), store.NullString(t.CountryCode))
	if err != nil {
		return fmt.Errorf("upsert territory %s: %w", t.ID, store.Classify(err))
	}
	return nil
}

// UpsertSubVertical inserts or updates sv.
func (s *SQLStore) UpsertSubVertical(ctx context.Context, q store.Querier, sv *contracts.SubVertical) error {
	query := s.db.Rebind(`INSERT INTO sub_verticals (id, slug, name, eligibility)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET slug = excluded.slug, name = excluded.name, eligibility = excluded.eligibility`)
	if _, err := q.ExecContext(ctx, query, sv.ID, sv.Slug, sv.Name, sv.Eligibility); err != nil {
		return fmt.Errorf("upsert sub-vertical %s: %w", sv.ID, store.Classify(err))
	}
	return nil
}

// Link records that a territory serves a sub-vertical.
func (s *SQLStore) Link(ctx context.Context, q store.Querier, territoryID, subVerticalID string) error {
	query := s.db.Rebind(`INSERT INTO territory_sub_verticals (territory_id, sub_vertical_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`)
	if _, err := q.ExecContext(ctx, query, territoryID, subVerticalID); err != nil {
		return fmt.Errorf("link %s to %s: %w", territoryID, subVerticalID, store.Classify(err))
	}
	return nil
}

func (s *SQLStore) one(ctx context.Context, where string, args ...any) (*contracts.Territory, error) {
	query := s.db.Rebind(`SELECT ` + territoryColumns + ` FROM territories ` + where)
	t, err := scanTerritory(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, store.NotFound(err)
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTerritory(row rowScanner) (*contracts.Territory, error) {
	var (
		t                    contracts.Territory
		parentID, countryISO sql.NullString
	)
	if err := row.Scan(&t.ID, &t.Slug, &t.Name, &t.Level, &t.CoverageType, &t.Status, &parentID, &countryISO); err != nil {
		return nil, err
	}
	t.ParentID = parentID.String
	t.CountryCode = countryISO.String
	return &t, nil
}
