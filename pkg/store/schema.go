package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/helm/authority/pkg/contracts"
)

// schemaTemplate uses {{json}}, {{ts}} and {{bool}} for the column types that
// differ between dialects, and {{check:<column>:<set>}} for enum constraints.
var schemaTemplate = []string{
	`CREATE TABLE IF NOT EXISTS envelopes (
		envelope_id TEXT PRIMARY KEY,
		envelope_version TEXT NOT NULL,
		content_hash TEXT NOT NULL UNIQUE,
		tenant_id TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		user_id TEXT,
		persona_id TEXT NOT NULL,
		policy_id TEXT NOT NULL,
		policy_version TEXT NOT NULL,
		territory_id TEXT,
		persona_resolution_path {{json}} NOT NULL,
		persona_resolution_scope TEXT,
		territory_resolution_path {{json}} NOT NULL,
		envelope_content {{json}} NOT NULL,
		content_schema TEXT NOT NULL DEFAULT '',
		content_schema_version TEXT NOT NULL DEFAULT '',
		sealed_by TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'SEALED' {{check:status:envelope}},
		sealed_at {{ts}} NOT NULL,
		expires_at {{ts}},
		revoked_at {{ts}},
		revoked_by TEXT,
		revocation_reason TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS replay_attempts (
		replay_id TEXT PRIMARY KEY,
		envelope_id TEXT REFERENCES envelopes (envelope_id),
		envelope_hash TEXT NOT NULL,
		replay_status TEXT NOT NULL {{check:replay_status:replay}},
		error_code TEXT,
		drift_detected {{bool}} NOT NULL DEFAULT FALSE,
		drift_type TEXT,
		drift_details {{json}},
		actor_context {{json}},
		new_output {{json}},
		new_content_hash TEXT,
		initiated_by TEXT NOT NULL,
		source TEXT NOT NULL,
		initiated_at {{ts}} NOT NULL,
		completed_at {{ts}}
	)`,
	`CREATE INDEX IF NOT EXISTS idx_replay_attempts_hash ON replay_attempts (envelope_hash, initiated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_replay_attempts_envelope ON replay_attempts (envelope_id, initiated_at)`,
	`CREATE TABLE IF NOT EXISTS gate_violations (
		violation_id TEXT PRIMARY KEY,
		violation_code TEXT NOT NULL {{check:violation_code:violation}},
		violation_message TEXT NOT NULL,
		request_source TEXT NOT NULL,
		request_endpoint TEXT NOT NULL,
		request_method TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		request_user_id TEXT,
		envelope_id TEXT,
		envelope_hash TEXT,
		request_context TEXT,
		resolution_status TEXT NOT NULL DEFAULT 'OPEN' {{check:resolution_status:resolution}},
		violated_at {{ts}} NOT NULL,
		resolved_at {{ts}},
		resolved_by TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_gate_violations_time ON gate_violations (violated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_gate_violations_source ON gate_violations (request_source, violated_at)`,
	`CREATE TABLE IF NOT EXISTS territories (
		id TEXT PRIMARY KEY,
		slug TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		level TEXT NOT NULL {{check:level:level}},
		coverage_type TEXT NOT NULL {{check:coverage_type:coverage}},
		status TEXT NOT NULL DEFAULT 'active' {{check:status:territory_status}},
		parent_id TEXT REFERENCES territories (id),
		country_code TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_territories_single_global ON territories (level) WHERE level = 'global'`,
	`CREATE TABLE IF NOT EXISTS sub_verticals (
		id TEXT PRIMARY KEY,
		slug TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		eligibility TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS territory_sub_verticals (
		territory_id TEXT NOT NULL REFERENCES territories (id),
		sub_vertical_id TEXT NOT NULL REFERENCES sub_verticals (id),
		PRIMARY KEY (territory_id, sub_vertical_id)
	)`,
	`CREATE TABLE IF NOT EXISTS control_plane_versions (
		version TEXT PRIMARY KEY,
		applied_at {{ts}} NOT NULL,
		description TEXT NOT NULL DEFAULT ''
	)`,
}

func enumSet(name string) []string {
	switch name {
	case "envelope":
		return toStrings(contracts.EnvelopeStatuses())
	case "replay":
		return toStrings(contracts.ReplayStatuses())
	case "violation":
		return toStrings(contracts.ViolationCodes())
	case "resolution":
		return toStrings(contracts.ResolutionStatuses())
	case "level":
		return toStrings(contracts.TerritoryLevels())
	case "coverage":
		return toStrings(contracts.CoverageTypes())
	case "territory_status":
		return toStrings(contracts.TerritoryStatuses())
	}
	panic("store: unknown enum set " + name)
}

func toStrings[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

// Schema renders the DDL statements for a dialect.
func Schema(d Dialect) []string {
	types := strings.NewReplacer(
		"{{json}}", map[Dialect]string{Postgres: "JSONB", SQLite: "TEXT"}[d],
		"{{ts}}", map[Dialect]string{Postgres: "TIMESTAMPTZ", SQLite: "TEXT"}[d],
		"{{bool}}", map[Dialect]string{Postgres: "BOOLEAN", SQLite: "INTEGER"}[d],
	)
	out := make([]string, 0, len(schemaTemplate))
	for _, stmt := range schemaTemplate {
		out = append(out, expandChecks(types.Replace(stmt)))
	}
	return out
}

func expandChecks(stmt string) string {
	for {
		start := strings.Index(stmt, "{{check:")
		if start < 0 {
			return stmt
		}
		end := strings.Index(stmt[start:], "}}") + start
		parts := strings.Split(stmt[start+len("{{check:"):end], ":")
		values := enumSet(parts[1])
		quoted := make([]string, len(values))
		for i, v := range values {
			quoted[i] = "'" + v + "'"
		}
		check := fmt.Sprintf("CHECK (%s IN (%s))", parts[0], strings.Join(quoted, ", "))
		stmt = stmt[:start] + check + stmt[end+2:]
	}
}

// Migrate applies the schema. It is idempotent.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range Schema(d.Dialect) {
		if _, err := d.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
