package contracts

import "time"

// Envelope is a sealed execution context. Everything except the status and
// revocation fields is immutable once written.
type Envelope struct {
	EnvelopeID              string         `json:"envelope_id"`
	EnvelopeVersion         string         `json:"envelope_version"`
	ContentHash             string         `json:"content_hash"`
	TenantID                string         `json:"tenant_id"`
	WorkspaceID             string         `json:"workspace_id"`
	UserID                  string         `json:"user_id,omitempty"`
	PersonaID               string         `json:"persona_id"`
	PolicyID                string         `json:"policy_id"`
	PolicyVersion           string         `json:"policy_version"`
	TerritoryID             string         `json:"territory_id,omitempty"`
	PersonaResolutionPath   []string       `json:"persona_resolution_path"`
	PersonaResolutionScope  string         `json:"persona_resolution_scope,omitempty"`
	TerritoryResolutionPath []string       `json:"territory_resolution_path"`
	Content                 Document       `json:"envelope_content"`
	SealedBy                string         `json:"sealed_by"`
	Status                  EnvelopeStatus `json:"status"`
	SealedAt                time.Time      `json:"sealed_at"`
	ExpiresAt               *time.Time     `json:"expires_at,omitempty"`
	RevokedAt               *time.Time     `json:"revoked_at,omitempty"`
	RevokedBy               string         `json:"revoked_by,omitempty"`
	RevocationReason        string         `json:"revocation_reason,omitempty"`
}

// EffectiveStatus applies lazy expiry: a SEALED envelope past its expiry
// reads as EXPIRED. Revocation takes precedence over expiry.
func (e *Envelope) EffectiveStatus(now time.Time) EnvelopeStatus {
	if e.Status == EnvelopeSealed && e.ExpiresAt != nil && !now.Before(*e.ExpiresAt) {
		return EnvelopeExpired
	}
	return e.Status
}
