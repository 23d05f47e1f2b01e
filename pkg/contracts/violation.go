package contracts

import (
	"encoding/json"
	"time"
)

// GateViolation is the audit record written for every gate denial.
type GateViolation struct {
	ViolationID      string           `json:"violation_id"`
	Code             ViolationCode    `json:"violation_code"`
	Message          string           `json:"violation_message"`
	RequestSource    string           `json:"request_source"`
	RequestEndpoint  string           `json:"request_endpoint"`
	RequestMethod    string           `json:"request_method"`
	TenantID         string           `json:"tenant_id"`
	WorkspaceID      string           `json:"workspace_id"`
	RequestUserID    string           `json:"request_user_id,omitempty"`
	EnvelopeID       string           `json:"envelope_id,omitempty"`
	EnvelopeHash     string           `json:"envelope_hash,omitempty"`
	RequestContext   json.RawMessage  `json:"request_context,omitempty"`
	ResolutionStatus ResolutionStatus `json:"resolution_status"`
	ViolatedAt       time.Time        `json:"violated_at"`
	ResolvedAt       *time.Time       `json:"resolved_at,omitempty"`
	ResolvedBy       string           `json:"resolved_by,omitempty"`
}

// ViolationStatistics aggregates the violation log.
type ViolationStatistics struct {
	Since            time.Time             `json:"since"`
	SourceFilter     string                `json:"source_filter,omitempty"`
	TotalViolations  int                   `json:"total_violations"`
	UnresolvedCount  int                   `json:"unresolved_count"`
	ByCode           map[ViolationCode]int `json:"by_code"`
	BySource         map[string]int        `json:"by_source"`
	RecentViolations []*GateViolation      `json:"recent_violations"`
}
