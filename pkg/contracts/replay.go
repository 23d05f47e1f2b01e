package contracts

import (
	"encoding/json"
	"time"
)

// DriftTypeHashMismatch is recorded when a replayed output hash differs from
// the sealed one.
const DriftTypeHashMismatch = "HASH_MISMATCH"

// DriftDetails describes a replay divergence. DriftType doubles as the
// storage discriminator.
type DriftDetails struct {
	DriftType    string    `json:"drift_type"`
	ExpectedHash string    `json:"expected_hash"`
	ActualHash   string    `json:"actual_hash"`
	DetectedAt   time.Time `json:"detected_at"`
}

// ReplayAttempt is one append-only replay record.
type ReplayAttempt struct {
	ReplayID       string          `json:"replay_id"`
	EnvelopeID     *string         `json:"envelope_id"`
	EnvelopeHash   string          `json:"envelope_hash"`
	Status         ReplayStatus    `json:"replay_status"`
	ErrorCode      Code            `json:"error_code,omitempty"`
	DriftDetected  bool            `json:"drift_detected"`
	DriftDetails   *DriftDetails   `json:"drift_details,omitempty"`
	ActorContext   json.RawMessage `json:"actor_context,omitempty"`
	NewOutput      json.RawMessage `json:"new_output,omitempty"`
	NewContentHash string          `json:"new_content_hash,omitempty"`
	InitiatedBy    string          `json:"initiated_by"`
	Source         string          `json:"source"`
	InitiatedAt    time.Time       `json:"initiated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}
