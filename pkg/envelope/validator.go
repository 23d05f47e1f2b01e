// Package envelope implements the envelope ledger: sealing execution
// contexts into content-addressed, idempotent records and reading them back.
//
// A sealed envelope is permanent. Only its status moves, SEALED to REVOKED by
// explicit revocation, and expiry is evaluated lazily from expires_at.
package envelope

import (
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// ValidationError represents a specific validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code)
}

// ValidationResult contains the outcome of seal request validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Error joins the individual failures into one message.
func (r *ValidationResult) Error() string {
	parts := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

// Validator checks seal requests for structural correctness before they
// reach the ledger.
type Validator struct {
	schemas *SchemaRegistry
	clock   func() time.Time
}

// NewValidator creates a seal request validator.
func NewValidator() *Validator {
	return &Validator{clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (v *Validator) WithClock(clock func() time.Time) *Validator {
	v.clock = clock
	return v
}

// WithSchemas validates tagged content against registered JSON Schemas.
func (v *Validator) WithSchemas(r *SchemaRegistry) *Validator {
	v.schemas = r
	return v
}

// Validate is fail-closed: any structural issue fails the request.
func (v *Validator) Validate(req *SealRequest) *ValidationResult {
	result := &ValidationResult{Valid: true}

	v.requireNonEmpty(result, "envelope_version", req.Version)
	v.requireNonEmpty(result, "tenant_id", req.TenantID)
	v.requireNonEmpty(result, "workspace_id", req.WorkspaceID)
	v.requireNonEmpty(result, "persona_id", req.PersonaID)
	v.requireNonEmpty(result, "policy_id", req.PolicyID)
	v.requireNonEmpty(result, "policy_version", req.PolicyVersion)
	v.requireNonEmpty(result, "sealed_by", req.SealedBy)

	if req.Version != "" {
		if _, err := semver.NewVersion(req.Version); err != nil {
			v.addError(result, "envelope_version", "INVALID_VALUE",
				fmt.Sprintf("envelope_version %q is not a semantic version", req.Version))
		}
	}

	if strings.ContainsAny(req.ContentHash, " \t\r\n") {
		v.addError(result, "content_hash", "INVALID_VALUE", "content_hash must not contain whitespace")
	}

	if req.Content.IsZero() {
		v.addError(result, "envelope_content", "REQUIRED", "envelope_content is required")
	} else if v.schemas != nil {
		if err := v.schemas.Validate(req.Content); err != nil {
			v.addError(result, "envelope_content", "SCHEMA_VIOLATION", err.Error())
		}
	}

	if req.ExpiresAt != nil && !req.ExpiresAt.After(v.clock()) {
		v.addError(result, "expires_at", "EXPIRED",
			fmt.Sprintf("expires_at %s is not in the future", req.ExpiresAt.UTC().Format(time.RFC3339)))
	}

	for i, step := range req.PersonaResolutionPath {
		if step == "" {
			v.addError(result, fmt.Sprintf("persona_resolution_path[%d]", i), "INVALID_VALUE", "empty path element")
		}
	}
	for i, step := range req.TerritoryResolutionPath {
		if step == "" {
			v.addError(result, fmt.Sprintf("territory_resolution_path[%d]", i), "INVALID_VALUE", "empty path element")
		}
	}

	return result
}

func (v *Validator) requireNonEmpty(result *ValidationResult, field, value string) {
	if strings.TrimSpace(value) == "" {
		v.addError(result, field, "REQUIRED", fmt.Sprintf("%s is required", field))
	}
}

func (v *Validator) addError(result *ValidationResult, field, code, message string) {
	result.Valid = false
	result.Errors = append(result.Errors, ValidationError{
		Field:   field,
		Code:    code,
		Message: message,
	})
}
