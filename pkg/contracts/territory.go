package contracts

import "time"

// Territory is a node in the organizational/geographic scope hierarchy.
type Territory struct {
	ID           string          `json:"id" yaml:"id"`
	Slug         string          `json:"slug" yaml:"slug"`
	Name         string          `json:"name" yaml:"name"`
	Level        TerritoryLevel  `json:"level" yaml:"level"`
	CoverageType CoverageType    `json:"coverage_type" yaml:"coverage_type"`
	Status       TerritoryStatus `json:"status" yaml:"status"`
	ParentID     string          `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	CountryCode  string          `json:"country_code,omitempty" yaml:"country_code,omitempty"`
}

// SubVertical is a market segment a territory may serve. Eligibility is an
// optional CEL expression over the candidate territory.
type SubVertical struct {
	ID          string `json:"id" yaml:"id"`
	Slug        string `json:"slug" yaml:"slug"`
	Name        string `json:"name" yaml:"name"`
	Eligibility string `json:"eligibility,omitempty" yaml:"eligibility,omitempty"`
}

// ResolutionStage names one step of territory inheritance.
type ResolutionStage string

const (
	StageExact   ResolutionStage = "EXACT"
	StageSlug    ResolutionStage = "SLUG"
	StageCountry ResolutionStage = "COUNTRY"
	StageGlobal  ResolutionStage = "GLOBAL"
)

// TerritoryResolution is the outcome of resolving a free-form identifier.
type TerritoryResolution struct {
	TerritoryID    string            `json:"territory_id"`
	TerritorySlug  string            `json:"territory_slug"`
	TerritoryLevel TerritoryLevel    `json:"territory_level"`
	MatchedStage   ResolutionStage   `json:"matched_stage"`
	ResolutionPath []ResolutionStage `json:"resolution_path"`
}

// PathStrings renders the resolution path for storage on an envelope.
func (r *TerritoryResolution) PathStrings() []string {
	out := make([]string, len(r.ResolutionPath))
	for i, s := range r.ResolutionPath {
		out[i] = string(s)
	}
	return out
}

// ControlPlaneVersion is one row of the control-plane version ledger.
type ControlPlaneVersion struct {
	Version     string    `json:"version"`
	AppliedAt   time.Time `json:"applied_at"`
	Description string    `json:"description,omitempty"`
}
