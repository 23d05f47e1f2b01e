package contracts

import (
	"database/sql/driver"
	"fmt"
)

// EnvelopeStatus is the lifecycle state of a sealed envelope.
type EnvelopeStatus string

const (
	EnvelopeSealed  EnvelopeStatus = "SEALED"
	EnvelopeRevoked EnvelopeStatus = "REVOKED"
	EnvelopeExpired EnvelopeStatus = "EXPIRED"
)

// ReplayStatus is the state of a replay attempt. Only PENDING is non-terminal.
type ReplayStatus string

const (
	ReplayPending       ReplayStatus = "PENDING"
	ReplaySuccess       ReplayStatus = "SUCCESS"
	ReplayDriftDetected ReplayStatus = "DRIFT_DETECTED"
	ReplayError         ReplayStatus = "ERROR"
)

// Terminal reports whether the status can no longer change.
func (s ReplayStatus) Terminal() bool {
	return s != ReplayPending
}

// ViolationCode identifies why the runtime gate denied a call.
type ViolationCode string

const (
	ViolationNoEnvelope      ViolationCode = "NO_ENVELOPE"
	ViolationInvalidEnvelope ViolationCode = "INVALID_ENVELOPE"
	ViolationRevokedEnvelope ViolationCode = "REVOKED_ENVELOPE"
	ViolationExpiredEnvelope ViolationCode = "EXPIRED_ENVELOPE"
)

// ResolutionStatus tracks operator handling of a violation.
type ResolutionStatus string

const (
	ResolutionOpen         ResolutionStatus = "OPEN"
	ResolutionAcknowledged ResolutionStatus = "ACKNOWLEDGED"
	ResolutionResolved     ResolutionStatus = "RESOLVED"
)

// CanTransitionTo reports whether a violation may move from s to next.
// Resolution only moves forward.
func (s ResolutionStatus) CanTransitionTo(next ResolutionStatus) bool {
	switch s {
	case ResolutionOpen:
		return next == ResolutionAcknowledged || next == ResolutionResolved
	case ResolutionAcknowledged:
		return next == ResolutionResolved
	default:
		return false
	}
}

// CoverageType describes how a territory applies to sub-verticals.
type CoverageType string

const (
	CoverageSingle CoverageType = "SINGLE"
	CoverageMulti  CoverageType = "MULTI"
	CoverageGlobal CoverageType = "GLOBAL"
)

// TerritoryLevel is the position of a territory in the scope hierarchy.
type TerritoryLevel string

const (
	LevelGlobal  TerritoryLevel = "global"
	LevelCountry TerritoryLevel = "country"
	LevelRegion  TerritoryLevel = "region"
	LevelCity    TerritoryLevel = "city"
)

// TerritoryStatus marks whether a territory participates in resolution.
type TerritoryStatus string

const (
	TerritoryActive   TerritoryStatus = "active"
	TerritoryInactive TerritoryStatus = "inactive"
)

var (
	envelopeStatuses   = []EnvelopeStatus{EnvelopeSealed, EnvelopeRevoked, EnvelopeExpired}
	replayStatuses     = []ReplayStatus{ReplayPending, ReplaySuccess, ReplayDriftDetected, ReplayError}
	violationCodes     = []ViolationCode{ViolationNoEnvelope, ViolationInvalidEnvelope, ViolationRevokedEnvelope, ViolationExpiredEnvelope}
	resolutionStatuses = []ResolutionStatus{ResolutionOpen, ResolutionAcknowledged, ResolutionResolved}
	coverageTypes      = []CoverageType{CoverageSingle, CoverageMulti, CoverageGlobal}
	territoryLevels    = []TerritoryLevel{LevelGlobal, LevelCountry, LevelRegion, LevelCity}
	territoryStatuses  = []TerritoryStatus{TerritoryActive, TerritoryInactive}
)

// EnvelopeStatuses returns the closed set of envelope statuses.
func EnvelopeStatuses() []EnvelopeStatus { return append([]EnvelopeStatus(nil), envelopeStatuses...) }

// ReplayStatuses returns the closed set of replay statuses.
func ReplayStatuses() []ReplayStatus { return append([]ReplayStatus(nil), replayStatuses...) }

// ViolationCodes returns the closed set of violation codes.
func ViolationCodes() []ViolationCode { return append([]ViolationCode(nil), violationCodes...) }

// ResolutionStatuses returns the closed set of resolution statuses.
func ResolutionStatuses() []ResolutionStatus {
	return append([]ResolutionStatus(nil), resolutionStatuses...)
}

// CoverageTypes returns the closed set of coverage types.
func CoverageTypes() []CoverageType { return append([]CoverageType(nil), coverageTypes...) }

// TerritoryLevels returns the closed set of territory levels.
func TerritoryLevels() []TerritoryLevel { return append([]TerritoryLevel(nil), territoryLevels...) }

// TerritoryStatuses returns the closed set of territory statuses.
func TerritoryStatuses() []TerritoryStatus {
	return append([]TerritoryStatus(nil), territoryStatuses...)
}

func (s EnvelopeStatus) Valid() bool   { return member(s, envelopeStatuses) }
func (s ReplayStatus) Valid() bool     { return member(s, replayStatuses) }
func (c ViolationCode) Valid() bool    { return member(c, violationCodes) }
func (s ResolutionStatus) Valid() bool { return member(s, resolutionStatuses) }
func (c CoverageType) Valid() bool     { return member(c, coverageTypes) }
func (l TerritoryLevel) Valid() bool   { return member(l, territoryLevels) }
func (s TerritoryStatus) Valid() bool  { return member(s, territoryStatuses) }

func (s *EnvelopeStatus) UnmarshalText(b []byte) error {
	return unmarshalEnum(s, "envelope status", b, envelopeStatuses)
}

func (s *ReplayStatus) UnmarshalText(b []byte) error {
	return unmarshalEnum(s, "replay status", b, replayStatuses)
}

func (c *ViolationCode) UnmarshalText(b []byte) error {
	return unmarshalEnum(c, "violation code", b, violationCodes)
}

func (s *ResolutionStatus) UnmarshalText(b []byte) error {
	return unmarshalEnum(s, "resolution status", b, resolutionStatuses)
}

func (c *CoverageType) UnmarshalText(b []byte) error {
	return unmarshalEnum(c, "coverage type", b, coverageTypes)
}

func (l *TerritoryLevel) UnmarshalText(b []byte) error {
	return unmarshalEnum(l, "territory level", b, territoryLevels)
}

func (s *TerritoryStatus) UnmarshalText(b []byte) error {
	return unmarshalEnum(s, "territory status", b, territoryStatuses)
}

// Storage boundary: values are checked on the way in and on the way out.

func (s EnvelopeStatus) Value() (driver.Value, error) {
	return valueEnum(s, "envelope status", envelopeStatuses)
}

func (s ReplayStatus) Value() (driver.Value, error) {
	return valueEnum(s, "replay status", replayStatuses)
}

func (c ViolationCode) Value() (driver.Value, error) {
	return valueEnum(c, "violation code", violationCodes)
}

func (s ResolutionStatus) Value() (driver.Value, error) {
	return valueEnum(s, "resolution status", resolutionStatuses)
}

func (c CoverageType) Value() (driver.Value, error) {
	return valueEnum(c, "coverage type", coverageTypes)
}

func (l TerritoryLevel) Value() (driver.Value, error) {
	return valueEnum(l, "territory level", territoryLevels)
}

func (s TerritoryStatus) Value() (driver.Value, error) {
	return valueEnum(s, "territory status", territoryStatuses)
}

func (s *EnvelopeStatus) Scan(src any) error {
	return scanEnum(s, "envelope status", src, envelopeStatuses)
}

func (s *ReplayStatus) Scan(src any) error {
	return scanEnum(s, "replay status", src, replayStatuses)
}

func (c *ViolationCode) Scan(src any) error {
	return scanEnum(c, "violation code", src, violationCodes)
}

func (s *ResolutionStatus) Scan(src any) error {
	return scanEnum(s, "resolution status", src, resolutionStatuses)
}

func (c *CoverageType) Scan(src any) error {
	return scanEnum(c, "coverage type", src, coverageTypes)
}

func (l *TerritoryLevel) Scan(src any) error {
	return scanEnum(l, "territory level", src, territoryLevels)
}

func (s *TerritoryStatus) Scan(src any) error {
	return scanEnum(s, "territory status", src, territoryStatuses)
}

type enum interface {
	~string
}

func member[T enum](v T, set []T) bool {
	for _, s := range set {
		if v == s {
			return true
		}
	}
	return false
}

func invalidEnum(kind, raw string) error {
	return Errorf(CodeInvalidEnum, "invalid %s %q", kind, raw)
}

func unmarshalEnum[T enum](dst *T, kind string, b []byte, set []T) error {
	v := T(b)
	if !member(v, set) {
		return invalidEnum(kind, string(b))
	}
	*dst = v
	return nil
}

func valueEnum[T enum](v T, kind string, set []T) (driver.Value, error) {
	if !member(v, set) {
		return nil, invalidEnum(kind, string(v))
	}
	return string(v), nil
}

func scanEnum[T enum](dst *T, kind string, src any, set []T) error {
	var raw string
	switch t := src.(type) {
	case string:
		raw = t
	case []byte:
		raw = string(t)
	case nil:
		return invalidEnum(kind, "<null>")
	default:
		return invalidEnum(kind, fmt.Sprintf("%v", src))
	}
	return unmarshalEnum(dst, kind, []byte(raw), set)
}
