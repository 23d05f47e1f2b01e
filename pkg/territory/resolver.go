// Package territory resolves free-form territory identifiers through an
// inheritance chain and decides which territories may serve a sub-vertical.
//
// Resolution is total: EXACT, SLUG and COUNTRY are tried in order and the
// global territory is the fallback. Only a deployment with no global
// territory fails to resolve.
package territory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/Mindburn-Labs/helm/authority/pkg/contracts"
	"github.com/Mindburn-Labs/helm/authority/pkg/store"
)

// Hint carries caller context that narrows resolution.
type Hint struct {
	// Country is an ISO-3166 alpha-2 code or a country slug.
	Country string `json:"country,omitempty"`
}

// ValidationResult answers ValidateForSubVertical. Code is empty when valid.
type ValidationResult struct {
	IsValid bool           `json:"is_valid"`
	Message string         `json:"message"`
	Code    contracts.Code `json:"code,omitempty"`
}

// Resolver resolves territories and validates sub-vertical coverage.
type Resolver struct {
	store       *SQLStore
	eligibility *Eligibility
	logger      *slog.Logger
}

// NewResolver creates a resolver over db.
func NewResolver(db *store.DB) (*Resolver, error) {
	elig, err := NewEligibility()
	if err != nil {
		return nil, err
	}
	return &Resolver{
		store:       NewSQLStore(db),
		eligibility: elig,
		logger:      slog.Default().With("component", "territory-resolver"),
	}, nil
}

// WithLogger sets the logger.
func (r *Resolver) WithLogger(logger *slog.Logger) *Resolver {
	r.logger = logger
	return r
}

// Store exposes the underlying territory store.
func (r *Resolver) Store() *SQLStore {
	return r.store
}

// ResolveWithInheritance resolves identifier to a territory. The returned
// path lists every stage attempted, ending with the one that matched.
func (r *Resolver) ResolveWithInheritance(ctx context.Context, identifier string, hint Hint) (*contracts.TerritoryResolution, error) {
	ident := strings.TrimSpace(identifier)
	var path []contracts.ResolutionStage

	attempt := func(stage contracts.ResolutionStage, find func() (*contracts.Territory, error)) (*contracts.TerritoryResolution, error) {
		path = append(path, stage)
		t, err := find()
		if errors.Is(err, store.ErrNotFound) || (err == nil && t == nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("resolve territory (%s): %w", stage, err)
		}
		return &contracts.TerritoryResolution{
			TerritoryID:    t.ID,
			TerritorySlug:  t.Slug,
			TerritoryLevel: t.Level,
			MatchedStage:   stage,
			ResolutionPath: append([]contracts.ResolutionStage(nil), path...),
		}, nil
	}

	stages := []struct {
		stage contracts.ResolutionStage
		find  func() (*contracts.Territory, error)
	}{
		{contracts.StageExact, func() (*contracts.Territory, error) {
			if ident == "" {
				return nil, nil
			}
			return r.store.ActiveByIDOrName(ctx, ident)
		}},
		{contracts.StageSlug, func() (*contracts.Territory, error) {
			slug := Slugify(ident)
			if slug == "" {
				return nil, nil
			}
			return r.store.ActiveBySlug(ctx, slug)
		}},
		{contracts.StageCountry, func() (*contracts.Territory, error) {
			return r.matchCountry(ctx, ident, hint)
		}},
		{contracts.StageGlobal, func() (*contracts.Territory, error) {
			return r.store.Global(ctx)
		}},
	}

	for _, s := range stages {
		res, err := attempt(s.stage, s.find)
		if err != nil {
			return nil, err
		}
		if res != nil {
			r.logger.DebugContext(ctx, "territory resolved",
				"identifier", ident, "territory_id", res.TerritoryID, "stage", res.MatchedStage)
			return res, nil
		}
	}

	r.logger.ErrorContext(ctx, "no global territory configured", "identifier", ident)
	return nil, contracts.Errorf(contracts.CodeTerritoryNotConfigured,
		"no territory matched %q and no global territory is configured", ident)
}

// matchCountry prefers the hint's country, then identifier tokens from last
// to first ("Berlin, DE" tries DE before Berlin).
func (r *Resolver) matchCountry(ctx context.Context, ident string, hint Hint) (*contracts.Territory, error) {
	var candidates []string
	if c := strings.TrimSpace(hint.Country); c != "" {
		candidates = append(candidates, c)
	}
	tokens := tokenize(ident)
	for i := len(tokens) - 1; i >= 0; i-- {
		candidates = append(candidates, tokens[i])
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	countries, err := r.store.ActiveCountries(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range candidates {
		for _, t := range countries {
			if (t.CountryCode != "" && strings.EqualFold(t.CountryCode, c)) || t.Slug == Slugify(c) {
				return t, nil
			}
		}
	}
	return nil, nil
}

// ValidateForSubVertical reports whether the territory may serve the
// sub-vertical. Unknown ids are reported as invalid, not as errors.
func (r *Resolver) ValidateForSubVertical(ctx context.Context, territoryID, subVerticalID string) (*ValidationResult, error) {
	t, err := r.store.Get(ctx, territoryID)
	if errors.Is(err, store.ErrNotFound) {
		return invalid(contracts.CodeTerritoryNotFound, "territory %s not found", territoryID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load territory: %w", err)
	}
	sv, err := r.store.GetSubVertical(ctx, subVerticalID)
	if errors.Is(err, store.ErrNotFound) {
		return invalid(contracts.CodeSubVerticalNotFound, "sub-vertical %s not found", subVerticalID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load sub-vertical: %w", err)
	}

	switch t.CoverageType {
	case contracts.CoverageGlobal, contracts.CoverageMulti:
	case contracts.CoverageSingle:
		linked, err := r.store.Linked(ctx, t.ID, sv.ID)
		if err != nil {
			return nil, err
		}
		if !linked {
			return invalid(contracts.CodeTerritoryInvalidForSubVertical,
				"territory %s has SINGLE coverage and is not linked to sub-vertical %s", t.ID, sv.ID), nil
		}
	default:
		return invalid(contracts.CodeTerritoryInvalidForSubVertical,
			"territory %s has unknown coverage type %q", t.ID, t.CoverageType), nil
	}

	ok, err := r.eligibility.Eval(sv.Eligibility, t)
	if err != nil {
		r.logger.WarnContext(ctx, "eligibility rule failed", "sub_vertical_id", sv.ID, "error", err)
		return invalid(contracts.CodeTerritoryInvalidForSubVertical,
			"eligibility rule of sub-vertical %s could not be evaluated: %v", sv.ID, err), nil
	}
	if !ok {
		return invalid(contracts.CodeTerritoryInvalidForSubVertical,
			"territory %s does not satisfy the eligibility rule of sub-vertical %s", t.ID, sv.ID), nil
	}

	return &ValidationResult{
		IsValid: true,
		Message: fmt.Sprintf("territory %s (%s coverage) is valid for sub-vertical %s", t.ID, t.CoverageType, sv.ID),
	}, nil
}

func invalid(code contracts.Code, format string, args ...any) *ValidationResult {
	return &ValidationResult{Message: fmt.Sprintf(format, args...), Code: code}
}

// Slugify lowercases s and joins its letter and digit runs with hyphens.
func Slugify(s string) string {
	return strings.Join(tokenize(strings.ToLower(s)), "-")
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
