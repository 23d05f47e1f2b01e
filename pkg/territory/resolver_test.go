package territory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/authority/pkg/contracts"
	"github.com/Mindburn-Labs/helm/authority/pkg/store/storetest"
	"github.com/Mindburn-Labs/helm/authority/pkg/territory"
)

func newResolver(t *testing.T) *territory.Resolver {
	t.Helper()
	r, err := territory.NewResolver(storetest.New(t))
	require.NoError(t, err)
	return r
}

func seededResolver(t *testing.T) *territory.Resolver {
	t.Helper()
	r := newResolver(t)
	f, err := territory.LoadSeedFile("testdata/seed.yaml")
	require.NoError(t, err)
	_, err = r.Seed(context.Background(), f)
	require.NoError(t, err)
	return r
}

var (
	exact   = []contracts.ResolutionStage{contracts.StageExact}
	bySlug  = []contracts.ResolutionStage{contracts.StageExact, contracts.StageSlug}
	country = []contracts.ResolutionStage{contracts.StageExact, contracts.StageSlug, contracts.StageCountry}
	global  = []contracts.ResolutionStage{contracts.StageExact, contracts.StageSlug, contracts.StageCountry, contracts.StageGlobal}
)

func TestResolveWithInheritance(t *testing.T) {
	r := seededResolver(t)

	tests := []struct {
		name       string
		identifier string
		hint       territory.Hint
		wantID     string
		wantStage  contracts.ResolutionStage
		wantPath   []contracts.ResolutionStage
	}{
		{"id", "t-bay", territory.Hint{}, "t-bay", contracts.StageExact, exact},
		{"exact name", "Berlin", territory.Hint{}, "t-berlin", contracts.StageExact, exact},
		{"name is trimmed", "  Bavaria ", territory.Hint{}, "t-bay", contracts.StageExact, exact},
		{"slug", "BAVARIA", territory.Hint{}, "t-bay", contracts.StageSlug, bySlug},
		{"country code token", "Munich, DE", territory.Hint{}, "t-de", contracts.StageCountry, country},
		{"country slug token", "somewhere in germany", territory.Hint{}, "t-de", contracts.StageCountry, country},
		{"hint country", "Lyon", territory.Hint{Country: "fr"}, "t-fr", contracts.StageCountry, country},
		{"hint wins over tokens", "Hamburg DE", territory.Hint{Country: "FR"}, "t-fr", contracts.StageCountry, country},
		{"inactive territory is skipped", "t-at", territory.Hint{}, "t-global", contracts.StageGlobal, global},
		{"inactive country is skipped", "Vienna, AT", territory.Hint{}, "t-global", contracts.StageGlobal, global},
		{"unknown", "Atlantis", territory.Hint{}, "t-global", contracts.StageGlobal, global},
		{"empty", "", territory.Hint{}, "t-global", contracts.StageGlobal, global},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.ResolveWithInheritance(context.Background(), tt.identifier, tt.hint)
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, res.TerritoryID)
			assert.Equal(t, tt.wantStage, res.MatchedStage)
			assert.Equal(t, tt.wantPath, res.ResolutionPath)
		})
	}
}

func TestResolveReturnsTerritoryDetails(t *testing.T) {
	r := seededResolver(t)

	res, err := r.ResolveWithInheritance(context.Background(), "Munich, DE", territory.Hint{})
	require.NoError(t, err)
	assert.Equal(t, "germany", res.TerritorySlug)
	assert.Equal(t, contracts.LevelCountry, res.TerritoryLevel)
	assert.Equal(t, []string{"EXACT", "SLUG", "COUNTRY"}, res.PathStrings())
}

func TestResolveAlwaysFallsBackToGlobal(t *testing.T) {
	r := seededResolver(t)

	for _, ident := range []string{"x", "¿?", "12345", "t-global-ish", "de-", "Paris Texas", "\t\n", "a b c d e f"} {
		res, err := r.ResolveWithInheritance(context.Background(), ident, territory.Hint{Country: "ZZ"})
		require.NoError(t, err, ident)
		require.NotEmpty(t, res.ResolutionPath, ident)
		assert.Equal(t, res.MatchedStage, res.ResolutionPath[len(res.ResolutionPath)-1], ident)
		assert.NotEmpty(t, res.TerritoryID, ident)
	}
}

func TestResolveWithoutGlobalIsNotConfigured(t *testing.T) {
	r := newResolver(t)

	_, err := r.ResolveWithInheritance(context.Background(), "Berlin", territory.Hint{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, contracts.ErrTerritoryNotConfig))
	assert.Equal(t, contracts.ClassConfiguration, contracts.CodeOf(err).Class())
}

func TestValidateForSubVertical(t *testing.T) {
	r := seededResolver(t)

	tests := []struct {
		name        string
		territoryID string
		subVertical string
		valid       bool
		code        contracts.Code
		msgContains string
	}{
		{"global coverage", "t-global", "sv-dental", true, "", "GLOBAL coverage"},
		{"multi coverage", "t-de", "sv-dental", true, "", "MULTI coverage"},
		{"single and linked", "t-berlin", "sv-dental", true, "", "SINGLE coverage"},
		{"single and unlinked", "t-bay", "sv-dental", false, contracts.CodeTerritoryInvalidForSubVertical, "not linked"},
		{"linked but ineligible", "t-fr", "sv-legal", false, contracts.CodeTerritoryInvalidForSubVertical, "eligibility rule"},
		{"multi and eligible", "t-de", "sv-legal", true, "", ""},
		{"global fails level rule", "t-global", "sv-local", false, contracts.CodeTerritoryInvalidForSubVertical, "eligibility rule"},
		{"unknown territory", "t-mars", "sv-dental", false, contracts.CodeTerritoryNotFound, "territory t-mars not found"},
		{"unknown sub-vertical", "t-de", "sv-space", false, contracts.CodeSubVerticalNotFound, "sub-vertical sv-space not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.ValidateForSubVertical(context.Background(), tt.territoryID, tt.subVertical)
			require.NoError(t, err)
			assert.Equal(t, tt.valid, res.IsValid)
			assert.Equal(t, tt.code, res.Code)
			assert.NotEmpty(t, res.Message)
			assert.Contains(t, res.Message, tt.msgContains)
		})
	}
}

func TestValidateInactiveTerritoryStillValidates(t *testing.T) {
	r := seededResolver(t)

	res, err := r.ValidateForSubVertical(context.Background(), "t-at", "sv-legal")
	require.NoError(t, err)
	assert.True(t, res.IsValid)
}

func TestValidateNonBooleanRuleIsInvalid(t *testing.T) {
	r := seededResolver(t)
	_, err := r.Seed(context.Background(), &territory.SeedFile{
		SubVerticals: []contracts.SubVertical{{ID: "sv-odd", Slug: "odd", Name: "Odd", Eligibility: "territory.slug"}},
	})
	require.NoError(t, err)

	res, err := r.ValidateForSubVertical(context.Background(), "t-de", "sv-odd")
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.Contains(t, res.Message, "could not be evaluated")
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "new-york", territory.Slugify("  New   York!! "))
	assert.Equal(t, "são-paulo", territory.Slugify("São Paulo"))
	assert.Equal(t, "munich-de", territory.Slugify("Munich, DE"))
	assert.Equal(t, "", territory.Slugify(" -- "))
}
