package territory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm/authority/pkg/contracts"
)

// SeedFile is the YAML document loaded by Seed.
//
//	territories:
//	  - {id: t-global, slug: global, name: Global, level: global, coverage_type: GLOBAL, status: active}
//	sub_verticals:
//	  - {id: sv-dental, slug: dental, name: Dental, eligibility: 'territory.level != "global"'}
//	links:
//	  - {territory_id: t-de, sub_vertical_id: sv-dental}
type SeedFile struct {
	Territories  []contracts.Territory   `yaml:"territories"`
	SubVerticals []contracts.SubVertical `yaml:"sub_verticals"`
	Links        []Link                  `yaml:"links"`
}

// Link associates a territory with a sub-vertical it serves.
type Link struct {
	TerritoryID   string `yaml:"territory_id"`
	SubVerticalID string `yaml:"sub_vertical_id"`
}

// LoadSeedFile parses a seed document from path.
func LoadSeedFile(path string) (*SeedFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return ParseSeed(raw)
}

// ParseSeed parses a seed document. Unknown enum values are rejected here.
func ParseSeed(raw []byte) (*SeedFile, error) {
	var f SeedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, contracts.Wrap(contracts.CodeInvalidRequest, err, "parse seed file")
	}
	return &f, nil
}

// SeedStats counts what Seed wrote.
type SeedStats struct {
	Territories  int `json:"territories"`
	SubVerticals int `json:"sub_verticals"`
	Links        int `json:"links"`
}

var levelRank = map[contracts.TerritoryLevel]int{
	contracts.LevelGlobal:  0,
	contracts.LevelCountry: 1,
	contracts.LevelRegion:  2,
	contracts.LevelCity:    3,
}

// Seed upserts every record of f in one transaction. A territory without a
// status is active. Eligibility rules are compiled before anything is written.
func (r *Resolver) Seed(ctx context.Context, f *SeedFile) (*SeedStats, error) {
	if err := r.checkSeed(f); err != nil {
		return nil, err
	}

	territories := append([]contracts.Territory(nil), f.Territories...)
	for i := range territories {
		if territories[i].Status == "" {
			territories[i].Status = contracts.TerritoryActive
		}
	}
	sort.SliceStable(territories, func(i, j int) bool {
		return levelRank[territories[i].Level] < levelRank[territories[j].Level]
	})

	err := r.store.db.InTx(ctx, func(tx *sql.Tx) error {
		for i := range territories {
			if err := r.store.UpsertTerritory(ctx, tx, &territories[i]); err != nil {
				return err
			}
		}
		for i := range f.SubVerticals {
			if err := r.store.UpsertSubVertical(ctx, tx, &f.SubVerticals[i]); err != nil {
				return err
			}
		}
		for _, l := range f.Links {
			if err := r.store.Link(ctx, tx, l.TerritoryID, l.SubVerticalID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("seed territories: %w", err)
	}

	stats := &SeedStats{Territories: len(territories), SubVerticals: len(f.SubVerticals), Links: len(f.Links)}
	r.logger.InfoContext(ctx, "territories seeded",
		"territories", stats.Territories, "sub_verticals", stats.SubVerticals, "links", stats.Links)
	return stats, nil
}

func (r *Resolver) checkSeed(f *SeedFile) error {
	globals := 0
	for _, t := range f.Territories {
		if t.Status == "" {
			t.Status = contracts.TerritoryActive
		}
		if t.ID == "" || t.Slug == "" || t.Name == "" {
			return contracts.Errorf(contracts.CodeInvalidRequest, "territory %q needs id, slug and name", t.ID)
		}
		if !t.Level.Valid() || !t.CoverageType.Valid() || !t.Status.Valid() {
			return contracts.Errorf(contracts.CodeInvalidEnum, "territory %s has an unknown level, coverage or status", t.ID)
		}
		if t.Level == contracts.LevelGlobal {
			globals++
		}
	}
	if globals > 1 {
		return contracts.Errorf(contracts.CodeInvalidRequest, "seed defines %d global territories, want at most one", globals)
	}
	for _, sv := range f.SubVerticals {
		if sv.ID == "" || sv.Slug == "" || sv.Name == "" {
			return contracts.Errorf(contracts.CodeInvalidRequest, "sub-vertical %q needs id, slug and name", sv.ID)
		}
		if sv.Eligibility == "" {
			continue
		}
		if err := r.eligibility.Compile(sv.Eligibility); err != nil {
			return contracts.Wrap(contracts.CodeInvalidRequest, err, "sub-vertical "+sv.ID)
		}
	}
	return nil
}
