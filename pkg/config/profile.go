package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// LoadProfile loads profile_<name>.yaml from dir, e.g. profile_dev.yaml or
// profile_prod.yaml, through LoadFile.
func LoadProfile(dir, name string) (*Config, error) {
	name = strings.ToLower(name)
	cfg, err := LoadFile(filepath.Join(dir, fmt.Sprintf("profile_%s.yaml", name)))
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}
	return cfg, nil
}

// ListProfiles returns the profile names available in dir, sorted.
func ListProfiles(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(matches))
	for _, path := range matches {
		base := filepath.Base(path)
		names = append(names, strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml"))
	}
	sort.Strings(names)
	return names, nil
}
