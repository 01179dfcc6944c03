// Package config loads and validates the run configuration the CLI
// surface builds solvers from (spec.md C9): algorithm choice,
// chemistry, box geometry, worker count, and per-algorithm tunables.
// Grounded on the teacher's YAML-driven configuration convention
// (gopkg.in/yaml.v3 struct tags, a Default*Config constructor, an
// explicit Validate step before use).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/clusterforge/clusterforge/internal/bh"
	"github.com/clusterforge/clusterforge/internal/ga"
	"github.com/clusterforge/clusterforge/internal/species"
)

// SpeciesEntry is one chemistry row as written in YAML.
type SpeciesEntry struct {
	Name            string  `yaml:"name"`
	Mass            float64 `yaml:"mass"`
	FormalCharge    int     `yaml:"formal_charge"`
	EffectiveRadius float64 `yaml:"effective_radius"`
	Count           int     `yaml:"count"`
}

// Config is the full run configuration, as loaded from a YAML file.
type Config struct {
	Algorithm string         `yaml:"algorithm"` // "ga" or "bh"
	Species   []SpeciesEntry `yaml:"species"`

	OverlapFactor float64 `yaml:"overlap_factor"`
	BoxSize       float64 `yaml:"box_size"`
	Workers       int     `yaml:"workers"`
	Seed          int64   `yaml:"seed"`

	GA ga.Config `yaml:"ga"`
	BH bh.Config `yaml:"bh"`
}

// Default returns a Config with every sub-config at its documented
// default and a single monatomic species of count 12, matching
// cmd/clusterforge's built-in flag defaults.
func Default() Config {
	return Config{
		Algorithm: "ga",
		Species: []SpeciesEntry{
			{Name: "A", Mass: 1.0, EffectiveRadius: 1.0, Count: 12},
		},
		OverlapFactor: 0.7,
		BoxSize:       6.0,
		Workers:       4,
		Seed:          42,
		GA:            ga.DefaultConfig(),
		BH:            bh.DefaultConfig(),
	}
}

// Load reads and parses a YAML configuration file over Default, so any
// field absent from the file keeps its Default value, then validates.
// A field written in the file replaces the default, even with a zero
// value.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the structural preconditions every solver assumes:
// at least one species, every species with a positive radius and a
// non-negative count, a positive overlap factor and box size, at least
// one worker, and a known algorithm. Species mass is not checked.
func (c Config) Validate() error {
	if c.Algorithm != "ga" && c.Algorithm != "bh" {
		return fmt.Errorf("config: unknown algorithm %q (want \"ga\" or \"bh\")", c.Algorithm)
	}
	if len(c.Species) == 0 {
		return fmt.Errorf("config: at least one species is required")
	}
	for _, s := range c.Species {
		if s.EffectiveRadius <= 0 {
			return fmt.Errorf("config: species %q has non-positive effective radius %v", s.Name, s.EffectiveRadius)
		}
		if s.Count < 0 {
			return fmt.Errorf("config: species %q has negative count %d", s.Name, s.Count)
		}
	}
	if c.OverlapFactor <= 0 {
		return fmt.Errorf("config: overlap_factor must be positive, got %v", c.OverlapFactor)
	}
	if c.BoxSize <= 0 {
		return fmt.Errorf("config: box_size must be positive, got %v", c.BoxSize)
	}
	if c.Workers < 1 {
		return fmt.Errorf("config: workers must be at least 1, got %d", c.Workers)
	}
	return nil
}

// BuildTable constructs a species.Table and the matching
// species.Stoichiometry from the YAML species list.
func (c Config) BuildTable() (*species.Table, species.Stoichiometry, error) {
	list := make([]species.Species, len(c.Species))
	for i, e := range c.Species {
		list[i] = species.Species{
			Name:            e.Name,
			Mass:            e.Mass,
			FormalCharge:    e.FormalCharge,
			EffectiveRadius: e.EffectiveRadius,
		}
	}
	table, err := species.NewTable(list, c.OverlapFactor)
	if err != nil {
		return nil, nil, err
	}

	stoich := make(species.Stoichiometry, len(list))
	for i, e := range c.Species {
		stoich[species.ID(i)] = e.Count
	}
	return table, stoich, nil
}
