// Package species holds the process-wide immutable chemistry tables:
// the named element set, their physical properties, and the derived
// pairwise minimum-separation (sigma) table. A Table is built once at
// startup by NewTable and is safe to share across every goroutine for
// the lifetime of a run.
package species

import "fmt"

// Species is a named chemical element with the properties the cluster
// model and evaluator adapters need. Species identity is the index
// into a Table's Species slice, not the Name string, so lookups stay
// allocation-free on the hot path.
type Species struct {
	Name            string
	Mass            float64 // atomic mass units
	FormalCharge    int
	EffectiveRadius float64 // Angstroms
}

// ID identifies a species by its index within a Table.
type ID int

// Stoichiometry is a fixed multiset mapping species to an exact count,
// unchanged for an entire run.
type Stoichiometry map[ID]int

// Total returns the total atom count across all species.
func (s Stoichiometry) Total() int {
	n := 0
	for _, c := range s {
		n += c
	}
	return n
}

// Table is the process-wide immutable species registry plus its
// derived sigma table. Construct with NewTable; never mutate the
// returned value's fields afterward.
type Table struct {
	Species []Species

	// OverlapFactor scales the sum of two species' effective radii to
	// produce the minimum allowed pairwise separation. spec.md leaves
	// the exact factor an open question with 0.7 as the typical value;
	// this is the tunable constant that answers it.
	OverlapFactor float64

	sigma [][]float64 // sigma[i][j] = minimum separation between species i and j
}

// NewTable builds a Table from a list of species, deriving the sigma
// matrix as OverlapFactor * (radius_i + radius_j).
func NewTable(list []Species, overlapFactor float64) (*Table, error) {
	if len(list) == 0 {
		return nil, fmt.Errorf("species: table must contain at least one species")
	}
	if overlapFactor <= 0 {
		return nil, fmt.Errorf("species: overlap factor must be positive, got %v", overlapFactor)
	}
	for _, s := range list {
		if s.EffectiveRadius <= 0 {
			return nil, fmt.Errorf("species: %q has non-positive effective radius %v", s.Name, s.EffectiveRadius)
		}
	}

	t := &Table{
		Species:       append([]Species(nil), list...),
		OverlapFactor: overlapFactor,
	}

	n := len(t.Species)
	t.sigma = make([][]float64, n)
	for i := range t.sigma {
		t.sigma[i] = make([]float64, n)
		for j := range t.sigma[i] {
			t.sigma[i][j] = overlapFactor * (t.Species[i].EffectiveRadius + t.Species[j].EffectiveRadius)
		}
	}
	return t, nil
}

// Sigma returns the minimum allowed separation between two species.
func (t *Table) Sigma(a, b ID) float64 {
	return t.sigma[a][b]
}

// MaxSigma returns the largest pairwise separation in the table, used
// by the spatial grid to size its cells.
func (t *Table) MaxSigma() float64 {
	max := 0.0
	for _, row := range t.sigma {
		for _, v := range row {
			if v > max {
				max = v
			}
		}
	}
	return max
}

// ByName returns the ID of the species with the given name.
func (t *Table) ByName(name string) (ID, error) {
	for i, s := range t.Species {
		if s.Name == name {
			return ID(i), nil
		}
	}
	return 0, fmt.Errorf("species: unknown species %q", name)
}

// MeanRadius returns the mean effective radius across every species in
// the given stoichiometry, weighted by count — used by operators to
// scale mutation amplitudes (rattle sigma, §4.5).
func (t *Table) MeanRadius(stoich Stoichiometry) float64 {
	total := 0
	sum := 0.0
	for id, count := range stoich {
		sum += t.Species[id].EffectiveRadius * float64(count)
		total += count
	}
	if total == 0 {
		return 0
	}
	return sum / float64(total)
}

// DefaultMonatomicTable returns a small built-in species table useful
// for tests and quick runs: a single generic species "A" with unit
// mass and a 1.0 Angstrom effective radius.
func DefaultMonatomicTable() *Table {
	t, err := NewTable([]Species{
		{Name: "A", Mass: 1.0, FormalCharge: 0, EffectiveRadius: 1.0},
	}, 0.7)
	if err != nil {
		panic(fmt.Sprintf("species: default table construction failed: %v", err))
	}
	return t
}
