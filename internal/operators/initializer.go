// Package operators implements the stochastic moves the solvers drive
// clusters through (spec.md §4.5): population initialization,
// cut-and-splice crossover, and the rotate/rattle/twist/breathe
// mutation family, selected by a weighted random draw over the
// current mutation-rate vector.
package operators

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/clusterforge/clusterforge/internal/cluster"
	"github.com/clusterforge/clusterforge/internal/clustererr"
	"github.com/clusterforge/clusterforge/internal/species"
)

// InitialPopulation returns size valid clusters built with
// cluster.NewRandom. On clustererr.ErrPackingFailure it retries with a
// progressively larger box, making at most boxGrowthAttempts attempts
// per member (the first at the given box size), per spec.md §4.5.
func InitialPopulation(table *species.Table, stoich species.Stoichiometry, box float64, size int, rng *rand.Rand) ([]*cluster.Cluster, error) {
	const boxGrowthAttempts = 4
	const boxGrowthFactor = 1.25

	out := make([]*cluster.Cluster, 0, size)
	for i := 0; i < size; i++ {
		c, err := newRandomWithGrowth(table, stoich, box, boxGrowthAttempts, boxGrowthFactor, rng)
		if err != nil {
			return nil, fmt.Errorf("operators: initial population member %d/%d: %w", i+1, size, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func newRandomWithGrowth(table *species.Table, stoich species.Stoichiometry, box float64, attempts int, growth float64, rng *rand.Rand) (*cluster.Cluster, error) {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		c, err := cluster.NewRandom(table, stoich, box, 500, rng)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, clustererr.ErrPackingFailure) {
			return nil, err
		}
		lastErr = err
		box *= growth
	}
	return nil, lastErr
}
