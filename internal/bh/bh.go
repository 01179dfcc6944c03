// Package bh implements the Basin-Hopping walker of spec.md §4.7: a
// single-chain Metropolis Monte Carlo search that perturbs the current
// cluster, relaxes it through internal/evalpool, and accepts or
// rejects the move with probability min(1, exp(-deltaE/kT)), adapting
// the temperature to keep the acceptance ratio inside a target band.
// Grounded on the teacher's simulated-annealing walker, generalized
// from a fixed protein-folding move set to the cluster mutation family
// in internal/operators.
package bh

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/google/uuid"

	"github.com/clusterforge/clusterforge/internal/cluster"
	"github.com/clusterforge/clusterforge/internal/evalpool"
	"github.com/clusterforge/clusterforge/internal/evaluator"
	"github.com/clusterforge/clusterforge/internal/operators"
	"github.com/clusterforge/clusterforge/internal/runctl"
	"github.com/clusterforge/clusterforge/internal/species"
)

// Config holds the walker's tunables (spec.md §4.7, §9).
type Config struct {
	MaxSteps int

	// InitialTemperature and MinTemperature bound the adaptive
	// schedule (in the same energy units the evaluator returns).
	InitialTemperature float64
	MinTemperature     float64

	// TargetAcceptanceLow/High is the band the schedule steers toward;
	// AdaptEvery is how many steps between schedule adjustments.
	TargetAcceptanceLow  float64
	TargetAcceptanceHigh float64
	AdaptEvery           int
	// AdaptFactor scales the temperature up/down when the recent
	// acceptance ratio falls outside the target band.
	AdaptFactor float64

	MutationConfig operators.Config
}

// DefaultConfig returns the spec.md §9 defaults, including the target
// acceptance band [0.3, 0.5] the schedule steers toward.
func DefaultConfig() Config {
	return Config{
		MaxSteps:             2000,
		InitialTemperature:   1.0,
		MinTemperature:       1e-4,
		TargetAcceptanceLow:  0.3,
		TargetAcceptanceHigh: 0.5,
		AdaptEvery:           50,
		AdaptFactor:          1.2,
		MutationConfig:       operators.DefaultConfig(),
	}
}

// Result is the outcome of a completed or stopped Run.
type Result struct {
	Best            *cluster.Cluster
	Steps           int
	AcceptanceRatio float64
	Stats           runctl.Stats
}

// Solver drives the single-chain walk.
type Solver struct {
	table *species.Table
	pool  *evalpool.Pool
	cfg   Config

	rng     *rand.Rand
	weights operators.Weights

	stats *runctl.Mailbox[runctl.Stats]
	stop  *runctl.StopFlag
}

// New constructs a Solver over the given pool.
func New(table *species.Table, pool *evalpool.Pool, cfg Config, rng *rand.Rand, stats *runctl.Mailbox[runctl.Stats], stop *runctl.StopFlag) *Solver {
	return &Solver{
		table:   table,
		pool:    pool,
		cfg:     cfg,
		rng:     rng,
		weights: operators.DefaultWeights(),
		stats:   stats,
		stop:    stop,
	}
}

// Run walks up to cfg.MaxSteps Metropolis steps starting from current.
// If current has no evaluated energy yet, Run first relaxes it through
// the pool and fails if that evaluation does not converge. Run
// returns the lowest-energy cluster visited.
func (s *Solver) Run(ctx context.Context, current *cluster.Cluster) (Result, error) {
	if !current.Energy.Evaluated {
		relaxed, err := s.evaluateOne(ctx, current)
		if err != nil {
			return Result{}, fmt.Errorf("bh: evaluating starting point: %w", err)
		}
		if relaxed == nil {
			return Result{}, fmt.Errorf("bh: starting point did not converge")
		}
		current = relaxed
	}

	best := current.Clone()
	temperature := s.cfg.InitialTemperature

	accepted := 0
	windowAccepted := 0
	windowSteps := 0
	step := 0

	for ; step < s.cfg.MaxSteps; step++ {
		if s.stop != nil && s.stop.Stopped() {
			break
		}
		select {
		case <-ctx.Done():
			return s.snapshot(best, step, accepted), ctx.Err()
		default:
		}

		candidate, _, applied := operators.Mutate(current, s.weights, s.table, s.cfg.MutationConfig, s.rng)
		if !applied {
			windowSteps++
			continue
		}

		relaxed, err := s.evaluateOne(ctx, candidate)
		if err != nil {
			return s.snapshot(best, step, accepted), fmt.Errorf("bh: evaluating step %d: %w", step, err)
		}
		windowSteps++
		if relaxed == nil {
			continue // non-converged/invalid: reject, stay at current
		}

		deltaE := relaxed.Energy.Value - current.Energy.Value
		if s.metropolisAccept(deltaE, temperature) {
			current = relaxed
			accepted++
			windowAccepted++
			if current.Energy.Value < best.Energy.Value {
				best = current.Clone()
			}
		}

		if s.cfg.AdaptEvery > 0 && windowSteps >= s.cfg.AdaptEvery {
			temperature = s.adaptTemperature(temperature, float64(windowAccepted)/float64(windowSteps))
			windowAccepted, windowSteps = 0, 0
		}

		if s.stats != nil {
			s.stats.Publish(runctl.Stats{
				Step:            step + 1,
				BestEnergy:      best.Energy.Value,
				MeanEnergy:      current.Energy.Value,
				AcceptanceRatio: ratio(accepted, step+1),
			})
		}
	}

	return s.snapshot(best, step, accepted), nil
}

func (s *Solver) snapshot(best *cluster.Cluster, step, accepted int) Result {
	return Result{
		Best:            best,
		Steps:           step,
		AcceptanceRatio: ratio(accepted, step),
	}
}

// metropolisAccept implements the standard Metropolis criterion:
// always accept an improving move, otherwise accept with probability
// exp(-deltaE/kT) (spec.md §4.7; k is folded into temperature's
// units).
func (s *Solver) metropolisAccept(deltaE, temperature float64) bool {
	if deltaE <= 0 {
		return true
	}
	if temperature <= 0 {
		return false
	}
	p := math.Exp(-deltaE / temperature)
	return s.rng.Float64() < p
}

// adaptTemperature nudges temperature toward keeping the recent
// acceptance ratio inside [TargetAcceptanceLow, TargetAcceptanceHigh]:
// too few accepted moves means the walk is too cold (raise T), too
// many means it's too hot (cool down).
func (s *Solver) adaptTemperature(temperature, recentRatio float64) float64 {
	switch {
	case recentRatio < s.cfg.TargetAcceptanceLow:
		temperature *= s.cfg.AdaptFactor
	case recentRatio > s.cfg.TargetAcceptanceHigh:
		temperature /= s.cfg.AdaptFactor
	}
	if temperature < s.cfg.MinTemperature {
		temperature = s.cfg.MinTemperature
	}
	return temperature
}

// evaluateOne submits a single candidate to the pool and returns the
// relaxed cluster, or nil (with no error) if the outcome was anything
// but Relaxed.
func (s *Solver) evaluateOne(ctx context.Context, c *cluster.Cluster) (*cluster.Cluster, error) {
	results, err := s.pool.Submit(ctx, []evalpool.Task{{ID: uuid.New(), Cluster: c}})
	if err != nil {
		return nil, err
	}
	r := results[0]
	if r.Err != nil || r.Outcome.Kind != evaluator.Relaxed {
		return nil, nil
	}
	if err := c.ApplyRelaxation(r.Outcome.NewPositions, r.Outcome.Energy); err != nil {
		return nil, nil
	}
	return c, nil
}

func ratio(num, denom int) float64 {
	if denom == 0 {
		return 0
	}
	return float64(num) / float64(denom)
}
