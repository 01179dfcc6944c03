// Package ga implements the generational Genetic Algorithm solver of
// spec.md §4.6: tournament selection breeds a new population each
// generation via cut-and-splice crossover (falling back to
// clone+mutate on repair failure) and independent-probability
// mutation, evaluates the offspring through internal/evalpool,
// deduplicates near-identical survivors, and elitism-preserves the
// running best across generations. Mutation rate adapts to population
// diversity, and a stagnant run triggers a partial mass extinction.
package ga

import (
	"context"
	"fmt"
	"math/rand"
	"sort"

	"github.com/google/uuid"

	"github.com/clusterforge/clusterforge/internal/cluster"
	"github.com/clusterforge/clusterforge/internal/dedup"
	"github.com/clusterforge/clusterforge/internal/evalpool"
	"github.com/clusterforge/clusterforge/internal/evaluator"
	"github.com/clusterforge/clusterforge/internal/operators"
	"github.com/clusterforge/clusterforge/internal/runctl"
	"github.com/clusterforge/clusterforge/internal/species"
)

// Config holds every tunable of the GA solver (spec.md §4.6, §9).
type Config struct {
	PopulationSize int
	MaxGenerations int
	TournamentSize int

	// MutationProbability is the independent per-offspring chance of
	// also applying a mutation after crossover/cloning.
	MutationProbability float64

	// DiversityLow/DiversityHigh bound the adaptive mutation-rate
	// response: below DiversityLow the mutation rate ramps up, above
	// DiversityHigh it is lowered, within the fixed [0.05, 0.9] bounds
	// of adaptMutationRate.
	DiversityLow  float64
	DiversityHigh float64

	// StagnationWindow is the number of consecutive generations
	// without an ImprovementEpsilon best-energy improvement before a
	// mass extinction triggers.
	StagnationWindow   int
	ImprovementEpsilon float64
	ExtinctionFraction float64

	RepairTrialsPerAtom int
	MutationConfig      operators.Config
	DedupConfig         dedup.Config
	FingerprintBins     int
}

// DefaultConfig returns the spec.md §9 defaults.
func DefaultConfig() Config {
	return Config{
		PopulationSize:      40,
		MaxGenerations:      200,
		TournamentSize:      3,
		MutationProbability: 0.2,
		DiversityLow:        0.15,
		DiversityHigh:       0.45,
		StagnationWindow:    20,
		ImprovementEpsilon:  1e-6,
		ExtinctionFraction:  0.3,
		RepairTrialsPerAtom: 100,
		MutationConfig:      operators.DefaultConfig(),
		DedupConfig:         dedup.DefaultConfig(),
		FingerprintBins:     32,
	}
}

// Result is the outcome of a completed or stopped Run.
type Result struct {
	Best        *cluster.Cluster
	Generations int
	Stats       runctl.Stats
}

// Solver drives the generational loop.
type Solver struct {
	table *species.Table
	stoch species.Stoichiometry
	box   float64

	pool *evalpool.Pool
	cfg  Config

	rng     *rand.Rand
	weights operators.Weights

	stats *runctl.Mailbox[runctl.Stats]
	stop  *runctl.StopFlag
}

// New constructs a Solver over the given pool. pool's lifetime is
// owned by the caller; Run never closes it.
func New(table *species.Table, stoch species.Stoichiometry, box float64, pool *evalpool.Pool, cfg Config, rng *rand.Rand, stats *runctl.Mailbox[runctl.Stats], stop *runctl.StopFlag) *Solver {
	return &Solver{
		table:   table,
		stoch:   stoch,
		box:     box,
		pool:    pool,
		cfg:     cfg,
		rng:     rng,
		weights: operators.DefaultWeights(),
		stats:   stats,
		stop:    stop,
	}
}

// Run executes up to cfg.MaxGenerations generations, returning the
// best cluster found and the generation count actually completed.
// Run returns early, without error, if the stop flag is set between
// generations.
func (s *Solver) Run(ctx context.Context) (Result, error) {
	pop, err := operators.InitialPopulation(s.table, s.stoch, s.box, s.cfg.PopulationSize, s.rng)
	if err != nil {
		return Result{}, fmt.Errorf("ga: seeding initial population: %w", err)
	}
	pop, err = s.evaluateAll(ctx, pop)
	if err != nil {
		return Result{}, fmt.Errorf("ga: evaluating initial population: %w", err)
	}
	pop = s.dedupAndSort(pop)

	best := pop[0].Clone()
	sinceImprovement := 0
	gen := 0

	for ; gen < s.cfg.MaxGenerations; gen++ {
		if s.stop != nil && s.stop.Stopped() {
			break
		}
		select {
		case <-ctx.Done():
			return s.snapshot(best, gen), ctx.Err()
		default:
		}

		diversity := dedup.Diversity(pop, s.cfg.FingerprintBins)
		s.adaptMutationRate(diversity)

		offspring := s.breed(pop)
		offspring, err = s.evaluateAll(ctx, offspring)
		if err != nil {
			return s.snapshot(best, gen), fmt.Errorf("ga: evaluating generation %d: %w", gen, err)
		}

		pop = s.dedupAndSort(append(pop, offspring...))
		if len(pop) > s.cfg.PopulationSize {
			pop = pop[:s.cfg.PopulationSize]
		}

		if pop[0].Energy.Value < best.Energy.Value-s.cfg.ImprovementEpsilon {
			best = pop[0].Clone()
			sinceImprovement = 0
		} else {
			sinceImprovement++
		}

		if s.cfg.StagnationWindow > 0 && sinceImprovement >= s.cfg.StagnationWindow {
			pop, err = s.massExtinction(ctx, pop)
			if err != nil {
				return s.snapshot(best, gen), fmt.Errorf("ga: mass extinction at generation %d: %w", gen, err)
			}
			sinceImprovement = 0
		}

		meanEnergy := meanOf(pop)
		if s.stats != nil {
			s.stats.Publish(runctl.Stats{
				Generation:   gen + 1,
				BestEnergy:   best.Energy.Value,
				MeanEnergy:   meanEnergy,
				Diversity:    diversity,
				MutationRate: s.cfg.MutationProbability,
			})
		}
	}

	return s.snapshot(best, gen), nil
}

func (s *Solver) snapshot(best *cluster.Cluster, gen int) Result {
	stats := runctl.Stats{Generation: gen, BestEnergy: best.Energy.Value}
	if s.stats != nil {
		if latest, ok := s.stats.Latest(); ok {
			stats = latest
		}
	}
	return Result{Best: best, Generations: gen, Stats: stats}
}

// breed produces len(parentPop) offspring via tournament-selected
// parents, cut-and-splice crossover (falling back to clone+mutate on
// repair failure per spec.md §4.5), and independent-probability
// mutation.
func (s *Solver) breed(parentPop []*cluster.Cluster) []*cluster.Cluster {
	offspring := make([]*cluster.Cluster, 0, len(parentPop))
	for len(offspring) < len(parentPop) {
		a := s.tournamentSelect(parentPop)
		b := s.tournamentSelect(parentPop)

		child, ok := operators.CutAndSplice(a, b, s.cfg.RepairTrialsPerAtom, s.rng)
		if !ok {
			child = a.Clone()
		}

		if s.rng.Float64() < s.cfg.MutationProbability {
			if mutated, _, applied := operators.Mutate(child, s.weights, s.table, s.cfg.MutationConfig, s.rng); applied {
				child = mutated
			}
		}
		offspring = append(offspring, child)
	}
	return offspring
}

// tournamentSelect draws TournamentSize candidates uniformly at random
// and returns the one with the lowest evaluated energy.
func (s *Solver) tournamentSelect(pop []*cluster.Cluster) *cluster.Cluster {
	size := s.cfg.TournamentSize
	if size < 1 || size > len(pop) {
		size = len(pop)
	}
	best := pop[s.rng.Intn(len(pop))]
	for i := 1; i < size; i++ {
		candidate := pop[s.rng.Intn(len(pop))]
		if candidate.Energy.Value < best.Energy.Value {
			best = candidate
		}
	}
	return best
}

// adaptMutationRate nudges MutationProbability toward a higher rate
// when diversity has collapsed below DiversityLow, and relaxes it back
// down once diversity recovers above DiversityHigh (spec.md §4.6).
func (s *Solver) adaptMutationRate(diversity float64) {
	const step = 0.02
	const floor = 0.05
	const ceiling = 0.9
	switch {
	case diversity < s.cfg.DiversityLow:
		s.cfg.MutationProbability += step
	case diversity > s.cfg.DiversityHigh:
		s.cfg.MutationProbability -= step
	}
	if s.cfg.MutationProbability < floor {
		s.cfg.MutationProbability = floor
	}
	if s.cfg.MutationProbability > ceiling {
		s.cfg.MutationProbability = ceiling
	}
}

// massExtinction replaces the worst ExtinctionFraction of the
// population with freshly seeded random clusters, keeping the elite
// remainder untouched, per spec.md §4.6's stagnation response.
func (s *Solver) massExtinction(ctx context.Context, pop []*cluster.Cluster) ([]*cluster.Cluster, error) {
	doomed := int(float64(len(pop)) * s.cfg.ExtinctionFraction)
	if doomed < 1 {
		return pop, nil
	}
	survivors := len(pop) - doomed

	fresh, err := operators.InitialPopulation(s.table, s.stoch, s.box, doomed, s.rng)
	if err != nil {
		return nil, err
	}
	fresh, err = s.evaluateAll(ctx, fresh)
	if err != nil {
		return nil, err
	}

	out := append(append([]*cluster.Cluster{}, pop[:survivors]...), fresh...)
	return s.dedupAndSort(out), nil
}

// evaluateAll submits every member of batch to the pool and applies
// each Relaxed outcome back onto its cluster. Clusters whose outcome
// is not Relaxed are dropped from the returned slice (spec.md §4.3:
// non-converged/invalid candidates do not survive into the next
// generation).
func (s *Solver) evaluateAll(ctx context.Context, batch []*cluster.Cluster) ([]*cluster.Cluster, error) {
	tasks := make([]evalpool.Task, len(batch))
	for i, c := range batch {
		tasks[i] = evalpool.Task{ID: uuid.New(), Cluster: c}
	}

	results, err := s.pool.Submit(ctx, tasks)
	if err != nil {
		return nil, err
	}

	survivors := make([]*cluster.Cluster, 0, len(batch))
	for i, r := range results {
		if r.Err != nil || r.Outcome.Kind != evaluator.Relaxed {
			continue
		}
		c := batch[i]
		if err := c.ApplyRelaxation(r.Outcome.NewPositions, r.Outcome.Energy); err != nil {
			continue
		}
		survivors = append(survivors, c)
	}
	return survivors, nil
}

// dedupAndSort removes near-duplicate clusters (keeping the
// lower-energy survivor of each duplicate pair, spec.md §4.8) and
// sorts the remainder ascending by energy.
func (s *Solver) dedupAndSort(pop []*cluster.Cluster) []*cluster.Cluster {
	idx := dedup.NewIndex(s.cfg.DedupConfig)
	kept := make([]*cluster.Cluster, 0, len(pop))

	sorted := append([]*cluster.Cluster{}, pop...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Energy.Value < sorted[j].Energy.Value })

	for _, c := range sorted {
		if dup := idx.FindDuplicate(c); dup != nil {
			continue // sorted ascending: dup already holds the lower energy
		}
		idx.Insert(c)
		kept = append(kept, c)
	}
	return kept
}

func meanOf(pop []*cluster.Cluster) float64 {
	if len(pop) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range pop {
		sum += c.Energy.Value
	}
	return sum / float64(len(pop))
}
