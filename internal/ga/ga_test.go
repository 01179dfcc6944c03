package ga

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/clusterforge/clusterforge/internal/evalpool"
	"github.com/clusterforge/clusterforge/internal/evaluator"
	"github.com/clusterforge/clusterforge/internal/operators"
	"github.com/clusterforge/clusterforge/internal/runctl"
	"github.com/clusterforge/clusterforge/internal/species"
)

func testTable(t *testing.T) *species.Table {
	t.Helper()
	table, err := species.NewTable([]species.Species{{Name: "A", EffectiveRadius: 1.0}}, 0.7)
	if err != nil {
		t.Fatalf("species.NewTable: %v", err)
	}
	return table
}

// TestRunMonotoneBestEnergy exercises spec.md §8 scenario 1: under the
// mock evaluator, 50 generations of GA must never let the best energy
// seen so far get worse.
func TestRunMonotoneBestEnergy(t *testing.T) {
	table := testTable(t)
	stoich := species.Stoichiometry{0: 10}
	eval := evaluator.NewMockEvaluator(evaluator.SumSquaredNorm)
	pool, err := evalpool.New(eval, 4)
	if err != nil {
		t.Fatalf("evalpool.New: %v", err)
	}
	defer pool.Close()

	cfg := DefaultConfig()
	cfg.PopulationSize = 16
	cfg.MaxGenerations = 50
	rng := rand.New(rand.NewSource(42))
	stats := &runctl.Mailbox[runctl.Stats]{}

	// Poll the published snapshot throughout the run so the per-
	// generation BestEnergy sequence can be checked for monotonicity,
	// not just the final result against the initial population.
	pollCtx, stopPolling := context.WithCancel(context.Background())
	var seen []float64
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		lastGen := -1
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				if snap, ok := stats.Latest(); ok && snap.Generation != lastGen {
					lastGen = snap.Generation
					mu.Lock()
					seen = append(seen, snap.BestEnergy)
					mu.Unlock()
				}
			}
		}
	}()

	solver := New(table, stoich, 8, pool, cfg, rng, stats, nil)
	result, err := solver.Run(context.Background())
	stopPolling()
	wg.Wait()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Best == nil {
		t.Fatal("Result.Best is nil")
	}
	if !result.Best.Energy.Evaluated {
		t.Error("Result.Best.Energy.Evaluated = false")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seen); i++ {
		if seen[i] > seen[i-1] {
			t.Errorf("best energy regressed between polled generations: %v -> %v (full sequence: %v)", seen[i-1], seen[i], seen)
		}
	}
}

// TestRunStopFlagTerminatesPromptly exercises spec.md §8 scenario 5:
// setting the stop flag after a few generations must terminate the run
// within one generation boundary, returning a valid snapshot.
func TestRunStopFlagTerminatesPromptly(t *testing.T) {
	table := testTable(t)
	stoich := species.Stoichiometry{0: 8}
	eval := evaluator.NewMockEvaluator(evaluator.SumSquaredNorm)
	pool, err := evalpool.New(eval, 4)
	if err != nil {
		t.Fatalf("evalpool.New: %v", err)
	}
	defer pool.Close()

	cfg := DefaultConfig()
	cfg.PopulationSize = 12
	cfg.MaxGenerations = 1000
	rng := rand.New(rand.NewSource(42))
	stats := &runctl.Mailbox[runctl.Stats]{}
	stop := &runctl.StopFlag{}

	solver := New(table, stoich, 8, pool, cfg, rng, stats, stop)

	done := make(chan error, 1)
	var result Result
	go func() {
		var err error
		result, err = solver.Run(context.Background())
		done <- err
	}()

	// Let a handful of generations pass, then stop.
	time.Sleep(5 * time.Millisecond)
	stop.Stop()

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Best == nil {
		t.Fatal("Result.Best is nil after a stopped run")
	}
	if result.Generations >= cfg.MaxGenerations {
		t.Errorf("Generations = %d, want fewer than MaxGenerations (%d) after an early stop", result.Generations, cfg.MaxGenerations)
	}
}

// TestRunToleratesPartialNonConvergence exercises spec.md §8 scenario
// 3: with 30% of evaluations forced non-converged, the GA must still
// run to completion without crashing.
func TestRunToleratesPartialNonConvergence(t *testing.T) {
	table := testTable(t)
	stoich := species.Stoichiometry{0: 8}
	inner := evaluator.NewMockEvaluator(evaluator.SumSquaredNorm)
	scripted := &evaluator.ScriptedMock{Inner: inner, NonConvergeEveryN: 10, NonConvergeOutOf: 3}
	pool, err := evalpool.New(scripted, 4)
	if err != nil {
		t.Fatalf("evalpool.New: %v", err)
	}
	defer pool.Close()

	cfg := DefaultConfig()
	cfg.PopulationSize = 16
	cfg.MaxGenerations = 30
	rng := rand.New(rand.NewSource(42))

	solver := New(table, stoich, 8, pool, cfg, rng, nil, nil)
	result, err := solver.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Best == nil {
		t.Fatal("Result.Best is nil")
	}
}

func TestDedupAndSortOrdersByEnergy(t *testing.T) {
	table := testTable(t)
	stoich := species.Stoichiometry{0: 6}
	eval := evaluator.NewMockEvaluator(evaluator.SumSquaredNorm)
	pool, err := evalpool.New(eval, 2)
	if err != nil {
		t.Fatalf("evalpool.New: %v", err)
	}
	defer pool.Close()

	cfg := DefaultConfig()
	rng := rand.New(rand.NewSource(7))
	solver := New(table, stoich, 8, pool, cfg, rng, nil, nil)

	pop, err := operators.InitialPopulation(table, stoich, 8, 6, rng)
	if err != nil {
		t.Fatalf("InitialPopulation: %v", err)
	}
	pop, err = solver.evaluateAll(context.Background(), pop)
	if err != nil {
		t.Fatalf("evaluateAll: %v", err)
	}
	sorted := solver.dedupAndSort(pop)
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Energy.Value < sorted[i-1].Energy.Value {
			t.Fatalf("dedupAndSort did not sort ascending at index %d", i)
		}
	}
}
