package bh

import (
	"context"
	"math/rand"
	"testing"

	"github.com/clusterforge/clusterforge/internal/cluster"
	"github.com/clusterforge/clusterforge/internal/evalpool"
	"github.com/clusterforge/clusterforge/internal/evaluator"
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

// TestRunAcceptanceRatioInBand exercises spec.md §8 scenario 2: over
// 500 steps under the mock evaluator, the schedule's adaptive
// temperature should keep the overall acceptance ratio inside a
// reasonably wide band around the target.
func TestRunAcceptanceRatioInBand(t *testing.T) {
	table := testTable(t)
	stoich := species.Stoichiometry{0: 10}
	eval := evaluator.NewMockEvaluator(evaluator.SumSquaredNorm)
	pool, err := evalpool.New(eval, 1)
	if err != nil {
		t.Fatalf("evalpool.New: %v", err)
	}
	defer pool.Close()

	rng := rand.New(rand.NewSource(42))
	start, err := cluster.NewRandom(table, stoich, 8, 500, rng)
	if err != nil {
		t.Fatalf("NewRandom: %v", err)
	}

	cfg := DefaultConfig()
	cfg.MaxSteps = 500
	stats := &runctl.Mailbox[runctl.Stats]{}

	solver := New(table, pool, cfg, rng, stats, nil)
	result, err := solver.Run(context.Background(), start)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.AcceptanceRatio < 0.1 || result.AcceptanceRatio > 0.9 {
		t.Errorf("AcceptanceRatio = %v, want within a broad [0.1, 0.9] band", result.AcceptanceRatio)
	}
	if result.Best == nil || !result.Best.Energy.Evaluated {
		t.Error("Result.Best is nil or unevaluated")
	}
}

func TestRunStopFlagHalts(t *testing.T) {
	table := testTable(t)
	stoich := species.Stoichiometry{0: 8}
	eval := evaluator.NewMockEvaluator(evaluator.SumSquaredNorm)
	pool, err := evalpool.New(eval, 1)
	if err != nil {
		t.Fatalf("evalpool.New: %v", err)
	}
	defer pool.Close()

	rng := rand.New(rand.NewSource(1))
	start, err := cluster.NewRandom(table, stoich, 8, 500, rng)
	if err != nil {
		t.Fatalf("NewRandom: %v", err)
	}

	cfg := DefaultConfig()
	cfg.MaxSteps = 100000
	stop := &runctl.StopFlag{}
	stop.Stop() // already stopped: the walker must halt on its first check

	solver := New(table, pool, cfg, rng, nil, stop)
	result, err := solver.Run(context.Background(), start)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Steps >= cfg.MaxSteps {
		t.Errorf("Steps = %d, want far fewer than MaxSteps (%d) when already stopped", result.Steps, cfg.MaxSteps)
	}
}

func TestMetropolisAcceptAlwaysAcceptsImprovement(t *testing.T) {
	s := &Solver{rng: rand.New(rand.NewSource(1))}
	if !s.metropolisAccept(-1.0, 1.0) {
		t.Error("metropolisAccept rejected an improving move (deltaE < 0)")
	}
}

func TestMetropolisAcceptNeverAcceptsAtZeroTemperature(t *testing.T) {
	s := &Solver{rng: rand.New(rand.NewSource(1))}
	if s.metropolisAccept(1.0, 0) {
		t.Error("metropolisAccept accepted a worsening move at zero temperature")
	}
}

func TestAdaptTemperatureRaisesWhenTooCold(t *testing.T) {
	cfg := DefaultConfig()
	s := &Solver{cfg: cfg}
	got := s.adaptTemperature(1.0, 0.0)
	if got <= 1.0 {
		t.Errorf("adaptTemperature(1.0, acceptance=0.0) = %v, want > 1.0", got)
	}
}

func TestAdaptTemperatureLowersWhenTooHot(t *testing.T) {
	cfg := DefaultConfig()
	s := &Solver{cfg: cfg}
	got := s.adaptTemperature(1.0, 1.0)
	if got >= 1.0 {
		t.Errorf("adaptTemperature(1.0, acceptance=1.0) = %v, want < 1.0", got)
	}
}
