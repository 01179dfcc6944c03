package evalpool

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/clusterforge/clusterforge/internal/cluster"
	"github.com/clusterforge/clusterforge/internal/evaluator"
	"github.com/clusterforge/clusterforge/internal/species"
)

func TestSubmitPreservesOrder(t *testing.T) {
	eval := evaluator.NewMockEvaluator(evaluator.SumSquaredNorm)
	pool, err := New(eval, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pool.Close()

	table, err := species.NewTable([]species.Species{{Name: "A", EffectiveRadius: 1.0}}, 0.7)
	if err != nil {
		t.Fatalf("species.NewTable: %v", err)
	}
	rng := rand.New(rand.NewSource(1))

	batch := make([]Task, 10)
	for i := range batch {
		c, err := cluster.NewRandom(table, species.Stoichiometry{0: 1}, 10, 10, rng)
		if err != nil {
			t.Fatalf("NewRandom: %v", err)
		}
		batch[i] = Task{ID: i, Cluster: c}
	}

	results, err := pool.Submit(context.Background(), batch)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	for i, r := range results {
		if r.ID.(int) != i {
			t.Errorf("results[%d].ID = %v, want %d (order must match submission order)", i, r.ID, i)
		}
	}
}

func TestSubmitCancellation(t *testing.T) {
	eval := evaluator.NewMockEvaluator(evaluator.SumSquaredNorm)
	pool, err := New(eval, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pool.Close()

	table, err := species.NewTable([]species.Species{{Name: "A", EffectiveRadius: 1.0}}, 0.7)
	if err != nil {
		t.Fatalf("species.NewTable: %v", err)
	}
	rng := rand.New(rand.NewSource(2))
	c, err := cluster.NewRandom(table, species.Stoichiometry{0: 1}, 10, 10, rng)
	if err != nil {
		t.Fatalf("NewRandom: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := pool.Submit(ctx, []Task{{ID: "x", Cluster: c}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if results[0].Err == nil {
		t.Error("Submit on an already-cancelled context returned no error on the result")
	}
}

// slowEvaluator blocks until its context is cancelled or delay elapses,
// whichever comes first, simulating an in-flight external relaxer call
// that outlives a cancelled batch.
type slowEvaluator struct {
	delay time.Duration
}

func (s *slowEvaluator) Evaluate(ctx context.Context, c *cluster.Cluster) (evaluator.Outcome, error) {
	select {
	case <-time.After(s.delay):
		return evaluator.Outcome{Kind: evaluator.Relaxed, Energy: 0, NewPositions: nil}, nil
	case <-ctx.Done():
		return evaluator.Outcome{}, ctx.Err()
	}
}

// TestSubmitMidFlightCancellation exercises cancellation that arrives
// after a task has already been dispatched to a worker but before the
// worker finishes evaluating it, rather than a context cancelled
// up-front. Submit must still return promptly with a non-nil Err for
// the abandoned task, and must never leave the result slot silently at
// its zero value (which would misreport an abandoned task as Relaxed).
func TestSubmitMidFlightCancellation(t *testing.T) {
	pool, err := New(&slowEvaluator{delay: 200 * time.Millisecond}, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pool.Close()

	table, err := species.NewTable([]species.Species{{Name: "A", EffectiveRadius: 1.0}}, 0.7)
	if err != nil {
		t.Fatalf("species.NewTable: %v", err)
	}
	rng := rand.New(rand.NewSource(5))
	c, err := cluster.NewRandom(table, species.Stoichiometry{0: 1}, 10, 10, rng)
	if err != nil {
		t.Fatalf("NewRandom: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	results, err := pool.Submit(ctx, []Task{{ID: "mid-flight", Cluster: c}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Submit took %v, want it to return promptly on cancellation instead of waiting for the slow evaluator", elapsed)
	}
	if results[0].Err == nil {
		t.Error("Submit on a context cancelled mid-evaluation returned no error on the result, want context.DeadlineExceeded")
	}
	if results[0].ID != "mid-flight" {
		t.Errorf("results[0].ID = %v, want %q (id must survive an abandoned task)", results[0].ID, "mid-flight")
	}
	if results[0].Outcome.Kind == evaluator.Relaxed {
		t.Error("an abandoned task reported Outcome.Kind = Relaxed, want the zero Result to never masquerade as success")
	}
}

func TestNewRejectsZeroWidth(t *testing.T) {
	eval := evaluator.NewMockEvaluator(evaluator.SumSquaredNorm)
	if _, err := New(eval, 0); err == nil {
		t.Error("New with width 0 succeeded, want error")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	eval := evaluator.NewMockEvaluator(evaluator.SumSquaredNorm)
	pool, err := New(eval, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pool.Close()
	pool.Close() // must not panic
}

func TestSubmitAfterCloseErrors(t *testing.T) {
	eval := evaluator.NewMockEvaluator(evaluator.SumSquaredNorm)
	pool, err := New(eval, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pool.Close()

	table, err := species.NewTable([]species.Species{{Name: "A", EffectiveRadius: 1.0}}, 0.7)
	if err != nil {
		t.Fatalf("species.NewTable: %v", err)
	}
	rng := rand.New(rand.NewSource(3))
	c, err := cluster.NewRandom(table, species.Stoichiometry{0: 1}, 10, 10, rng)
	if err != nil {
		t.Fatalf("NewRandom: %v", err)
	}

	if _, err := pool.Submit(context.Background(), []Task{{ID: 0, Cluster: c}}); err == nil {
		t.Error("Submit after Close succeeded, want error")
	}
}

func TestSubmitRunsWithinBound(t *testing.T) {
	eval := evaluator.NewMockEvaluator(evaluator.SumSquaredNorm)
	pool, err := New(eval, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer pool.Close()

	table, err := species.NewTable([]species.Species{{Name: "A", EffectiveRadius: 1.0}}, 0.7)
	if err != nil {
		t.Fatalf("species.NewTable: %v", err)
	}
	rng := rand.New(rand.NewSource(4))
	batch := make([]Task, 10)
	for i := range batch {
		c, err := cluster.NewRandom(table, species.Stoichiometry{0: 1}, 10, 10, rng)
		if err != nil {
			t.Fatalf("NewRandom: %v", err)
		}
		batch[i] = Task{ID: i, Cluster: c}
	}

	start := time.Now()
	if _, err := pool.Submit(context.Background(), batch); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Submit took %v, want well under 500ms for instantaneous mock evaluations", elapsed)
	}
}
