// Package evalpool brokers work between a solver and a pool of
// concurrent evaluator workers (spec.md §4.4). It fans a batch of
// (id, cluster) submissions out to W persistent, pull-based workers
// and fans the results back in, preserving submission order
// regardless of completion order, and propagating cancellation so a
// stopped solver abandons in-flight and pending evaluations cleanly.
package evalpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/clusterforge/clusterforge/internal/cluster"
	"github.com/clusterforge/clusterforge/internal/evaluator"
)

// Task is one submission: a caller-chosen identifier and the cluster
// to evaluate. ID is preserved through to the matching Result
// regardless of dispatch or completion order.
type Task struct {
	ID      any
	Cluster *cluster.Cluster
}

// Result pairs a submitted Task's ID with its outcome. Err is set when
// the task was abandoned on context cancellation or when the evaluator
// itself returned an error; evaluation outcomes such as NonConverged or
// Invalid are carried in Outcome.Kind instead.
type Result struct {
	ID      any
	Outcome evaluator.Outcome
	Err     error
}

// job is one unit of pull-based work: a worker goroutine ranges over
// the shared channel and writes its result directly into the
// pre-sized results slice at idx, which is what makes order
// preservation free regardless of which worker picks up which job.
//
// written guards that slot against the two goroutines that can race to
// fill it: the worker (on completion or late cancellation) and
// Submit's per-task goroutine (on cancellation while the job is still
// queued or in flight). Exactly one of them wins the compare-and-swap
// and performs the write; the loser leaves the slot alone instead of
// racing a caller that may already be reading it.
type job struct {
	ctx     context.Context
	task    Task
	results []Result
	idx     int
	done    chan struct{}
	written *atomic.Bool
}

// Pool is a persistent worker pool sized to W concurrent evaluations.
// Workers are spawned once at construction and pull tasks from a
// shared queue for the lifetime of the pool — a pull-based design
// chosen over push/round-robin specifically to tolerate the high
// variance in external-relaxer runtimes (spec.md §4.4 detail floor).
type Pool struct {
	eval    evaluator.Evaluator
	workers int

	workC  chan job
	closed atomic.Bool
	once   sync.Once
}

// New starts a Pool with width workers driving eval. width must be >= 1.
func New(eval evaluator.Evaluator, width int) (*Pool, error) {
	if width < 1 {
		return nil, fmt.Errorf("evalpool: worker width must be at least 1, got %d", width)
	}
	p := &Pool{
		eval:    eval,
		workers: width,
		workC:   make(chan job, width*2),
	}
	for i := 0; i < width; i++ {
		go p.worker()
	}
	return p, nil
}

func (p *Pool) worker() {
	for j := range p.workC {
		select {
		case <-j.ctx.Done():
			if j.written.CompareAndSwap(false, true) {
				j.results[j.idx] = Result{ID: j.task.ID, Err: j.ctx.Err()}
			}
			close(j.done)
			continue
		default:
		}

		outcome, err := p.eval.Evaluate(j.ctx, j.task.Cluster)

		// The context may have been cancelled while Evaluate ran. If
		// Submit's caller already gave up on this slot and moved on
		// (see the gctx.Done case below), the CompareAndSwap loses and
		// this write is skipped, avoiding a race on the slice the
		// caller now owns.
		if j.written.CompareAndSwap(false, true) {
			j.results[j.idx] = Result{ID: j.task.ID, Outcome: outcome, Err: err}
		}
		close(j.done)
	}
}

// Submit dispatches batch to the pool and blocks until every task has
// either completed or the batch's context has been cancelled,
// returning results in the same order as batch. A per-task goroutine
// (managed by an errgroup.Group bound to ctx) waits for either the
// worker to finish or cancellation, so a cancelled Submit returns
// immediately with whatever results are already in, plus the
// context's error (context.Canceled or context.DeadlineExceeded) for
// anything still pending.
func (p *Pool) Submit(ctx context.Context, batch []Task) ([]Result, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("evalpool: pool is closed")
	}

	results := make([]Result, len(batch))
	g, gctx := errgroup.WithContext(ctx)

	for i, t := range batch {
		i, t := i, t
		g.Go(func() error {
			done := make(chan struct{})
			written := &atomic.Bool{}
			select {
			case <-gctx.Done():
				if written.CompareAndSwap(false, true) {
					results[i] = Result{ID: t.ID, Err: gctx.Err()}
				}
				return nil
			case p.workC <- job{ctx: gctx, task: t, results: results, idx: i, done: done, written: written}:
			}

			select {
			case <-done:
				// The worker already wrote results[i] before closing
				// done; safe to return and let the caller read it.
			case <-gctx.Done():
				// The job is still queued or in flight. Claim the slot
				// via CAS so the worker's eventual write (if it loses
				// the race) is skipped instead of racing this read.
				if written.CompareAndSwap(false, true) {
					results[i] = Result{ID: t.ID, Err: gctx.Err()}
				}
			}
			return nil
		})
	}

	_ = g.Wait() // errors are carried per-result, not as a batch failure
	return results, nil
}

// Close marks the pool closed and closes the task queue, which ends
// the workers once the queue drains. It does not wait for Submit calls
// in progress. Calling Close multiple times is safe.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.closed.Store(true)
		close(p.workC)
	})
}

// Width reports the configured worker count.
func (p *Pool) Width() int { return p.workers }
