// Package clustererr defines the sentinel error kinds shared across the
// optimization engine, so callers can errors.Is/As against a stable set
// of failure modes instead of matching on message text.
package clustererr

import "errors"

var (
	// ErrPackingFailure is returned when rejection-sampling placement
	// (initialization or crossover repair) exhausts its trial budget.
	ErrPackingFailure = errors.New("packing failure: could not place atoms without violating overlap invariant")

	// ErrOverlap is returned when a geometry transform produces a
	// cluster that violates the pairwise minimum-separation invariant.
	ErrOverlap = errors.New("overlap violation: pairwise separation below sigma")

	// ErrStoichiometryMismatch indicates a cluster's per-species atom
	// counts do not match the run's fixed stoichiometry. This is a
	// programmer error and aborts the run.
	ErrStoichiometryMismatch = errors.New("stoichiometry mismatch")

	// ErrEvaluatorNonConverged indicates the evaluator ran but the
	// relaxation did not converge.
	ErrEvaluatorNonConverged = errors.New("evaluator: relaxation did not converge")

	// ErrEvaluatorTransient indicates a retryable evaluator failure
	// (e.g. subprocess crash, malformed output on first attempt).
	ErrEvaluatorTransient = errors.New("evaluator: transient failure")

	// ErrEvaluatorInvalid indicates a non-retryable evaluator failure.
	ErrEvaluatorInvalid = errors.New("evaluator: invalid result")

	// ErrCancelled is the sentinel for a cancelled run. The GA and BH
	// solvers do not return it: a set stop flag ends their Run without
	// error, and context cancellation returns the context's error.
	ErrCancelled = errors.New("cancelled")
)
