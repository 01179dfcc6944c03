package evaluator

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/clusterforge/clusterforge/internal/cluster"
	"github.com/clusterforge/clusterforge/internal/spatial"
)

// ExternalAdapter drives a separately installed relaxation program
// (spec.md §6.2): it writes an input file describing the cluster's
// geometry and species, invokes the program by name (resolved via
// PATH), and parses its stdout for a converged flag, a final energy,
// and final coordinates in input order.
//
// The adapter is safe for concurrent use: every call creates its own
// temp file and subprocess, so no state is shared between goroutines.
type ExternalAdapter struct {
	// Command is the program name, resolved via exec.LookPath at
	// construction time so a missing binary fails fast.
	Command string
	// Args are extra arguments appended after the input file path.
	Args []string
	// WorkDir is used for the scratch input/output files; defaults to
	// os.TempDir() if empty.
	WorkDir string
}

// NewExternalAdapter resolves command via PATH and returns an adapter
// that invokes it with args after the input file path.
func NewExternalAdapter(command string, args ...string) (*ExternalAdapter, error) {
	resolved, err := exec.LookPath(command)
	if err != nil {
		return nil, fmt.Errorf("evaluator: resolving external relaxer %q: %w", command, err)
	}
	return &ExternalAdapter{Command: resolved, Args: args}, nil
}

// Evaluate implements Evaluator. It retries once on a transient
// failure with the same input; an identical failure on that retry is
// reported as Invalid rather than TransientFailure, per spec.md §6.2.
func (e *ExternalAdapter) Evaluate(ctx context.Context, c *cluster.Cluster) (Outcome, error) {
	out, err := e.runOnce(ctx, c)
	if err != nil {
		return Outcome{}, err
	}
	if out.Kind != TransientFailure {
		return out, nil
	}

	retry, err := e.runOnce(ctx, c)
	if err != nil {
		return Outcome{}, err
	}
	if retry.Kind == TransientFailure {
		return Outcome{Kind: Invalid, Reason: "transient failure persisted on retry"}, nil
	}
	return retry, nil
}

func (e *ExternalAdapter) runOnce(ctx context.Context, c *cluster.Cluster) (Outcome, error) {
	inputPath, err := e.writeInput(c)
	if err != nil {
		return Outcome{}, fmt.Errorf("evaluator: writing relaxer input: %w", err)
	}
	defer os.Remove(inputPath)

	args := append([]string{inputPath}, e.Args...)
	cmd := exec.CommandContext(ctx, e.Command, args...)
	stdout, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		return Outcome{Kind: TransientFailure, Retryable: true}, nil
	}

	converged, energy, positions, haveEnergy := parseRelaxerOutput(stdout)
	if !haveEnergy {
		// No ENERGY line at all is the general transient-failure case
		// (spec.md §6.2): it flows through Evaluate's retry-once path
		// exactly like a non-zero exit, and only becomes Invalid if it
		// persists on the retry.
		return Outcome{Kind: TransientFailure, Retryable: true}, nil
	}
	if len(positions) > len(c.Atoms) {
		// More coordinate lines than atoms is an atom-count mismatch:
		// transient, retried once like a missing energy.
		return Outcome{Kind: TransientFailure, Retryable: true}, nil
	}
	if len(positions) < len(c.Atoms) {
		// Energy present but coordinates missing/short is the narrower
		// sub-case spec.md's open question resolves as a direct Invalid,
		// not a retryable failure.
		return Outcome{Kind: Invalid, Reason: "atom-count mismatch in relaxer output"}, nil
	}
	if !converged {
		return Outcome{Kind: NonConverged}, nil
	}
	return Outcome{Kind: Relaxed, Energy: energy, NewPositions: positions}, nil
}

// writeInput emits a small textual description of the cluster: one
// header line with the atom count and box size, then one line per
// atom: species index, x, y, z.
func (e *ExternalAdapter) writeInput(c *cluster.Cluster) (string, error) {
	dir := e.WorkDir
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, "clusterforge-input-*.txt")
	if err != nil {
		return "", err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "%d %g\n", len(c.Atoms), c.BoxSize())
	for _, a := range c.Atoms {
		fmt.Fprintf(w, "%d %g %g %g\n", a.Species, a.Pos.X, a.Pos.Y, a.Pos.Z)
	}
	if err := w.Flush(); err != nil {
		return "", err
	}
	return f.Name(), nil
}

// parseRelaxerOutput expects:
//
//	CONVERGED <0|1>
//	ENERGY <float>
//	<x> <y> <z>   (one line per atom, in input order)
//
// haveEnergy reports whether an ENERGY line was found; callers must
// separately compare len(positions) against the expected atom count,
// since that mismatch is handled differently from a missing energy
// (spec.md §6.2).
func parseRelaxerOutput(stdout []byte) (converged bool, energy float64, positions []spatial.Vec3, haveEnergy bool) {
	scanner := bufio.NewScanner(strings.NewReader(string(stdout)))

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch {
		case strings.EqualFold(fields[0], "CONVERGED") && len(fields) >= 2:
			converged = fields[1] == "1" || strings.EqualFold(fields[1], "true")
		case strings.EqualFold(fields[0], "ENERGY") && len(fields) >= 2:
			v, err := strconv.ParseFloat(fields[1], 64)
			if err == nil {
				energy = v
				haveEnergy = true
			}
		case len(fields) == 3:
			x, errX := strconv.ParseFloat(fields[0], 64)
			y, errY := strconv.ParseFloat(fields[1], 64)
			z, errZ := strconv.ParseFloat(fields[2], 64)
			if errX == nil && errY == nil && errZ == nil {
				positions = append(positions, spatial.Vec3{X: x, Y: y, Z: z})
			}
		}
	}

	return converged, energy, positions, haveEnergy
}
