// Command clusterforge is the CLI surface over the GA and
// Basin-Hopping solvers (spec.md C9). It builds a chemistry table and
// stoichiometry from either a YAML config file or a handful of flags
// describing a single-species cluster, wires a mock evaluator (the
// external-relaxer adapter is not wired by this command), and runs the
// chosen solver to completion or until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clusterforge/clusterforge/internal/bh"
	"github.com/clusterforge/clusterforge/internal/cluster"
	"github.com/clusterforge/clusterforge/internal/config"
	"github.com/clusterforge/clusterforge/internal/evalpool"
	"github.com/clusterforge/clusterforge/internal/evaluator"
	"github.com/clusterforge/clusterforge/internal/ga"
	"github.com/clusterforge/clusterforge/internal/runctl"
	"github.com/clusterforge/clusterforge/internal/species"
)

var (
	configPath string
	algo       string
	atoms      int
	workers    int
	box        float64
	seed       int64
)

// flagParseError distinguishes an unknown/malformed flag from any other
// RunE failure so main can map it to its own exit code (spec.md §6.1:
// unknown options exit 2, everything else exits 1).
type flagParseError struct{ error }

func (e flagParseError) Unwrap() error { return e.error }

func main() {
	rootCmd := &cobra.Command{
		Use:   "clusterforge",
		Short: "Global optimization search over atomic cluster geometries",
		RunE:  run,
	}
	// Cobra's default flag-error handling just returns the parse error
	// from Execute() indistinguishable from any other RunE error; wrap
	// it here so main can tell the two apart.
	rootCmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return flagParseError{err}
	})

	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML run configuration (overrides the other flags)")
	rootCmd.Flags().StringVar(&algo, "algo", "ga", "Solver to run: \"ga\" or \"bh\"")
	rootCmd.Flags().IntVar(&atoms, "atoms", 12, "Atom count for the default single-species cluster")
	rootCmd.Flags().IntVar(&workers, "workers", 4, "Concurrent evaluator workers")
	rootCmd.Flags().Float64Var(&box, "box", 6.0, "Simulation box side length")
	rootCmd.Flags().Int64Var(&seed, "seed", 42, "Random seed")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "clusterforge: %v\n", err)
		var parseErr flagParseError
		if errors.As(err, &parseErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := loadConfig()
	if err != nil {
		logger.Error().Err(err).Msg("configuration invalid")
		os.Exit(3)
	}

	table, stoich, err := cfg.BuildTable()
	if err != nil {
		logger.Error().Err(err).Msg("chemistry table invalid")
		os.Exit(3)
	}

	eval := evaluator.NewMockEvaluator(evaluator.SumSquaredNorm)
	pool, err := evalpool.New(eval, cfg.Workers)
	if err != nil {
		return fmt.Errorf("clusterforge: starting evaluator pool: %w", err)
	}
	defer pool.Close()

	stop := &runctl.StopFlag{}
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	go func() {
		<-sigCtx.Done()
		logger.Warn().Msg("interrupt received, stopping after current step")
		stop.Stop()
	}()

	runCtx, cancel := stop.Context(sigCtx, 50*time.Millisecond)
	defer cancel()

	rng := rand.New(rand.NewSource(cfg.Seed))
	stats := &runctl.Mailbox[runctl.Stats]{}

	switch cfg.Algorithm {
	case "ga":
		return runGA(runCtx, table, stoich, cfg, pool, rng, stats, stop, logger)
	case "bh":
		return runBH(runCtx, table, stoich, cfg, pool, rng, stats, stop, logger)
	default:
		logger.Error().Str("algorithm", cfg.Algorithm).Msg("unknown algorithm")
		os.Exit(2)
		return nil
	}
}

func seedSingleCluster(table *species.Table, stoich species.Stoichiometry, box float64, rng *rand.Rand) (*cluster.Cluster, error) {
	return cluster.NewRandom(table, stoich, box, 500, rng)
}

func loadConfig() (config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	cfg := config.Default()
	cfg.Algorithm = algo
	cfg.Species[0].Count = atoms
	cfg.Workers = workers
	cfg.BoxSize = box
	cfg.Seed = seed
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func runGA(ctx context.Context, table *species.Table, stoich species.Stoichiometry, cfg config.Config, pool *evalpool.Pool, rng *rand.Rand, stats *runctl.Mailbox[runctl.Stats], stop *runctl.StopFlag, logger zerolog.Logger) error {
	solver := ga.New(table, stoich, cfg.BoxSize, pool, cfg.GA, rng, stats, stop)
	result, err := solver.Run(ctx)
	if err != nil {
		logger.Error().Err(err).Int("generations", result.Generations).Msg("GA run ended with an error")
		return fmt.Errorf("clusterforge: ga run: %w", err)
	}
	logger.Info().
		Int("generations", result.Generations).
		Float64("best_energy", result.Best.Energy.Value).
		Msg("GA run complete")
	return nil
}

func runBH(ctx context.Context, table *species.Table, stoich species.Stoichiometry, cfg config.Config, pool *evalpool.Pool, rng *rand.Rand, stats *runctl.Mailbox[runctl.Stats], stop *runctl.StopFlag, logger zerolog.Logger) error {
	seedPop, err := seedSingleCluster(table, stoich, cfg.BoxSize, rng)
	if err != nil {
		return fmt.Errorf("clusterforge: seeding basin-hopping start point: %w", err)
	}

	solver := bh.New(table, pool, cfg.BH, rng, stats, stop)
	result, err := solver.Run(ctx, seedPop)
	if err != nil {
		logger.Error().Err(err).Int("steps", result.Steps).Msg("basin-hopping run ended with an error")
		return fmt.Errorf("clusterforge: bh run: %w", err)
	}
	logger.Info().
		Int("steps", result.Steps).
		Float64("best_energy", result.Best.Energy.Value).
		Float64("acceptance_ratio", result.AcceptanceRatio).
		Msg("basin-hopping run complete")
	return nil
}
