package main

import (
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/n0madic/go-basket-cavi/cavi"
	"github.com/n0madic/go-basket-cavi/checkpoint"
	"github.com/n0madic/go-basket-cavi/config"
	"github.com/n0madic/go-basket-cavi/dataset"
	"github.com/n0madic/go-basket-cavi/logging"
	"github.com/n0madic/go-basket-cavi/reference"
	"github.com/n0madic/go-basket-cavi/state"
)

type fitOptions struct {
	data     dataFlags
	nIter    int
	output   string
	factors  int
	simulate bool
}

func newFitCmd(root *rootOptions) *cobra.Command {
	opts := &fitOptions{}
	cmd := &cobra.Command{
		Use:   "fit",
		Short: "Fit the basket model by coordinate ascent",
		Long: `Builds the purchase index, initialises the variational state and runs
the coordinate ascent loop. The output directory receives the objective log
elbo.csv, the run manifest run.yaml, periodic state snapshots and, when
enabled, metrics.prom and profile_stats.

Examples:
  cavi fit --data data --output out --n-iter 200
  cavi fit --simulate --factors 3 --n-iter 20
  CAVI_FIXED=gamma cavi fit -c fit.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			if err := opts.apply(cmd, cfg); err != nil {
				return err
			}
			return runFit(cmd, cfg, opts)
		},
	}
	opts.data.register(cmd)
	f := cmd.Flags()
	f.IntVarP(&opts.nIter, "n-iter", "n", 0, "iterations (overrides run.n_iter)")
	f.StringVarP(&opts.output, "output", "o", "", "output directory (overrides run.output_dir)")
	f.IntVarP(&opts.factors, "factors", "m", 0, "latent factors (overrides factors)")
	f.BoolVar(&opts.simulate, "simulate", false, "fit a simulated purchase history instead of CSV input")
	return cmd
}

// apply folds the flags that were set into cfg and revalidates it.
func (o *fitOptions) apply(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("n-iter") {
		cfg.Run.NIter = o.nIter
	}
	if flags.Changed("output") {
		cfg.Run.OutputDir = o.output
	}
	if flags.Changed("factors") {
		cfg.Factors = o.factors
	}
	return cfg.Validate()
}

func runFit(cmd *cobra.Command, cfg *config.Config, opts *fitOptions) error {
	logCfg := cfg.Log
	logCfg.Output = cmd.ErrOrStderr()
	logger := logging.New(logCfg)

	d, err := fitData(cmd, cfg, opts)
	if err != nil {
		return err
	}
	logger.Info().Interface("data", d.Summary()).Msg("index built")

	prior := cfg.PriorValues()
	q, err := reference.Init(d, cfg.Factors, &prior, cfg.Seed)
	if err != nil {
		return err
	}
	blocks, err := cfg.FixedBlocks()
	if err != nil {
		return err
	}
	fixed := state.Snapshot(q, slices.Concat(reference.Unused, blocks)...)

	runID := uuid.NewString()
	sinkOpts, err := cfg.SinkOptions(runID)
	if err != nil {
		return err
	}
	sink, err := checkpoint.NewSink(cfg.Run.OutputDir, sinkOpts...)
	if err != nil {
		return err
	}
	manifest := sink.Manifest(q.Dims, cfg.Run.NIter, fixed)
	if manifest.Config, err = cfg.Map(); err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}
	if err := checkpoint.WriteManifest(cfg.Run.OutputDir, manifest); err != nil {
		return err
	}

	runOpts := []cavi.Option{
		cavi.WithLogger(logger),
		cavi.WithSink(sink),
		cavi.WithRunID(runID),
	}
	if cfg.Run.Metrics {
		runOpts = append(runOpts, cavi.WithMetrics(cavi.NewMetrics()))
	}
	r, err := cavi.New(reference.Procedures(), d, &prior, fixed, cfg.TuningValues(), cfg.CAVI(), runOpts...)
	if err != nil {
		return err
	}
	_, history, err := r.Run(q)
	if err != nil {
		return err
	}

	last := history[cfg.Run.NIter-1]
	fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d iterations, objective %.6f, output in %s\n",
		runID, cfg.Run.NIter, last.Total, cfg.Run.OutputDir)
	return nil
}

func fitData(cmd *cobra.Command, cfg *config.Config, opts *fitOptions) (*dataset.Data, error) {
	if !opts.simulate {
		return buildData(opts.data.files(cmd, cfg), cfg)
	}
	sim := dataset.DefaultSimConfig()
	sim.Factors = cfg.Factors
	sim.Seed = uint64(cfg.Seed)
	raw, err := dataset.Simulate(sim)
	if err != nil {
		return nil, err
	}
	return dataset.Build(raw,
		dataset.WithWorkers(cfg.Data.Workers),
		dataset.WithTolerance(cfg.Data.Tolerance),
	)
}
