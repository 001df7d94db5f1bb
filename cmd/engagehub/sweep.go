package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

type SweepOptions struct {
	*RootOptions
	Once     bool
	Interval time.Duration
	Jitter   float64
	Timeout  time.Duration
}

func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SweepOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Retry failed and pending sync intents",
		Long: `Run the retry sweeper without the HTTP API.

Each sweep re-attempts intents that are still pending or failed, have
attempts left and whose last attempt is older than the retry interval.

Example:
  engagehub sweep --once
  engagehub sweep --interval 30s --config ./engagehub.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Once, "once", false, "run one sweep and exit")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "time between sweeps (defaults to the configured sweep interval)")
	cmd.Flags().Float64Var(&opts.Jitter, "interval-jitter", -1, "sweep interval jitter ratio (0.0-1.0)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "per-sweep timeout")

	return cmd
}

func runSweep(parent context.Context, opts *SweepOptions) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.WithError(err).Warn("failed to close stores")
		}
	}()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	var tasks backgroundTasks
	defer func() {
		stop()
		tasks.Wait()
	}()

	loop := sweepLoopOptions{
		Interval: cfg.Sync.SweepInterval,
		Jitter:   cfg.Sync.SweepJitter,
		Timeout:  cfg.Sync.SweepTimeout,
		Once:     opts.Once,
	}
	if opts.Interval > 0 {
		loop.Interval = opts.Interval
	}
	if opts.Jitter >= 0 {
		loop.Jitter = opts.Jitter
	}
	if opts.Timeout > 0 {
		loop.Timeout = opts.Timeout
	}
	if cfg.File != "" && !opts.Once {
		tasks.Go(func() { watchConfig(ctx, cfg.File, rt, logger) })
	}
	if err := runSweepLoop(ctx, rt.sweeper, loop, logger); err != nil {
		return fmt.Errorf("retry sweep: %w", err)
	}
	return nil
}
