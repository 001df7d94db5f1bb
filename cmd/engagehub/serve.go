package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Bhekie452/EngageHub-sub003/internal/config"
	"github.com/Bhekie452/EngageHub-sub003/internal/httpapi"
)

const shutdownTimeout = 15 * time.Second

type ServeOptions struct {
	*RootOptions
	Addr    string
	NoSweep bool
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the action API with a background retry sweeper",
		Long: `Serve the HTTP API that records post actions and syncs them to YouTube.

Unless --no-sweep is given, the retry sweeper runs in the same process on
the configured sweep interval.

Example:
  engagehub serve --addr :8080
  ENGAGEHUB_BACKEND_PROFILE=durable-local engagehub serve`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (defaults to the configured address)")
	cmd.Flags().BoolVar(&opts.NoSweep, "no-sweep", false, "do not run the retry sweeper in this process")

	return cmd
}

func runServe(parent context.Context, opts *ServeOptions) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	if addr := strings.TrimSpace(opts.Addr); addr != "" {
		cfg.Addr = addr
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

	if cfg.Auth.JWTSecret == "" {
		logger.Warn("ENGAGEHUB_JWT_SECRET is not set; using the development secret")
	}
	api, err := httpapi.NewServer(httpapi.Services{
		Actions: rt.handler,
		Ledger:  rt.ledger,
		Sweeper: rt.sweeper,
		Events:  rt.events,
	}, httpapi.ServerConfig{
		JWTSecret:       cfg.Auth.JWTSecret,
		JWTAudience:     cfg.Auth.JWTAudience,
		RateLimitMax:    cfg.Auth.RateLimitMax,
		RateLimitWindow: cfg.Auth.RateLimitWindow,
		MaxBodyBytes:    cfg.Auth.MaxBodyBytes,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	// registered after rt.Close so an in-flight sweep finishes before the
	// stores go away
	var tasks backgroundTasks
	defer func() {
		stop()
		tasks.Wait()
	}()

	if !opts.NoSweep {
		loop := sweepLoopOptions{
			Interval: cfg.Sync.SweepInterval,
			Jitter:   cfg.Sync.SweepJitter,
			Timeout:  cfg.Sync.SweepTimeout,
		}
		tasks.Go(func() { _ = runSweepLoop(ctx, rt.sweeper, loop, logger) })
	}
	if cfg.File != "" {
		tasks.Go(func() { watchConfig(ctx, cfg.File, rt, logger) })
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.Addr).Info("engagehub listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func watchConfig(ctx context.Context, path string, rt *syncRuntime, logger *logrus.Logger) {
	err := config.Watch(ctx, path, logger, func(cfg config.Config) {
		rt.applyConfig(cfg, logger)
	})
	if err != nil {
		logger.WithError(err).Warn("config watcher stopped")
	}
}
