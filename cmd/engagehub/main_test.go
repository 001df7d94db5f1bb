package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/Bhekie452/EngageHub-sub003/internal/actionsync"
	"github.com/Bhekie452/EngageHub-sub003/internal/config"
)

type countingSweeper struct {
	calls atomic.Int32
	err   error
}

func (s *countingSweeper) Sweep(ctx context.Context) (actionsync.SweepResult, error) {
	s.calls.Add(1)
	if _, ok := ctx.Deadline(); !ok {
		return actionsync.SweepResult{}, errors.New("sweep ran without a deadline")
	}
	return actionsync.SweepResult{}, s.err
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0.5); got != 10*time.Second {
		t.Fatalf("expected midpoint jitter interval 10s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
	if got := jitteredIntervalWithSample(time.Microsecond, 1, 0); got != time.Millisecond {
		t.Fatalf("expected 1ms floor, got %s", got)
	}
	if got := jitteredIntervalWithSample(0, 0.2, 0.5); got != 0 {
		t.Fatalf("expected zero for non-positive base, got %s", got)
	}
}

// slowSweeper holds the sweep open until ctx is done and then keeps working
// briefly, like a batch finishing its last RecordOutcome calls.
type slowSweeper struct {
	started  chan struct{}
	once     sync.Once
	finished atomic.Bool
}

func (s *slowSweeper) Sweep(ctx context.Context) (actionsync.SweepResult, error) {
	s.once.Do(func() { close(s.started) })
	<-ctx.Done()
	time.Sleep(20 * time.Millisecond)
	s.finished.Store(true)
	return actionsync.SweepResult{}, ctx.Err()
}

func TestRunSweepLoopOnce(t *testing.T) {
	sweeper := &countingSweeper{err: errors.New("ledger unavailable")}
	logger, hook := logtest.NewNullLogger()

	err := runSweepLoop(context.Background(), sweeper, sweepLoopOptions{Once: true}, logger)
	if err == nil || err.Error() != "ledger unavailable" {
		t.Fatalf("expected the sweep error to be returned, got %v", err)
	}
	if got := sweeper.calls.Load(); got != 1 {
		t.Fatalf("expected one sweep, got %d", got)
	}
	if entry := hook.LastEntry(); entry == nil || entry.Message != "retry sweep failed" {
		t.Fatalf("expected failed sweep to be logged, got %+v", entry)
	}
}

func TestRunSweepLoopOnceSucceeds(t *testing.T) {
	sweeper := &countingSweeper{}
	logger, _ := logtest.NewNullLogger()
	if err := runSweepLoop(context.Background(), sweeper, sweepLoopOptions{Once: true}, logger); err != nil {
		t.Fatalf("expected a clean sweep to return nil, got %v", err)
	}
}

func TestBackgroundTasksWaitForInFlightSweep(t *testing.T) {
	sweeper := &slowSweeper{started: make(chan struct{})}
	logger, _ := logtest.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())

	var tasks backgroundTasks
	tasks.Go(func() {
		_ = runSweepLoop(ctx, sweeper, sweepLoopOptions{Interval: time.Hour, Timeout: time.Minute}, logger)
	})
	select {
	case <-sweeper.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("sweep did not start")
	}
	cancel()
	tasks.Wait()
	if !sweeper.finished.Load() {
		t.Fatalf("Wait returned before the in-flight sweep finished")
	}
}

func TestRunSweepLoopRepeatsUntilCancelled(t *testing.T) {
	sweeper := &countingSweeper{}
	logger, _ := logtest.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runSweepLoop(ctx, sweeper, sweepLoopOptions{Interval: 5 * time.Millisecond, Timeout: time.Second}, logger)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for sweeper.calls.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("sweep loop did not repeat, calls=%d", sweeper.calls.Load())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("sweep loop did not stop after cancel")
	}
}

func TestBuildRuntimeWithMemoryProfile(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Profile = "memory"
	logger, _ := logtest.NewNullLogger()

	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		t.Fatalf("build runtime: %v", err)
	}
	defer rt.Close()
	if !rt.executor.Supports(actionsync.PlatformYouTube) {
		t.Fatalf("expected the youtube client to be registered")
	}

	cfg.Sync.MaxAttempts = 9
	rt.applyConfig(cfg, logger)
	if got := rt.sweeper.Policy().MaxAttempts; got != 9 {
		t.Fatalf("expected reloaded max attempts 9, got %d", got)
	}
	if got := rt.executor.Policy().MaxAttempts; got != 9 {
		t.Fatalf("expected executor to follow the sweeper policy, got %d", got)
	}
}

func TestBuildRuntimeRejectsUnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.LedgerDSN = "mysql://db/engagehub"
	logger, _ := logtest.NewNullLogger()
	if _, err := buildRuntime(cfg, logger); !errors.Is(err, actionsync.ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
}

func TestSweepCommandOnce(t *testing.T) {
	t.Setenv(config.EnvDotEnvFile, "")
	t.Setenv(config.EnvConfigFile, "")
	t.Setenv("ENGAGEHUB_BACKEND_PROFILE", "memory")

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"sweep", "--once", "--log-level", "error"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("sweep --once: %v", err)
	}
}

func TestRootCommandRejectsBadLogFormat(t *testing.T) {
	t.Setenv(config.EnvDotEnvFile, "")
	t.Setenv(config.EnvConfigFile, "")
	t.Setenv("ENGAGEHUB_BACKEND_PROFILE", "memory")

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"serve", "--log-format", "xml"})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected invalid log format to fail")
	}
}
