package main

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Bhekie452/EngageHub-sub003/internal/actionsync"
)

type sweepLoopOptions struct {
	Interval time.Duration
	Jitter   float64
	Timeout  time.Duration
	Once     bool
}

type sweepRunner interface {
	Sweep(ctx context.Context) (actionsync.SweepResult, error)
}

// runSweepLoop sweeps immediately and then on a jittered interval until ctx
// is done. A failed sweep is logged and the loop keeps going; with Once set
// the single sweep's error is returned.
func runSweepLoop(ctx context.Context, sweeper sweepRunner, opts sweepLoopOptions, logger logrus.FieldLogger) error {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	opts.Jitter = clampJitterRatio(opts.Jitter)

	run := func() error {
		sweepCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
		_, err := sweeper.Sweep(sweepCtx)
		if err != nil {
			logger.WithError(err).Warn("retry sweep failed")
		}
		return err
	}

	if err := run(); opts.Once {
		return err
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(opts.Interval, opts.Jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.WithError(ctx.Err()).Info("retry sweeper stopping")
			return nil
		case <-timer.C:
			_ = run()
			timer.Reset(jitteredIntervalWithSample(opts.Interval, opts.Jitter, rng.Float64()))
		}
	}
}

// backgroundTasks tracks goroutines that must finish before the stores they
// use are closed.
type backgroundTasks struct {
	wg sync.WaitGroup
}

func (b *backgroundTasks) Go(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

func (b *backgroundTasks) Wait() {
	b.wg.Wait()
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
