package actionsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type SweeperOptions struct {
	Ledger   Ledger
	Executor *Executor
	Policy   Policy
	Logger   logrus.FieldLogger
}

// Sweeper re-attempts pending and failed intents that are due for retry.
// It shares no in-memory state with the request path; the ledger row is the
// only coordination point.
type Sweeper struct {
	ledger   Ledger
	executor *Executor
	logger   logrus.FieldLogger

	mu     sync.RWMutex
	policy Policy
}

type SweepResult struct {
	Candidates int           `json:"candidates"`
	Processed  int           `json:"processed"`
	Synced     int           `json:"synced"`
	Failed     int           `json:"failed"`
	Exhausted  int           `json:"exhausted"`
	Errors     int           `json:"errors"`
	Duration   time.Duration `json:"duration"`
}

func NewSweeper(opts SweeperOptions) (*Sweeper, error) {
	if opts.Ledger == nil || opts.Executor == nil {
		return nil, fmt.Errorf("%w: sweeper requires a ledger and an executor", ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger()
	}
	policy := opts.Policy.Normalize()
	opts.Executor.SetPolicy(policy)
	return &Sweeper{
		ledger:   opts.Ledger,
		executor: opts.Executor,
		logger:   logger,
		policy:   policy,
	}, nil
}

func (s *Sweeper) Policy() Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// SetPolicy applies new retry knobs to subsequent sweeps and to the executor.
func (s *Sweeper) SetPolicy(policy Policy) {
	policy = policy.Normalize()
	s.mu.Lock()
	s.policy = policy
	s.mu.Unlock()
	s.executor.SetPolicy(policy)
}

// Sweep runs one batch. Candidates are dispatched oldest first to at most
// Policy.Workers concurrent executions.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	started := time.Now()
	policy := s.Policy()
	candidates, err := s.ledger.ListRetryCandidates(ctx, policy.retryQuery())
	if err != nil {
		return SweepResult{}, fmt.Errorf("list retry candidates: %w", err)
	}
	result := SweepResult{Candidates: len(candidates)}
	if len(candidates) == 0 {
		result.Duration = time.Since(started)
		s.logger.WithField("candidates", 0).Debug("retry sweep found no candidates")
		return result, nil
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, policy.Workers)
	)
dispatch:
	for _, candidate := range candidates {
		select {
		case <-ctx.Done():
			break dispatch
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(intent SyncIntent) {
			defer wg.Done()
			defer func() { <-sem }()
			updated, err := s.executor.execute(ctx, intent, TriggerSweep)

			mu.Lock()
			defer mu.Unlock()
			result.Processed++
			switch {
			case err != nil:
				result.Errors++
			case updated.Status == IntentSynced:
				result.Synced++
			case updated.Exhausted(policy.MaxAttempts):
				result.Failed++
				result.Exhausted++
			default:
				result.Failed++
			}
		}(candidate)
	}
	wg.Wait()
	result.Duration = time.Since(started)

	s.logger.WithFields(logrus.Fields{
		"candidates":  result.Candidates,
		"processed":   result.Processed,
		"synced":      result.Synced,
		"failed":      result.Failed,
		"exhausted":   result.Exhausted,
		"errors":      result.Errors,
		"duration_ms": result.Duration.Milliseconds(),
	}).Info("retry sweep completed")
	if err := ctx.Err(); err != nil && result.Processed < result.Candidates {
		return result, err
	}
	return result, nil
}
