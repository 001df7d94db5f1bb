package actionsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	TriggerInline = "inline"
	TriggerSweep  = "sweep"
	TriggerDirect = "direct"
)

const recordOutcomeTimeout = 2 * sqlOperationTimeout

type ExecutorOptions struct {
	Ledger      Ledger
	Credentials CredentialStore
	Refresher   TokenRefresher
	Clients     []ActionClient
	Notifier    Notifier
	Policy      Policy
	Logger      logrus.FieldLogger
	Now         func() time.Time
}

// Executor performs exactly one external attempt per call and always
// records the result on the ledger row.
type Executor struct {
	ledger      Ledger
	credentials CredentialStore
	refresher   TokenRefresher
	clients     map[string]ActionClient
	notifier    Notifier
	logger      logrus.FieldLogger
	now         func() time.Time

	policyMu sync.RWMutex
	policy   Policy
}

func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if opts.Ledger == nil || opts.Credentials == nil {
		return nil, fmt.Errorf("%w: executor requires a ledger and a credential store", ErrInvalidInput)
	}
	clients := make(map[string]ActionClient, len(opts.Clients))
	for _, client := range opts.Clients {
		if client == nil {
			continue
		}
		platform := strings.ToLower(strings.TrimSpace(client.Platform()))
		if platform == "" {
			continue
		}
		clients[platform] = client
	}
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Executor{
		ledger:      opts.Ledger,
		credentials: opts.Credentials,
		refresher:   opts.Refresher,
		clients:     clients,
		notifier:    opts.Notifier,
		policy:      opts.Policy.Normalize(),
		logger:      logger,
		now:         now,
	}, nil
}

// Supports reports whether intents for platform can be executed.
func (e *Executor) Supports(platform string) bool {
	_, ok := e.clients[strings.ToLower(strings.TrimSpace(platform))]
	return ok
}

func (e *Executor) Policy() Policy {
	e.policyMu.RLock()
	defer e.policyMu.RUnlock()
	return e.policy
}

// SetPolicy replaces the retry policy used for timeouts and exhaustion checks.
func (e *Executor) SetPolicy(policy Policy) {
	e.policyMu.Lock()
	defer e.policyMu.Unlock()
	e.policy = policy.Normalize()
}

// Execute attempts intent once. The returned error is non-nil only when the
// outcome could not be persisted.
func (e *Executor) Execute(ctx context.Context, intent SyncIntent) (SyncIntent, error) {
	return e.execute(ctx, intent, TriggerDirect)
}

func (e *Executor) execute(ctx context.Context, intent SyncIntent, trigger string) (SyncIntent, error) {
	logger := e.logger.WithFields(logrus.Fields{
		"intent_id":    intent.ID,
		"workspace_id": intent.WorkspaceID,
		"platform":     intent.Platform,
		"attempt":      intent.AttemptCount + 1,
		"trigger":      trigger,
	})

	policy := e.Policy()
	outcome := e.attempt(ctx, intent, policy, logger)
	attemptedAt := e.now()

	// the caller may already be gone; the attempt happened and must be recorded
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordOutcomeTimeout)
	defer cancel()
	updated, err := e.ledger.RecordOutcome(recordCtx, intent.ID, outcome, attemptedAt)
	if err != nil {
		logger.WithError(err).Error("failed to record sync outcome")
		return intent, fmt.Errorf("record outcome for intent %s: %w", intent.ID, err)
	}

	entry := logger.WithFields(logrus.Fields{
		"status":        updated.Status,
		"attempt_count": updated.AttemptCount,
	})
	switch {
	case updated.Status == IntentSynced:
		entry.Info("sync intent synced")
	case updated.Exhausted(policy.MaxAttempts):
		entry.WithField("last_error", outcome.Detail).Warn("sync intent exhausted retries")
	default:
		entry.WithField("last_error", outcome.Detail).Info("sync attempt failed; will retry")
	}

	if e.notifier != nil {
		event := newOutcomeEvent(updated, policy.MaxAttempts, trigger, attemptedAt)
		if err := e.notifier.Notify(recordCtx, event); err != nil {
			logger.WithError(err).Warn("failed to publish sync outcome event")
		}
	}
	return updated, nil
}

func (e *Executor) attempt(ctx context.Context, intent SyncIntent, policy Policy, logger logrus.FieldLogger) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = Failed(fmt.Sprintf("panic: %v", r))
		}
	}()

	client, ok := e.clients[intent.Platform]
	if !ok {
		return Failed(fmt.Sprintf("%s: %s", ErrUnsupportedPlatform.Error(), intent.Platform))
	}

	ctx, cancel := context.WithTimeout(ctx, policy.AttemptTimeout)
	defer cancel()

	cred, err := e.credentials.GetCredential(ctx, intent.WorkspaceID, intent.Platform)
	if errors.Is(err, ErrNoCredential) {
		return Failed(fmt.Sprintf("no_account: workspace %s has no connected %s account", intent.WorkspaceID, intent.Platform))
	}
	if err != nil {
		return Failed("credential_lookup: " + err.Error())
	}

	err = client.Apply(ctx, cred.AccessToken, intent)
	if err == nil {
		return Synced()
	}
	if !errors.Is(err, ErrUnauthorized) {
		return Failed(describeFailure(err))
	}

	if e.refresher == nil || strings.TrimSpace(cred.RefreshToken) == "" {
		return Failed("unauthorized: " + err.Error() + "; no refresh token available")
	}
	refreshed, err := e.refresher.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		return Failed("refresh_failed: " + err.Error())
	}
	var expiresAt *time.Time
	if refreshed.ExpiresIn > 0 {
		ts := e.now().Add(refreshed.ExpiresIn)
		expiresAt = &ts
	}
	if err := e.credentials.UpdateAccessToken(ctx, intent.WorkspaceID, intent.Platform, refreshed.AccessToken, expiresAt); err != nil {
		logger.WithError(err).Warn("failed to persist refreshed access token")
	} else {
		logger.Debug("refreshed platform access token")
	}

	if err := client.Apply(ctx, refreshed.AccessToken, intent); err != nil {
		return Failed("after_refresh: " + describeFailure(err))
	}
	return Synced()
}

func describeFailure(err error) string {
	var statusErr *HTTPStatusError
	switch {
	case errors.As(err, &statusErr):
		return fmt.Sprintf("http_%d: %s", statusErr.StatusCode, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout: " + err.Error()
	case errors.Is(err, context.Canceled):
		return "canceled: " + err.Error()
	case errors.Is(err, ErrInvalidInput):
		return "invalid: " + err.Error()
	default:
		return "transport: " + err.Error()
	}
}

func discardLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
