package actionsync

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Ledger is the durable idempotency table of sync intents.
type Ledger interface {
	// CreateIntent inserts a pending intent. When the natural key already
	// exists it returns the existing row with isNew=false and no error.
	CreateIntent(ctx context.Context, req CreateIntentRequest) (intent SyncIntent, isNew bool, err error)
	// RecordOutcome applies one attempt to the row atomically.
	RecordOutcome(ctx context.Context, intentID string, outcome Outcome, attemptedAt time.Time) (SyncIntent, error)
	ListRetryCandidates(ctx context.Context, query RetryQuery) ([]SyncIntent, error)
	GetIntent(ctx context.Context, intentID string) (SyncIntent, error)
	ListIntents(ctx context.Context, filter IntentFilter) ([]SyncIntent, error)
	Close() error
}

type LedgerOptions struct {
	Now   func() time.Time
	NewID func() string
}

func (o LedgerOptions) normalize() LedgerOptions {
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.NewID == nil {
		o.NewID = func() string { return uuid.NewString() }
	}
	return o
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func normalizeListLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

type memoryIntent struct {
	intent SyncIntent
	seq    uint64
}

type InMemoryLedger struct {
	mu    sync.Mutex
	opts  LedgerOptions
	seq   uint64
	byID  map[string]*memoryIntent
	byKey map[IntentKey]string
}

func NewInMemoryLedger() *InMemoryLedger {
	return NewInMemoryLedgerWithOptions(LedgerOptions{})
}

func NewInMemoryLedgerWithOptions(opts LedgerOptions) *InMemoryLedger {
	return &InMemoryLedger{
		opts:  opts.normalize(),
		byID:  map[string]*memoryIntent{},
		byKey: map[IntentKey]string{},
	}
}

func (l *InMemoryLedger) CreateIntent(ctx context.Context, req CreateIntentRequest) (SyncIntent, bool, error) {
	req, err := req.normalize()
	if err != nil {
		return SyncIntent{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return SyncIntent{}, false, err
	}
	key := IntentKey{
		WorkspaceID:      req.WorkspaceID,
		UserID:           req.UserID,
		ExternalEntityID: req.ExternalEntityID,
		Action:           req.Action,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if id, ok := l.byKey[key]; ok {
		return cloneIntent(l.byID[id].intent), false, nil
	}
	now := l.opts.Now()
	l.seq++
	intent := SyncIntent{
		ID:               l.opts.NewID(),
		WorkspaceID:      req.WorkspaceID,
		UserID:           req.UserID,
		ExternalEntityID: req.ExternalEntityID,
		Action:           req.Action,
		Platform:         req.Platform,
		Status:           IntentPending,
		Metadata:         req.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	l.byID[intent.ID] = &memoryIntent{intent: intent, seq: l.seq}
	l.byKey[key] = intent.ID
	return cloneIntent(intent), true, nil
}

func (l *InMemoryLedger) RecordOutcome(ctx context.Context, intentID string, outcome Outcome, attemptedAt time.Time) (SyncIntent, error) {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return SyncIntent{}, ErrInvalidInput
	}
	if err := outcome.validate(); err != nil {
		return SyncIntent{}, err
	}
	if err := ctx.Err(); err != nil {
		return SyncIntent{}, err
	}
	attemptedAt = attemptedAt.UTC()

	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.byID[intentID]
	if !ok {
		return SyncIntent{}, ErrNotFound
	}
	entry.intent.Status = outcome.Status
	entry.intent.AttemptCount++
	entry.intent.LastAttemptAt = &attemptedAt
	entry.intent.LastError = outcome.lastError()
	entry.intent.UpdatedAt = l.opts.Now()
	return cloneIntent(entry.intent), nil
}

func (l *InMemoryLedger) ListRetryCandidates(ctx context.Context, query RetryQuery) ([]SyncIntent, error) {
	if query.MaxAttempts <= 0 {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := query.retryLimit()

	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.opts.Now().Add(-query.RetryInterval)
	entries := make([]*memoryIntent, 0)
	for _, entry := range l.byID {
		intent := entry.intent
		if intent.Status != IntentPending && intent.Status != IntentFailed {
			continue
		}
		if intent.AttemptCount >= query.MaxAttempts {
			continue
		}
		if intent.LastAttemptAt != nil && !intent.LastAttemptAt.Before(cutoff) {
			continue
		}
		entries = append(entries, entry)
	}
	sortByCreation(entries)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]SyncIntent, 0, len(entries))
	for _, entry := range entries {
		out = append(out, cloneIntent(entry.intent))
	}
	return out, nil
}

func (l *InMemoryLedger) GetIntent(ctx context.Context, intentID string) (SyncIntent, error) {
	if err := ctx.Err(); err != nil {
		return SyncIntent{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.byID[strings.TrimSpace(intentID)]
	if !ok {
		return SyncIntent{}, ErrNotFound
	}
	return cloneIntent(entry.intent), nil
}

func (l *InMemoryLedger) ListIntents(ctx context.Context, filter IntentFilter) ([]SyncIntent, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := normalizeListLimit(filter.Limit)
	workspaceID := strings.TrimSpace(filter.WorkspaceID)

	l.mu.Lock()
	defer l.mu.Unlock()
	entries := make([]*memoryIntent, 0)
	for _, entry := range l.byID {
		if workspaceID != "" && entry.intent.WorkspaceID != workspaceID {
			continue
		}
		if filter.Status != "" && entry.intent.Status != filter.Status {
			continue
		}
		entries = append(entries, entry)
	}
	sortByCreation(entries)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]SyncIntent, 0, len(entries))
	for _, entry := range entries {
		out = append(out, cloneIntent(entry.intent))
	}
	return out, nil
}

func (l *InMemoryLedger) Close() error {
	return nil
}

func sortByCreation(entries []*memoryIntent) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].intent.CreatedAt.Equal(entries[j].intent.CreatedAt) {
			return entries[i].intent.CreatedAt.Before(entries[j].intent.CreatedAt)
		}
		return entries[i].seq < entries[j].seq
	})
}

func cloneIntent(intent SyncIntent) SyncIntent {
	out := intent
	if intent.LastAttemptAt != nil {
		ts := *intent.LastAttemptAt
		out.LastAttemptAt = &ts
	}
	if intent.LastError != nil {
		msg := *intent.LastError
		out.LastError = &msg
	}
	out.Metadata = intent.Metadata.Clone()
	return out
}
