package actionsync

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventIntentSynced    EventType = "intent.synced"
	EventIntentFailed    EventType = "intent.failed"
	EventIntentExhausted EventType = "intent.exhausted"
)

// OutcomeEvent describes the state of an intent after one recorded attempt.
type OutcomeEvent struct {
	Type        EventType    `json:"type"`
	IntentID    string       `json:"intentId"`
	WorkspaceID string       `json:"workspaceId"`
	UserID      string       `json:"userId"`
	EntityID    string       `json:"externalEntityId"`
	Action      string       `json:"action"`
	Platform    string       `json:"platform"`
	Status      IntentStatus `json:"status"`
	Attempt     int          `json:"attempt"`
	LastError   string       `json:"lastError,omitempty"`
	Trigger     string       `json:"trigger,omitempty"`
	OccurredAt  time.Time    `json:"occurredAt"`
}

func newOutcomeEvent(intent SyncIntent, maxAttempts int, trigger string, now time.Time) OutcomeEvent {
	event := OutcomeEvent{
		Type:        EventIntentFailed,
		IntentID:    intent.ID,
		WorkspaceID: intent.WorkspaceID,
		UserID:      intent.UserID,
		EntityID:    intent.ExternalEntityID,
		Action:      intent.Action,
		Platform:    intent.Platform,
		Status:      intent.Status,
		Attempt:     intent.AttemptCount,
		Trigger:     trigger,
		OccurredAt:  now,
	}
	switch {
	case intent.Status == IntentSynced:
		event.Type = EventIntentSynced
	case intent.Exhausted(maxAttempts):
		event.Type = EventIntentExhausted
	}
	if intent.LastError != nil {
		event.LastError = *intent.LastError
	}
	return event
}

// Notifier receives outcome events. Implementations must not block the
// executor for long; errors are logged and dropped.
type Notifier interface {
	Notify(ctx context.Context, event OutcomeEvent) error
}

type NotifierFunc func(ctx context.Context, event OutcomeEvent) error

func (f NotifierFunc) Notify(ctx context.Context, event OutcomeEvent) error {
	return f(ctx, event)
}

type multiNotifier []Notifier

// MultiNotifier fans an event out to every non-nil notifier and returns the
// first error.
func MultiNotifier(notifiers ...Notifier) Notifier {
	out := make(multiNotifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}

func (m multiNotifier) Notify(ctx context.Context, event OutcomeEvent) error {
	var firstErr error
	for _, n := range m {
		if err := n.Notify(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Broadcaster delivers events to in-process subscribers filtered by
// workspace. Slow subscribers lose events instead of blocking publishers.
type Broadcaster struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscription
}

type subscription struct {
	workspaceID string
	ch          chan OutcomeEvent
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: map[uint64]*subscription{}}
}

func (b *Broadcaster) Subscribe(workspaceID string, buffer int) (<-chan OutcomeEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscription{workspaceID: workspaceID, ch: make(chan OutcomeEvent, buffer)}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

func (b *Broadcaster) Notify(_ context.Context, event OutcomeEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.workspaceID != "" && sub.workspaceID != event.WorkspaceID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
	return nil
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
