package actionsync

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type ledgerBackend struct {
	name string
	open func(t *testing.T, clock *fakeClock) Ledger
}

func ledgerBackends() []ledgerBackend {
	return []ledgerBackend{
		{
			name: "memory",
			open: func(t *testing.T, clock *fakeClock) Ledger {
				return NewInMemoryLedgerWithOptions(LedgerOptions{Now: clock.Now})
			},
		},
		{
			name: "sqlite",
			open: func(t *testing.T, clock *fakeClock) Ledger {
				t.Helper()
				ledger, err := NewSQLiteLedger("sqlite://"+filepath.Join(t.TempDir(), "ledger.db"), LedgerOptions{Now: clock.Now})
				require.NoError(t, err)
				t.Cleanup(func() { _ = ledger.Close() })
				return ledger
			},
		},
	}
}

func forEachLedger(t *testing.T, fn func(t *testing.T, ledger Ledger, clock *fakeClock)) {
	for _, backend := range ledgerBackends() {
		t.Run(backend.name, func(t *testing.T) {
			clock := newFakeClock()
			fn(t, backend.open(t, clock), clock)
		})
	}
}

func mustCreateIntent(t *testing.T, ledger Ledger, workspaceID, userID, entityID, action string) SyncIntent {
	t.Helper()
	intent, isNew, err := ledger.CreateIntent(context.Background(), CreateIntentRequest{
		WorkspaceID:      workspaceID,
		UserID:           userID,
		ExternalEntityID: entityID,
		Action:           action,
		Platform:         PlatformYouTube,
	})
	require.NoError(t, err)
	require.True(t, isNew, "expected a new intent for %s/%s/%s/%s", workspaceID, userID, entityID, action)
	return intent
}

// scriptedActionClient returns the scripted errors in order and succeeds once
// the script runs out.
type scriptedActionClient struct {
	mu     sync.Mutex
	script []error
	calls  int
	tokens []string
	delay  time.Duration
}

func (c *scriptedActionClient) Platform() string {
	return PlatformYouTube
}

func (c *scriptedActionClient) Apply(ctx context.Context, accessToken string, intent SyncIntent) error {
	c.mu.Lock()
	c.calls++
	c.tokens = append(c.tokens, accessToken)
	var err error
	if len(c.script) > 0 {
		err = c.script[0]
		c.script = c.script[1:]
	}
	delay := c.delay
	c.mu.Unlock()
	if delay > 0 {
		if waitErr := sleepContext(ctx, delay); waitErr != nil {
			return waitErr
		}
	}
	return err
}

func (c *scriptedActionClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type countingRefresher struct {
	mu    sync.Mutex
	calls int
	token string
	err   error
}

func (r *countingRefresher) Refresh(_ context.Context, refreshToken string) (RefreshedToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return RefreshedToken{}, r.err
	}
	return RefreshedToken{AccessToken: r.token, ExpiresIn: time.Hour}, nil
}

func (r *countingRefresher) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func newTestCredentials(workspaceIDs ...string) *InMemoryCredentialStore {
	store := NewInMemoryCredentialStore()
	for _, workspaceID := range workspaceIDs {
		store.Put(Credential{
			WorkspaceID:  workspaceID,
			Platform:     PlatformYouTube,
			AccessToken:  "access_" + workspaceID,
			RefreshToken: "refresh_" + workspaceID,
		})
	}
	return store
}
