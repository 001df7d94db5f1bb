package actionsync

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T, script ...error) *syncHarness {
	t.Helper()
	clock := newFakeClock()
	return newSyncHarness(t, NewInMemoryLedgerWithOptions(LedgerOptions{Now: clock.Now}), clock, DefaultPolicy(), script...)
}

func TestRecordActionSyncsInline(t *testing.T) {
	h := newTestHandler(t)
	result, err := h.handler.RecordAction(context.Background(), ActionRequest{
		WorkspaceID:      "W1",
		UserID:           "U1",
		PostID:           "P1",
		ExternalEntityID: "V1",
		Metadata:         Metadata{MetadataActorName: "Ada"},
	})
	require.NoError(t, err)
	assert.False(t, result.AlreadyRecorded)
	assert.True(t, result.SyncRequested)
	assert.True(t, result.IntentCreated)
	require.NotNil(t, result.Intent)
	assert.Equal(t, IntentSynced, result.Intent.Status)
	assert.Equal(t, ActionLike, result.Intent.Action)
	assert.Equal(t, PlatformYouTube, result.Intent.Platform)
	assert.Equal(t, "P1", result.Intent.Metadata.String(MetadataPostID))
	assert.Equal(t, "Ada", result.Intent.Metadata.String(MetadataActorName))
	assert.Empty(t, result.SyncError)
}

func TestRecordActionWithoutExternalEntitySkipsSync(t *testing.T) {
	h := newTestHandler(t)
	result, err := h.handler.RecordAction(context.Background(), ActionRequest{WorkspaceID: "W1", UserID: "U1", PostID: "P1"})
	require.NoError(t, err)
	assert.False(t, result.SyncRequested)
	assert.Nil(t, result.Intent)
	assert.Equal(t, 1, h.analytics.Count())
	assert.Zero(t, h.client.Calls())
}

func TestRecordActionUnsupportedPlatformSkipsSync(t *testing.T) {
	h := newTestHandler(t)
	result, err := h.handler.RecordAction(context.Background(), ActionRequest{
		WorkspaceID:      "W1",
		UserID:           "U1",
		PostID:           "P1",
		ExternalEntityID: "123",
		Platform:         "tiktok",
	})
	require.NoError(t, err)
	assert.False(t, result.SyncRequested)
	intents, err := h.ledger.ListIntents(context.Background(), IntentFilter{WorkspaceID: "W1"})
	require.NoError(t, err)
	assert.Empty(t, intents)
}

func TestRecordActionReusesExistingIntent(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()
	first, err := h.handler.RecordAction(ctx, ActionRequest{WorkspaceID: "W1", UserID: "U1", PostID: "P1", ExternalEntityID: "V1"})
	require.NoError(t, err)

	// a second post mirroring the same video maps onto the same intent
	second, err := h.handler.RecordAction(ctx, ActionRequest{WorkspaceID: "W1", UserID: "U1", PostID: "P2", ExternalEntityID: "V1"})
	require.NoError(t, err)
	assert.True(t, second.SyncRequested)
	assert.False(t, second.IntentCreated)
	require.NotNil(t, second.Intent)
	assert.Equal(t, first.Intent.ID, second.Intent.ID)
	assert.Equal(t, 1, h.client.Calls())
	assert.Equal(t, 2, h.analytics.Count())
}

func TestRecordActionConcurrentDuplicates(t *testing.T) {
	h := newTestHandler(t)
	req := ActionRequest{WorkspaceID: "W1", UserID: "U1", PostID: "P1", ExternalEntityID: "V1"}

	const callers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := h.handler.RecordAction(context.Background(), req)
			assert.NoError(t, err)
			if result.IntentCreated {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, 1, h.analytics.Count())
	assert.Equal(t, 1, h.client.Calls())
	intents, err := h.ledger.ListIntents(context.Background(), IntentFilter{WorkspaceID: "W1"})
	require.NoError(t, err)
	assert.Len(t, intents, 1)
}

func TestRecordActionRejectsInvalidRequests(t *testing.T) {
	h := newTestHandler(t)
	cases := []ActionRequest{
		{UserID: "U1", PostID: "P1"},
		{WorkspaceID: "W1", PostID: "P1"},
		{WorkspaceID: "W1", UserID: "U1"},
		{WorkspaceID: "W1", UserID: "U1", PostID: "P1", Action: "share"},
	}
	for _, req := range cases {
		_, err := h.handler.RecordAction(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidInput, "%+v", req)
	}
	assert.Zero(t, h.analytics.Count())
}

func TestRecordActionRejectsToggleActions(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()
	like := ActionRequest{WorkspaceID: "W1", UserID: "U1", PostID: "P1", ExternalEntityID: "V1"}
	_, err := h.handler.RecordAction(ctx, like)
	require.NoError(t, err)

	for _, action := range []string{"unlike", "dislike", "UNLIKE"} {
		req := like
		req.Action = action
		_, err := h.handler.RecordAction(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidInput, action)
	}
	assert.Equal(t, 1, h.analytics.Count())
	assert.Equal(t, 1, h.client.Calls())
	intents, err := h.ledger.ListIntents(ctx, IntentFilter{WorkspaceID: "W1"})
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, ActionLike, intents[0].Action)
}

// cancelOnInsertStore cancels the request context as soon as the fact is
// stored, as a client disconnect would.
type cancelOnInsertStore struct {
	*InMemoryAnalyticsStore
	cancel context.CancelFunc
}

func (s cancelOnInsertStore) Insert(ctx context.Context, fact AnalyticsFact) (bool, error) {
	inserted, err := s.InMemoryAnalyticsStore.Insert(ctx, fact)
	s.cancel()
	return inserted, err
}

func TestRecordActionCreatesIntentAfterCallerCancels(t *testing.T) {
	forEachLedger(t, func(t *testing.T, ledger Ledger, clock *fakeClock) {
		h := newSyncHarness(t, ledger, clock, DefaultPolicy(), statusError(http.StatusServiceUnavailable))
		reqCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		handler, err := NewActionHandler(ActionHandlerOptions{
			Analytics: cancelOnInsertStore{InMemoryAnalyticsStore: h.analytics, cancel: cancel},
			Ledger:    ledger,
			Executor:  h.executor,
		})
		require.NoError(t, err)
		req := ActionRequest{WorkspaceID: "W1", UserID: "U1", PostID: "P1", ExternalEntityID: "V1"}

		result, err := handler.RecordAction(reqCtx, req)
		require.NoError(t, err)
		require.Error(t, reqCtx.Err())
		assert.True(t, result.IntentCreated)
		require.NotNil(t, result.Intent)
		assert.NotEqual(t, IntentSynced, result.Intent.Status)

		ctx := context.Background()
		intents, err := ledger.ListIntents(ctx, IntentFilter{WorkspaceID: "W1"})
		require.NoError(t, err)
		require.Len(t, intents, 1)

		again, err := h.handler.RecordAction(ctx, req)
		require.NoError(t, err)
		assert.True(t, again.AlreadyRecorded)

		clock.Advance(DefaultRetryInterval + time.Second)
		swept, err := h.sweeper.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, swept.Synced)
		stored, err := ledger.GetIntent(ctx, intents[0].ID)
		require.NoError(t, err)
		assert.Equal(t, IntentSynced, stored.Status)
	})
}
