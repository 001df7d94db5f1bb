package actionsync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerCreateIntentDetectsDuplicate(t *testing.T) {
	forEachLedger(t, func(t *testing.T, ledger Ledger, clock *fakeClock) {
		ctx := context.Background()
		req := CreateIntentRequest{
			WorkspaceID:      "W1",
			UserID:           "U1",
			ExternalEntityID: "V1",
			Action:           ActionLike,
			Platform:         PlatformYouTube,
			Metadata:         Metadata{MetadataActorName: "Ada"},
		}

		first, isNew, err := ledger.CreateIntent(ctx, req)
		require.NoError(t, err)
		require.True(t, isNew)
		assert.NotEmpty(t, first.ID)
		assert.Equal(t, IntentPending, first.Status)
		assert.Equal(t, 0, first.AttemptCount)
		assert.Nil(t, first.LastAttemptAt)
		assert.Nil(t, first.LastError)
		assert.True(t, first.CreatedAt.Equal(clock.Now()))

		clock.Advance(time.Second)
		second, isNew, err := ledger.CreateIntent(ctx, req)
		require.NoError(t, err)
		assert.False(t, isNew)
		assert.Equal(t, first.ID, second.ID)
		assert.True(t, second.CreatedAt.Equal(first.CreatedAt))
		assert.Equal(t, "Ada", second.Metadata.String(MetadataActorName))
	})
}

func TestLedgerCreateIntentDistinguishesUserAndEntity(t *testing.T) {
	forEachLedger(t, func(t *testing.T, ledger Ledger, clock *fakeClock) {
		base := mustCreateIntent(t, ledger, "W1", "U1", "V1", ActionLike)
		otherUser := mustCreateIntent(t, ledger, "W1", "U2", "V1", ActionLike)
		otherEntity := mustCreateIntent(t, ledger, "W1", "U1", "V2", ActionLike)
		assert.NotEqual(t, base.ID, otherUser.ID)
		assert.NotEqual(t, base.ID, otherEntity.ID)
		assert.NotEqual(t, otherUser.ID, otherEntity.ID)
	})
}

func TestLedgerCreateIntentRejectsMissingKey(t *testing.T) {
	forEachLedger(t, func(t *testing.T, ledger Ledger, clock *fakeClock) {
		_, _, err := ledger.CreateIntent(context.Background(), CreateIntentRequest{
			WorkspaceID: "W1",
			UserID:      "U1",
			Action:      ActionLike,
		})
		require.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestLedgerConcurrentCreateIntentYieldsOneRow(t *testing.T) {
	forEachLedger(t, func(t *testing.T, ledger Ledger, clock *fakeClock) {
		const callers = 16
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			newIDs  []string
			seenIDs = map[string]struct{}{}
			errs    []error
		)
		start := make(chan struct{})
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				intent, isNew, err := ledger.CreateIntent(context.Background(), CreateIntentRequest{
					WorkspaceID:      "W1",
					UserID:           "U1",
					ExternalEntityID: "V1",
					Action:           ActionLike,
				})
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				seenIDs[intent.ID] = struct{}{}
				if isNew {
					newIDs = append(newIDs, intent.ID)
				}
			}()
		}
		close(start)
		wg.Wait()

		require.Empty(t, errs)
		assert.Len(t, newIDs, 1, "exactly one caller must observe isNew")
		assert.Len(t, seenIDs, 1, "every caller must observe the same row")

		all, err := ledger.ListIntents(context.Background(), IntentFilter{WorkspaceID: "W1"})
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestLedgerRecordOutcome(t *testing.T) {
	forEachLedger(t, func(t *testing.T, ledger Ledger, clock *fakeClock) {
		ctx := context.Background()
		intent := mustCreateIntent(t, ledger, "W1", "U1", "V1", ActionLike)

		attemptedAt := clock.Now().Add(time.Minute)
		failed, err := ledger.RecordOutcome(ctx, intent.ID, Failed("http_500: boom"), attemptedAt)
		require.NoError(t, err)
		assert.Equal(t, IntentFailed, failed.Status)
		assert.Equal(t, 1, failed.AttemptCount)
		require.NotNil(t, failed.LastAttemptAt)
		assert.True(t, failed.LastAttemptAt.Equal(attemptedAt))
		require.NotNil(t, failed.LastError)
		assert.Equal(t, "http_500: boom", *failed.LastError)

		synced, err := ledger.RecordOutcome(ctx, intent.ID, Synced(), attemptedAt.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, IntentSynced, synced.Status)
		assert.Equal(t, 2, synced.AttemptCount)
		assert.Nil(t, synced.LastError, "success clears last_error")

		stored, err := ledger.GetIntent(ctx, intent.ID)
		require.NoError(t, err)
		assert.Equal(t, synced.AttemptCount, stored.AttemptCount)
		assert.Equal(t, IntentSynced, stored.Status)
	})
}

func TestLedgerRecordOutcomeUnknownIntent(t *testing.T) {
	forEachLedger(t, func(t *testing.T, ledger Ledger, clock *fakeClock) {
		_, err := ledger.RecordOutcome(context.Background(), "missing", Synced(), clock.Now())
		require.ErrorIs(t, err, ErrNotFound)

		intent := mustCreateIntent(t, ledger, "W1", "U1", "V1", ActionLike)
		_, err = ledger.RecordOutcome(context.Background(), intent.ID, Outcome{Status: IntentPending}, clock.Now())
		require.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestLedgerConcurrentRecordOutcomeLosesNoAttempts(t *testing.T) {
	forEachLedger(t, func(t *testing.T, ledger Ledger, clock *fakeClock) {
		intent := mustCreateIntent(t, ledger, "W1", "U1", "V1", ActionLike)
		const writers = 8
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := ledger.RecordOutcome(context.Background(), intent.ID, Failed("transport: reset"), clock.Now())
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		stored, err := ledger.GetIntent(context.Background(), intent.ID)
		require.NoError(t, err)
		assert.Equal(t, writers, stored.AttemptCount)
	})
}

func TestLedgerRetryCandidatesRespectAttemptBound(t *testing.T) {
	forEachLedger(t, func(t *testing.T, ledger Ledger, clock *fakeClock) {
		ctx := context.Background()
		const maxAttempts = 5
		almost := mustCreateIntent(t, ledger, "W1", "U1", "V-almost", ActionLike)
		clock.Advance(time.Second)
		spent := mustCreateIntent(t, ledger, "W1", "U1", "V-spent", ActionLike)

		for i := 0; i < maxAttempts-1; i++ {
			_, err := ledger.RecordOutcome(ctx, almost.ID, Failed("http_500"), clock.Now())
			require.NoError(t, err)
		}
		for i := 0; i < maxAttempts; i++ {
			_, err := ledger.RecordOutcome(ctx, spent.ID, Failed("http_500"), clock.Now())
			require.NoError(t, err)
		}
		clock.Advance(24 * time.Hour)

		candidates, err := ledger.ListRetryCandidates(ctx, RetryQuery{MaxAttempts: maxAttempts, RetryInterval: 300 * time.Second, Limit: 50})
		require.NoError(t, err)
		require.Len(t, candidates, 1)
		assert.Equal(t, almost.ID, candidates[0].ID)
		assert.Equal(t, maxAttempts-1, candidates[0].AttemptCount)
	})
}

func TestLedgerRetryCandidatesRespectInterval(t *testing.T) {
	forEachLedger(t, func(t *testing.T, ledger Ledger, clock *fakeClock) {
		ctx := context.Background()
		query := RetryQuery{MaxAttempts: 5, RetryInterval: 300 * time.Second, Limit: 50}
		intent := mustCreateIntent(t, ledger, "W1", "U1", "V1", ActionLike)

		candidates, err := ledger.ListRetryCandidates(ctx, query)
		require.NoError(t, err)
		require.Len(t, candidates, 1, "never-attempted intents are due immediately")

		_, err = ledger.RecordOutcome(ctx, intent.ID, Failed("http_500"), clock.Now())
		require.NoError(t, err)
		candidates, err = ledger.ListRetryCandidates(ctx, query)
		require.NoError(t, err)
		assert.Empty(t, candidates)

		clock.Advance(299 * time.Second)
		candidates, err = ledger.ListRetryCandidates(ctx, query)
		require.NoError(t, err)
		assert.Empty(t, candidates)

		clock.Advance(2 * time.Second)
		candidates, err = ledger.ListRetryCandidates(ctx, query)
		require.NoError(t, err)
		require.Len(t, candidates, 1)
		assert.Equal(t, intent.ID, candidates[0].ID)
	})
}

func TestLedgerRetryCandidatesExcludeSynced(t *testing.T) {
	forEachLedger(t, func(t *testing.T, ledger Ledger, clock *fakeClock) {
		ctx := context.Background()
		intent := mustCreateIntent(t, ledger, "W1", "U1", "V1", ActionLike)
		_, err := ledger.RecordOutcome(ctx, intent.ID, Synced(), clock.Now())
		require.NoError(t, err)
		clock.Advance(time.Hour)

		candidates, err := ledger.ListRetryCandidates(ctx, RetryQuery{MaxAttempts: 5, RetryInterval: time.Second, Limit: 10})
		require.NoError(t, err)
		assert.Empty(t, candidates)
	})
}

func TestLedgerRetryCandidatesOldestFirstWithLimit(t *testing.T) {
	forEachLedger(t, func(t *testing.T, ledger Ledger, clock *fakeClock) {
		created := make([]string, 0, 4)
		for _, entity := range []string{"V1", "V2", "V3", "V4"} {
			created = append(created, mustCreateIntent(t, ledger, "W1", "U1", entity, ActionLike).ID)
			clock.Advance(time.Second)
		}
		candidates, err := ledger.ListRetryCandidates(context.Background(), RetryQuery{MaxAttempts: 5, RetryInterval: time.Minute, Limit: 3})
		require.NoError(t, err)
		require.Len(t, candidates, 3)
		for i, candidate := range candidates {
			assert.Equal(t, created[i], candidate.ID)
		}
	})
}

func TestLedgerRetryCandidatesHonourLargeBatchLimit(t *testing.T) {
	forEachLedger(t, func(t *testing.T, ledger Ledger, clock *fakeClock) {
		total := maxListLimit + 5
		for i := 0; i < total; i++ {
			mustCreateIntent(t, ledger, "W1", "U1", fmt.Sprintf("V%04d", i), ActionLike)
		}
		candidates, err := ledger.ListRetryCandidates(context.Background(), RetryQuery{MaxAttempts: 5, RetryInterval: time.Minute, Limit: total})
		require.NoError(t, err)
		assert.Len(t, candidates, total)

		candidates, err = ledger.ListRetryCandidates(context.Background(), RetryQuery{MaxAttempts: 5, RetryInterval: time.Minute})
		require.NoError(t, err)
		assert.Len(t, candidates, DefaultBatchLimit)
	})
}

func TestLedgerListIntentsFilters(t *testing.T) {
	forEachLedger(t, func(t *testing.T, ledger Ledger, clock *fakeClock) {
		ctx := context.Background()
		a := mustCreateIntent(t, ledger, "W1", "U1", "V1", ActionLike)
		clock.Advance(time.Second)
		mustCreateIntent(t, ledger, "W1", "U2", "V1", ActionLike)
		clock.Advance(time.Second)
		mustCreateIntent(t, ledger, "W2", "U1", "V1", ActionLike)
		_, err := ledger.RecordOutcome(ctx, a.ID, Failed("no_account: missing"), clock.Now())
		require.NoError(t, err)

		w1, err := ledger.ListIntents(ctx, IntentFilter{WorkspaceID: "W1"})
		require.NoError(t, err)
		assert.Len(t, w1, 2)

		failed, err := ledger.ListIntents(ctx, IntentFilter{WorkspaceID: "W1", Status: IntentFailed})
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, a.ID, failed[0].ID)

		_, err = ledger.ListIntents(ctx, IntentFilter{Status: "bogus"})
		require.ErrorIs(t, err, ErrInvalidInput)
	})
}
