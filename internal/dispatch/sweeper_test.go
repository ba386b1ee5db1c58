package dispatch

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/aimerfeng/hookrelay/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_ReconcilesAbandonedAttempt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {}, nil)
	sub := h.subscription(t, "https://example.test/hook")
	del := h.dispatch(t, sub)

	// a worker started attempt 1 a minute ago and never recorded its outcome
	started := time.Now().Add(-time.Minute).UTC()
	attempt := &models.DeliveryAttempt{
		DeliveryID:     del.ID,
		SubscriptionID: del.SubscriptionID,
		TenantID:       del.TenantID,
		EventType:      del.EventType,
		AttemptNumber:  1,
		Chain:          1,
		ScheduledAt:    started,
		AttemptedAt:    &started,
	}
	require.NoError(t, h.store.CreateAttempt(ctx, attempt, started.Add(2*time.Second)))

	sweeper := NewSweeper(h.dispatcher, time.Hour)
	result, err := sweeper.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Reconciled)

	attempts := h.attempts(t, del.ID)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.AttemptOutcomeFailed, attempts[0].Outcome)
	assert.Equal(t, models.FailureNetwork, attempts[0].FailureKind)
	assert.Contains(t, attempts[0].Error, "abandoned")

	current, err := h.store.GetDelivery(ctx, "tenant-a", del.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStateRetrying, current.State)
	require.NotNil(t, current.NextRetryAt)

	// already reconciled
	result, err = sweeper.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Reconciled)
}

func TestSweeper_ClosesAttemptOfFinishedDelivery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {}, nil)
	sub := h.subscription(t, "https://example.test/hook")
	del := h.dispatch(t, sub)

	started := time.Now().Add(-time.Minute).UTC()
	attempt := &models.DeliveryAttempt{
		DeliveryID:     del.ID,
		SubscriptionID: del.SubscriptionID,
		TenantID:       del.TenantID,
		EventType:      del.EventType,
		AttemptNumber:  1,
		Chain:          1,
		ScheduledAt:    started,
		AttemptedAt:    &started,
	}
	require.NoError(t, h.store.CreateAttempt(ctx, attempt, started.Add(2*time.Second)))

	// the claim lapsed and the delivery was cancelled before the outcome was written
	current, err := h.store.LoadDelivery(ctx, del.ID)
	require.NoError(t, err)
	completed := time.Now().UTC()
	current.State = models.DeliveryStateCancelled
	current.NextRetryAt = nil
	current.CompletedAt = &completed
	require.NoError(t, h.store.UpdateDelivery(ctx, current, models.DeliveryStatePending))

	sweeper := NewSweeper(h.dispatcher, time.Hour)
	result, err := sweeper.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Reconciled)

	attempts := h.attempts(t, del.ID)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.AttemptOutcomeFailed, attempts[0].Outcome)
	assert.Contains(t, attempts[0].Error, "abandoned")

	after, err := h.store.GetDelivery(ctx, "tenant-a", del.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStateCancelled, after.State)
	require.NotNil(t, after.CompletedAt)
	assert.True(t, after.CompletedAt.Equal(completed))

	stale, err := h.store.StaleAttempts(ctx, time.Now(), 100)
	require.NoError(t, err)
	assert.Empty(t, stale)

	result, err = sweeper.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Reconciled)
}

func TestSweeper_StartStop(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {}, nil)
	sweeper := NewSweeper(h.dispatcher, 10*time.Millisecond)

	require.NoError(t, sweeper.Start(context.Background()))
	assert.True(t, sweeper.IsRunning())
	assert.Error(t, sweeper.Start(context.Background()))

	require.Eventually(t, func() bool {
		return sweeper.GetStatus().LastRun != nil
	}, time.Second, 5*time.Millisecond)

	sweeper.Stop()
	assert.False(t, sweeper.IsRunning())
	sweeper.Stop()
}

func TestRetryScheduler_ReplacesAndCancels(t *testing.T) {
	var mu sync.Mutex
	fired := map[uuid.UUID]int{}
	s := newRetryScheduler(func(id uuid.UUID) {
		mu.Lock()
		fired[id]++
		mu.Unlock()
	}, time.Now)

	a, b := uuid.New(), uuid.New()
	s.Schedule(a, time.Now().Add(time.Hour))
	s.Schedule(a, time.Now().Add(5*time.Millisecond))
	s.Schedule(b, time.Now().Add(5*time.Millisecond))
	s.Cancel(b)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired[a] == 1
	}, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, fired[a])
	assert.Equal(t, 0, fired[b])
	mu.Unlock()
	assert.Equal(t, 0, s.Len())

	s.Schedule(b, time.Now().Add(time.Hour))
	assert.Equal(t, 1, s.Len())
	s.Stop()
	assert.Equal(t, 0, s.Len())
}
