package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aimerfeng/hookrelay/internal/models"
	"github.com/aimerfeng/hookrelay/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyDeliveries fails the first n attempt writes
type flakyDeliveries struct {
	*store.Memory
	failures int32
	calls    int32
}

func (f *flakyDeliveries) CreateAttempt(ctx context.Context, a *models.DeliveryAttempt, leaseUntil time.Time) error {
	atomic.AddInt32(&f.calls, 1)
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		return errors.New("connection reset by peer")
	}
	return f.Memory.CreateAttempt(ctx, a, leaseUntil)
}

func seedDelivery(t *testing.T, mem *store.Memory) *models.Delivery {
	t.Helper()
	now := time.Now().UTC()
	del := &models.Delivery{
		TenantID:    "tenant-a",
		EventID:     uuid.New(),
		EventType:   "lead.created",
		Payload:     []byte(`{}`),
		State:       models.DeliveryStatePending,
		Chain:       1,
		NextRetryAt: &now,
	}
	require.NoError(t, mem.CreateDelivery(context.Background(), del))
	return del
}

func firstAttempt(del *models.Delivery) *models.DeliveryAttempt {
	now := time.Now().UTC()
	return &models.DeliveryAttempt{
		DeliveryID:    del.ID,
		TenantID:      del.TenantID,
		EventType:     del.EventType,
		AttemptNumber: 1,
		Chain:         1,
		ScheduledAt:   now,
		AttemptedAt:   &now,
	}
}

func TestLedger_RetriesTransientFailures(t *testing.T) {
	mem := store.NewMemory()
	del := seedDelivery(t, mem)
	flaky := &flakyDeliveries{Memory: mem, failures: 2}

	ledger := NewLedger(flaky, 3, time.Millisecond)
	require.NoError(t, ledger.CreateAttempt(context.Background(), firstAttempt(del), time.Now().Add(time.Minute)))
	assert.Equal(t, int32(3), atomic.LoadInt32(&flaky.calls))

	attempts, err := mem.ListDeliveryAttempts(context.Background(), "tenant-a", del.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}

func TestLedger_GivesUpAfterRetries(t *testing.T) {
	mem := store.NewMemory()
	del := seedDelivery(t, mem)
	flaky := &flakyDeliveries{Memory: mem, failures: 100}

	ledger := NewLedger(flaky, 2, time.Millisecond)
	err := ledger.CreateAttempt(context.Background(), firstAttempt(del), time.Now().Add(time.Minute))
	assert.ErrorIs(t, err, ErrLogWriteFailed)
	assert.Equal(t, int32(3), atomic.LoadInt32(&flaky.calls))
}

func TestLedger_ConflictIsNotRetried(t *testing.T) {
	mem := store.NewMemory()
	del := seedDelivery(t, mem)
	flaky := &flakyDeliveries{Memory: mem}

	ledger := NewLedger(flaky, 5, time.Millisecond)
	attempt := firstAttempt(del)
	attempt.AttemptNumber = 3

	err := ledger.CreateAttempt(context.Background(), attempt, time.Now().Add(time.Minute))
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, int32(1), atomic.LoadInt32(&flaky.calls))
}

func TestLedger_StopsOnCancelledContext(t *testing.T) {
	mem := store.NewMemory()
	del := seedDelivery(t, mem)
	flaky := &flakyDeliveries{Memory: mem, failures: 100}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ledger := NewLedger(flaky, 5, time.Hour)
	err := ledger.CreateAttempt(ctx, firstAttempt(del), time.Now().Add(time.Minute))
	assert.ErrorIs(t, err, ErrLogWriteFailed)
	assert.Equal(t, int32(1), atomic.LoadInt32(&flaky.calls))
}
