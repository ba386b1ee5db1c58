package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aimerfeng/hookrelay/internal/logging"
	"github.com/aimerfeng/hookrelay/internal/models"
	"github.com/aimerfeng/hookrelay/internal/monitoring"
	"github.com/aimerfeng/hookrelay/internal/store"
)

// ErrLogWriteFailed is returned when a delivery log write still fails after all retries
var ErrLogWriteFailed = errors.New("delivery log write failed")

// Ledger writes the delivery log, retrying transient store failures.
// A write that cannot be persisted raises an operational alert instead of
// being recorded as a delivery failure.
type Ledger struct {
	deliveries store.DeliveryStore
	retries    int
	base       time.Duration
}

// NewLedger creates a ledger that retries each write up to retries times
func NewLedger(deliveries store.DeliveryStore, retries int, base time.Duration) *Ledger {
	if retries < 0 {
		retries = 0
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	return &Ledger{deliveries: deliveries, retries: retries, base: base}
}

// CreateAttempt records that attempt a is starting
func (l *Ledger) CreateAttempt(ctx context.Context, a *models.DeliveryAttempt, leaseUntil time.Time) error {
	return l.write(ctx, "create_attempt", a, func() error {
		return l.deliveries.CreateAttempt(ctx, a, leaseUntil)
	})
}

// CompleteAttempt records the outcome of a together with the delivery state in d
func (l *Ledger) CompleteAttempt(ctx context.Context, a *models.DeliveryAttempt, d *models.Delivery) error {
	return l.write(ctx, "complete_attempt", a, func() error {
		return l.deliveries.CompleteAttempt(ctx, a, d)
	})
}

// CloseAttempt records the outcome of an orphaned attempt
func (l *Ledger) CloseAttempt(ctx context.Context, a *models.DeliveryAttempt) error {
	return l.write(ctx, "close_attempt", a, func() error {
		return l.deliveries.CloseAttempt(ctx, a)
	})
}

func (l *Ledger) write(ctx context.Context, operation string, a *models.DeliveryAttempt, fn func() error) error {
	delay := l.base
	var err error
	for i := 0; ; i++ {
		err = fn()
		if err == nil || errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			return err
		}
		if i >= l.retries || !sleep(ctx, delay) {
			break
		}
		delay *= 2
	}

	logging.LogBookkeepingFailure(err, operation, a.DeliveryID.String(), a.AttemptNumber)
	monitoring.RecordDeliveryLogWriteFailure(operation)
	return fmt.Errorf("%w: %s: %v", ErrLogWriteFailed, operation, err)
}

// sleep waits for d, returning false if ctx ends first
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
