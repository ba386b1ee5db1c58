// Package store persists webhook subscriptions, logical deliveries, the
// delivery attempt log and tenant API keys. Postgres backs production;
// Memory backs tests and single-process development.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/aimerfeng/hookrelay/internal/models"
	"github.com/google/uuid"
)

// Store errors
var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict means a conditional write lost: the row was not in the expected state
	ErrConflict = errors.New("record changed concurrently")
)

// SubscriptionStore persists webhook subscriptions
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	GetSubscription(ctx context.Context, tenantID string, id uuid.UUID) (*models.Subscription, error)
	// FindSubscription looks a subscription up without a tenant scope.
	// Only the inbound signature path uses it; the result carries the tenant.
	FindSubscription(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID string, offset, limit int) ([]models.Subscription, int64, error)
	// ListSubscriptionsForEvent returns enabled subscriptions of the tenant listening for eventType
	ListSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]models.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *models.Subscription) error
	DeleteSubscription(ctx context.Context, tenantID string, id uuid.UUID) error
	// ReplaceSubscriptionSecret atomically swaps the signing secret and returns the new version
	ReplaceSubscriptionSecret(ctx context.Context, tenantID string, id uuid.UUID, secret string) (int, error)
}

// DeliveryStore persists logical deliveries and their attempt log
type DeliveryStore interface {
	CreateDelivery(ctx context.Context, d *models.Delivery) error
	GetDelivery(ctx context.Context, tenantID string, id uuid.UUID) (*models.Delivery, error)
	// LoadDelivery reads a delivery by id for the dispatcher
	LoadDelivery(ctx context.Context, id uuid.UUID) (*models.Delivery, error)
	// UpdateDelivery writes d only if the stored state still equals expect
	UpdateDelivery(ctx context.Context, d *models.Delivery, expect models.DeliveryState) error

	// CreateAttempt inserts a pending attempt and advances the delivery's
	// attempt counters in one step. It fails with ErrConflict unless
	// a.AttemptNumber is exactly one past the stored count. leaseUntil is
	// stored as the delivery's next_retry_at while the attempt is in flight.
	CreateAttempt(ctx context.Context, a *models.DeliveryAttempt, leaseUntil time.Time) error
	// CompleteAttempt records the attempt outcome and the resulting delivery
	// state together. The attempt must still be pending.
	CompleteAttempt(ctx context.Context, a *models.DeliveryAttempt, d *models.Delivery) error
	// CloseAttempt records the outcome of a pending attempt and leaves the
	// delivery untouched. Used for attempts orphaned by a delivery that moved on.
	CloseAttempt(ctx context.Context, a *models.DeliveryAttempt) error

	ListAttempts(ctx context.Context, tenantID string, subscriptionID uuid.UUID, offset, limit int) ([]models.DeliveryAttempt, int64, error)
	ListDeliveryAttempts(ctx context.Context, tenantID string, deliveryID uuid.UUID) ([]models.DeliveryAttempt, error)
	// DueDeliveries returns non-terminal deliveries whose next_retry_at has passed
	DueDeliveries(ctx context.Context, now time.Time, limit int) ([]models.Delivery, error)
	// StaleAttempts returns attempts still pending that started before olderThan
	StaleAttempts(ctx context.Context, olderThan time.Time, limit int) ([]models.DeliveryAttempt, error)
	DeliveryStats(ctx context.Context, tenantID string, subscriptionID uuid.UUID) (*models.DeliveryStats, error)
}

// APIKeyStore persists hashed tenant API keys
type APIKeyStore interface {
	// RotateAPIKey revokes the tenant's active key and stores key in one step
	RotateAPIKey(ctx context.Context, key *models.TenantAPIKey) error
	GetActiveAPIKey(ctx context.Context, tenantID string) (*models.TenantAPIKey, error)
	FindAPIKeyByHash(ctx context.Context, hash string) (*models.TenantAPIKey, error)
	RevokeAPIKey(ctx context.Context, tenantID string) error
	TouchAPIKey(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Store is the full persistence surface
type Store interface {
	SubscriptionStore
	DeliveryStore
	APIKeyStore
	Ping(ctx context.Context) error
}

// Sealer encrypts signing secrets at rest
type Sealer interface {
	Seal(plaintext []byte) (ciphertext, nonce []byte, err error)
	Open(ciphertext, nonce []byte) ([]byte, error)
}
