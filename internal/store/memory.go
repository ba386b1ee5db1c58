package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aimerfeng/hookrelay/internal/models"
	"github.com/google/uuid"
)

// Memory is an in-memory Store used when no DATABASE_URL is set and in tests.
type Memory struct {
	mu         sync.Mutex
	subs       map[uuid.UUID]models.Subscription
	deliveries map[uuid.UUID]models.Delivery
	attempts   map[uuid.UUID][]models.DeliveryAttempt // delivery id -> attempts in number order
	keys       []models.TenantAPIKey
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		subs:       map[uuid.UUID]models.Subscription{},
		deliveries: map[uuid.UUID]models.Delivery{},
		attempts:   map[uuid.UUID][]models.DeliveryAttempt{},
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) Ping(ctx context.Context) error { return nil }

func copySubscription(s models.Subscription) *models.Subscription {
	s.Events = append([]string(nil), s.Events...)
	return &s
}

func (m *Memory) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.SecretVersion == 0 {
		sub.SecretVersion = 1
	}
	sub.CreatedAt, sub.UpdatedAt = now, now
	m.subs[sub.ID] = *copySubscription(*sub)
	return nil
}

func (m *Memory) GetSubscription(ctx context.Context, tenantID string, id uuid.UUID) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subs[id]
	if !ok || s.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return copySubscription(s), nil
}

func (m *Memory) FindSubscription(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySubscription(s), nil
}

// tenantSubscriptions returns the tenant's subscriptions oldest first. Caller holds mu.
func (m *Memory) tenantSubscriptions(tenantID string) []models.Subscription {
	out := []models.Subscription{}
	for _, s := range m.subs {
		if s.TenantID == tenantID {
			out = append(out, *copySubscription(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *Memory) ListSubscriptions(ctx context.Context, tenantID string, offset, limit int) ([]models.Subscription, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.tenantSubscriptions(tenantID)
	// newest first, like the postgres listing
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return page(all, offset, limit), int64(len(all)), nil
}

func (m *Memory) ListSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []models.Subscription{}
	for _, s := range m.tenantSubscriptions(tenantID) {
		if s.Subscribes(eventType) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) UpdateSubscription(ctx context.Context, sub *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.subs[sub.ID]
	if !ok || cur.TenantID != sub.TenantID {
		return ErrNotFound
	}
	cur.Name = sub.Name
	cur.URL = sub.URL
	cur.Events = append([]string(nil), sub.Events...)
	cur.Enabled = sub.Enabled
	cur.UpdatedAt = time.Now().UTC()
	m.subs[sub.ID] = cur

	*sub = *copySubscription(cur)
	return nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, tenantID string, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subs[id]
	if !ok || s.TenantID != tenantID {
		return ErrNotFound
	}
	delete(m.subs, id)

	// history outlives the subscription
	for did, d := range m.deliveries {
		if d.SubscriptionID != nil && *d.SubscriptionID == id {
			d.SubscriptionID = nil
			m.deliveries[did] = d
		}
	}
	for did, list := range m.attempts {
		for i := range list {
			if list[i].SubscriptionID != nil && *list[i].SubscriptionID == id {
				list[i].SubscriptionID = nil
			}
		}
		m.attempts[did] = list
	}
	return nil
}

func (m *Memory) ReplaceSubscriptionSecret(ctx context.Context, tenantID string, id uuid.UUID, secret string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subs[id]
	if !ok || s.TenantID != tenantID {
		return 0, ErrNotFound
	}
	s.Secret = secret
	s.SecretVersion++
	s.UpdatedAt = time.Now().UTC()
	m.subs[id] = s
	return s.SecretVersion, nil
}

func (m *Memory) CreateDelivery(ctx context.Context, d *models.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if _, exists := m.deliveries[d.ID]; exists {
		return ErrConflict
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	m.deliveries[d.ID] = *d
	return nil
}

func (m *Memory) GetDelivery(ctx context.Context, tenantID string, id uuid.UUID) (*models.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok || d.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (m *Memory) LoadDelivery(ctx context.Context, id uuid.UUID) (*models.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (m *Memory) UpdateDelivery(ctx context.Context, d *models.Delivery, expect models.DeliveryState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.deliveries[d.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.State != expect {
		return ErrConflict
	}
	d.UpdatedAt = time.Now().UTC()
	m.deliveries[d.ID] = *d
	return nil
}

func (m *Memory) CreateAttempt(ctx context.Context, a *models.DeliveryAttempt, leaseUntil time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[a.DeliveryID]
	if !ok {
		return ErrNotFound
	}
	if d.State.Terminal() || d.Attempts != a.AttemptNumber-1 || d.Chain != a.Chain {
		return ErrConflict
	}

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Outcome = models.AttemptOutcomePending
	m.attempts[d.ID] = append(m.attempts[d.ID], *a)

	lease := leaseUntil.UTC()
	d.Attempts = a.AttemptNumber
	d.ChainAttempts++
	d.NextRetryAt = &lease
	d.UpdatedAt = time.Now().UTC()
	m.deliveries[d.ID] = d
	return nil
}

func (m *Memory) CompleteAttempt(ctx context.Context, a *models.DeliveryAttempt, d *models.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.deliveries[a.DeliveryID]
	if !ok {
		return ErrNotFound
	}
	list := m.attempts[a.DeliveryID]
	idx := -1
	for i := range list {
		if list[i].ID == a.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotFound
	}
	if list[idx].Outcome != models.AttemptOutcomePending || cur.State.Terminal() {
		return ErrConflict
	}

	done := list[idx]
	done.StatusCode = a.StatusCode
	done.ResponseExcerpt = a.ResponseExcerpt
	done.Outcome = a.Outcome
	done.FailureKind = a.FailureKind
	done.Permanent = a.Permanent
	done.Error = a.Error
	done.DurationMs = a.DurationMs
	done.NextRetryAt = a.NextRetryAt
	list[idx] = done

	cur.State = d.State
	cur.NextRetryAt = d.NextRetryAt
	cur.LastStatusCode = d.LastStatusCode
	cur.CompletedAt = d.CompletedAt
	cur.UpdatedAt = time.Now().UTC()
	m.deliveries[cur.ID] = cur
	*d = cur
	return nil
}

func (m *Memory) CloseAttempt(ctx context.Context, a *models.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.attempts[a.DeliveryID]
	for i := range list {
		if list[i].ID != a.ID {
			continue
		}
		if list[i].Outcome != models.AttemptOutcomePending {
			return ErrConflict
		}
		list[i].Outcome = a.Outcome
		list[i].FailureKind = a.FailureKind
		list[i].Permanent = a.Permanent
		list[i].Error = a.Error
		list[i].DurationMs = a.DurationMs
		list[i].NextRetryAt = nil
		return nil
	}
	return ErrNotFound
}

func (m *Memory) ListAttempts(ctx context.Context, tenantID string, subscriptionID uuid.UUID, offset, limit int) ([]models.DeliveryAttempt, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []models.DeliveryAttempt{}
	for _, list := range m.attempts {
		for _, a := range list {
			if a.TenantID == tenantID && a.SubscriptionID != nil && *a.SubscriptionID == subscriptionID {
				out = append(out, a)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.After(out[j].ScheduledAt)
		}
		if out[i].DeliveryID != out[j].DeliveryID {
			return out[i].DeliveryID.String() < out[j].DeliveryID.String()
		}
		return out[i].AttemptNumber > out[j].AttemptNumber
	})
	return page(out, offset, limit), int64(len(out)), nil
}

func (m *Memory) ListDeliveryAttempts(ctx context.Context, tenantID string, deliveryID uuid.UUID) ([]models.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[deliveryID]
	if !ok || d.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return append([]models.DeliveryAttempt{}, m.attempts[deliveryID]...), nil
}

func (m *Memory) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]models.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []models.Delivery{}
	for _, d := range m.deliveries {
		if d.State.Terminal() || d.NextRetryAt == nil || d.NextRetryAt.After(now) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(*out[j].NextRetryAt) })
	return page(out, 0, limit), nil
}

func (m *Memory) StaleAttempts(ctx context.Context, olderThan time.Time, limit int) ([]models.DeliveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []models.DeliveryAttempt{}
	for _, list := range m.attempts {
		for _, a := range list {
			if a.Outcome == models.AttemptOutcomePending && a.AttemptedAt != nil && a.AttemptedAt.Before(olderThan) {
				out = append(out, a)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptedAt.Before(*out[j].AttemptedAt) })
	return page(out, 0, limit), nil
}

func (m *Memory) DeliveryStats(ctx context.Context, tenantID string, subscriptionID uuid.UUID) (*models.DeliveryStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &models.DeliveryStats{}
	for _, d := range m.deliveries {
		if d.TenantID != tenantID || d.SubscriptionID == nil || *d.SubscriptionID != subscriptionID {
			continue
		}
		stats.Total++
		stats.Attempts += int64(d.Attempts)
		switch d.State {
		case models.DeliveryStateSuccess:
			stats.Succeeded++
		case models.DeliveryStateExhausted:
			stats.Exhausted++
		case models.DeliveryStateCancelled:
			stats.Cancelled++
		default:
			stats.Pending++
		}
		for _, a := range m.attempts[d.ID] {
			if a.AttemptedAt != nil && (stats.LastAt == nil || a.AttemptedAt.After(*stats.LastAt)) {
				at := *a.AttemptedAt
				stats.LastAt = &at
			}
		}
	}
	return stats, nil
}

func (m *Memory) RotateAPIKey(ctx context.Context, key *models.TenantAPIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for i := range m.keys {
		if m.keys[i].TenantID == key.TenantID && m.keys[i].RevokedAt == nil {
			m.keys[i].RevokedAt = &now
		}
	}
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	key.CreatedAt = now
	m.keys = append(m.keys, *key)
	return nil
}

func (m *Memory) GetActiveAPIKey(ctx context.Context, tenantID string) (*models.TenantAPIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range m.keys {
		if k.TenantID == tenantID && k.RevokedAt == nil {
			return &k, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) FindAPIKeyByHash(ctx context.Context, hash string) (*models.TenantAPIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range m.keys {
		if k.KeyHash == hash {
			return &k, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) RevokeAPIKey(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for i := range m.keys {
		if m.keys[i].TenantID == tenantID && m.keys[i].RevokedAt == nil {
			m.keys[i].RevokedAt = &now
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) TouchAPIKey(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.keys {
		if m.keys[i].ID == id {
			t := at.UTC()
			m.keys[i].LastUsedAt = &t
			return nil
		}
	}
	return ErrNotFound
}

func page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}
