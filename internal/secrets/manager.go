package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/aimerfeng/hookrelay/internal/store"
	"github.com/google/uuid"
)

// Manager errors
var (
	// ErrRotationFailed means the new secret was not stored; the previous one is still in effect
	ErrRotationFailed = errors.New("secret rotation did not take effect")
)

// Rotated is returned once after a successful rotation
type Rotated struct {
	Secret  string `json:"secret"`
	Version int    `json:"secret_version"`
}

// Manager rotates and exposes subscription signing secrets
type Manager struct {
	subs store.SubscriptionStore
}

// NewManager creates a new secret manager
func NewManager(subs store.SubscriptionStore) *Manager {
	return &Manager{subs: subs}
}

// Rotate replaces the signing secret of a subscription. The old secret stops
// verifying as soon as this returns successfully. On failure no secret is returned.
func (m *Manager) Rotate(ctx context.Context, tenantID string, subscriptionID uuid.UUID) (*Rotated, error) {
	secret, err := Generate()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRotationFailed, err)
	}

	version, err := m.subs.ReplaceSubscriptionSecret(ctx, tenantID, subscriptionID, secret)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRotationFailed, err)
	}

	return &Rotated{Secret: secret, Version: version}, nil
}

// Masked returns the display form of the current signing secret
func (m *Manager) Masked(ctx context.Context, tenantID string, subscriptionID uuid.UUID) (string, error) {
	sub, err := m.subs.GetSubscription(ctx, tenantID, subscriptionID)
	if err != nil {
		return "", err
	}
	return Mask(sub.Secret), nil
}
