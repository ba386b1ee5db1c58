package apikey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aimerfeng/hookrelay/internal/models"
	"github.com/aimerfeng/hookrelay/internal/secrets"
	"github.com/aimerfeng/hookrelay/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service errors
var (
	ErrAPIKeyNotFound = errors.New("API key not found")
	ErrAPIKeyRevoked  = errors.New("API key has been revoked")
	ErrInvalidAPIKey  = errors.New("invalid API key")
	ErrRotationFailed = errors.New("API key rotation did not take effect")
)

// Service manages the single active API key of each tenant
type Service struct {
	keys   store.APIKeyStore
	logger zerolog.Logger
}

// NewService creates a new API key service
func NewService(keys store.APIKeyStore, logger zerolog.Logger) *Service {
	return &Service{keys: keys, logger: logger}
}

// GeneratedKey is returned once, when a key is created
type GeneratedKey struct {
	ID        uuid.UUID `json:"id"`
	Key       string    `json:"key"` // Only returned at creation
	KeyPrefix string    `json:"key_prefix"`
	CreatedAt time.Time `json:"created_at"`
}

// KeyInfo describes the active key without revealing it
type KeyInfo struct {
	ID         uuid.UUID  `json:"id"`
	KeyPrefix  string     `json:"key_prefix"`
	Masked     string     `json:"masked"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Regenerate issues a new key for the tenant and revokes the previous one.
// If the write fails the previous key stays active.
func (s *Service) Regenerate(ctx context.Context, tenantID string) (*GeneratedKey, error) {
	rawKey, keyHash, keyPrefix, err := secrets.GenerateAPIKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRotationFailed, err)
	}

	key := &models.TenantAPIKey{
		TenantID:  tenantID,
		KeyHash:   keyHash,
		KeyPrefix: keyPrefix,
	}
	if err := s.keys.RotateAPIKey(ctx, key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRotationFailed, err)
	}

	return &GeneratedKey{
		ID:        key.ID,
		Key:       rawKey,
		KeyPrefix: key.KeyPrefix,
		CreatedAt: key.CreatedAt,
	}, nil
}

// Get returns the tenant's active key in display form
func (s *Service) Get(ctx context.Context, tenantID string) (*KeyInfo, error) {
	key, err := s.keys.GetActiveAPIKey(ctx, tenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAPIKeyNotFound
		}
		return nil, fmt.Errorf("failed to get API key: %w", err)
	}

	return &KeyInfo{
		ID:         key.ID,
		KeyPrefix:  key.KeyPrefix,
		Masked:     key.KeyPrefix + "****",
		LastUsedAt: key.LastUsedAt,
		CreatedAt:  key.CreatedAt,
	}, nil
}

// Revoke disables the tenant's active key without issuing a new one
func (s *Service) Revoke(ctx context.Context, tenantID string) error {
	if err := s.keys.RevokeAPIKey(ctx, tenantID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrAPIKeyNotFound
		}
		return fmt.Errorf("failed to revoke API key: %w", err)
	}
	return nil
}

// Authenticate resolves a raw key to its tenant key record.
// Returns ErrInvalidAPIKey for unknown or malformed keys and ErrAPIKeyRevoked for revoked ones;
// callers facing the network must not tell these apart.
func (s *Service) Authenticate(ctx context.Context, rawKey string) (*models.TenantAPIKey, error) {
	if !secrets.ValidAPIKeyFormat(rawKey) {
		return nil, ErrInvalidAPIKey
	}

	key, err := s.keys.FindAPIKeyByHash(ctx, secrets.Hash(rawKey))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidAPIKey
		}
		return nil, fmt.Errorf("failed to validate API key: %w", err)
	}

	if key.Revoked() {
		return nil, ErrAPIKeyRevoked
	}

	// Update last used timestamp (async, don't block on this)
	go func(id uuid.UUID) {
		if err := s.keys.TouchAPIKey(context.Background(), id, time.Now()); err != nil {
			s.logger.Warn().Err(err).Str("key_id", id.String()).Msg("Failed to record API key use")
		}
	}(key.ID)

	return key, nil
}
