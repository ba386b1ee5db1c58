package models

import (
	"time"

	"github.com/google/uuid"
)

// TenantAPIKey is the credential external systems use to push events for a tenant.
// Only the hash is stored; at most one key per tenant is unrevoked.
type TenantAPIKey struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	TenantID   string     `json:"tenant_id" db:"tenant_id"`
	KeyHash    string     `json:"-" db:"key_hash"`
	KeyPrefix  string     `json:"key_prefix" db:"key_prefix"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
}

// Revoked reports whether the key has been revoked
func (k *TenantAPIKey) Revoked() bool {
	return k.RevokedAt != nil
}
