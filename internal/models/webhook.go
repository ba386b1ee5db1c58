package models

import (
	"time"

	"github.com/google/uuid"
)

// Subscription is a tenant's webhook endpoint and the event types it receives
type Subscription struct {
	ID            uuid.UUID `json:"id" db:"id"`
	TenantID      string    `json:"tenant_id" db:"tenant_id"`
	Name          string    `json:"name" db:"name"`
	URL           string    `json:"url" db:"url"`
	Events        []string  `json:"events" db:"events"`
	Enabled       bool      `json:"enabled" db:"enabled"`
	Secret        string    `json:"-" db:"-"`
	SecretVersion int       `json:"secret_version" db:"secret_version"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// Subscribes reports whether the subscription is enabled and listens for eventType
func (s *Subscription) Subscribes(eventType string) bool {
	if !s.Enabled {
		return false
	}
	for _, e := range s.Events {
		if e == eventType {
			return true
		}
	}
	return false
}
