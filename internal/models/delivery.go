package models

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryState is the state of a logical delivery
type DeliveryState string

const (
	DeliveryStatePending   DeliveryState = "pending"
	DeliveryStateRetrying  DeliveryState = "retrying"
	DeliveryStateSuccess   DeliveryState = "success"
	DeliveryStateExhausted DeliveryState = "exhausted"
	DeliveryStateCancelled DeliveryState = "cancelled"
)

// Terminal reports whether no further automatic attempt will be made
func (s DeliveryState) Terminal() bool {
	switch s {
	case DeliveryStateSuccess, DeliveryStateExhausted, DeliveryStateCancelled:
		return true
	}
	return false
}

// AttemptOutcome is the recorded result of a single attempt
type AttemptOutcome string

const (
	AttemptOutcomePending   AttemptOutcome = "pending"
	AttemptOutcomeSuccess   AttemptOutcome = "success"
	AttemptOutcomeFailed    AttemptOutcome = "failed"
	AttemptOutcomeExhausted AttemptOutcome = "exhausted"
)

// FailureKind classifies a failed attempt
type FailureKind string

const (
	FailureNone        FailureKind = ""
	FailureTimeout     FailureKind = "timeout"
	FailureNetwork     FailureKind = "network"
	FailureServerError FailureKind = "server_error"
	FailureClientError FailureKind = "client_error"
	FailureCircuitOpen FailureKind = "circuit_open"
	FailureInvalidURL  FailureKind = "invalid_url"
)

// Permanent reports failures that will not fix themselves without tenant action
func (k FailureKind) Permanent() bool {
	return k == FailureClientError || k == FailureInvalidURL
}

// Delivery is the lifecycle of one event to one subscription.
// Its ID is sent as X-Delivery-Id and is stable across retries and manual retry chains.
type Delivery struct {
	ID               uuid.UUID     `json:"id" db:"id"`
	TenantID         string        `json:"tenant_id" db:"tenant_id"`
	SubscriptionID   *uuid.UUID    `json:"subscription_id,omitempty" db:"subscription_id"`
	SubscriptionURL  string        `json:"subscription_url" db:"subscription_url"`
	SubscriptionName string        `json:"subscription_name" db:"subscription_name"`
	EventID          uuid.UUID     `json:"event_id" db:"event_id"`
	EventType        string        `json:"event_type" db:"event_type"`
	Payload          []byte        `json:"-" db:"payload"`
	State            DeliveryState `json:"state" db:"state"`
	Attempts         int           `json:"attempts" db:"attempts"`
	Chain            int           `json:"chain" db:"chain"`
	ChainAttempts    int           `json:"chain_attempts" db:"chain_attempts"`
	NextRetryAt      *time.Time    `json:"next_retry_at,omitempty" db:"next_retry_at"`
	LastStatusCode   *int          `json:"last_status_code,omitempty" db:"last_status_code"`
	CreatedAt        time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at" db:"updated_at"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
}

// DeliveryAttempt is one HTTP try within a logical delivery
type DeliveryAttempt struct {
	ID              uuid.UUID      `json:"id" db:"id"`
	DeliveryID      uuid.UUID      `json:"delivery_id" db:"delivery_id"`
	SubscriptionID  *uuid.UUID     `json:"subscription_id,omitempty" db:"subscription_id"`
	TenantID        string         `json:"tenant_id" db:"tenant_id"`
	SubscriptionURL string         `json:"subscription_url" db:"subscription_url"`
	EventType       string         `json:"event_type" db:"event_type"`
	Payload         []byte         `json:"-" db:"payload"`
	AttemptNumber   int            `json:"attempt_number" db:"attempt_number"`
	Chain           int            `json:"chain" db:"chain"`
	StatusCode      *int           `json:"status_code,omitempty" db:"status_code"`
	ResponseExcerpt string         `json:"response_excerpt,omitempty" db:"response_excerpt"`
	Outcome         AttemptOutcome `json:"outcome" db:"outcome"`
	FailureKind     FailureKind    `json:"failure_kind,omitempty" db:"failure_kind"`
	Permanent       bool           `json:"permanent" db:"permanent"`
	Error           string         `json:"error,omitempty" db:"error"`
	DurationMs      int64          `json:"duration_ms" db:"duration_ms"`
	ScheduledAt     time.Time      `json:"scheduled_at" db:"scheduled_at"`
	AttemptedAt     *time.Time     `json:"attempted_at,omitempty" db:"attempted_at"`
	NextRetryAt     *time.Time     `json:"next_retry_at,omitempty" db:"next_retry_at"`
}

// DeliveryStats aggregates delivery states for one subscription
type DeliveryStats struct {
	Total     int64      `json:"total"`
	Pending   int64      `json:"pending"`
	Succeeded int64      `json:"succeeded"`
	Exhausted int64      `json:"exhausted"`
	Cancelled int64      `json:"cancelled"`
	Attempts  int64      `json:"attempts"`
	LastAt    *time.Time `json:"last_attempt_at,omitempty"`
}
