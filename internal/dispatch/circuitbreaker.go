package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aimerfeng/hookrelay/internal/monitoring"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// CircuitBreakerConfig holds configuration for the per-subscription breakers
type CircuitBreakerConfig struct {
	// MaxRequests is the number of probes let through while half-open
	MaxRequests uint32
	// Interval is the cyclic period of the closed state after which counts are cleared
	Interval time.Duration
	// Timeout is how long a breaker stays open before going half-open
	Timeout time.Duration
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold uint32
}

// DefaultCircuitBreakerConfig returns default circuit breaker configuration
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		MaxRequests:      1,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerStateClosed   CircuitBreakerState = "closed"
	CircuitBreakerStateOpen     CircuitBreakerState = "open"
	CircuitBreakerStateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerStatus contains status information about a circuit breaker
type CircuitBreakerStatus struct {
	SubscriptionID string              `json:"subscription_id"`
	State          CircuitBreakerState `json:"state"`
	Requests       uint32              `json:"requests"`
	TotalSuccess   uint32              `json:"total_success"`
	TotalFailure   uint32              `json:"total_failure"`
}

// ErrCircuitOpen is returned when a subscription's breaker rejects the attempt
var ErrCircuitOpen = errors.New("circuit breaker is open")

// errServerStatus marks 5xx responses so they count against the breaker
var errServerStatus = errors.New("endpoint returned server error")

// CircuitBreakerManager keeps one breaker per subscription. Subscriptions on
// the same host never share a breaker.
type CircuitBreakerManager struct {
	breakers map[string]*gobreaker.CircuitBreaker
	config   *CircuitBreakerConfig
	mu       sync.RWMutex
}

// NewCircuitBreakerManager creates a new circuit breaker manager
func NewCircuitBreakerManager(config *CircuitBreakerConfig) *CircuitBreakerManager {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	return &CircuitBreakerManager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		config:   config,
	}
}

// GetBreaker returns or creates the breaker for a subscription
func (m *CircuitBreakerManager) GetBreaker(subscriptionID string) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[subscriptionID]
	m.mu.RUnlock()

	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, exists = m.breakers[subscriptionID]; exists {
		return cb
	}

	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("subscription-%s", subscriptionID),
		MaxRequests: m.config.MaxRequests,
		Interval:    m.config.Interval,
		Timeout:     m.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= m.config.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Info().
				Str("circuit_breaker", name).
				Str("from", stateToString(from)).
				Str("to", stateToString(to)).
				Msg("Circuit breaker state changed")
			monitoring.SetCircuitBreakerState(subscriptionID, stateToGauge(to))
		},
		IsSuccessful: func(err error) bool {
			// a 4xx is the receiver's answer, not an outage
			return err == nil
		},
	})

	m.breakers[subscriptionID] = cb
	return cb
}

// Execute runs fn under the subscription's breaker. The result of fn is returned
// even when fn reports an error, so callers can inspect failed responses.
func (m *CircuitBreakerManager) Execute(ctx context.Context, subscriptionID string, fn func() (interface{}, error)) (interface{}, error) {
	cb := m.GetBreaker(subscriptionID)

	result, err := cb.Execute(func() (interface{}, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		return fn()
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		log.Warn().
			Str("subscription_id", subscriptionID).
			Msg("Circuit breaker is open, skipping delivery attempt")
		return nil, ErrCircuitOpen
	}
	return result, err
}

// GetStatus returns the status of a subscription's breaker, nil if none exists
func (m *CircuitBreakerManager) GetStatus(subscriptionID string) *CircuitBreakerStatus {
	m.mu.RLock()
	cb, exists := m.breakers[subscriptionID]
	m.mu.RUnlock()

	if !exists {
		return nil
	}
	return status(subscriptionID, cb)
}

// GetAllStatus returns status of all circuit breakers
func (m *CircuitBreakerManager) GetAllStatus() []*CircuitBreakerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]*CircuitBreakerStatus, 0, len(m.breakers))
	for id, cb := range m.breakers {
		statuses = append(statuses, status(id, cb))
	}
	return statuses
}

// Reset forgets a subscription's breaker
func (m *CircuitBreakerManager) Reset(subscriptionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, subscriptionID)
}

// IsOpen checks if a subscription's breaker is open
func (m *CircuitBreakerManager) IsOpen(subscriptionID string) bool {
	m.mu.RLock()
	cb, exists := m.breakers[subscriptionID]
	m.mu.RUnlock()

	return exists && cb.State() == gobreaker.StateOpen
}

func status(subscriptionID string, cb *gobreaker.CircuitBreaker) *CircuitBreakerStatus {
	counts := cb.Counts()
	return &CircuitBreakerStatus{
		SubscriptionID: subscriptionID,
		State:          CircuitBreakerState(stateToString(cb.State())),
		Requests:       counts.Requests,
		TotalSuccess:   counts.TotalSuccesses,
		TotalFailure:   counts.TotalFailures,
	}
}

// stateToString converts gobreaker.State to string
func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return string(CircuitBreakerStateClosed)
	case gobreaker.StateOpen:
		return string(CircuitBreakerStateOpen)
	case gobreaker.StateHalfOpen:
		return string(CircuitBreakerStateHalfOpen)
	default:
		return "unknown"
	}
}

func stateToGauge(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 0.5
	default:
		return 0
	}
}
