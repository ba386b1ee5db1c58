package dispatch

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/aimerfeng/hookrelay/internal/config"
	"github.com/aimerfeng/hookrelay/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestProperty9_BackoffBounds tests that backoff stays within the jitter band
// around base*2^(n-1), never exceeds the cap and is never negative.
func TestProperty9_BackoffBounds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 20).Draw(rt, "n")
		jitter := rapid.Float64Range(-1, 1).Draw(rt, "jitter")
		fraction := rapid.Float64Range(0, 0.9).Draw(rt, "fraction")
		base := time.Duration(rapid.IntRange(1, 60).Draw(rt, "base_seconds")) * time.Second
		max := time.Hour

		got := Backoff(n, base, max, fraction, jitter)
		if got < 0 || got > max {
			rt.Fatalf("Backoff = %v outside [0, %v]", got, max)
		}

		raw := float64(base) * math.Pow(2, float64(n-1))
		lo := math.Min(raw*(1-fraction), float64(max))
		hi := math.Min(raw*(1+fraction), float64(max))
		if float64(got) < lo-1 || float64(got) > hi+1 {
			rt.Fatalf("Backoff(n=%d, jitter=%.3f) = %v, want within [%v, %v]", n, jitter, got, time.Duration(lo), time.Duration(hi))
		}
	})
}

func TestBackoff_DefaultSchedule(t *testing.T) {
	want := []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute}
	for i, w := range want {
		assert.Equal(t, w, Backoff(i+1, 30*time.Second, time.Hour, 0.2, 0))
	}
	assert.Equal(t, time.Hour, Backoff(30, 30*time.Second, time.Hour, 0.2, 1))
	assert.Equal(t, 24*time.Second, Backoff(1, 30*time.Second, time.Hour, 0.2, -1))
}

func TestNextState(t *testing.T) {
	cfg := config.Defaults().Delivery
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	ok, bad, gone := 200, 500, 410

	tests := []struct {
		name      string
		chain     int
		result    Result
		outcome   models.AttemptOutcome
		state     models.DeliveryState
		nextRetry time.Duration
	}{
		{"success", 1, Result{StatusCode: &ok}, models.AttemptOutcomeSuccess, models.DeliveryStateSuccess, 0},
		{"first failure", 1, Result{StatusCode: &bad, Kind: models.FailureServerError}, models.AttemptOutcomeFailed, models.DeliveryStateRetrying, 30 * time.Second},
		{"fourth failure", 4, Result{Kind: models.FailureNetwork}, models.AttemptOutcomeFailed, models.DeliveryStateRetrying, 4 * time.Minute},
		{"permanent still retries", 2, Result{StatusCode: &gone, Kind: models.FailureClientError}, models.AttemptOutcomeFailed, models.DeliveryStateRetrying, time.Minute},
		{"last attempt", 5, Result{Kind: models.FailureTimeout}, models.AttemptOutcomeExhausted, models.DeliveryStateExhausted, 0},
		{"success on last attempt", 5, Result{StatusCode: &ok}, models.AttemptOutcomeSuccess, models.DeliveryStateSuccess, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := nextState(&models.Delivery{ChainAttempts: tt.chain}, tt.result, &cfg, now, 0)
			assert.Equal(t, tt.outcome, tr.Outcome)
			assert.Equal(t, tt.state, tr.State)
			if tt.nextRetry > 0 {
				require.NotNil(t, tr.NextRetryAt)
				assert.Equal(t, now.Add(tt.nextRetry), *tr.NextRetryAt)
				assert.Nil(t, tr.CompletedAt)
			} else {
				assert.Nil(t, tr.NextRetryAt)
				require.NotNil(t, tr.CompletedAt)
				assert.Equal(t, now, *tr.CompletedAt)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		out       interface{}
		err       error
		kind      models.FailureKind
		succeeded bool
		permanent bool
	}{
		{"ok", &httpResponse{status: 204}, nil, models.FailureNone, true, false},
		{"server error", &httpResponse{status: 503}, errServerStatus, models.FailureServerError, false, false},
		{"client error", &httpResponse{status: 404}, nil, models.FailureClientError, false, true},
		{"redirect", &httpResponse{status: 301}, nil, models.FailureClientError, false, true},
		{"circuit open", nil, ErrCircuitOpen, models.FailureCircuitOpen, false, false},
		{"deadline", nil, context.DeadlineExceeded, models.FailureTimeout, false, false},
		{"connection refused", nil, errors.New("dial tcp: connection refused"), models.FailureNetwork, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := classify(ctx, tt.out, tt.err, 1024, time.Millisecond)
			assert.Equal(t, tt.kind, r.Kind)
			assert.Equal(t, tt.succeeded, r.Succeeded())
			assert.Equal(t, tt.permanent, r.Permanent())
		})
	}

	r := classify(ctx, nil, context.DeadlineExceeded, 1024, time.Second)
	assert.Equal(t, "timeout", r.ErrorText())
}

func TestExcerpt(t *testing.T) {
	assert.Equal(t, "a", excerpt([]byte("aé"), 2), "must not split a rune")
	assert.Equal(t, "aé", excerpt([]byte("aé"), 3))
	assert.Equal(t, "ok", excerpt([]byte("o\x00k"), 10))
	assert.Equal(t, "ab", excerpt([]byte{'a', 0xff, 'b'}, 10))
	assert.Equal(t, "", excerpt([]byte("body"), 0))

	long := []byte(strings.Repeat("x", 2000))
	assert.Len(t, excerpt(long, 1024), 1024)
}

func TestWithDefaults_ClampsTimeout(t *testing.T) {
	def := config.Defaults().Delivery

	cases := map[time.Duration]time.Duration{
		0:                def.Timeout,
		-time.Second:     def.Timeout,
		time.Millisecond: time.Second,
		time.Hour:        60 * time.Second,
		5 * time.Second:  5 * time.Second,
	}
	for in, want := range cases {
		cfg := config.DeliveryConfig{Timeout: in}
		assert.Equal(t, want, withDefaults(cfg).Timeout, "timeout %s", in)
	}
}

func TestCircuitBreaker_OpensPerSubscription(t *testing.T) {
	m := NewCircuitBreakerManager(&CircuitBreakerConfig{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, FailureThreshold: 2})
	ctx := context.Background()
	fail := func() (interface{}, error) { return &httpResponse{status: http.StatusBadGateway}, errServerStatus }

	for i := 0; i < 2; i++ {
		out, err := m.Execute(ctx, "sub-down", fail)
		assert.ErrorIs(t, err, errServerStatus)
		assert.NotNil(t, out, "failed responses are still returned")
	}
	assert.True(t, m.IsOpen("sub-down"))

	_, err := m.Execute(ctx, "sub-down", fail)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	out, err := m.Execute(ctx, "sub-up", func() (interface{}, error) { return &httpResponse{status: 200}, nil })
	require.NoError(t, err)
	assert.Equal(t, 200, out.(*httpResponse).status)
	assert.False(t, m.IsOpen("sub-up"))

	status := m.GetStatus("sub-down")
	require.NotNil(t, status)
	assert.Equal(t, CircuitBreakerStateOpen, status.State)
	assert.Nil(t, m.GetStatus("sub-unknown"))

	m.Reset("sub-down")
	assert.False(t, m.IsOpen("sub-down"))
}
