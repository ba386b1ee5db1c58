package inbound

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aimerfeng/hookrelay/internal/apikey"
	"github.com/aimerfeng/hookrelay/internal/config"
	"github.com/aimerfeng/hookrelay/internal/events"
	"github.com/aimerfeng/hookrelay/internal/idempotency"
	"github.com/aimerfeng/hookrelay/internal/models"
	"github.com/aimerfeng/hookrelay/internal/ratelimit"
	"github.com/aimerfeng/hookrelay/internal/signer"
	"github.com/aimerfeng/hookrelay/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	leadBody   = `{"type":"lead.created","tenantId":"tenant-a","data":{"leadId":"L-1","name":"Ada"}}`
	testSecret = "whsec_inbound-test-secret-0123456789"
)

type fixture struct {
	mem      *store.Memory
	keys     *apikey.Service
	sink     *MemorySink
	receiver *Receiver
}

func newFixture(t *testing.T, limiter ratelimit.Limiter) *fixture {
	t.Helper()
	mem := store.NewMemory()
	keys := apikey.NewService(mem, zerolog.Nop())
	sink := NewMemorySink()
	return &fixture{
		mem:      mem,
		keys:     keys,
		sink:     sink,
		receiver: NewReceiver(keys, mem, idempotency.NewMemoryStore(0), sink, limiter, config.Defaults().Inbound, zerolog.Nop()),
	}
}

func (f *fixture) subscription(t *testing.T, enabled bool) *models.Subscription {
	t.Helper()
	sub := &models.Subscription{
		TenantID: "tenant-a",
		Name:     "partner",
		URL:      "https://partner.example.test/hooks",
		Events:   []string{"lead.created"},
		Enabled:  enabled,
		Secret:   testSecret,
	}
	require.NoError(t, f.mem.CreateSubscription(context.Background(), sub))
	return sub
}

func signed(sub *models.Subscription, secret, body string, at time.Time) Request {
	sig, _ := signer.Header(secret, []byte(body), at.Unix())
	return Request{
		Body:      []byte(body),
		WebhookID: sub.ID.String(),
		Timestamp: strconv.FormatInt(at.Unix(), 10),
		Signature: sig,
		ClientIP:  "203.0.113.7",
	}
}

func TestReceiveWithAPIKey_RevokedAndRegenerated(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.keys.Regenerate(ctx, "tenant-a")
	require.NoError(t, err)

	res, err := f.receiver.ReceiveWithAPIKey(ctx, "Bearer "+first.Key, Request{Body: []byte(leadBody)})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "lead.created", res.Type)

	second, err := f.keys.Regenerate(ctx, "tenant-a")
	require.NoError(t, err)

	_, err = f.receiver.ReceiveWithAPIKey(ctx, "Bearer "+first.Key, Request{Body: []byte(leadBody)})
	assert.ErrorIs(t, err, ErrUnauthorized, "previous key is revoked on regeneration")

	res, err = f.receiver.ReceiveWithAPIKey(ctx, "Bearer "+second.Key, Request{Body: []byte(leadBody)})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	got := f.sink.Events()
	require.Len(t, got, 2)
	last := got[1]
	assert.Equal(t, res.EventID, last.ID)
	assert.Equal(t, "tenant-a", last.TenantID)
	assert.Equal(t, SourceAPIKey, last.Source)
	assert.Nil(t, last.SubscriptionID)
	assert.JSONEq(t, `{"leadId":"L-1","name":"Ada"}`, string(last.Data))
	assert.Equal(t, last.ReceivedAt, last.OccurredAt, "occurredAt defaults to receive time")

	require.NoError(t, f.keys.Revoke(ctx, "tenant-a"))
	_, err = f.receiver.ReceiveWithAPIKey(ctx, "Bearer "+second.Key, Request{Body: []byte(leadBody)})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestReceive_UniformUnauthorized(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	key, err := f.keys.Regenerate(ctx, "tenant-a")
	require.NoError(t, err)
	sub := f.subscription(t, true)
	disabled := f.subscription(t, false)
	now := time.Now()

	var errs []error
	for _, header := range []string{"", "Basic abc", "Bearer", "Bearer hk_short", "Bearer hk_" + strings.Repeat("0", 64), "bearer " + key.Key + "x"} {
		_, err := f.receiver.ReceiveWithAPIKey(ctx, header, Request{Body: []byte(leadBody)})
		errs = append(errs, err)
	}

	badID := signed(sub, testSecret, leadBody, now)
	badID.WebhookID = "not-a-uuid"
	unknown := signed(sub, testSecret, leadBody, now)
	unknown.WebhookID = uuid.NewString()
	tampered := signed(sub, testSecret, leadBody, now)
	tampered.Body = []byte(strings.Replace(leadBody, "Ada", "Eve", 1))
	noTimestamp := signed(sub, testSecret, leadBody, now)
	noTimestamp.Timestamp = ""

	for _, req := range []Request{
		badID,
		unknown,
		tampered,
		noTimestamp,
		signed(sub, "whsec_wrong-secret", leadBody, now),
		signed(sub, testSecret, leadBody, now.Add(-10*time.Minute)),
		signed(disabled, testSecret, leadBody, now),
	} {
		_, err := f.receiver.ReceiveWithSignature(ctx, req)
		errs = append(errs, err)
	}

	for i, err := range errs {
		assert.Same(t, ErrUnauthorized, err, "case %d", i)
	}
	assert.Empty(t, f.sink.Events())
}

func TestReceiveWithSignature_Accepts(t *testing.T) {
	f := newFixture(t, nil)
	sub := f.subscription(t, true)

	body := `{"type":"lead.stage_changed","data":{"leadId":"L-9","fromStage":"new","toStage":"won"},"occurredAt":"2024-05-01T10:00:00Z"}`
	res, err := f.receiver.ReceiveWithSignature(context.Background(), signed(sub, testSecret, body, time.Now().Add(-2*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, "lead.stage_changed", res.Type)

	got := f.sink.Events()
	require.Len(t, got, 1)
	assert.Equal(t, SourceSignature, got[0].Source)
	require.NotNil(t, got[0].SubscriptionID)
	assert.Equal(t, sub.ID, *got[0].SubscriptionID)
	assert.Equal(t, "tenant-a", got[0].TenantID)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), got[0].OccurredAt)
}

func TestReceive_ValidatesEnvelope(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	key, err := f.keys.Regenerate(ctx, "tenant-a")
	require.NoError(t, err)
	auth := "Bearer " + key.Key

	tests := []struct {
		name string
		body string
		want error
	}{
		{"not json", `lead`, events.ErrMalformed},
		{"unknown envelope field", `{"type":"lead.created","data":{"leadId":"L-1","name":"Ada"},"extra":1}`, events.ErrMalformed},
		{"unknown data field", `{"type":"lead.created","data":{"leadId":"L-1","name":"Ada","vip":true}}`, events.ErrMalformed},
		{"missing data", `{"type":"lead.created"}`, events.ErrMalformed},
		{"unknown type", `{"type":"invoice.paid","data":{}}`, events.ErrUnknownType},
		{"invalid data", `{"type":"lead.created","data":{"leadId":"L-1"}}`, events.ErrInvalidData},
		{"other tenant", `{"type":"lead.created","tenantId":"tenant-b","data":{"leadId":"L-1","name":"Ada"}}`, ErrTenantMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.receiver.ReceiveWithAPIKey(ctx, auth, Request{Body: []byte(tt.body)})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	large := make([]byte, f.receiver.MaxBodyBytes()+1)
	_, err = f.receiver.ReceiveWithAPIKey(ctx, auth, Request{Body: large})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	assert.Empty(t, f.sink.Events())
}

func TestReceive_IdempotentReplay(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	keyA, err := f.keys.Regenerate(ctx, "tenant-a")
	require.NoError(t, err)
	keyB, err := f.keys.Regenerate(ctx, "tenant-b")
	require.NoError(t, err)

	req := Request{Body: []byte(leadBody), IdempotencyKey: "partner-evt-42"}
	first, err := f.receiver.ReceiveWithAPIKey(ctx, "Bearer "+keyA.Key, req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	replay, err := f.receiver.ReceiveWithAPIKey(ctx, "Bearer "+keyA.Key, req)
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.True(t, replay.Accepted)
	assert.Equal(t, first.EventID, replay.EventID)
	assert.Len(t, f.sink.Events(), 1, "a replay produces no second ingest event")

	other := Request{Body: []byte(`{"type":"lead.created","data":{"leadId":"L-1","name":"Ada"}}`), IdempotencyKey: "partner-evt-42"}
	res, err := f.receiver.ReceiveWithAPIKey(ctx, "Bearer "+keyB.Key, other)
	require.NoError(t, err)
	assert.False(t, res.Duplicate, "keys are scoped per tenant")
	assert.NotEqual(t, first.EventID, res.EventID)

	_, err = f.receiver.ReceiveWithAPIKey(ctx, "Bearer "+keyA.Key, Request{Body: []byte(leadBody), IdempotencyKey: strings.Repeat("k", 201)})
	assert.ErrorIs(t, err, ErrInvalidIdempotencyKey)
}

type failingSink struct {
	failures int
	MemorySink
}

func (s *failingSink) Append(ctx context.Context, ev *IngestEvent) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("stream unavailable")
	}
	return s.MemorySink.Append(ctx, ev)
}

func TestReceive_SinkFailureReleasesClaim(t *testing.T) {
	mem := store.NewMemory()
	keys := apikey.NewService(mem, zerolog.Nop())
	sink := &failingSink{failures: 1}
	r := NewReceiver(keys, mem, idempotency.NewMemoryStore(0), sink, nil, config.Defaults().Inbound, zerolog.Nop())
	ctx := context.Background()

	key, err := keys.Regenerate(ctx, "tenant-a")
	require.NoError(t, err)
	req := Request{Body: []byte(leadBody), IdempotencyKey: "evt-1"}

	_, err = r.ReceiveWithAPIKey(ctx, "Bearer "+key.Key, req)
	assert.ErrorIs(t, err, ErrIngestFailed)

	res, err := r.ReceiveWithAPIKey(ctx, "Bearer "+key.Key, req)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Len(t, sink.Events(), 1)
}

func TestReceive_RateLimitedBeforeAuth(t *testing.T) {
	f := newFixture(t, ratelimit.NewMemoryLimiter(2, time.Hour))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.receiver.ReceiveWithAPIKey(ctx, "Bearer nope", Request{Body: []byte(leadBody), ClientIP: "198.51.100.1"})
		require.ErrorIs(t, err, ErrUnauthorized)
	}

	_, err := f.receiver.ReceiveWithAPIKey(ctx, "Bearer nope", Request{Body: []byte(leadBody), ClientIP: "198.51.100.1"})
	require.ErrorIs(t, err, ErrRateLimited)
	var rl *RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.GreaterOrEqual(t, rl.RetryAfterSeconds(), int64(1))

	_, err = f.receiver.ReceiveWithSignature(ctx, Request{Body: []byte(leadBody), ClientIP: "198.51.100.2"})
	assert.ErrorIs(t, err, ErrUnauthorized, "other clients are not throttled")
}
