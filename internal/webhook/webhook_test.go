package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/aimerfeng/hookrelay/internal/config"
	"github.com/aimerfeng/hookrelay/internal/dispatch"
	"github.com/aimerfeng/hookrelay/internal/events"
	"github.com/aimerfeng/hookrelay/internal/idempotency"
	"github.com/aimerfeng/hookrelay/internal/models"
	"github.com/aimerfeng/hookrelay/internal/router"
	"github.com/aimerfeng/hookrelay/internal/secrets"
	"github.com/aimerfeng/hookrelay/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestService wires the service to a dispatcher that is never started,
// so dispatched deliveries stay pending in the memory store.
func newTestService(t *testing.T) (*Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	d := dispatch.NewDispatcher(mem, idempotency.NewMemoryStore(0), config.Defaults().Delivery, zerolog.Nop())
	return NewService(mem, d, zerolog.Nop()), mem
}

func createRequest(name string, eventTypes ...string) *CreateSubscriptionRequest {
	return &CreateSubscriptionRequest{
		Name:   name,
		URL:    "https://crm.example.test/hooks/" + name,
		Events: eventTypes,
	}
}

func TestCreate_ValidatesInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  *CreateSubscriptionRequest
		want error
	}{
		{"ftp url", &CreateSubscriptionRequest{Name: "a", URL: "ftp://example.test", Events: []string{"lead.created"}}, ErrInvalidURL},
		{"relative url", &CreateSubscriptionRequest{Name: "a", URL: "/hooks", Events: []string{"lead.created"}}, ErrInvalidURL},
		{"no host", &CreateSubscriptionRequest{Name: "a", URL: "https://", Events: []string{"lead.created"}}, ErrInvalidURL},
		{"empty name", &CreateSubscriptionRequest{Name: "  ", URL: "https://example.test", Events: []string{"lead.created"}}, ErrInvalidName},
		{"long name", &CreateSubscriptionRequest{Name: strings.Repeat("n", 101), URL: "https://example.test", Events: []string{"lead.created"}}, ErrInvalidName},
		{"no events", &CreateSubscriptionRequest{Name: "a", URL: "https://example.test"}, ErrInvalidEvents},
		{"unknown event", &CreateSubscriptionRequest{Name: "a", URL: "https://example.test", Events: []string{"invoice.paid"}}, ErrInvalidEvents},
		{"test event", &CreateSubscriptionRequest{Name: "a", URL: "https://example.test", Events: []string{"webhook.test"}}, ErrInvalidEvents},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(ctx, "tenant-a", tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCreate_ReturnsSecretOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, "tenant-a", createRequest("crm", "lead.created", "task.created", "lead.created"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(created.Secret, secrets.SecretPrefix))
	assert.Equal(t, secrets.Mask(created.Secret), created.SecretMasked)
	assert.Equal(t, []string{"lead.created", "task.created"}, created.Events, "duplicates dropped, order kept")
	assert.True(t, created.Enabled)
	assert.Equal(t, 1, created.SecretVersion)

	got, err := svc.Get(ctx, "tenant-a", created.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Secret)
	assert.Equal(t, created.SecretMasked, got.SecretMasked)

	_, err = svc.Get(ctx, "tenant-b", created.ID)
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestList_Pagination(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		_, err := svc.Create(ctx, "tenant-a", createRequest(fmt.Sprintf("hook-%02d", i), "lead.created"))
		require.NoError(t, err)
	}
	_, err := svc.Create(ctx, "tenant-b", createRequest("other", "lead.created"))
	require.NoError(t, err)

	first, err := svc.List(ctx, "tenant-a", 0, 0)
	require.NoError(t, err)
	assert.Len(t, first.Subscriptions, 20)
	assert.Equal(t, int64(25), first.Total)
	assert.Equal(t, 1, first.Page)
	assert.Equal(t, 20, first.PageSize)
	assert.Equal(t, 2, first.TotalPages)

	second, err := svc.List(ctx, "tenant-a", 2, 20)
	require.NoError(t, err)
	assert.Len(t, second.Subscriptions, 5)

	all, err := svc.List(ctx, "tenant-a", 1, 1000)
	require.NoError(t, err)
	assert.Equal(t, 100, all.PageSize)
	assert.Len(t, all.Subscriptions, 25)
	for _, s := range all.Subscriptions {
		assert.Empty(t, s.Secret)
	}
}

func TestUpdate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, "tenant-a", createRequest("crm", "lead.created"))
	require.NoError(t, err)

	name, disabled := "renamed", false
	updated, err := svc.Update(ctx, "tenant-a", created.ID, &UpdateSubscriptionRequest{Name: &name, Enabled: &disabled})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.False(t, updated.Enabled)
	assert.Equal(t, []string{"lead.created"}, updated.Events)
	assert.Equal(t, created.URL, updated.URL)

	bad := "mailto:ops@example.test"
	_, err = svc.Update(ctx, "tenant-a", created.ID, &UpdateSubscriptionRequest{URL: &bad})
	assert.ErrorIs(t, err, ErrInvalidURL)

	_, err = svc.Update(ctx, "tenant-a", created.ID, &UpdateSubscriptionRequest{Events: []string{}})
	assert.ErrorIs(t, err, ErrInvalidEvents)

	_, err = svc.Update(ctx, "tenant-b", created.ID, &UpdateSubscriptionRequest{Name: &name})
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestDelete_KeepsDeliveryHistory(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, "tenant-a", createRequest("crm", "lead.created"))
	require.NoError(t, err)
	test, err := svc.SendTest(ctx, "tenant-a", created.ID)
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, "tenant-a", created.ID))
	assert.ErrorIs(t, svc.Delete(ctx, "tenant-a", created.ID), ErrSubscriptionNotFound)

	_, err = svc.Get(ctx, "tenant-a", created.ID)
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)

	detail, err := svc.GetDelivery(ctx, "tenant-a", test.DeliveryID)
	require.NoError(t, err)
	assert.Nil(t, detail.SubscriptionID)
	assert.Equal(t, created.URL, detail.SubscriptionURL)
	assert.Equal(t, "crm", detail.SubscriptionName)
}

func TestSendTest(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, "tenant-a", createRequest("crm", "lead.created"))
	require.NoError(t, err)

	resp, err := svc.SendTest(ctx, "tenant-a", created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatePending, resp.State)

	del, err := mem.GetDelivery(ctx, "tenant-a", resp.DeliveryID)
	require.NoError(t, err)
	assert.Equal(t, string(events.WebhookTest), del.EventType)
	assert.Equal(t, resp.EventID, del.EventID)

	var env events.Envelope
	require.NoError(t, json.Unmarshal(del.Payload, &env))
	assert.Equal(t, resp.EventID, env.ID)
	assert.Equal(t, events.WebhookTest, env.Type)
	assert.Equal(t, "tenant-a", env.TenantID)

	disabled := false
	_, err = svc.Update(ctx, "tenant-a", created.ID, &UpdateSubscriptionRequest{Enabled: &disabled})
	require.NoError(t, err)
	_, err = svc.SendTest(ctx, "tenant-a", created.ID)
	assert.ErrorIs(t, err, ErrSubscriptionDisabled)
}

func TestRotateSecret(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, "tenant-a", createRequest("crm", "lead.created"))
	require.NoError(t, err)

	rotated, err := svc.RotateSecret(ctx, "tenant-a", created.ID)
	require.NoError(t, err)
	assert.NotEqual(t, created.Secret, rotated.Secret)
	assert.Equal(t, 2, rotated.SecretVersion)

	masked, err := svc.GetSecret(ctx, "tenant-a", created.ID)
	require.NoError(t, err)
	assert.Equal(t, secrets.Mask(rotated.Secret), masked.SecretMasked)
	assert.Equal(t, 2, masked.SecretVersion)

	_, err = svc.RotateSecret(ctx, "tenant-b", created.ID)
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestListDeliveries(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, "tenant-a", createRequest("crm", "lead.created"))
	require.NoError(t, err)
	test, err := svc.SendTest(ctx, "tenant-a", created.ID)
	require.NoError(t, err)

	del, err := mem.GetDelivery(ctx, "tenant-a", test.DeliveryID)
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, mem.CreateAttempt(ctx, &models.DeliveryAttempt{
		DeliveryID:     del.ID,
		SubscriptionID: del.SubscriptionID,
		TenantID:       "tenant-a",
		EventType:      del.EventType,
		AttemptNumber:  1,
		Chain:          1,
		ScheduledAt:    now,
		AttemptedAt:    &now,
	}, now.Add(time.Minute)))

	page, err := svc.ListDeliveries(ctx, "tenant-a", created.ID, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)
	require.Len(t, page.Deliveries, 1)
	assert.Equal(t, del.ID, page.Deliveries[0].DeliveryID)

	_, err = svc.ListDeliveries(ctx, "tenant-a", uuid.New(), 1, 20)
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
}

func TestStats_SuccessRate(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, "tenant-a", createRequest("crm", "lead.created"))
	require.NoError(t, err)

	states := []models.DeliveryState{
		models.DeliveryStateSuccess, models.DeliveryStateSuccess, models.DeliveryStateSuccess,
		models.DeliveryStateExhausted, models.DeliveryStateRetrying,
	}
	subID := created.ID
	for _, state := range states {
		require.NoError(t, mem.CreateDelivery(ctx, &models.Delivery{
			TenantID:       "tenant-a",
			SubscriptionID: &subID,
			EventID:        uuid.New(),
			EventType:      "lead.created",
			Payload:        []byte(`{}`),
			State:          state,
			Chain:          1,
			Attempts:       1,
		}))
	}

	stats, err := svc.Stats(ctx, "tenant-a", created.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.Total)
	assert.Equal(t, int64(3), stats.Succeeded)
	assert.Equal(t, int64(1), stats.Exhausted)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, "0.75", stats.SuccessRate.String())

	empty, err := svc.Create(ctx, "tenant-a", createRequest("empty", "lead.created"))
	require.NoError(t, err)
	stats, err = svc.Stats(ctx, "tenant-a", empty.ID)
	require.NoError(t, err)
	assert.True(t, stats.SuccessRate.IsZero())
}

func TestRetryDelivery(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.RetryDelivery(ctx, "tenant-a", uuid.New())
	assert.ErrorIs(t, err, ErrDeliveryNotFound)

	created, err := svc.Create(ctx, "tenant-a", createRequest("crm", "lead.created"))
	require.NoError(t, err)
	test, err := svc.SendTest(ctx, "tenant-a", created.ID)
	require.NoError(t, err)

	_, err = svc.RetryDelivery(ctx, "tenant-a", test.DeliveryID)
	assert.ErrorIs(t, err, dispatch.ErrDeliveryInProgress)
}

func TestPublish(t *testing.T) {
	svc, mem := newTestService(t)
	ctx := context.Background()
	d := dispatch.NewDispatcher(mem, idempotency.NewMemoryStore(0), config.Defaults().Delivery, zerolog.Nop())
	pub := NewPublisher(router.New(mem), d, zerolog.Nop())

	_, err := svc.Create(ctx, "tenant-a", createRequest("crm", "lead.created"))
	require.NoError(t, err)
	_, err = svc.Create(ctx, "tenant-a", createRequest("audit", "lead.created", "lead.deleted"))
	require.NoError(t, err)

	result, err := pub.Publish(ctx, "tenant-a", "lead.created", json.RawMessage(`{"leadId":"L-1","name":"Ada"}`))
	require.NoError(t, err)
	require.Len(t, result.DeliveryIDs, 2)

	var payloads [][]byte
	for _, id := range result.DeliveryIDs {
		del, err := mem.GetDelivery(ctx, "tenant-a", id)
		require.NoError(t, err)
		assert.Equal(t, result.EventID, del.EventID)
		assert.Equal(t, models.DeliveryStatePending, del.State)
		payloads = append(payloads, del.Payload)
	}
	assert.Equal(t, payloads[0], payloads[1], "one canonical encoding per event")

	var env events.Envelope
	require.NoError(t, json.Unmarshal(payloads[0], &env))
	assert.Equal(t, result.EventID, env.ID)
	assert.JSONEq(t, `{"leadId":"L-1","name":"Ada"}`, string(env.Data))

	none, err := pub.Publish(ctx, "tenant-a", "task.completed", json.RawMessage(`{"taskId":"T-1","completedAt":"2024-05-01T10:00:00Z"}`))
	require.NoError(t, err)
	require.NotNil(t, none.DeliveryIDs)
	assert.Empty(t, none.DeliveryIDs)
}

func TestPublish_Rejects(t *testing.T) {
	mem := store.NewMemory()
	d := dispatch.NewDispatcher(mem, idempotency.NewMemoryStore(0), config.Defaults().Delivery, zerolog.Nop())
	pub := NewPublisher(router.New(mem), d, zerolog.Nop())
	ctx := context.Background()

	_, err := pub.Publish(ctx, "", "lead.created", json.RawMessage(`{"leadId":"L-1","name":"Ada"}`))
	assert.ErrorIs(t, err, ErrTenantRequired)

	_, err = pub.Publish(ctx, "tenant-a", "webhook.test", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, events.ErrUnknownType)

	_, err = pub.Publish(ctx, "tenant-a", "lead.created", json.RawMessage(`{"leadId":"L-1"}`))
	assert.True(t, errors.Is(err, events.ErrInvalidData))

	_, err = pub.Publish(ctx, "tenant-a", "lead.created", json.RawMessage(`{"leadId":"L-1","name":"Ada","extra":true}`))
	assert.ErrorIs(t, err, events.ErrMalformed)
}
