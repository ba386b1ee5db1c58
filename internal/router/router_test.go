package router

import (
	"context"
	"testing"

	"github.com/aimerfeng/hookrelay/internal/models"
	"github.com/aimerfeng/hookrelay/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addSubscription(t *testing.T, mem *store.Memory, tenantID, name string, enabled bool, events ...string) *models.Subscription {
	t.Helper()
	sub := &models.Subscription{
		TenantID: tenantID,
		Name:     name,
		URL:      "https://example.test/" + name,
		Events:   events,
		Enabled:  enabled,
		Secret:   "whsec_" + name,
	}
	require.NoError(t, mem.CreateSubscription(context.Background(), sub))
	return sub
}

func TestRoute_SelectsEnabledMatchingSubscriptions(t *testing.T) {
	mem := store.NewMemory()
	want := addSubscription(t, mem, "tenant-a", "crm", true, "lead.created", "lead.updated")
	addSubscription(t, mem, "tenant-a", "paused", false, "lead.created")
	addSubscription(t, mem, "tenant-a", "tasks", true, "task.created")
	addSubscription(t, mem, "tenant-b", "other", true, "lead.created")
	also := addSubscription(t, mem, "tenant-a", "audit", true, "lead.created")

	payload := []byte(`{"type":"lead.created"}`)
	routes, err := New(mem).Route(context.Background(), "tenant-a", "lead.created", payload)
	require.NoError(t, err)
	require.Len(t, routes, 2)

	ids := map[uuid.UUID]bool{}
	deliveries := map[uuid.UUID]bool{}
	for _, r := range routes {
		ids[r.Subscription.ID] = true
		deliveries[r.Task.DeliveryID] = true

		assert.NotEqual(t, uuid.Nil, r.Task.DeliveryID)
		assert.Equal(t, "tenant-a", r.Task.TenantID)
		assert.Equal(t, "lead.created", r.Task.EventType)
		require.NotNil(t, r.Task.Subscription)
		assert.Equal(t, r.Subscription.ID, r.Task.Subscription.ID)
		assert.Same(t, &payload[0], &r.Task.Payload[0], "tasks share the payload bytes")
	}
	assert.True(t, ids[want.ID])
	assert.True(t, ids[also.ID])
	assert.Len(t, deliveries, 2, "each task gets its own delivery id")
}

// TestRoute_NoMatchRoutesNothing tests that an event without subscribers
// yields an empty, non-nil route list and writes nothing.
func TestRoute_NoMatchRoutesNothing(t *testing.T) {
	mem := store.NewMemory()
	sub := addSubscription(t, mem, "tenant-a", "crm", true, "lead.created")

	routes, err := New(mem).Route(context.Background(), "tenant-a", "task.completed", []byte(`{}`))
	require.NoError(t, err)
	require.NotNil(t, routes)
	assert.Empty(t, routes)

	attempts, total, err := mem.ListAttempts(context.Background(), "tenant-a", sub.ID, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, attempts)
	assert.Zero(t, total)

	routes, err = New(mem).Route(context.Background(), "tenant-unknown", "lead.created", []byte(`{}`))
	require.NoError(t, err)
	assert.Empty(t, routes)
}
