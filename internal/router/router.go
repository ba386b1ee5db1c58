// Package router resolves which subscriptions of a tenant receive an event.
package router

import (
	"context"
	"fmt"

	"github.com/aimerfeng/hookrelay/internal/dispatch"
	"github.com/aimerfeng/hookrelay/internal/models"
	"github.com/aimerfeng/hookrelay/internal/store"
	"github.com/google/uuid"
)

// Route pairs a matching subscription with the delivery task for it
type Route struct {
	Subscription models.Subscription
	Task         dispatch.Task
}

// Router fans an event out to subscriptions
type Router struct {
	subs store.SubscriptionStore
}

// New creates a router over subs
func New(subs store.SubscriptionStore) *Router {
	return &Router{subs: subs}
}

// Route returns one route per enabled subscription of tenantID listening for
// eventType. Every task carries a fresh delivery id and the same payload bytes.
// No match yields an empty slice.
func (r *Router) Route(ctx context.Context, tenantID, eventType string, payload []byte) ([]Route, error) {
	subs, err := r.subs.ListSubscriptionsForEvent(ctx, tenantID, eventType)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	matched := make([]models.Subscription, 0, len(subs))
	for _, sub := range subs {
		if sub.TenantID == tenantID && sub.Subscribes(eventType) {
			matched = append(matched, sub)
		}
	}

	routes := make([]Route, len(matched))
	for i := range matched {
		routes[i].Subscription = matched[i]
		routes[i].Task = dispatch.Task{
			DeliveryID:   uuid.New(),
			TenantID:     tenantID,
			Subscription: &routes[i].Subscription,
			EventType:    eventType,
			Payload:      payload,
		}
	}
	return routes, nil
}
