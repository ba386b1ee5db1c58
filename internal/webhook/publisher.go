package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aimerfeng/hookrelay/internal/events"
	"github.com/aimerfeng/hookrelay/internal/monitoring"
	"github.com/aimerfeng/hookrelay/internal/router"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Publisher errors
var (
	ErrTenantRequired    = errors.New("tenant id is required")
	ErrPublishIncomplete = errors.New("event was not handed to every subscription")
)

// PublishResult lists the deliveries created for one event
type PublishResult struct {
	EventID     uuid.UUID   `json:"event_id"`
	Type        string      `json:"type"`
	OccurredAt  time.Time   `json:"occurred_at"`
	DeliveryIDs []uuid.UUID `json:"delivery_ids"`
}

// Publisher is the entry point for domain events raised inside the CRM
type Publisher struct {
	router     *router.Router
	dispatcher Dispatcher
	logger     zerolog.Logger
	now        func() time.Time
}

// NewPublisher creates a publisher
func NewPublisher(r *router.Router, dispatcher Dispatcher, logger zerolog.Logger) *Publisher {
	return &Publisher{
		router:     r,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
	}
}

// Publish validates data against eventType, encodes the envelope once and
// dispatches it to every matching subscription. No subscriber is not an error.
func (p *Publisher) Publish(ctx context.Context, tenantID, eventType string, data json.RawMessage) (*PublishResult, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	if !events.Subscribable(eventType) {
		return nil, fmt.Errorf("%w: %q", events.ErrUnknownType, eventType)
	}
	payload, err := events.DecodeData(events.Type(eventType), data)
	if err != nil {
		return nil, err
	}

	eventID := uuid.New()
	occurredAt := p.now().UTC()
	body, err := events.Encode(eventID, tenantID, occurredAt, payload)
	if err != nil {
		return nil, err
	}

	routes, err := p.router.Route(ctx, tenantID, eventType, body)
	if err != nil {
		return nil, err
	}
	monitoring.RecordEventPublished(eventType)

	result := &PublishResult{
		EventID:     eventID,
		Type:        eventType,
		OccurredAt:  occurredAt,
		DeliveryIDs: make([]uuid.UUID, 0, len(routes)),
	}

	failed := 0
	for _, route := range routes {
		task := route.Task
		task.EventID = eventID
		del, err := p.dispatcher.Dispatch(ctx, task)
		if err != nil {
			failed++
			p.logger.Error().Err(err).
				Str("tenant_id", tenantID).
				Str("event_id", eventID.String()).
				Str("subscription_id", route.Subscription.ID.String()).
				Msg("Failed to create delivery")
			continue
		}
		result.DeliveryIDs = append(result.DeliveryIDs, del.ID)
	}

	p.logger.Debug().
		Str("tenant_id", tenantID).
		Str("event_id", eventID.String()).
		Str("event_type", eventType).
		Int("deliveries", len(result.DeliveryIDs)).
		Msg("Event published")

	if failed > 0 {
		return result, fmt.Errorf("%w: %d of %d deliveries not created", ErrPublishIncomplete, failed, len(routes))
	}
	return result, nil
}
