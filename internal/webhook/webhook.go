// Package webhook implements tenant management of webhook subscriptions:
// CRUD, secrets, test deliveries, the delivery log and manual retries.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aimerfeng/hookrelay/internal/dispatch"
	"github.com/aimerfeng/hookrelay/internal/events"
	"github.com/aimerfeng/hookrelay/internal/models"
	"github.com/aimerfeng/hookrelay/internal/monitoring"
	"github.com/aimerfeng/hookrelay/internal/secrets"
	"github.com/aimerfeng/hookrelay/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Service errors
var (
	ErrSubscriptionNotFound = errors.New("webhook subscription not found")
	ErrSubscriptionDisabled = errors.New("webhook subscription is disabled")
	ErrInvalidURL           = errors.New("invalid webhook url: must be an absolute http or https url")
	ErrInvalidName          = errors.New("invalid webhook name: must be 1 to 100 characters")
	ErrInvalidEvents        = errors.New("invalid webhook events")
	ErrDeliveryNotFound     = errors.New("delivery not found")
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	maxNameLength   = 100
	testMessage     = "This is a test webhook delivery"
)

// Store is the persistence the service needs
type Store interface {
	store.SubscriptionStore
	store.DeliveryStore
}

// Dispatcher hands deliveries to the outbound pipeline
type Dispatcher interface {
	Dispatch(ctx context.Context, task dispatch.Task) (*models.Delivery, error)
	Redeliver(ctx context.Context, tenantID string, deliveryID uuid.UUID) (*models.Delivery, error)
}

// Service handles webhook subscription operations
type Service struct {
	store      Store
	secrets    *secrets.Manager
	dispatcher Dispatcher
	logger     zerolog.Logger
	now        func() time.Time
}

// NewService creates a new webhook service
func NewService(st Store, dispatcher Dispatcher, logger zerolog.Logger) *Service {
	return &Service{
		store:      st,
		secrets:    secrets.NewManager(st),
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
	}
}

// CreateSubscriptionRequest represents a request to create a subscription
type CreateSubscriptionRequest struct {
	Name    string   `json:"name" binding:"required,min=1,max=100"`
	URL     string   `json:"url" binding:"required"`
	Events  []string `json:"events" binding:"required,min=1"`
	Enabled *bool    `json:"enabled,omitempty"`
}

// UpdateSubscriptionRequest represents a request to update a subscription.
// Nil fields are left unchanged.
type UpdateSubscriptionRequest struct {
	Name    *string  `json:"name,omitempty"`
	URL     *string  `json:"url,omitempty"`
	Events  []string `json:"events,omitempty"`
	Enabled *bool    `json:"enabled,omitempty"`
}

// SubscriptionResponse represents a subscription. Secret is only set when
// the subscription is created.
type SubscriptionResponse struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	URL           string    `json:"url"`
	Events        []string  `json:"events"`
	Enabled       bool      `json:"enabled"`
	Secret        string    `json:"secret,omitempty"`
	SecretMasked  string    `json:"secret_masked"`
	SecretVersion int       `json:"secret_version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ListSubscriptionsResponse represents a paginated list of subscriptions
type ListSubscriptionsResponse struct {
	Subscriptions []SubscriptionResponse `json:"subscriptions"`
	Total         int64                  `json:"total"`
	Page          int                    `json:"page"`
	PageSize      int                    `json:"page_size"`
	TotalPages    int                    `json:"total_pages"`
}

// ListDeliveriesResponse represents a page of the delivery log, newest first
type ListDeliveriesResponse struct {
	Deliveries []models.DeliveryAttempt `json:"deliveries"`
	Total      int64                    `json:"total"`
	Page       int                      `json:"page"`
	PageSize   int                      `json:"page_size"`
	TotalPages int                      `json:"total_pages"`
}

// DeliveryDetail is a logical delivery with its full attempt history
type DeliveryDetail struct {
	*models.Delivery
	AttemptHistory []models.DeliveryAttempt `json:"attempt_history"`
}

// StatsResponse summarises deliveries of a subscription
type StatsResponse struct {
	*models.DeliveryStats
	SuccessRate decimal.Decimal `json:"success_rate"`
}

// SecretResponse carries the masked secret
type SecretResponse struct {
	SecretMasked  string `json:"secret_masked"`
	SecretVersion int    `json:"secret_version"`
}

// RotatedSecretResponse carries a new plaintext secret, shown once
type RotatedSecretResponse struct {
	Secret        string `json:"secret"`
	SecretVersion int    `json:"secret_version"`
}

// TestDeliveryResponse identifies a test delivery
type TestDeliveryResponse struct {
	DeliveryID uuid.UUID            `json:"delivery_id"`
	EventID    uuid.UUID            `json:"event_id"`
	State      models.DeliveryState `json:"state"`
}

// ValidateURL checks for an absolute http(s) URL with a host
func ValidateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || !u.IsAbs() || u.Host == "" || u.Hostname() == "" {
		return ErrInvalidURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrInvalidURL
	}
	return nil
}

// ValidateName checks the display name length
func ValidateName(name string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(name))
	if n < 1 || n > maxNameLength {
		return ErrInvalidName
	}
	return nil
}

// NormalizeEvents checks every entry is a subscribable event type and drops
// duplicates, keeping the first occurrence.
func NormalizeEvents(list []string) ([]string, error) {
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: at least one event type is required", ErrInvalidEvents)
	}
	seen := make(map[string]bool, len(list))
	out := make([]string, 0, len(list))
	for _, e := range list {
		e = strings.TrimSpace(e)
		if !events.Subscribable(e) {
			return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidEvents, e)
		}
		if seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out, nil
}

// Create creates a subscription with a fresh signing secret
func (s *Service) Create(ctx context.Context, tenantID string, req *CreateSubscriptionRequest) (*SubscriptionResponse, error) {
	if err := ValidateName(req.Name); err != nil {
		return nil, err
	}
	if err := ValidateURL(req.URL); err != nil {
		return nil, err
	}
	list, err := NormalizeEvents(req.Events)
	if err != nil {
		return nil, err
	}

	secret, err := secrets.Generate()
	if err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	sub := &models.Subscription{
		TenantID: tenantID,
		Name:     strings.TrimSpace(req.Name),
		URL:      strings.TrimSpace(req.URL),
		Events:   list,
		Enabled:  enabled,
		Secret:   secret,
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	s.logger.Info().
		Str("tenant_id", tenantID).
		Str("subscription_id", sub.ID.String()).
		Strs("events", list).
		Msg("Webhook subscription created")

	resp := toResponse(sub)
	resp.Secret = secret
	return resp, nil
}

// Get retrieves a subscription of the tenant
func (s *Service) Get(ctx context.Context, tenantID string, id uuid.UUID) (*SubscriptionResponse, error) {
	sub, err := s.get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return toResponse(sub), nil
}

func (s *Service) get(ctx context.Context, tenantID string, id uuid.UUID) (*models.Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, tenantID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// List retrieves subscriptions of the tenant with pagination
func (s *Service) List(ctx context.Context, tenantID string, page, pageSize int) (*ListSubscriptionsResponse, error) {
	page, pageSize = normalizePage(page, pageSize)

	subs, total, err := s.store.ListSubscriptions(ctx, tenantID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	out := make([]SubscriptionResponse, 0, len(subs))
	for i := range subs {
		out = append(out, *toResponse(&subs[i]))
	}

	return &ListSubscriptionsResponse{
		Subscriptions: out,
		Total:         total,
		Page:          page,
		PageSize:      pageSize,
		TotalPages:    totalPages(total, pageSize),
	}, nil
}

// Update changes name, url, events or enabled. Disabling takes effect for
// the next attempt: pending retries are cancelled when they come due.
func (s *Service) Update(ctx context.Context, tenantID string, id uuid.UUID, req *UpdateSubscriptionRequest) (*SubscriptionResponse, error) {
	sub, err := s.get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		if err := ValidateName(*req.Name); err != nil {
			return nil, err
		}
		sub.Name = strings.TrimSpace(*req.Name)
	}
	if req.URL != nil {
		if err := ValidateURL(*req.URL); err != nil {
			return nil, err
		}
		sub.URL = strings.TrimSpace(*req.URL)
	}
	if req.Events != nil {
		list, err := NormalizeEvents(req.Events)
		if err != nil {
			return nil, err
		}
		sub.Events = list
	}
	if req.Enabled != nil {
		sub.Enabled = *req.Enabled
	}

	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}
	return toResponse(sub), nil
}

// Delete removes a subscription. Its delivery history is kept.
func (s *Service) Delete(ctx context.Context, tenantID string, id uuid.UUID) error {
	if err := s.store.DeleteSubscription(ctx, tenantID, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrSubscriptionNotFound
		}
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	s.logger.Info().
		Str("tenant_id", tenantID).
		Str("subscription_id", id.String()).
		Msg("Webhook subscription deleted")
	return nil
}

// SendTest dispatches a webhook.test event to the subscription only
func (s *Service) SendTest(ctx context.Context, tenantID string, id uuid.UUID) (*TestDeliveryResponse, error) {
	sub, err := s.get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !sub.Enabled {
		return nil, ErrSubscriptionDisabled
	}

	eventID := uuid.New()
	payload, err := events.Encode(eventID, tenantID, s.now(), &events.WebhookTestData{
		SubscriptionID: sub.ID.String(),
		Message:        testMessage,
	})
	if err != nil {
		return nil, err
	}

	del, err := s.dispatcher.Dispatch(ctx, dispatch.Task{
		DeliveryID:   uuid.New(),
		TenantID:     tenantID,
		Subscription: sub,
		EventID:      eventID,
		EventType:    string(events.WebhookTest),
		Payload:      payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dispatch test delivery: %w", err)
	}

	return &TestDeliveryResponse{DeliveryID: del.ID, EventID: eventID, State: del.State}, nil
}

// ListDeliveries returns the attempt log of a subscription, newest first
func (s *Service) ListDeliveries(ctx context.Context, tenantID string, id uuid.UUID, page, pageSize int) (*ListDeliveriesResponse, error) {
	if _, err := s.get(ctx, tenantID, id); err != nil {
		return nil, err
	}
	page, pageSize = normalizePage(page, pageSize)

	attempts, total, err := s.store.ListAttempts(ctx, tenantID, id, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	if attempts == nil {
		attempts = []models.DeliveryAttempt{}
	}

	return &ListDeliveriesResponse{
		Deliveries: attempts,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages(total, pageSize),
	}, nil
}

// GetDelivery returns a delivery with every attempt across chains
func (s *Service) GetDelivery(ctx context.Context, tenantID string, deliveryID uuid.UUID) (*DeliveryDetail, error) {
	del, err := s.store.GetDelivery(ctx, tenantID, deliveryID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}

	attempts, err := s.store.ListDeliveryAttempts(ctx, tenantID, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	if attempts == nil {
		attempts = []models.DeliveryAttempt{}
	}
	return &DeliveryDetail{Delivery: del, AttemptHistory: attempts}, nil
}

// Stats summarises deliveries of a subscription. The success rate counts
// finished deliveries only.
func (s *Service) Stats(ctx context.Context, tenantID string, id uuid.UUID) (*StatsResponse, error) {
	if _, err := s.get(ctx, tenantID, id); err != nil {
		return nil, err
	}

	stats, err := s.store.DeliveryStats(ctx, tenantID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery stats: %w", err)
	}

	rate := decimal.Zero
	if finished := stats.Succeeded + stats.Exhausted; finished > 0 {
		rate = decimal.NewFromInt(stats.Succeeded).Div(decimal.NewFromInt(finished)).Round(4)
	}
	return &StatsResponse{DeliveryStats: stats, SuccessRate: rate}, nil
}

// GetSecret returns the masked signing secret
func (s *Service) GetSecret(ctx context.Context, tenantID string, id uuid.UUID) (*SecretResponse, error) {
	sub, err := s.get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return &SecretResponse{SecretMasked: secrets.Mask(sub.Secret), SecretVersion: sub.SecretVersion}, nil
}

// RotateSecret replaces the signing secret. On failure the previous secret
// stays in effect and secrets.ErrRotationFailed is returned.
func (s *Service) RotateSecret(ctx context.Context, tenantID string, id uuid.UUID) (*RotatedSecretResponse, error) {
	rotated, err := s.secrets.Rotate(ctx, tenantID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		monitoring.RecordSecretRotation("webhook_secret", "failure")
		s.logger.Error().Err(err).
			Str("tenant_id", tenantID).
			Str("subscription_id", id.String()).
			Msg("Webhook secret rotation failed")
		return nil, err
	}

	monitoring.RecordSecretRotation("webhook_secret", "success")
	s.logger.Info().
		Str("tenant_id", tenantID).
		Str("subscription_id", id.String()).
		Int("secret_version", rotated.Version).
		Msg("Webhook secret rotated")
	return &RotatedSecretResponse{Secret: rotated.Secret, SecretVersion: rotated.Version}, nil
}

// RetryDelivery starts a manual retry chain for a finished delivery
func (s *Service) RetryDelivery(ctx context.Context, tenantID string, deliveryID uuid.UUID) (*models.Delivery, error) {
	del, err := s.dispatcher.Redeliver(ctx, tenantID, deliveryID)
	if err != nil {
		if errors.Is(err, dispatch.ErrDeliveryNotFound) {
			return nil, ErrDeliveryNotFound
		}
		return nil, err
	}
	return del, nil
}

func toResponse(sub *models.Subscription) *SubscriptionResponse {
	return &SubscriptionResponse{
		ID:            sub.ID,
		Name:          sub.Name,
		URL:           sub.URL,
		Events:        sub.Events,
		Enabled:       sub.Enabled,
		SecretMasked:  secrets.Mask(sub.Secret),
		SecretVersion: sub.SecretVersion,
		CreatedAt:     sub.CreatedAt,
		UpdatedAt:     sub.UpdatedAt,
	}
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}

func totalPages(total int64, pageSize int) int {
	pages := int(total) / pageSize
	if int(total)%pageSize > 0 {
		pages++
	}
	return pages
}
