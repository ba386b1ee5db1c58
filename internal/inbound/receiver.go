// Package inbound accepts events pushed by external systems, authenticated
// either by a tenant API key or by a subscription's signing secret, and hands
// them to the CRM through an ingest sink.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/aimerfeng/hookrelay/internal/apikey"
	"github.com/aimerfeng/hookrelay/internal/config"
	"github.com/aimerfeng/hookrelay/internal/events"
	"github.com/aimerfeng/hookrelay/internal/idempotency"
	"github.com/aimerfeng/hookrelay/internal/logging"
	"github.com/aimerfeng/hookrelay/internal/models"
	"github.com/aimerfeng/hookrelay/internal/monitoring"
	"github.com/aimerfeng/hookrelay/internal/ratelimit"
	"github.com/aimerfeng/hookrelay/internal/signer"
	"github.com/aimerfeng/hookrelay/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Receiver errors
var (
	ErrUnauthorized          = errors.New("invalid credentials")
	ErrRateLimited           = errors.New("rate limit exceeded")
	ErrPayloadTooLarge       = errors.New("request body too large")
	ErrTenantMismatch        = errors.New("event tenant does not match the authenticated tenant")
	ErrInvalidIdempotencyKey = errors.New("idempotency key must be at most 200 characters")
	ErrIngestFailed          = errors.New("failed to hand event to ingestion")
)

const maxIdempotencyKeyLen = 200

// eventNamespace derives stable event ids from idempotency keys, so a replay
// reports the id of the event it duplicates.
var eventNamespace = uuid.MustParse("5b0e7c9e-3f43-4d8f-9a4e-2f7c1d6a8b10")

// RateLimitError carries the retry hint of a throttled request
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrRateLimited, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// RetryAfterSeconds rounds the hint up to whole seconds, at least 1
func (e *RateLimitError) RetryAfterSeconds() int64 {
	s := int64(math.Ceil(e.RetryAfter.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// KeyAuthenticator resolves a raw tenant API key
type KeyAuthenticator interface {
	Authenticate(ctx context.Context, rawKey string) (*models.TenantAPIKey, error)
}

// SubscriptionFinder looks up a subscription by id alone
type SubscriptionFinder interface {
	FindSubscription(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
}

// Request is one inbound HTTP call, reduced to what the receiver needs
type Request struct {
	Body           []byte
	WebhookID      string
	Timestamp      string
	Signature      string
	IdempotencyKey string
	ClientIP       string
}

// Result is the accepted response
type Result struct {
	Accepted  bool      `json:"accepted"`
	EventID   uuid.UUID `json:"event_id"`
	Type      string    `json:"type"`
	Duplicate bool      `json:"duplicate"`
}

// Receiver authenticates and validates inbound events
type Receiver struct {
	keys    KeyAuthenticator
	subs    SubscriptionFinder
	claims  idempotency.Store
	sink    Sink
	limiter ratelimit.Limiter
	cfg     config.InboundConfig
	logger  zerolog.Logger
	now     func() time.Time
}

// NewReceiver creates a receiver. limiter may be nil to disable throttling.
func NewReceiver(
	keys KeyAuthenticator,
	subs SubscriptionFinder,
	claims idempotency.Store,
	sink Sink,
	limiter ratelimit.Limiter,
	cfg config.InboundConfig,
	logger zerolog.Logger,
) *Receiver {
	if cfg.SignatureTolerance <= 0 {
		cfg.SignatureTolerance = signer.DefaultTolerance
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Receiver{
		keys:    keys,
		subs:    subs,
		claims:  claims,
		sink:    sink,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// MaxBodyBytes is the largest accepted request body
func (r *Receiver) MaxBodyBytes() int64 {
	return r.cfg.MaxBodyBytes
}

// ReceiveWithAPIKey accepts an event authenticated by "Authorization: Bearer <key>"
func (r *Receiver) ReceiveWithAPIKey(ctx context.Context, authorization string, req Request) (*Result, error) {
	if err := r.throttle(ctx, SourceAPIKey, req.ClientIP); err != nil {
		return nil, err
	}

	rawKey, ok := bearer(authorization)
	if !ok {
		return nil, r.reject(SourceAPIKey, "", req.ClientIP, "missing or malformed authorization header")
	}

	key, err := r.keys.Authenticate(ctx, rawKey)
	if err != nil {
		switch {
		case errors.Is(err, apikey.ErrInvalidAPIKey):
			return nil, r.reject(SourceAPIKey, "", req.ClientIP, "unknown api key")
		case errors.Is(err, apikey.ErrAPIKeyRevoked):
			return nil, r.reject(SourceAPIKey, "", req.ClientIP, "revoked api key")
		}
		monitoring.RecordInboundRequest(string(SourceAPIKey), "error")
		return nil, fmt.Errorf("failed to authenticate api key: %w", err)
	}

	return r.accept(ctx, SourceAPIKey, key.TenantID, nil, req)
}

// ReceiveWithSignature accepts an event signed with a subscription secret.
// X-Webhook-Id names the subscription; the signature covers X-Timestamp and
// the raw body.
func (r *Receiver) ReceiveWithSignature(ctx context.Context, req Request) (*Result, error) {
	if err := r.throttle(ctx, SourceSignature, req.ClientIP); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(strings.TrimSpace(req.WebhookID))
	if err != nil {
		return nil, r.reject(SourceSignature, "", req.ClientIP, "malformed webhook id")
	}

	sub, err := r.subs.FindSubscription(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, r.reject(SourceSignature, "", req.ClientIP, "unknown webhook id")
		}
		monitoring.RecordInboundRequest(string(SourceSignature), "error")
		return nil, fmt.Errorf("failed to find subscription: %w", err)
	}
	if !sub.Enabled {
		return nil, r.reject(SourceSignature, sub.TenantID, req.ClientIP, "webhook subscription disabled")
	}

	valid, err := signer.VerifyAt(r.now(), sub.Secret, req.Body, req.Timestamp, req.Signature, r.cfg.SignatureTolerance)
	if err != nil {
		return nil, r.reject(SourceSignature, sub.TenantID, req.ClientIP, err.Error())
	}
	if !valid {
		return nil, r.reject(SourceSignature, sub.TenantID, req.ClientIP, "signature mismatch or stale timestamp")
	}

	subID := sub.ID
	return r.accept(ctx, SourceSignature, sub.TenantID, &subID, req)
}

func (r *Receiver) accept(ctx context.Context, source Source, tenantID string, subID *uuid.UUID, req Request) (*Result, error) {
	mode := string(source)

	if int64(len(req.Body)) > r.cfg.MaxBodyBytes {
		monitoring.RecordInboundRequest(mode, "invalid")
		return nil, ErrPayloadTooLarge
	}
	ev, err := events.Decode(req.Body)
	if err != nil {
		monitoring.RecordInboundRequest(mode, "invalid")
		return nil, err
	}
	if ev.TenantID != "" && ev.TenantID != tenantID {
		monitoring.RecordInboundRequest(mode, "invalid")
		return nil, ErrTenantMismatch
	}

	receivedAt := r.now().UTC()
	occurredAt := receivedAt
	if ev.OccurredAt != nil {
		occurredAt = ev.OccurredAt.UTC()
	}

	eventID := uuid.New()
	var claimKey string
	var token idempotency.Token
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		if len(key) > maxIdempotencyKeyLen {
			monitoring.RecordInboundRequest(mode, "invalid")
			return nil, ErrInvalidIdempotencyKey
		}
		eventID = uuid.NewSHA1(eventNamespace, []byte(tenantID+":"+key))
		claimKey = "inbound:" + tenantID + ":" + key

		var ok bool
		token, ok, err = r.claims.Claim(ctx, claimKey, r.cfg.IdempotencyTTL)
		if err != nil {
			monitoring.RecordInboundRequest(mode, "error")
			return nil, fmt.Errorf("failed to claim idempotency key: %w", err)
		}
		if !ok {
			monitoring.RecordInboundRequest(mode, "duplicate")
			r.logger.Info().
				Str("tenant_id", tenantID).
				Str("event_id", eventID.String()).
				Str("source", mode).
				Msg("Duplicate inbound event ignored")
			return &Result{Accepted: true, EventID: eventID, Type: string(ev.Type), Duplicate: true}, nil
		}
	}

	ingest := &IngestEvent{
		ID:             eventID,
		TenantID:       tenantID,
		Type:           string(ev.Type),
		OccurredAt:     occurredAt,
		ReceivedAt:     receivedAt,
		Source:         source,
		SubscriptionID: subID,
		Data:           ev.RawData,
	}
	if err := r.sink.Append(ctx, ingest); err != nil {
		if claimKey != "" {
			// let the caller's retry through
			if relErr := r.claims.Release(context.WithoutCancel(ctx), claimKey, token); relErr != nil {
				r.logger.Warn().Err(relErr).Str("key", claimKey).Msg("Failed to release idempotency key")
			}
		}
		monitoring.RecordInboundRequest(mode, "error")
		r.logger.Error().Err(err).
			Str("tenant_id", tenantID).
			Str("event_id", eventID.String()).
			Msg("Failed to append ingest event")
		return nil, fmt.Errorf("%w: %v", ErrIngestFailed, err)
	}

	monitoring.RecordInboundRequest(mode, "accepted")
	r.logger.Info().
		Str("tenant_id", tenantID).
		Str("event_id", eventID.String()).
		Str("event_type", ingest.Type).
		Str("source", mode).
		Msg("Inbound event accepted")

	return &Result{Accepted: true, EventID: eventID, Type: ingest.Type}, nil
}

func (r *Receiver) throttle(ctx context.Context, source Source, clientIP string) error {
	if r.limiter == nil {
		return nil
	}
	res, err := r.limiter.Allow(ctx, "inbound:"+clientIP)
	if err != nil {
		r.logger.Warn().Err(err).Str("client_ip", clientIP).Msg("Rate limit check failed")
		return nil
	}
	if res.Allowed {
		return nil
	}
	monitoring.RecordRateLimitHit("inbound")
	monitoring.RecordInboundRequest(string(source), "rate_limited")
	return &RateLimitError{RetryAfter: res.RetryAfter}
}

// reject logs the real reason and returns the uniform error
func (r *Receiver) reject(source Source, tenantID, clientIP, reason string) error {
	monitoring.RecordInboundRequest(string(source), "unauthorized")
	logging.LogSecurityEvent("inbound_auth_failed", tenantID, clientIP, string(source)+": "+reason)
	return ErrUnauthorized
}

func bearer(header string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	key := strings.TrimSpace(parts[1])
	return key, key != ""
}
