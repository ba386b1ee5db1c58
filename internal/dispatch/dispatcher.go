// Package dispatch delivers events to subscriber endpoints with a bounded
// worker pool, persisted retry schedule and per-subscription circuit breakers.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/aimerfeng/hookrelay/internal/config"
	"github.com/aimerfeng/hookrelay/internal/idempotency"
	"github.com/aimerfeng/hookrelay/internal/logging"
	"github.com/aimerfeng/hookrelay/internal/models"
	"github.com/aimerfeng/hookrelay/internal/monitoring"
	"github.com/aimerfeng/hookrelay/internal/observability"
	"github.com/aimerfeng/hookrelay/internal/signer"
	"github.com/aimerfeng/hookrelay/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Dispatcher errors
var (
	ErrDeliveryNotFound        = errors.New("delivery not found")
	ErrDeliveryInProgress      = errors.New("delivery still has automatic attempts pending")
	ErrSubscriptionUnavailable = errors.New("subscription is deleted or disabled")
	ErrInvalidTask             = errors.New("invalid delivery task")
)

// Outbound headers
const (
	HeaderEventType  = "X-Event-Type"
	HeaderDeliveryID = "X-Delivery-Id"
	HeaderTimestamp  = "X-Timestamp"
	HeaderSignature  = "X-Signature"
	HeaderAttempt    = "X-Attempt"
	UserAgent        = "hookrelay/1.0"
)

const (
	claimSlack    = 30 * time.Second
	maxDrainBytes = 64 << 10

	minAttemptTimeout = time.Second
	maxAttemptTimeout = 60 * time.Second
)

var errAttemptAbandoned = errors.New("attempt abandoned before its outcome was recorded")

// Store is the persistence the dispatcher needs
type Store interface {
	store.SubscriptionStore
	store.DeliveryStore
}

// Task is one event routed to one subscription
type Task struct {
	// DeliveryID is generated when zero
	DeliveryID   uuid.UUID
	TenantID     string
	Subscription *models.Subscription
	EventID      uuid.UUID
	EventType    string
	// Payload is the canonical envelope, sent unchanged on every attempt
	Payload []byte
}

// Stats is a point-in-time view of the dispatcher
type Stats struct {
	Running          bool                    `json:"running"`
	Workers          int                     `json:"workers"`
	QueueDepth       int                     `json:"queue_depth"`
	QueueCapacity    int                     `json:"queue_capacity"`
	ScheduledRetries int                     `json:"scheduled_retries"`
	Breakers         []*CircuitBreakerStatus `json:"breakers"`
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithTransport sends requests through rt
func WithTransport(rt http.RoundTripper) Option {
	return func(d *Dispatcher) {
		d.client.Transport = otelhttp.NewTransport(rt)
	}
}

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithJitter replaces the jitter source. Values are expected in [-1, 1].
func WithJitter(jitter func() float64) Option {
	return func(d *Dispatcher) { d.jitter = jitter }
}

// Dispatcher owns the outbound worker pool
type Dispatcher struct {
	store    Store
	claims   idempotency.Store
	ledger   *Ledger
	retries  *retryScheduler
	breakers *CircuitBreakerManager
	client   *http.Client
	cfg      config.DeliveryConfig
	queue    chan uuid.UUID
	logger   zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	jitter   func() float64

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Claims serialise attempts of one
// delivery across workers and processes.
func NewDispatcher(st Store, claims idempotency.Store, cfg config.DeliveryConfig, logger zerolog.Logger, opts ...Option) *Dispatcher {
	cfg = withDefaults(cfg)

	d := &Dispatcher{
		store:  st,
		claims: claims,
		ledger: NewLedger(st, cfg.LogRetries, cfg.LogRetryBase),
		breakers: NewCircuitBreakerManager(&CircuitBreakerConfig{
			MaxRequests:      1,
			Interval:         60 * time.Second,
			Timeout:          cfg.Breaker.Timeout,
			FailureThreshold: cfg.Breaker.FailureThreshold,
		}),
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		cfg:    cfg,
		queue:  make(chan uuid.UUID, cfg.QueueSize),
		logger: logger,
		tracer: observability.Tracer(),
		now:    time.Now,
		jitter: func() float64 { return rand.Float64()*2 - 1 },
	}
	for _, opt := range opts {
		opt(d)
	}
	d.retries = newRetryScheduler(func(id uuid.UUID) { d.enqueue(id) }, d.now)
	return d
}

func withDefaults(cfg config.DeliveryConfig) config.DeliveryConfig {
	def := config.Defaults().Delivery
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = def.QueueSize
	}
	switch {
	case cfg.Timeout <= 0:
		cfg.Timeout = def.Timeout
	case cfg.Timeout < minAttemptTimeout:
		cfg.Timeout = minAttemptTimeout
	case cfg.Timeout > maxAttemptTimeout:
		cfg.Timeout = maxAttemptTimeout
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.ResponseExcerptBytes <= 0 {
		cfg.ResponseExcerptBytes = def.ResponseExcerptBytes
	}
	if cfg.LogRetryBase <= 0 {
		cfg.LogRetryBase = def.LogRetryBase
	}
	if cfg.SweepBatch < 1 {
		cfg.SweepBatch = def.SweepBatch
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = def.Breaker.FailureThreshold
	}
	if cfg.Breaker.Timeout <= 0 {
		cfg.Breaker.Timeout = def.Breaker.Timeout
	}
	return cfg
}

// Dispatch persists a pending delivery for task and queues its first attempt.
// It never waits on the receiver: when the queue is full the delivery stays
// due in the store and the sweeper picks it up.
func (d *Dispatcher) Dispatch(ctx context.Context, task Task) (*models.Delivery, error) {
	if task.Subscription == nil || task.TenantID == "" || task.EventType == "" || len(task.Payload) == 0 {
		return nil, ErrInvalidTask
	}

	now := d.now().UTC()
	sub := task.Subscription
	subID := sub.ID
	del := &models.Delivery{
		ID:               task.DeliveryID,
		TenantID:         task.TenantID,
		SubscriptionID:   &subID,
		SubscriptionURL:  sub.URL,
		SubscriptionName: sub.Name,
		EventID:          task.EventID,
		EventType:        task.EventType,
		Payload:          task.Payload,
		State:            models.DeliveryStatePending,
		Chain:            1,
		NextRetryAt:      &now,
		CreatedAt:        now,
	}
	if err := d.store.CreateDelivery(ctx, del); err != nil {
		return nil, fmt.Errorf("failed to create delivery: %w", err)
	}

	d.enqueue(del.ID)
	return del, nil
}

// Redeliver starts a new attempt chain for a delivery that reached a terminal
// state. The delivery keeps its id; attempt numbers continue from the last one.
func (d *Dispatcher) Redeliver(ctx context.Context, tenantID string, deliveryID uuid.UUID) (*models.Delivery, error) {
	del, err := d.store.GetDelivery(ctx, tenantID, deliveryID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}
	if !del.State.Terminal() {
		return nil, ErrDeliveryInProgress
	}

	sub, err := d.subscription(ctx, del)
	if err != nil {
		return nil, err
	}

	prev := del.State
	now := d.now().UTC()
	del.State = models.DeliveryStatePending
	del.Chain++
	del.ChainAttempts = 0
	del.NextRetryAt = &now
	del.CompletedAt = nil
	del.SubscriptionURL = sub.URL
	del.SubscriptionName = sub.Name
	if err := d.store.UpdateDelivery(ctx, del, prev); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrDeliveryInProgress
		}
		return nil, fmt.Errorf("failed to restart delivery: %w", err)
	}

	d.logger.Info().
		Str("delivery_id", del.ID.String()).
		Str("tenant_id", tenantID).
		Int("chain", del.Chain).
		Msg("Manual redelivery started")

	d.enqueue(del.ID)
	return del, nil
}

// Start launches the worker pool
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return nil
	}

	base, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.stopCh = make(chan struct{})
	d.running = true

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(base)
	}

	d.logger.Info().
		Int("workers", d.cfg.Workers).
		Int("queue_size", d.cfg.QueueSize).
		Msg("Delivery dispatcher started")
	return nil
}

// Stop drains in-flight attempts and stops the pool. Queued and scheduled
// deliveries stay due in the store.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()

	d.wg.Wait()
	d.retries.Stop()
	d.cancel()

	d.logger.Info().Msg("Delivery dispatcher stopped")
}

// IsRunning returns whether the pool is running
func (d *Dispatcher) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Stats returns queue and breaker state
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Running:          d.IsRunning(),
		Workers:          d.cfg.Workers,
		QueueDepth:       len(d.queue),
		QueueCapacity:    cap(d.queue),
		ScheduledRetries: d.retries.Len(),
		Breakers:         d.breakers.GetAllStatus(),
	}
}

func (d *Dispatcher) enqueue(id uuid.UUID) bool {
	select {
	case d.queue <- id:
		monitoring.SetDeliveryQueueDepth(len(d.queue))
		return true
	default:
		d.logger.Warn().
			Str("delivery_id", id.String()).
			Int("queue_size", cap(d.queue)).
			Msg("Delivery queue full, leaving delivery for the sweeper")
		return false
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case id := <-d.queue:
			monitoring.SetDeliveryQueueDepth(len(d.queue))
			d.process(ctx, id)
		}
	}
}

func claimKey(id uuid.UUID) string {
	return "delivery:" + id.String()
}

// claim takes the per-delivery lock. The returned release is nil when the
// lock is held elsewhere.
func (d *Dispatcher) claim(ctx context.Context, id uuid.UUID) func() {
	key := claimKey(id)
	token, ok, err := d.claims.Claim(ctx, key, d.cfg.Timeout+claimSlack)
	if err != nil {
		d.logger.Error().Err(err).Str("delivery_id", id.String()).Msg("Failed to claim delivery")
		return nil
	}
	if !ok {
		return nil
	}
	return func() {
		if err := d.claims.Release(context.WithoutCancel(ctx), key, token); err != nil {
			d.logger.Warn().Err(err).Str("delivery_id", id.String()).Msg("Failed to release delivery claim")
		}
	}
}

// process makes at most one attempt for the delivery
func (d *Dispatcher) process(ctx context.Context, id uuid.UUID) {
	release := d.claim(ctx, id)
	if release == nil {
		return
	}
	defer release()

	del, err := d.store.LoadDelivery(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			d.logger.Error().Err(err).Str("delivery_id", id.String()).Msg("Failed to load delivery")
		}
		return
	}
	if del.State.Terminal() {
		d.retries.Cancel(id)
		return
	}

	now := d.now()
	if del.NextRetryAt != nil && del.NextRetryAt.After(now) {
		d.retries.Schedule(id, *del.NextRetryAt)
		return
	}
	if del.ChainAttempts >= d.cfg.MaxAttempts {
		d.finish(ctx, del, models.DeliveryStateExhausted, "attempt budget spent")
		return
	}

	sub, err := d.subscription(ctx, del)
	if errors.Is(err, ErrSubscriptionUnavailable) {
		d.finish(ctx, del, models.DeliveryStateCancelled, "subscription deleted or disabled")
		return
	}
	if err != nil {
		d.logger.Error().Err(err).Str("delivery_id", id.String()).Msg("Failed to load subscription")
		d.retries.Schedule(id, d.now().Add(d.cfg.BaseBackoff))
		return
	}

	scheduledAt := del.CreatedAt
	if del.NextRetryAt != nil {
		scheduledAt = *del.NextRetryAt
	}
	attemptedAt := now.UTC()
	attempt := &models.DeliveryAttempt{
		DeliveryID:      del.ID,
		SubscriptionID:  del.SubscriptionID,
		TenantID:        del.TenantID,
		SubscriptionURL: sub.URL,
		EventType:       del.EventType,
		Payload:         del.Payload,
		AttemptNumber:   del.Attempts + 1,
		Chain:           del.Chain,
		ScheduledAt:     scheduledAt,
		AttemptedAt:     &attemptedAt,
	}

	lease := now.Add(2 * d.cfg.Timeout)
	if err := d.ledger.CreateAttempt(ctx, attempt, lease); err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			return
		}
		// nothing was sent
		d.retries.Schedule(id, d.now().Add(d.cfg.BaseBackoff))
		return
	}

	del.Attempts = attempt.AttemptNumber
	del.ChainAttempts++
	del.NextRetryAt = &lease

	result := d.send(ctx, sub, del, attempt)
	tr := nextState(del, result, &d.cfg, d.now(), d.jitter())
	d.complete(ctx, del, attempt, result, tr)
}

// complete records the attempt outcome and schedules the next attempt.
// A failed write leaves the attempt pending; the stale sweep closes it.
func (d *Dispatcher) complete(ctx context.Context, del *models.Delivery, attempt *models.DeliveryAttempt, result Result, tr transition) {
	attempt.StatusCode = result.StatusCode
	attempt.ResponseExcerpt = result.Excerpt
	attempt.Outcome = tr.Outcome
	attempt.FailureKind = result.Kind
	attempt.Permanent = result.Permanent()
	attempt.Error = result.ErrorText()
	attempt.DurationMs = result.Duration.Milliseconds()
	attempt.NextRetryAt = tr.NextRetryAt

	next := *del
	next.State = tr.State
	next.NextRetryAt = tr.NextRetryAt
	next.CompletedAt = tr.CompletedAt
	if result.StatusCode != nil {
		next.LastStatusCode = result.StatusCode
	}
	if err := d.ledger.CompleteAttempt(ctx, attempt, &next); err != nil {
		return
	}

	entry := &logging.DeliveryLogEntry{
		DeliveryID:  del.ID.String(),
		TenantID:    del.TenantID,
		EventType:   del.EventType,
		Attempt:     attempt.AttemptNumber,
		Chain:       attempt.Chain,
		Outcome:     string(tr.Outcome),
		FailureKind: string(result.Kind),
		Permanent:   attempt.Permanent,
		Latency:     result.Duration,
		NextRetryAt: tr.NextRetryAt,
		Error:       attempt.Error,
	}
	if del.SubscriptionID != nil {
		entry.SubscriptionID = del.SubscriptionID.String()
	}
	if result.StatusCode != nil {
		entry.StatusCode = *result.StatusCode
	}
	logging.LogDeliveryAttempt(entry)
	monitoring.RecordDeliveryAttempt(string(tr.Outcome), result.Duration)

	if tr.State == models.DeliveryStateRetrying && tr.NextRetryAt != nil {
		d.retries.Schedule(del.ID, *tr.NextRetryAt)
		monitoring.RecordRetryScheduled()
	}
}

// finish moves a delivery to a terminal state without an attempt
func (d *Dispatcher) finish(ctx context.Context, del *models.Delivery, state models.DeliveryState, reason string) {
	prev := del.State
	now := d.now().UTC()
	del.State = state
	del.NextRetryAt = nil
	del.CompletedAt = &now
	d.retries.Cancel(del.ID)

	if err := d.store.UpdateDelivery(ctx, del, prev); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			d.logger.Error().Err(err).Str("delivery_id", del.ID.String()).Msg("Failed to close delivery")
		}
		return
	}
	d.logger.Info().
		Str("delivery_id", del.ID.String()).
		Str("tenant_id", del.TenantID).
		Str("state", string(state)).
		Str("reason", reason).
		Msg("Delivery closed")
}

func (d *Dispatcher) subscription(ctx context.Context, del *models.Delivery) (*models.Subscription, error) {
	if del.SubscriptionID == nil {
		return nil, ErrSubscriptionUnavailable
	}
	sub, err := d.store.FindSubscription(ctx, *del.SubscriptionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSubscriptionUnavailable
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if !sub.Enabled {
		return nil, ErrSubscriptionUnavailable
	}
	return sub, nil
}

func (d *Dispatcher) send(ctx context.Context, sub *models.Subscription, del *models.Delivery, attempt *models.DeliveryAttempt) Result {
	ctx, span := d.tracer.Start(ctx, "webhook.deliver",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("webhook.delivery_id", del.ID.String()),
			attribute.String("webhook.event_type", del.EventType),
			attribute.Int("webhook.attempt", attempt.AttemptNumber),
		),
	)
	defer span.End()

	result := d.post(ctx, sub, del, attempt.AttemptNumber)
	if result.StatusCode != nil {
		span.SetAttributes(attribute.Int("http.response.status_code", *result.StatusCode))
	}
	if !result.Succeeded() {
		span.SetAttributes(attribute.String("webhook.failure_kind", string(result.Kind)))
		span.SetStatus(codes.Error, result.ErrorText())
	}
	return result
}

func (d *Dispatcher) post(ctx context.Context, sub *models.Subscription, del *models.Delivery, attemptNumber int) Result {
	start := time.Now()

	target, err := url.Parse(sub.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return Result{Kind: models.FailureInvalidURL, Err: fmt.Errorf("invalid endpoint url %q", sub.URL)}
	}

	ts := d.now().Unix()
	signature, err := signer.Header(sub.Secret, del.Payload, ts)
	if err != nil {
		return Result{Kind: models.FailureNetwork, Err: fmt.Errorf("failed to sign payload: %w", err)}
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target.String(), bytes.NewReader(del.Payload))
	if err != nil {
		return Result{Kind: models.FailureInvalidURL, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set(HeaderEventType, del.EventType)
	req.Header.Set(HeaderDeliveryID, del.ID.String())
	req.Header.Set(HeaderTimestamp, signer.FormatTimestamp(ts))
	req.Header.Set(HeaderSignature, signature)
	req.Header.Set(HeaderAttempt, strconv.Itoa(attemptNumber))

	limit := d.cfg.ResponseExcerptBytes
	out, err := d.breakers.Execute(reqCtx, sub.ID.String(), func() (interface{}, error) {
		resp, err := d.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(io.LimitReader(resp.Body, int64(limit)+utf8.UTFMax))
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

		r := &httpResponse{status: resp.StatusCode, body: body}
		if resp.StatusCode >= 500 {
			return r, errServerStatus
		}
		return r, nil
	})
	return classify(reqCtx, out, err, limit, time.Since(start))
}

// enqueueDue queues deliveries whose next attempt is due
func (d *Dispatcher) enqueueDue(ctx context.Context) (int, error) {
	due, err := d.store.DueDeliveries(ctx, d.now(), d.cfg.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list due deliveries: %w", err)
	}
	n := 0
	for _, del := range due {
		if !d.enqueue(del.ID) {
			break
		}
		n++
	}
	return n, nil
}

// reconcileStale closes attempts whose worker never recorded an outcome.
// They count as network failures and go through the normal retry rules.
func (d *Dispatcher) reconcileStale(ctx context.Context) (int, error) {
	olderThan := d.now().Add(-2 * d.cfg.Timeout)
	stale, err := d.store.StaleAttempts(ctx, olderThan, d.cfg.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale attempts: %w", err)
	}

	n := 0
	for i := range stale {
		if d.reconcile(ctx, &stale[i]) {
			n++
		}
	}
	return n, nil
}

func (d *Dispatcher) reconcile(ctx context.Context, attempt *models.DeliveryAttempt) bool {
	release := d.claim(ctx, attempt.DeliveryID)
	if release == nil {
		return false
	}
	defer release()

	del, err := d.store.LoadDelivery(ctx, attempt.DeliveryID)
	if err != nil {
		return false
	}
	// the delivery already moved past this attempt
	if del.State.Terminal() || del.Attempts != attempt.AttemptNumber {
		return d.closeOrphan(ctx, attempt)
	}

	result := Result{Kind: models.FailureNetwork, Err: errAttemptAbandoned}
	tr := nextState(del, result, &d.cfg, d.now(), d.jitter())
	d.complete(ctx, del, attempt, result, tr)

	d.logger.Warn().
		Str("delivery_id", del.ID.String()).
		Int("attempt", attempt.AttemptNumber).
		Msg("Reconciled abandoned delivery attempt")
	return true
}

func (d *Dispatcher) closeOrphan(ctx context.Context, attempt *models.DeliveryAttempt) bool {
	attempt.Outcome = models.AttemptOutcomeFailed
	attempt.FailureKind = models.FailureNetwork
	attempt.Permanent = false
	attempt.Error = errAttemptAbandoned.Error()
	if err := d.ledger.CloseAttempt(ctx, attempt); err != nil {
		return false
	}

	d.logger.Warn().
		Str("delivery_id", attempt.DeliveryID.String()).
		Int("attempt", attempt.AttemptNumber).
		Msg("Closed orphaned delivery attempt")
	return true
}
