package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aimerfeng/hookrelay/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the production Store. Signing secrets are sealed before they
// reach the database and opened on read.
type Postgres struct {
	db     *pgxpool.Pool
	sealer Sealer
}

// NewPostgres creates a Postgres store
func NewPostgres(db *pgxpool.Pool, sealer Sealer) *Postgres {
	return &Postgres{db: db, sealer: sealer}
}

var _ Store = (*Postgres)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

const subscriptionColumns = `id, tenant_id, name, url, events, enabled, secret_ciphertext, secret_nonce, secret_version, created_at, updated_at`

const deliveryColumns = `id, tenant_id, subscription_id, subscription_url, subscription_name, event_id, event_type, payload,
	state, attempts, chain, chain_attempts, next_retry_at, last_status_code, created_at, updated_at, completed_at`

const attemptColumns = `id, delivery_id, subscription_id, tenant_id, subscription_url, event_type, payload, attempt_number, chain,
	status_code, response_excerpt, outcome, failure_kind, permanent, error, duration_ms, scheduled_at, attempted_at, next_retry_at`

const apiKeyColumns = `id, tenant_id, key_hash, key_prefix, last_used_at, created_at, revoked_at`

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

func (p *Postgres) scanSubscription(row rowScanner) (*models.Subscription, error) {
	var sub models.Subscription
	var ciphertext, nonce []byte
	err := row.Scan(
		&sub.ID, &sub.TenantID, &sub.Name, &sub.URL, &sub.Events, &sub.Enabled,
		&ciphertext, &nonce, &sub.SecretVersion, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}

	secret, err := p.sealer.Open(ciphertext, nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt subscription secret: %w", err)
	}
	sub.Secret = string(secret)
	return &sub, nil
}

func (p *Postgres) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	ciphertext, nonce, err := p.sealer.Seal([]byte(sub.Secret))
	if err != nil {
		return fmt.Errorf("failed to encrypt subscription secret: %w", err)
	}
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}

	err = p.db.QueryRow(ctx, `
		INSERT INTO webhook_subscriptions (id, tenant_id, name, url, events, enabled, secret_ciphertext, secret_nonce)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING secret_version, created_at, updated_at
	`, sub.ID, sub.TenantID, sub.Name, sub.URL, sub.Events, sub.Enabled, ciphertext, nonce).Scan(
		&sub.SecretVersion, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

func (p *Postgres) GetSubscription(ctx context.Context, tenantID string, id uuid.UUID) (*models.Subscription, error) {
	row := p.db.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM webhook_subscriptions
		WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
	return p.scanSubscription(row)
}

func (p *Postgres) FindSubscription(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	row := p.db.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM webhook_subscriptions
		WHERE id = $1
	`, id)
	return p.scanSubscription(row)
}

func (p *Postgres) listSubscriptions(ctx context.Context, query string, args ...any) ([]models.Subscription, error) {
	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	subs := []models.Subscription{}
	for rows.Next() {
		sub, err := p.scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscriptions: %w", err)
	}
	return subs, nil
}

func (p *Postgres) ListSubscriptions(ctx context.Context, tenantID string, offset, limit int) ([]models.Subscription, int64, error) {
	var total int64
	err := p.db.QueryRow(ctx, `SELECT COUNT(*) FROM webhook_subscriptions WHERE tenant_id = $1`, tenantID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count subscriptions: %w", err)
	}

	subs, err := p.listSubscriptions(ctx, `
		SELECT `+subscriptionColumns+`
		FROM webhook_subscriptions
		WHERE tenant_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`, tenantID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return subs, total, nil
}

func (p *Postgres) ListSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]models.Subscription, error) {
	return p.listSubscriptions(ctx, `
		SELECT `+subscriptionColumns+`
		FROM webhook_subscriptions
		WHERE tenant_id = $1 AND enabled = TRUE AND $2 = ANY(events)
		ORDER BY created_at, id
	`, tenantID, eventType)
}

func (p *Postgres) UpdateSubscription(ctx context.Context, sub *models.Subscription) error {
	row := p.db.QueryRow(ctx, `
		UPDATE webhook_subscriptions
		SET name = $3, url = $4, events = $5, enabled = $6, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2
		RETURNING `+subscriptionColumns,
		sub.ID, sub.TenantID, sub.Name, sub.URL, sub.Events, sub.Enabled)
	updated, err := p.scanSubscription(row)
	if err != nil {
		return err
	}
	*sub = *updated
	return nil
}

func (p *Postgres) DeleteSubscription(ctx context.Context, tenantID string, id uuid.UUID) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ReplaceSubscriptionSecret(ctx context.Context, tenantID string, id uuid.UUID, secret string) (int, error) {
	ciphertext, nonce, err := p.sealer.Seal([]byte(secret))
	if err != nil {
		return 0, fmt.Errorf("failed to encrypt subscription secret: %w", err)
	}

	var version int
	err = p.db.QueryRow(ctx, `
		UPDATE webhook_subscriptions
		SET secret_ciphertext = $3, secret_nonce = $4, secret_version = secret_version + 1, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2
		RETURNING secret_version
	`, id, tenantID, ciphertext, nonce).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to replace subscription secret: %w", err)
	}
	return version, nil
}

func scanDelivery(row rowScanner) (*models.Delivery, error) {
	var d models.Delivery
	var state string
	err := row.Scan(
		&d.ID, &d.TenantID, &d.SubscriptionID, &d.SubscriptionURL, &d.SubscriptionName, &d.EventID, &d.EventType, &d.Payload,
		&state, &d.Attempts, &d.Chain, &d.ChainAttempts, &d.NextRetryAt, &d.LastStatusCode, &d.CreatedAt, &d.UpdatedAt, &d.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan delivery: %w", err)
	}
	d.State = models.DeliveryState(state)
	return &d, nil
}

func scanAttempt(row rowScanner) (*models.DeliveryAttempt, error) {
	var a models.DeliveryAttempt
	var outcome, kind string
	err := row.Scan(
		&a.ID, &a.DeliveryID, &a.SubscriptionID, &a.TenantID, &a.SubscriptionURL, &a.EventType, &a.Payload, &a.AttemptNumber, &a.Chain,
		&a.StatusCode, &a.ResponseExcerpt, &outcome, &kind, &a.Permanent, &a.Error, &a.DurationMs, &a.ScheduledAt, &a.AttemptedAt, &a.NextRetryAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan delivery attempt: %w", err)
	}
	a.Outcome = models.AttemptOutcome(outcome)
	a.FailureKind = models.FailureKind(kind)
	return &a, nil
}

func (p *Postgres) CreateDelivery(ctx context.Context, d *models.Delivery) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	err := p.db.QueryRow(ctx, `
		INSERT INTO webhook_deliveries (id, tenant_id, subscription_id, subscription_url, subscription_name, event_id, event_type,
			payload, state, attempts, chain, chain_attempts, next_retry_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at
	`, d.ID, d.TenantID, d.SubscriptionID, d.SubscriptionURL, d.SubscriptionName, d.EventID, d.EventType,
		d.Payload, string(d.State), d.Attempts, d.Chain, d.ChainAttempts, d.NextRetryAt).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create delivery: %w", err)
	}
	return nil
}

func (p *Postgres) GetDelivery(ctx context.Context, tenantID string, id uuid.UUID) (*models.Delivery, error) {
	return scanDelivery(p.db.QueryRow(ctx, `
		SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1 AND tenant_id = $2
	`, id, tenantID))
}

func (p *Postgres) LoadDelivery(ctx context.Context, id uuid.UUID) (*models.Delivery, error) {
	return scanDelivery(p.db.QueryRow(ctx, `
		SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1
	`, id))
}

func (p *Postgres) UpdateDelivery(ctx context.Context, d *models.Delivery, expect models.DeliveryState) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE webhook_deliveries
		SET state = $3, attempts = $4, chain = $5, chain_attempts = $6, next_retry_at = $7,
		    last_status_code = $8, completed_at = $9, updated_at = NOW()
		WHERE id = $1 AND state = $2
	`, d.ID, string(expect), string(d.State), d.Attempts, d.Chain, d.ChainAttempts, d.NextRetryAt, d.LastStatusCode, d.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to update delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return p.missingOrConflict(ctx, d.ID)
	}
	return nil
}

func (p *Postgres) missingOrConflict(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := p.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM webhook_deliveries WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check delivery: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func (p *Postgres) CreateAttempt(ctx context.Context, a *models.DeliveryAttempt, leaseUntil time.Time) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE webhook_deliveries
		SET attempts = $2, chain_attempts = chain_attempts + 1, next_retry_at = $4, updated_at = NOW()
		WHERE id = $1 AND attempts = $2 - 1 AND chain = $3 AND state IN ('pending', 'retrying')
	`, a.DeliveryID, a.AttemptNumber, a.Chain, leaseUntil)
	if err != nil {
		return fmt.Errorf("failed to advance delivery attempts: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return p.missingOrConflict(ctx, a.DeliveryID)
	}

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Outcome = models.AttemptOutcomePending
	_, err = tx.Exec(ctx, `
		INSERT INTO webhook_delivery_attempts (id, delivery_id, subscription_id, tenant_id, subscription_url, event_type, payload,
			attempt_number, chain, outcome, scheduled_at, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, a.ID, a.DeliveryID, a.SubscriptionID, a.TenantID, a.SubscriptionURL, a.EventType, a.Payload,
		a.AttemptNumber, a.Chain, string(a.Outcome), a.ScheduledAt, a.AttemptedAt)
	if err != nil {
		return fmt.Errorf("failed to create delivery attempt: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (p *Postgres) CompleteAttempt(ctx context.Context, a *models.DeliveryAttempt, d *models.Delivery) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE webhook_delivery_attempts
		SET status_code = $2, response_excerpt = $3, outcome = $4, failure_kind = $5, permanent = $6,
		    error = $7, duration_ms = $8, next_retry_at = $9
		WHERE id = $1 AND outcome = 'pending'
	`, a.ID, a.StatusCode, a.ResponseExcerpt, string(a.Outcome), string(a.FailureKind), a.Permanent,
		a.Error, a.DurationMs, a.NextRetryAt)
	if err != nil {
		return fmt.Errorf("failed to complete delivery attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}

	row := tx.QueryRow(ctx, `
		UPDATE webhook_deliveries
		SET state = $2, next_retry_at = $3, last_status_code = $4, completed_at = $5, updated_at = NOW()
		WHERE id = $1 AND state IN ('pending', 'retrying')
		RETURNING `+deliveryColumns,
		a.DeliveryID, string(d.State), d.NextRetryAt, d.LastStatusCode, d.CompletedAt)
	updated, err := scanDelivery(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrConflict
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	*d = *updated
	return nil
}

func (p *Postgres) CloseAttempt(ctx context.Context, a *models.DeliveryAttempt) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE webhook_delivery_attempts
		SET outcome = $2, failure_kind = $3, permanent = $4, error = $5, duration_ms = $6, next_retry_at = NULL
		WHERE id = $1 AND outcome = 'pending'
	`, a.ID, string(a.Outcome), string(a.FailureKind), a.Permanent, a.Error, a.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to close delivery attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (p *Postgres) queryAttempts(ctx context.Context, query string, args ...any) ([]models.DeliveryAttempt, error) {
	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery attempts: %w", err)
	}
	defer rows.Close()

	attempts := []models.DeliveryAttempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating delivery attempts: %w", err)
	}
	return attempts, nil
}

func (p *Postgres) ListAttempts(ctx context.Context, tenantID string, subscriptionID uuid.UUID, offset, limit int) ([]models.DeliveryAttempt, int64, error) {
	var total int64
	err := p.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM webhook_delivery_attempts WHERE tenant_id = $1 AND subscription_id = $2
	`, tenantID, subscriptionID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count delivery attempts: %w", err)
	}

	attempts, err := p.queryAttempts(ctx, `
		SELECT `+attemptColumns+`
		FROM webhook_delivery_attempts
		WHERE tenant_id = $1 AND subscription_id = $2
		ORDER BY scheduled_at DESC, delivery_id, attempt_number DESC
		LIMIT $3 OFFSET $4
	`, tenantID, subscriptionID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return attempts, total, nil
}

func (p *Postgres) ListDeliveryAttempts(ctx context.Context, tenantID string, deliveryID uuid.UUID) ([]models.DeliveryAttempt, error) {
	if _, err := p.GetDelivery(ctx, tenantID, deliveryID); err != nil {
		return nil, err
	}
	return p.queryAttempts(ctx, `
		SELECT `+attemptColumns+`
		FROM webhook_delivery_attempts
		WHERE delivery_id = $1
		ORDER BY attempt_number
	`, deliveryID)
}

func (p *Postgres) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]models.Delivery, error) {
	rows, err := p.db.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM webhook_deliveries
		WHERE state IN ('pending', 'retrying') AND next_retry_at <= $1
		ORDER BY next_retry_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due deliveries: %w", err)
	}
	defer rows.Close()

	deliveries := []models.Delivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating due deliveries: %w", err)
	}
	return deliveries, nil
}

func (p *Postgres) StaleAttempts(ctx context.Context, olderThan time.Time, limit int) ([]models.DeliveryAttempt, error) {
	return p.queryAttempts(ctx, `
		SELECT `+attemptColumns+`
		FROM webhook_delivery_attempts
		WHERE outcome = 'pending' AND attempted_at < $1
		ORDER BY attempted_at
		LIMIT $2
	`, olderThan, limit)
}

func (p *Postgres) DeliveryStats(ctx context.Context, tenantID string, subscriptionID uuid.UUID) (*models.DeliveryStats, error) {
	var stats models.DeliveryStats
	err := p.db.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE state IN ('pending', 'retrying')),
			COUNT(*) FILTER (WHERE state = 'success'),
			COUNT(*) FILTER (WHERE state = 'exhausted'),
			COUNT(*) FILTER (WHERE state = 'cancelled'),
			COALESCE(SUM(attempts), 0),
			(SELECT MAX(attempted_at) FROM webhook_delivery_attempts WHERE tenant_id = $1 AND subscription_id = $2)
		FROM webhook_deliveries
		WHERE tenant_id = $1 AND subscription_id = $2
	`, tenantID, subscriptionID).Scan(
		&stats.Total, &stats.Pending, &stats.Succeeded, &stats.Exhausted, &stats.Cancelled, &stats.Attempts, &stats.LastAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery stats: %w", err)
	}
	return &stats, nil
}

func scanAPIKey(row rowScanner) (*models.TenantAPIKey, error) {
	var k models.TenantAPIKey
	err := row.Scan(&k.ID, &k.TenantID, &k.KeyHash, &k.KeyPrefix, &k.LastUsedAt, &k.CreatedAt, &k.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan API key: %w", err)
	}
	return &k, nil
}

func (p *Postgres) RotateAPIKey(ctx context.Context, key *models.TenantAPIKey) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE tenant_api_keys SET revoked_at = NOW() WHERE tenant_id = $1 AND revoked_at IS NULL
	`, key.TenantID)
	if err != nil {
		return fmt.Errorf("failed to revoke API key: %w", err)
	}

	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO tenant_api_keys (id, tenant_id, key_hash, key_prefix)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, key.ID, key.TenantID, key.KeyHash, key.KeyPrefix).Scan(&key.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create API key: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (p *Postgres) GetActiveAPIKey(ctx context.Context, tenantID string) (*models.TenantAPIKey, error) {
	return scanAPIKey(p.db.QueryRow(ctx, `
		SELECT `+apiKeyColumns+` FROM tenant_api_keys WHERE tenant_id = $1 AND revoked_at IS NULL
	`, tenantID))
}

func (p *Postgres) FindAPIKeyByHash(ctx context.Context, hash string) (*models.TenantAPIKey, error) {
	return scanAPIKey(p.db.QueryRow(ctx, `
		SELECT `+apiKeyColumns+` FROM tenant_api_keys WHERE key_hash = $1
	`, hash))
}

func (p *Postgres) RevokeAPIKey(ctx context.Context, tenantID string) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE tenant_api_keys SET revoked_at = NOW() WHERE tenant_id = $1 AND revoked_at IS NULL
	`, tenantID)
	if err != nil {
		return fmt.Errorf("failed to revoke API key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) TouchAPIKey(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := p.db.Exec(ctx, `UPDATE tenant_api_keys SET last_used_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to update API key last use: %w", err)
	}
	return nil
}
