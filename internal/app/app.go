// Package app opens the infrastructure shared by the hookrelay binaries.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/aimerfeng/hookrelay/internal/cache"
	"github.com/aimerfeng/hookrelay/internal/config"
	"github.com/aimerfeng/hookrelay/internal/database"
	"github.com/aimerfeng/hookrelay/internal/idempotency"
	"github.com/aimerfeng/hookrelay/internal/inbound"
	"github.com/aimerfeng/hookrelay/internal/ratelimit"
	"github.com/aimerfeng/hookrelay/internal/secrets"
	"github.com/aimerfeng/hookrelay/internal/server"
	"github.com/aimerfeng/hookrelay/internal/store"
	"github.com/rs/zerolog/log"
)

// Infra holds the opened connections and the components built directly on them
type Infra struct {
	DB     *database.DB
	Redis  *cache.Redis
	Store  store.Store
	Claims idempotency.Store
	Checks map[string]server.HealthCheck
}

// Open connects to Postgres and, when enabled, Redis. Without DATABASE_URL
// the memory store is used, which only suits a single development process.
func Open(ctx context.Context, cfg *config.Config) (*Infra, error) {
	infra := &Infra{Checks: map[string]server.HealthCheck{}}

	if cfg.Database.URL != "" {
		db, err := database.New(ctx, &cfg.Database)
		if err != nil {
			return nil, err
		}
		infra.DB = db
		infra.Store = store.NewPostgres(db.Pool, secrets.NewCipher(cfg.Encryption.Key))
		infra.Checks["postgres"] = db.Health
		go db.ReportStats(ctx, 15*time.Second)
	} else {
		log.Warn().Msg("DATABASE_URL not set, using in-memory store")
		infra.Store = store.NewMemory()
	}

	if cfg.Redis.Enabled && cfg.Redis.URL != "" {
		redis, err := cache.NewFromURL(cfg.Redis.URL)
		if err != nil {
			infra.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		infra.Redis = redis
		infra.Claims = idempotency.NewRedisStore(redis)
		infra.Checks["redis"] = redis.Health
	} else {
		log.Warn().Msg("Redis disabled, idempotency claims are process-local")
		infra.Claims = idempotency.NewMemoryStore(0)
	}

	return infra, nil
}

// Limiter returns the inbound per-IP limiter, or nil when limiting is off
func (i *Infra) Limiter(cfg *config.InboundConfig) ratelimit.Limiter {
	if cfg.RateLimit <= 0 {
		return nil
	}
	if i.Redis != nil {
		return ratelimit.NewRedisLimiter(i.Redis, cfg.RateLimit, cfg.RateWindow)
	}
	return ratelimit.NewMemoryLimiter(cfg.RateLimit, cfg.RateWindow)
}

// Sink returns where accepted inbound events are handed to the CRM
func (i *Infra) Sink(cfg *config.InboundConfig) inbound.Sink {
	if i.Redis != nil {
		return inbound.NewRedisStreamSink(i.Redis, cfg.IngestStream, cfg.IngestMaxLen)
	}
	log.Warn().Msg("Redis disabled, inbound events are kept in memory")
	return inbound.NewMemorySink()
}

// Close releases every opened connection
func (i *Infra) Close() {
	if i.Redis != nil {
		if err := i.Redis.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close redis")
		}
	}
	if i.DB != nil {
		i.DB.Close()
	}
}
