// Package ratelimit throttles inbound webhook callers per client address.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/aimerfeng/hookrelay/internal/cache"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Result contains the result of a rate limit check
type Result struct {
	Allowed    bool
	Remaining  int64
	Limit      int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Limiter decides whether one more request for key is allowed
type Limiter interface {
	Allow(ctx context.Context, key string) (*Result, error)
}

// RedisLimiter implements sliding window rate limiting using Redis sorted sets
type RedisLimiter struct {
	redis  *cache.Redis
	limit  int
	window time.Duration
}

// NewRedisLimiter allows limit requests per window for each key
func NewRedisLimiter(redis *cache.Redis, limit int, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{redis: redis, limit: limit, window: window}
}

// Allow records a request for key if it fits in the sliding window.
// Redis errors fail open.
func (r *RedisLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	now := time.Now()
	windowStart := now.Add(-r.window)
	redisKey := fmt.Sprintf("hookrelay:ratelimit:%s", key)

	// Score = timestamp, Member = unique request ID
	pipe := r.redis.Client.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to check rate limit")
		return &Result{Allowed: true, Remaining: int64(r.limit), Limit: r.limit}, nil
	}

	current := countCmd.Val()
	result := &Result{Limit: r.limit, ResetAt: now.Add(r.window)}

	if current >= int64(r.limit) {
		result.Allowed = false
		result.RetryAfter = r.window

		oldest, err := r.redis.Client.ZRangeWithScores(ctx, redisKey, 0, 0).Result()
		if err == nil && len(oldest) > 0 {
			oldestTime := time.Unix(0, int64(oldest[0].Score))
			result.RetryAfter = oldestTime.Add(r.window).Sub(now)
			if result.RetryAfter < time.Second {
				result.RetryAfter = time.Second
			}
		}
		return result, nil
	}

	member := fmt.Sprintf("%d-%s", now.UnixNano(), key)
	if err := r.redis.Client.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member}).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to add rate limit entry")
	}
	r.redis.Client.Expire(ctx, redisKey, r.window*2)

	result.Allowed = true
	result.Remaining = int64(r.limit) - current - 1
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	return result, nil
}

const maxTrackedKeys = 10000

// MemoryLimiter is a per-process token bucket per key
type MemoryLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    int
	window   time.Duration
}

// NewMemoryLimiter allows bursts of limit requests refilling over window
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &MemoryLimiter{limiters: map[string]*rate.Limiter{}, limit: limit, window: window}
}

func (m *MemoryLimiter) limiter(key string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.limiters[key]
	if !ok {
		if len(m.limiters) >= maxTrackedKeys {
			// idle buckets refill to full anyway; start over
			m.limiters = map[string]*rate.Limiter{}
		}
		l = rate.NewLimiter(rate.Every(m.window/time.Duration(m.limit)), m.limit)
		m.limiters[key] = l
	}
	return l
}

func (m *MemoryLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	if m.limit <= 0 {
		return &Result{Allowed: false, Limit: m.limit, RetryAfter: m.window}, nil
	}
	now := time.Now()
	l := m.limiter(key)

	r := l.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	if delay > 0 {
		r.CancelAt(now)
		return &Result{
			Allowed:    false,
			Limit:      m.limit,
			RetryAfter: delay,
			ResetAt:    now.Add(delay),
		}, nil
	}

	remaining := int64(math.Floor(l.TokensAt(now)))
	if remaining < 0 {
		remaining = 0
	}
	return &Result{Allowed: true, Remaining: remaining, Limit: m.limit, ResetAt: now.Add(m.window)}, nil
}
