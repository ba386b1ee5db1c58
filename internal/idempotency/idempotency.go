// Package idempotency claims keys for a bounded time so that work identified
// by the key happens once across workers and instances.
package idempotency

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/aimerfeng/hookrelay/internal/cache"
	"github.com/redis/go-redis/v9"
)

var ErrEmptyKey = errors.New("idempotency key is required")

const keyPrefix = "hookrelay:idem:"

// Token identifies one successful claim; only its holder can release the key
type Token string

// Store claims keys with a TTL
type Store interface {
	// Claim returns ok=false when the key is already held and unexpired
	Claim(ctx context.Context, key string, ttl time.Duration) (token Token, ok bool, err error)
	// Release frees a key early if token still holds it
	Release(ctx context.Context, key string, token Token) error
}

func newToken() Token {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return Token(hex.EncodeToString(b))
}

// RedisStore shares claims across instances with SET NX PX
type RedisStore struct {
	redis *cache.Redis
}

// NewRedisStore creates a Redis-backed store
func NewRedisStore(redis *cache.Redis) *RedisStore {
	return &RedisStore{redis: redis}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (s *RedisStore) Claim(ctx context.Context, key string, ttl time.Duration) (Token, bool, error) {
	if strings.TrimSpace(key) == "" {
		return "", false, ErrEmptyKey
	}
	token := newToken()
	ok, err := s.redis.Client.SetNX(ctx, keyPrefix+key, string(token), ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (s *RedisStore) Release(ctx context.Context, key string, token Token) error {
	return releaseScript.Run(ctx, s.redis.Client, []string{keyPrefix + key}, string(token)).Err()
}

const defaultMaxEntries = 65536

type memoryEntry struct {
	token     Token
	expiresAt time.Time
}

// MemoryStore is a single-process Store with TTL expiry and a size bound
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	maxEntries int
	Now        func() time.Time
}

// NewMemoryStore creates an in-process store holding at most maxEntries keys
func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &MemoryStore{
		entries:    map[string]memoryEntry{},
		maxEntries: maxEntries,
		Now:        time.Now,
	}
}

func (s *MemoryStore) Claim(_ context.Context, key string, ttl time.Duration) (Token, bool, error) {
	if strings.TrimSpace(key) == "" {
		return "", false, ErrEmptyKey
	}
	now := s.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		if now.Before(e.expiresAt) {
			return "", false, nil
		}
		delete(s.entries, key)
	}
	if len(s.entries) >= s.maxEntries {
		s.pruneLocked(now)
	}

	token := newToken()
	s.entries[key] = memoryEntry{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (s *MemoryStore) Release(_ context.Context, key string, token Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && e.token == token {
		delete(s.entries, key)
	}
	return nil
}

// pruneLocked drops expired keys, then the soonest-expiring ones until there is room
func (s *MemoryStore) pruneLocked(now time.Time) {
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
		}
	}
	for len(s.entries) >= s.maxEntries {
		var oldest string
		var oldestAt time.Time
		for k, e := range s.entries {
			if oldest == "" || e.expiresAt.Before(oldestAt) {
				oldest, oldestAt = k, e.expiresAt
			}
		}
		delete(s.entries, oldest)
	}
}
