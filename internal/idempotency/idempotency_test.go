package idempotency

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aimerfeng/hookrelay/internal/cache"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeContract(t *testing.T, s Store) {
	ctx := context.Background()
	key := "delivery:" + uuid.NewString()

	token, ok, err := s.Claim(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.Claim(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held key claimed twice")

	// a stale token cannot free somebody else's claim
	require.NoError(t, s.Release(ctx, key, Token("not-the-holder")))
	_, ok, err = s.Claim(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Release(ctx, key, token))
	_, ok, err = s.Claim(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "released key should be claimable")

	_, _, err = s.Claim(ctx, " ", time.Minute)
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestMemoryStore_Contract(t *testing.T) {
	storeContract(t, NewMemoryStore(0))
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	s := NewMemoryStore(0)
	s.Now = func() time.Time { return now }

	_, ok, _ := s.Claim(ctx, "inbound:t:1", time.Minute)
	require.True(t, ok)

	now = now.Add(59 * time.Second)
	_, ok, _ = s.Claim(ctx, "inbound:t:1", time.Minute)
	assert.False(t, ok)

	now = now.Add(2 * time.Second)
	_, ok, _ = s.Claim(ctx, "inbound:t:1", time.Minute)
	assert.True(t, ok, "expired key should be claimable")
}

func TestMemoryStore_Bounded(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(3)
	for i := 0; i < 10; i++ {
		_, ok, err := s.Claim(ctx, uuid.NewString(), time.Hour)
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.LessOrEqual(t, len(s.entries), 3)
}

func TestMemoryStore_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)

	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := s.Claim(ctx, "delivery:x", time.Minute); ok {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, winners)
}

func TestRedisStore_Contract(t *testing.T) {
	redisURL := os.Getenv("TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	r, err := cache.NewFromURL(redisURL)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer r.Close()

	storeContract(t, NewRedisStore(r))
}
