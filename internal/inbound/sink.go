package inbound

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aimerfeng/hookrelay/internal/cache"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Source records how an inbound event was authenticated
type Source string

const (
	SourceAPIKey    Source = "api_key"
	SourceSignature Source = "signature"
)

// IngestEvent is an accepted inbound event handed to the CRM for ingestion
type IngestEvent struct {
	ID             uuid.UUID       `json:"id"`
	TenantID       string          `json:"tenant_id"`
	Type           string          `json:"type"`
	OccurredAt     time.Time       `json:"occurred_at"`
	ReceivedAt     time.Time       `json:"received_at"`
	Source         Source          `json:"source"`
	SubscriptionID *uuid.UUID      `json:"subscription_id,omitempty"`
	Data           json.RawMessage `json:"data"`
}

// Sink receives accepted inbound events
type Sink interface {
	Append(ctx context.Context, ev *IngestEvent) error
}

// RedisStreamSink appends events to a capped Redis stream
type RedisStreamSink struct {
	redis  *cache.Redis
	stream string
	maxLen int64
}

// NewRedisStreamSink creates a sink writing to stream, trimmed to about maxLen entries
func NewRedisStreamSink(redis *cache.Redis, stream string, maxLen int64) *RedisStreamSink {
	return &RedisStreamSink{redis: redis, stream: stream, maxLen: maxLen}
}

func (s *RedisStreamSink) Append(ctx context.Context, ev *IngestEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode ingest event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"id":        ev.ID.String(),
			"tenant_id": ev.TenantID,
			"type":      ev.Type,
			"event":     string(body),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.redis.Client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to append ingest event: %w", err)
	}
	return nil
}

// MemorySink keeps events in process. Used in tests and when Redis is disabled.
type MemorySink struct {
	mu     sync.Mutex
	events []IngestEvent
}

// NewMemorySink creates an empty memory sink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Append(ctx context.Context, ev *IngestEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *ev)
	return nil
}

// Events returns a copy of everything appended so far
func (s *MemorySink) Events() []IngestEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]IngestEvent(nil), s.events...)
}
