package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crowdpost/connect/internal/state"
)

// RedisStateStore implements state.Store backed by Redis.
type RedisStateStore struct {
	client redis.UniversalClient
}

var _ state.Store = (*RedisStateStore)(nil)

// NewRedisStateStore constructs a Redis-backed state store.
func NewRedisStateStore(client redis.UniversalClient) *RedisStateStore {
	return &RedisStateStore{client: client}
}

// Save stores the encoded pending authorization with TTL.
func (s *RedisStateStore) Save(ctx context.Context, key string, pending state.PendingAuthorization, ttl time.Duration) error {
	payload, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := s.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// Consume atomically loads and deletes the pending authorization via GETDEL,
// so concurrent redemptions of one token see at most one success.
func (s *RedisStateStore) Consume(ctx context.Context, key string) (*state.PendingAuthorization, error) {
	bytes, err := s.client.GetDel(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("consume state: %w", err)
	}
	var pending state.PendingAuthorization
	if err := json.Unmarshal(bytes, &pending); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &pending, nil
}
