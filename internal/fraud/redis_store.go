package fraud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisProfilePrefix = "riskwatch:profile:"

// RedisProfileStore keeps behavior profiles in Redis as JSON documents.
// A positive ttl expires profiles that stop receiving events.
type RedisProfileStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ ProfileStore = (*RedisProfileStore)(nil)

// NewRedisProfileStore creates a Redis-backed profile store.
func NewRedisProfileStore(client *redis.Client, ttl time.Duration) *RedisProfileStore {
	return &RedisProfileStore{client: client, ttl: ttl}
}

func (s *RedisProfileStore) key(userID string) string {
	return redisProfilePrefix + userID
}

func (s *RedisProfileStore) GetProfile(ctx context.Context, userID string) (*BehaviorProfile, error) {
	data, err := s.client.Get(ctx, s.key(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to get profile from redis: %w", err)
	}

	p := NewProfile(userID)
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	return p, nil
}

func (s *RedisProfileStore) PutProfile(ctx context.Context, profile *BehaviorProfile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	if err := s.client.Set(ctx, s.key(profile.UserID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to put profile to redis: %w", err)
	}
	return nil
}

// Ping checks connectivity for health reporting.
func (s *RedisProfileStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
