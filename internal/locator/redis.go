package locator

import (
	"context"
	"errors"
	"fmt"

	"captionai/internal/redis"
)

// RedisKey is the key holding the locator in the managed key-value store.
const RedisKey = "captionai:backend_url"

// RedisStore keeps the locator under a single key without expiry.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore returns a store using client. An empty key selects RedisKey.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = RedisKey
	}
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) Lookup(ctx context.Context) (string, bool, error) {
	url, err := s.client.Get(ctx, s.key)
	if err != nil {
		if errors.Is(err, redis.ErrCacheMiss) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get locator: %w", err)
	}
	return url, true, nil
}

func (s *RedisStore) Set(ctx context.Context, url string) error {
	if err := Validate(url); err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, url, 0); err != nil {
		return fmt.Errorf("set locator: %w", err)
	}
	return nil
}
