// Package redis provides the volatile session store backed by Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/hollowpoint/blastarena/internal/config"
)

// ErrNotFound is returned when a key lookup yields no value.
var ErrNotFound = errors.New("key not found")

// Store wraps a Redis client with the operations the sync layer needs.
type Store struct {
	client *goredis.Client
}

// NewStore creates a connected Store from the given configuration.
//
// Precondition: cfg must contain a reachable Redis address.
// Postcondition: Returns a Store whose client answered a PING, or an error.
func NewStore(ctx context.Context, cfg config.RedisConfig) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &Store{client: client}, nil
}

// NewStoreFromClient wraps an existing client. Used by tests with miniature
// or containerized servers.
func NewStoreFromClient(client *goredis.Client) *Store {
	return &Store{client: client}
}

// Get returns the value stored at key.
//
// Postcondition: Returns ErrNotFound if the key does not exist or has expired.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting key %q: %w", key, err)
	}
	return val, nil
}

// SetWithTTL stores value at key with the given expiry.
//
// Precondition: ttl must be positive.
// Postcondition: The key holds value and expires after ttl unless refreshed.
func (s *Store) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("setting key %q: %w", key, err)
	}
	return nil
}

// Refresh extends the expiry of an existing key without touching its value.
//
// Postcondition: Returns ErrNotFound if the key does not exist.
func (s *Store) Refresh(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := s.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return fmt.Errorf("refreshing key %q: %w", key, err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("deleting key %q: %w", key, err)
	}
	return nil
}

// Keys returns all keys matching the glob pattern. Intended for bounded
// namespaces like session:* during recovery, not hot paths.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning keys %q: %w", pattern, err)
	}
	return keys, nil
}

// Health checks that Redis is reachable within the given timeout.
func (s *Store) Health(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
