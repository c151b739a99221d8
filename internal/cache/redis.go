package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis. Keys never expire; buffered writes
// are flushed in one MULTI/EXEC pipeline on Commit.
type RedisStore struct {
	client *redis.Client
	prefix string

	mu  sync.Mutex
	buf pending
}

type RedisConfig struct {
	Prefix string
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client, config RedisConfig) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: config.Prefix,
	}
}

// key builds the final Redis key with prefix.
func (s *RedisStore) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("context error: %w", err)
	}

	s.mu.Lock()
	_, ok := s.buf.lookup(key)
	s.mu.Unlock()
	if ok {
		return true, nil
	}

	count, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists failed: %w", err)
	}
	return count > 0, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error: %w", err)
	}

	s.mu.Lock()
	v, ok := s.buf.lookup(key)
	s.mu.Unlock()
	if ok {
		return v, nil
	}

	res, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return res, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}

	s.mu.Lock()
	s.buf.put(key, value)
	s.mu.Unlock()
	return nil
}

func (s *RedisStore) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buf.order) == 0 {
		return nil
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range s.buf.order {
			// 0 expiration: entries are kept forever.
			pipe.Set(ctx, s.key(k), s.buf.writes[k], 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis commit of %d keys failed: %w", len(s.buf.order), err)
	}

	s.buf.reset()
	return nil
}

func (s *RedisStore) Discard(_ context.Context) error {
	s.mu.Lock()
	s.buf.reset()
	s.mu.Unlock()
	return nil
}

// Ping checks if Redis connection is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	return s.client.Ping(ctx).Err()
}

// Close releases the client. Uncommitted writes are dropped.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
