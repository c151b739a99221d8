package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Backends understood by Open.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type Config struct {
	Backend   string `yaml:"backend"`    // sqlite (default) | redis | memory
	Path      string `yaml:"path"`       // sqlite database file
	RedisAddr string `yaml:"redis_addr"` // host:port
	Prefix    string `yaml:"prefix"`     // redis key prefix
}

// Open builds the configured store, wrapped with logging and metrics.
// For redis, a nil client makes Open dial cfg.RedisAddr and fail fast if it
// is unreachable.
func Open(ctx context.Context, cfg Config, redisClient *redis.Client, logger *zap.Logger) (Store, error) {
	var (
		store Store
		err   error
	)

	switch cfg.Backend {
	case BackendRedis:
		if redisClient == nil {
			redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		}
		rs := NewRedisStore(redisClient, RedisConfig{Prefix: cfg.Prefix})
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, fmt.Errorf("cache: redis %s unreachable: %w", cfg.RedisAddr, err)
		}
		store = rs
	case BackendMemory:
		store = NewMemoryStore()
	case BackendSQLite, "":
		if cfg.Path == "" {
			return nil, fmt.Errorf("cache: sqlite backend needs a path")
		}
		store, err = OpenSQLiteStore(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("cache: unknown backend %q", cfg.Backend)
	}

	return NewLoggingStore(store, logger), nil
}
