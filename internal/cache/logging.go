package cache

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"sdg-inference/internal/metrics"
)

// LoggingStore wraps a Store with debug logging and latency metrics.
type LoggingStore struct {
	inner  Store
	logger *zap.Logger
}

// NewLoggingStore returns a store that logs and records metrics.
func NewLoggingStore(inner Store, logger *zap.Logger) *LoggingStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingStore{inner: inner, logger: logger.Named("cachestore")}
}

func (s *LoggingStore) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := s.inner.Exists(ctx, key)
	s.observe("exists", key, start, err, zap.Bool("exists", ok))
	return ok, err
}

func (s *LoggingStore) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	value, err := s.inner.Get(ctx, key)

	result := "hit"
	switch {
	case errors.Is(err, ErrNotFound):
		result = "miss"
	case err != nil:
		result = "error"
	}
	s.observe("get", key, start, err, zap.String("cache_result", result), zap.Int("bytes", len(value)))
	return value, err
}

func (s *LoggingStore) Set(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	err := s.inner.Set(ctx, key, value)
	s.observe("set", key, start, err, zap.Int("bytes", len(value)))
	return err
}

func (s *LoggingStore) Commit(ctx context.Context) error {
	start := time.Now()
	err := s.inner.Commit(ctx)
	s.observe("commit", "", start, err)
	return err
}

func (s *LoggingStore) Discard(ctx context.Context) error {
	start := time.Now()
	err := s.inner.Discard(ctx)
	s.observe("discard", "", start, err)
	return err
}

func (s *LoggingStore) Close() error {
	return s.inner.Close()
}

func (s *LoggingStore) observe(op, key string, start time.Time, err error, extra ...zap.Field) {
	elapsed := time.Since(start)
	metrics.CacheStoreSeconds.WithLabelValues(op).Observe(elapsed.Seconds())

	fields := []zap.Field{
		zap.String("store_op", op),
		zap.Float64("latency_ms", float64(elapsed.Microseconds())/1000.0),
	}
	if key != "" {
		fields = append(fields, zap.String("hash_key", key))
	}
	fields = append(fields, extra...)

	if err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Error("cache_store_"+op, append(fields, zap.Error(err))...)
		return
	}
	s.logger.Debug("cache_store_"+op, fields...)
}

var _ Store = (*LoggingStore)(nil)
