package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"go.uber.org/zap"

	"sdg-inference/internal/cache"
	"sdg-inference/internal/metrics"
)

// StochasticFunc reports whether a generation request samples and so must
// never be cached.
type StochasticFunc func(req *Instance) bool

// RequestSamples checks only the request's own kwargs. Use
// LMGenerator.IsStochastic when configured defaults may turn sampling on.
func RequestSamples(req *Instance) bool {
	return IsSampling(req.Kwargs)
}

type CachingOption func(*CachingGenerator)

func WithStochasticFunc(fn StochasticFunc) CachingOption {
	return func(c *CachingGenerator) {
		if fn != nil {
			c.isStochastic = fn
		}
	}
}

// WithCacheName sets the name reported in logs, typically the store path.
func WithCacheName(name string) CachingOption {
	return func(c *CachingGenerator) { c.name = name }
}

// CachingGenerator serves requests from a cache.Store and sends the rest to
// the wrapped Generator in a single call. Sampled generation requests bypass
// the cache in both directions.
type CachingGenerator struct {
	inner        Generator
	store        cache.Store
	logger       *zap.Logger
	isStochastic StochasticFunc
	name         string
}

var _ Generator = (*CachingGenerator)(nil)

func NewCachingGenerator(inner Generator, store cache.Store, logger *zap.Logger, opts ...CachingOption) *CachingGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &CachingGenerator{
		inner:        inner,
		store:        store,
		logger:       logger.Named("cache"),
		isStochastic: RequestSamples,
		name:         "default",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *CachingGenerator) GenerateBatch(ctx context.Context, requests []*Instance) error {
	return c.dispatch(ctx, OpGenerate, requests, c.inner.GenerateBatch)
}

func (c *CachingGenerator) Loglikelihood(ctx context.Context, requests []*Instance) error {
	return c.dispatch(ctx, OpLoglikelihood, requests, c.inner.Loglikelihood)
}

type queued struct {
	req *Instance
	key string // empty when the request bypasses the cache
}

func (c *CachingGenerator) dispatch(
	ctx context.Context,
	op Operation,
	requests []*Instance,
	run func(context.Context, []*Instance) error,
) error {
	logger := c.logger.With(zap.String("operation", string(op)))
	logger.Info("loading responses from cache where possible",
		zap.String("cache", c.name), zap.Int("requests", len(requests)))

	var (
		pending []queued
		hits    int
		warned  bool
	)
	for i, req := range requests {
		if op == OpGenerate && c.isStochastic(req) {
			if !warned {
				logger.Warn("sampling requested, these requests will not be cached",
					zap.Any("kwargs", req.Kwargs))
				warned = true
			}
			metrics.CacheLookupsTotal.WithLabelValues(string(op), metrics.ResultBypass).Inc()
			pending = append(pending, queued{req: req})
			continue
		}

		key, err := cache.HashArgs(string(op), req.Args, req.Kwargs)
		if err != nil {
			return fmt.Errorf("%w: request %d: %v", ErrInvalidRequest, i, err)
		}

		raw, err := c.store.Get(ctx, key)
		switch {
		case errors.Is(err, cache.ErrNotFound):
			metrics.CacheLookupsTotal.WithLabelValues(string(op), metrics.ResultMiss).Inc()
			pending = append(pending, queued{req: req, key: key})
			continue
		case err != nil:
			metrics.CacheLookupsTotal.WithLabelValues(string(op), metrics.ResultError).Inc()
			return fmt.Errorf("cache get: %w", err)
		}

		res, err := decodeResult(op, raw)
		if err != nil {
			metrics.CacheLookupsTotal.WithLabelValues(string(op), metrics.ResultError).Inc()
			return fmt.Errorf("key %s: %w", key, err)
		}
		metrics.CacheLookupsTotal.WithLabelValues(string(op), metrics.ResultHit).Inc()
		req.Result = res
		hits++
	}

	logger.Info("cached requests",
		zap.Int("cached", hits), zap.Int("remaining", len(pending)))

	if len(pending) == 0 {
		return nil
	}

	batch := make([]*Instance, len(pending))
	for i, q := range pending {
		q.req.Result = nil
		batch[i] = q.req
	}
	if err := run(ctx, batch); err != nil {
		return err
	}

	type write struct {
		key   string
		value []byte
	}
	var writes []write
	for _, q := range pending {
		if q.req.Result == nil {
			return ErrMissingResult
		}
		if q.key == "" {
			continue
		}
		raw, err := encodeResult(q.req.Result)
		if err != nil {
			return fmt.Errorf("encode result for key %s: %w", q.key, err)
		}
		writes = append(writes, write{key: q.key, value: raw})
	}
	if len(writes) == 0 {
		return nil
	}

	// A failed Set or Commit discards everything this call buffered.
	for _, w := range writes {
		if err := c.store.Set(ctx, w.key, w.value); err != nil {
			return c.discard(ctx, fmt.Errorf("cache set: %w", err))
		}
	}
	if err := c.store.Commit(ctx); err != nil {
		return c.discard(ctx, fmt.Errorf("cache commit: %w", err))
	}
	metrics.CacheWritesTotal.WithLabelValues(string(op)).Add(float64(len(writes)))
	return nil
}

func (c *CachingGenerator) discard(ctx context.Context, cause error) error {
	if err := c.store.Discard(context.WithoutCancel(ctx)); err != nil {
		c.logger.Error("discard buffered cache writes", zap.Error(err))
	}
	return cause
}

// encodeResult serializes a result for the store. JSON has no encoding for
// non-finite numbers, so those are stored as strings ("-Inf", "+Inf", "NaN").
func encodeResult(v any) ([]byte, error) {
	if f, ok := v.(float64); ok && (math.IsInf(f, 0) || math.IsNaN(f)) {
		return json.Marshal(strconv.FormatFloat(f, 'g', -1, 64))
	}
	return json.Marshal(v)
}

// decodeResult turns a stored value back into the type the operation
// produces. An empty or mistyped entry is corruption.
func decodeResult(op Operation, raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, ErrCorruptEntry
	}

	switch op {
	case OpLoglikelihood:
		var f *float64
		if err := json.Unmarshal(raw, &f); err == nil && f != nil {
			return *f, nil
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if v, err := strconv.ParseFloat(s, 64); err == nil && (math.IsInf(v, 0) || math.IsNaN(v)) {
				return v, nil
			}
		}
		return nil, fmt.Errorf("%w: want a number", ErrCorruptEntry)
	default:
		var s *string
		if err := json.Unmarshal(raw, &s); err != nil || s == nil {
			return nil, fmt.Errorf("%w: want a string", ErrCorruptEntry)
		}
		return *s, nil
	}
}
