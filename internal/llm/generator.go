// Package llm batches generation and log-likelihood requests for an inference
// engine and caches deterministic results.
//
// A Generator fills in Instance.Result for every request it is given.
// VLLMGenerator is the batched backend; CachingGenerator wraps any Generator
// and serves repeat requests from a cache.Store.
package llm

import (
	"context"
	"errors"
)

// Operation names the two cacheable generator calls. The name is part of the
// cache key.
type Operation string

const (
	OpGenerate      Operation = "generate_batch"
	OpLoglikelihood Operation = "loglikelihood"
)

var (
	ErrInvalidConfig  = errors.New("llm: invalid config")
	ErrInvalidRequest = errors.New("llm: invalid request")
	ErrCorruptEntry   = errors.New("llm: corrupt cache entry")
	ErrMissingResult  = errors.New("llm: request left without a result")
)

// Instance is one request. Args and Kwargs are its identity; Result is set by
// the generator call that processes it.
//
// Generation takes Args = [context]; log-likelihood takes
// Args = [context, continuation]. Result is a string for generation and a
// float64 (summed log-probability) for log-likelihood.
type Instance struct {
	Args   []string       `json:"args"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
	Result any            `json:"result,omitempty"`
}

// Generator is the contract every backend implements. Both calls set Result
// on each request in place and return only after every request has one.
type Generator interface {
	GenerateBatch(ctx context.Context, requests []*Instance) error
	Loglikelihood(ctx context.Context, requests []*Instance) error
}
