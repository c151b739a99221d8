package llm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sdg-inference/internal/batching"
	"sdg-inference/internal/engine"
	"sdg-inference/internal/metrics"
	"sdg-inference/internal/tokenizer"
)

// VLLMGenerator batches requests onto one or more vLLM engines. With more
// than one engine each call is split round-robin across them and the
// replicas run concurrently.
type VLLMGenerator struct {
	*LMGenerator

	engines   []engine.Engine
	batchSize BatchSize
	maxLength int
}

var _ Generator = (*VLLMGenerator)(nil)

// NewVLLMGenerator needs one engine per data-parallel replica. When no
// length is configured it asks the first engine for its context length.
func NewVLLMGenerator(ctx context.Context, cfg Config, engines []engine.Engine, tok tokenizer.Tokenizer, logger *zap.Logger) (*VLLMGenerator, error) {
	base, err := NewLMGenerator(cfg, tok, logger)
	if err != nil {
		return nil, err
	}
	cfg = base.cfg

	if len(engines) == 0 {
		return nil, fmt.Errorf("%w: at least one engine is required", ErrInvalidConfig)
	}
	if len(engines) != cfg.DataParallelSize {
		return nil, fmt.Errorf("%w: data_parallel_size is %d but %d engines were given", ErrInvalidConfig, cfg.DataParallelSize, len(engines))
	}

	g := &VLLMGenerator{
		LMGenerator: base,
		engines:     engines,
		batchSize:   cfg.BatchSize,
	}

	if cfg.DataParallelSize > 1 && !cfg.BatchSize.Auto() {
		base.logger.Info("manual batching is not compatible with data parallelism, using auto",
			zap.Stringer("batch_size", cfg.BatchSize),
			zap.Int("data_parallel_size", cfg.DataParallelSize),
		)
		g.batchSize = 0
	}

	g.maxLength = cfg.ConfiguredMaxLength()
	if g.maxLength == 0 {
		n, err := engines[0].MaxModelLen(ctx)
		switch {
		case err != nil:
			base.logger.Warn("could not read engine max_model_len, using default",
				zap.Int("max_length", defaultMaxLength), zap.Error(err))
			g.maxLength = defaultMaxLength
		case n > 0:
			g.maxLength = n
		default:
			g.maxLength = defaultMaxLength
		}
	}

	base.logger.Info("generator ready",
		zap.String("model", cfg.ModelIDOrPath),
		zap.Stringer("model_family", cfg.ModelFamily),
		zap.String("dtype", cfg.Dtype),
		zap.Int("max_length", g.maxLength),
		zap.Int("max_gen_toks", cfg.MaxGenToks),
		zap.Stringer("batch_size", g.batchSize),
		zap.Int("tensor_parallel_size", cfg.TensorParallelSize),
		zap.Int("data_parallel_size", cfg.DataParallelSize),
		zap.Int("seed", cfg.Seed),
	)
	return g, nil
}

// MaxLength is the context window used for truncation.
func (g *VLLMGenerator) MaxLength() int { return g.maxLength }

type genItem struct {
	tokens []int
	key    string
}

// GenerateBatch completes each [context] request. Requests are grouped by
// kwargs, each group sorted longest-first and chunked by batch size. Contexts
// are left-truncated to leave room for max_new_tokens.
func (g *VLLMGenerator) GenerateBatch(ctx context.Context, requests []*Instance) error {
	if len(requests) == 0 {
		return nil
	}

	items := make([]genItem, len(requests))
	for i, req := range requests {
		if len(req.Args) < 1 {
			return fmt.Errorf("%w: generation request %d has no context", ErrInvalidRequest, i)
		}
		enc, err := g.Encode(req.Args[0], false, 0)
		if err != nil {
			return fmt.Errorf("encode generation request %d: %w", i, err)
		}
		if len(enc) == 0 {
			enc = []int{g.PrefixTokenID()}
		}
		key, err := kwargsKey(req.Kwargs)
		if err != nil {
			return err
		}
		items[i] = genItem{tokens: enc, key: key}
	}

	grouper := batching.NewGrouper(items, func(it genItem) string { return it.key })
	groupKwargs := make(map[string]map[string]any, grouper.Len())
	for i, it := range items {
		if _, ok := groupKwargs[it.key]; !ok {
			groupKwargs[it.key] = requests[i].Kwargs
		}
	}

	results := make(map[string][]string, grouper.Len())
	stops := make(map[string][]string, grouper.Len())
	done := 0
	for _, key := range grouper.Keys() {
		params, until, err := g.generationParams(groupKwargs[key])
		if err != nil {
			return err
		}
		stops[key] = until
		maxCtxLen := g.maxLength - params.MaxTokens
		if maxCtxLen < 1 {
			return fmt.Errorf("%w: %s=%d leaves no room for context within max length %d", ErrInvalidConfig, KwMaxNewTokens, params.MaxTokens, g.maxLength)
		}

		collator := batching.NewCollator(grouper.Group(key), func(a, b genItem) int {
			return len(b.tokens) - len(a.tokens)
		})

		var texts []string
		for _, chunk := range collator.Batched(int(g.batchSize), nil) {
			prompts := make([][]int, len(chunk))
			for j, it := range chunk {
				prompts[j] = tokenizer.LeftTruncate(it.tokens, maxCtxLen)
			}
			outs, err := g.modelGenerate(ctx, OpGenerate, prompts, params)
			if err != nil {
				return err
			}
			for _, out := range outs {
				texts = append(texts, out.Text)
			}
			done += len(chunk)
			g.logger.Debug("generation progress", zap.Int("done", done), zap.Int("total", len(requests)))
		}

		ordered, err := batching.Original(collator, texts)
		if err != nil {
			return err
		}
		results[key] = ordered
	}

	ordered, err := batching.Ungroup(grouper, results)
	if err != nil {
		return err
	}
	for i, req := range requests {
		g.UpdateInstanceWithResult(ordered[i], req, stops[items[i].key])
	}
	return nil
}

// Loglikelihood scores each [context, continuation] request as the summed
// log-probability of the continuation tokens. Identical inputs are scored
// once.
func (g *VLLMGenerator) Loglikelihood(ctx context.Context, requests []*Instance) error {
	if len(requests) == 0 {
		return nil
	}

	inputs, err := g.loglikelihoodInputs(requests)
	if err != nil {
		return err
	}

	collator := batching.NewCollator(inputs, compareScoring,
		batching.WithDedupe(func(s scoringInput) string { return s.key() }))

	params := engine.SamplingParams{MaxTokens: 1, PromptLogprobs: 1}

	scores := make([]float64, 0, collator.Len())
	for _, chunk := range collator.Batched(int(g.batchSize), nil) {
		prompts := make([][]int, len(chunk))
		ctxlens := make([]int, len(chunk))
		for j, in := range chunk {
			prompts[j], ctxlens[j] = truncateForScoring(in, g.maxLength)
		}

		outs, err := g.modelGenerate(ctx, OpLoglikelihood, prompts, params)
		if err != nil {
			return err
		}

		for j, out := range outs {
			sum, scored, err := sumContinuationLogprobs(prompts[j], out.PromptLogprobs, ctxlens[j])
			if err != nil {
				return fmt.Errorf("score loglikelihood: %w", err)
			}
			if want := len(chunk[j].continuation); scored < want {
				g.logger.Warn("continuation truncated before scoring",
					zap.Int("continuation_tokens", want),
					zap.Int("scored_tokens", scored),
					zap.Int("max_length", g.maxLength),
				)
			}
			scores = append(scores, sum)
		}
	}

	ordered, err := batching.Original(collator, scores)
	if err != nil {
		return err
	}
	for i, req := range requests {
		req.Result = ordered[i]
	}
	return nil
}

// modelGenerate runs one chunk. With several engines the prompts are dealt
// round-robin, sent concurrently, and interleaved back into input order.
func (g *VLLMGenerator) modelGenerate(ctx context.Context, op Operation, prompts [][]int, params engine.SamplingParams) ([]engine.Completion, error) {
	start := time.Now()
	metrics.EnginePromptsTotal.WithLabelValues(string(op)).Add(float64(len(prompts)))
	defer func() {
		metrics.EngineRequestSeconds.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
	}()

	if len(g.engines) == 1 {
		outs, err := g.engines[0].Generate(ctx, prompts, params)
		if err != nil {
			return nil, fmt.Errorf("engine generate: %w", err)
		}
		if len(outs) != len(prompts) {
			return nil, fmt.Errorf("engine returned %d completions for %d prompts", len(outs), len(prompts))
		}
		return outs, nil
	}

	parts := batching.Distribute(len(g.engines), prompts)
	results := make([][]engine.Completion, len(parts))

	eg, egCtx := errgroup.WithContext(ctx)
	for i, part := range parts {
		if len(part) == 0 {
			continue
		}
		eg.Go(func() error {
			outs, err := g.engines[i].Generate(egCtx, part, params)
			if err != nil {
				return fmt.Errorf("engine replica %d: %w", i, err)
			}
			if len(outs) != len(part) {
				return fmt.Errorf("engine replica %d returned %d completions for %d prompts", i, len(outs), len(part))
			}
			results[i] = outs
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return batching.Undistribute(results), nil
}
