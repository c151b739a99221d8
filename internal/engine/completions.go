package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const maxRequestSize = 64 * 1024 * 1024 // 64MB of token IDs per call

// Generate sends one batch of token-ID prompts to /v1/completions and
// returns one completion per prompt, in prompt order.
func (c *Client) Generate(parentCtx context.Context, prompts [][]int, params SamplingParams) ([]Completion, error) {
	start := time.Now()

	if len(prompts) == 0 {
		return nil, nil
	}
	for i, p := range prompts {
		if len(p) == 0 {
			return nil, fmt.Errorf("engine: prompt[%d] is empty", i)
		}
	}

	c.logger.Debug("engine request starting",
		zap.String("model", c.cfg.Model),
		zap.Int("prompt_count", len(prompts)),
		zap.Int("max_tokens", params.MaxTokens),
		zap.Int("prompt_logprobs", params.PromptLogprobs),
	)

	pReq := providerCompletionRequest{
		Model:                      c.cfg.Model,
		Prompt:                     prompts,
		MaxTokens:                  params.MaxTokens,
		MinTokens:                  params.MinTokens,
		Temperature:                params.Temperature,
		TopP:                       params.TopP,
		TopK:                       params.TopK,
		Seed:                       params.Seed,
		RepetitionPenalty:          params.RepetitionPenalty,
		Stop:                       params.Stop,
		SkipSpecialTokens:          params.SkipSpecialTokens,
		SpacesBetweenSpecialTokens: params.SpacesBetweenSpecialTokens,
	}
	if params.PromptLogprobs > 0 {
		n := params.PromptLogprobs
		pReq.PromptLogprobs = &n
	}

	bodyBytes, err := json.Marshal(pReq)
	if err != nil {
		return nil, fmt.Errorf("engine: marshal request: %w", err)
	}
	if len(bodyBytes) > maxRequestSize {
		return nil, fmt.Errorf("engine: request too large (%d bytes, max %d)", len(bodyBytes), maxRequestSize)
	}

	var pResp providerCompletionResponse
	if err := c.call(parentCtx, http.MethodPost, "/v1/completions", bodyBytes, &pResp); err != nil {
		c.logger.Error("engine request failed",
			zap.Error(err),
			zap.Int("prompt_count", len(prompts)),
			zap.Duration("duration", time.Since(start)),
		)
		return nil, err
	}

	if len(pResp.Choices) != len(prompts) {
		return nil, fmt.Errorf("engine: expected %d choices, got %d", len(prompts), len(pResp.Choices))
	}

	// Choices are keyed by prompt index; do not rely on arrival order.
	sort.Slice(pResp.Choices, func(i, j int) bool {
		return pResp.Choices[i].Index < pResp.Choices[j].Index
	})

	out := make([]Completion, len(pResp.Choices))
	for i, ch := range pResp.Choices {
		if ch.Index != i {
			return nil, fmt.Errorf("engine: missing choice for prompt %d", i)
		}
		lp, err := convertPromptLogprobs(ch.PromptLogprobs)
		if err != nil {
			return nil, fmt.Errorf("engine: choice %d: %w", i, err)
		}
		out[i] = Completion{Text: ch.Text, PromptLogprobs: lp}
	}

	fields := []zap.Field{
		zap.Int("prompt_count", len(prompts)),
		zap.Duration("duration", time.Since(start)),
	}
	if pResp.Usage != nil {
		fields = append(fields,
			zap.Int("prompt_tokens", pResp.Usage.PromptTokens),
			zap.Int("completion_tokens", pResp.Usage.CompletionTokens),
		)
	}
	c.logger.Info("engine request completed", fields...)

	return out, nil
}

// MaxModelLen asks /v1/models for the served model's context length.
func (c *Client) MaxModelLen(ctx context.Context) (int, error) {
	var models providerModelsResponse
	if err := c.call(ctx, http.MethodGet, "/v1/models", nil, &models); err != nil {
		return 0, err
	}
	for _, m := range models.Data {
		if m.ID == c.cfg.Model {
			return m.MaxModelLen, nil
		}
	}
	if len(models.Data) == 1 {
		return models.Data[0].MaxModelLen, nil
	}
	return 0, nil
}

// call performs one JSON round trip with retries and decodes a 2xx body into out.
func (c *Client) call(parentCtx context.Context, method, path string, body []byte, out any) error {
	// Per-call timeout (0 = only use parentCtx)
	var ctx context.Context
	var cancel context.CancelFunc
	if c.cfg.UpstreamTimeout > 0 {
		ctx, cancel = context.WithTimeout(parentCtx, c.cfg.UpstreamTimeout)
	} else {
		ctx, cancel = context.WithCancel(parentCtx)
	}
	defer cancel()

	url := c.cfg.BaseURL + path

	// doOnce builds a fresh *http.Request for each attempt
	doOnce := func(ctx context.Context, body []byte) (*http.Response, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("engine: rate limit wait: %w", err)
			}
		}
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		httpReq, err := http.NewRequestWithContext(ctx, method, url, rd)
		if err != nil {
			return nil, fmt.Errorf("engine: build HTTP request: %w", err)
		}
		if c.cfg.APIKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}
		if body != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		return c.httpClient.Do(httpReq)
	}

	resp, err := c.doWithRetry(ctx, body, doOnce)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)

		var perr providerErrorResponse
		if err := json.Unmarshal(raw, &perr); err == nil && perr.detail().Message != "" {
			d := perr.detail()
			c.logger.Error("engine provider error",
				zap.Int("status", resp.StatusCode),
				zap.String("error_type", d.Type),
				zap.String("error_message", d.Message),
			)
			return fmt.Errorf("engine: upstream %d: %s (%s)", resp.StatusCode, d.Message, d.Type)
		}

		c.logger.Error("engine upstream error",
			zap.Int("status", resp.StatusCode),
			zap.String("body", truncate(string(raw), 200)),
		)
		return fmt.Errorf("engine: upstream %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("engine: decode upstream response: %w", err)
	}
	return nil
}

func convertPromptLogprobs(in []map[string]providerLogprob) ([]map[int]float64, error) {
	if in == nil {
		return nil, nil
	}
	out := make([]map[int]float64, len(in))
	for pos, entry := range in {
		if entry == nil {
			continue
		}
		m := make(map[int]float64, len(entry))
		for tok, lp := range entry {
			id, err := strconv.Atoi(tok)
			if err != nil {
				return nil, fmt.Errorf("prompt_logprobs[%d]: bad token id %q", pos, tok)
			}
			m[id] = lp.Logprob
		}
		out[pos] = m
	}
	return out, nil
}

// truncate limits string length for logging
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
