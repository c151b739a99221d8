package engine

import (
	"context"
)

// SamplingParams is the per-call parameter bundle sent to the engine.
type SamplingParams struct {
	Temperature       float64
	TopP              *float64
	TopK              *int
	Seed              *int
	RepetitionPenalty *float64
	MaxTokens         int
	MinTokens         int
	Stop              []string

	// PromptLogprobs > 0 asks the engine to score the prompt tokens.
	PromptLogprobs int

	SkipSpecialTokens          bool
	SpacesBetweenSpecialTokens bool
}

// Completion is the engine output for one prompt.
type Completion struct {
	Text string

	// PromptLogprobs[i] maps candidate token IDs to log-probabilities at
	// prompt position i. Entry 0 is nil: the first token has no context.
	PromptLogprobs []map[int]float64
}

// Engine runs batched generation over token-ID prompts.
//
// Generate returns exactly one Completion per prompt, in prompt order.
type Engine interface {
	Generate(ctx context.Context, prompts [][]int, params SamplingParams) ([]Completion, error)

	// MaxModelLen reports the served model's context length, or 0 if unknown.
	MaxModelLen(ctx context.Context) (int, error)
}
