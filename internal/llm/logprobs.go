package llm

import (
	"fmt"
	"slices"

	"sdg-inference/internal/tokenizer"
)

type scoringInput struct {
	context      []int
	continuation []int
}

func (s scoringInput) tokens() []int {
	return slices.Concat(s.context, s.continuation)
}

// key identifies identical token sequences split at the same place.
func (s scoringInput) key() string {
	return fmt.Sprint(s.context, s.continuation)
}

// truncateForScoring left-truncates context+continuation to maxLength and
// returns the input with the number of leading context tokens it keeps.
// ctxlen can drop to 0 or below when the continuation alone is too long.
func truncateForScoring(in scoringInput, maxLength int) ([]int, int) {
	whole := in.tokens()
	overflow := max(0, len(whole)-maxLength)
	return tokenizer.LeftTruncate(whole, maxLength), len(in.context) - overflow
}

// sumContinuationLogprobs adds the log-probability of every token at
// position >= ctxlen. Position 0 has no conditioning and is never scored.
// It returns the sum and the number of tokens scored.
func sumContinuationLogprobs(tokens []int, promptLogprobs []map[int]float64, ctxlen int) (float64, int, error) {
	if len(promptLogprobs) < len(tokens) {
		return 0, 0, fmt.Errorf("engine returned %d prompt logprob positions for %d tokens", len(promptLogprobs), len(tokens))
	}

	var sum float64
	scored := 0
	for i := max(ctxlen, 1); i < len(tokens); i++ {
		lp, ok := promptLogprobs[i][tokens[i]]
		if !ok {
			return 0, 0, fmt.Errorf("engine returned no logprob for token %d at position %d", tokens[i], i)
		}
		sum += lp
		scored++
	}
	return sum, scored, nil
}

// compareScoring orders longest inputs first so the slowest chunk surfaces
// early; ties break on token order for a deterministic sort.
func compareScoring(a, b scoringInput) int {
	ta, tb := a.tokens(), b.tokens()
	if len(ta) != len(tb) {
		return len(tb) - len(ta)
	}
	return slices.Compare(ta, tb)
}
