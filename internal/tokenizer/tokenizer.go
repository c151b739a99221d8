// Package tokenizer defines the text <-> token-ID capability the generators
// depend on, plus a tiktoken-backed implementation.
package tokenizer

// EncodeOptions controls a single Encode call.
type EncodeOptions struct {
	// AddSpecialTokens prepends the beginning-of-text token when the
	// tokenizer has one.
	AddSpecialTokens bool

	// LeftTruncateLen > 0 keeps only the last LeftTruncateLen tokens.
	LeftTruncateLen int
}

// Tokenizer converts between text and token IDs.
//
// Implementations must be safe for concurrent use.
type Tokenizer interface {
	Encode(text string, opts EncodeOptions) ([]int, error)
	Decode(ids []int) (string, error)

	// EOTTokenID is the end-of-text token.
	EOTTokenID() int

	// BOSTokenID is the beginning-of-text token, if the vocabulary has one.
	BOSTokenID() (int, bool)
}

// LeftTruncate keeps the last n tokens of ids; n <= 0 keeps everything.
func LeftTruncate(ids []int, n int) []int {
	if n <= 0 || len(ids) <= n {
		return ids
	}
	return ids[len(ids)-n:]
}
