package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const endOfText = "<|endoftext|>"

// Tiktoken adapts a tiktoken BPE encoding. The encoding data is loaded on
// first use (it may be downloaded).
type Tiktoken struct {
	encoding string
	bos      *int

	once    sync.Once
	enc     *tiktoken.Tiktoken
	eot     int
	initErr error
}

// NewTiktoken returns a tokenizer for a named encoding (cl100k_base,
// o200k_base, ...). tiktoken vocabularies have no BOS token; pass bos to use
// one anyway (e.g. to mirror a server-side chat template).
func NewTiktoken(encoding string, bos *int) *Tiktoken {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &Tiktoken{encoding: encoding, bos: bos}
}

// NewTiktokenForModel picks the encoding tiktoken associates with a model name.
func NewTiktokenForModel(model string) (*Tiktoken, error) {
	enc, ok := tiktoken.MODEL_TO_ENCODING[model]
	if !ok {
		return nil, fmt.Errorf("tokenizer: no tiktoken encoding known for model %q", model)
	}
	return NewTiktoken(enc, nil), nil
}

// ForName accepts either an encoding name or a model name known to tiktoken.
func ForName(name string) (*Tiktoken, error) {
	for _, enc := range tiktoken.MODEL_TO_ENCODING {
		if enc == name {
			return NewTiktoken(name, nil), nil
		}
	}
	return NewTiktokenForModel(name)
}

func (t *Tiktoken) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("tokenizer: init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		ids := enc.Encode(endOfText, []string{endOfText}, nil)
		if len(ids) != 1 {
			t.initErr = fmt.Errorf("tokenizer: encoding %s has no %s token", t.encoding, endOfText)
			return
		}
		t.enc = enc
		t.eot = ids[0]
	})
	return t.initErr
}

func (t *Tiktoken) Encode(text string, opts EncodeOptions) ([]int, error) {
	if err := t.init(); err != nil {
		return nil, err
	}

	ids := t.enc.Encode(text, nil, nil)
	if ids == nil && text != "" {
		// tiktoken refuses text that contains special-token markup.
		return nil, fmt.Errorf("tokenizer: text contains a special token")
	}
	if opts.AddSpecialTokens && t.bos != nil {
		ids = append([]int{*t.bos}, ids...)
	}
	return LeftTruncate(ids, opts.LeftTruncateLen), nil
}

func (t *Tiktoken) Decode(ids []int) (string, error) {
	if err := t.init(); err != nil {
		return "", err
	}
	return t.enc.Decode(ids), nil
}

// EOTTokenID returns <|endoftext|>. It panics if the encoding failed to load;
// call Encode first to surface that error.
func (t *Tiktoken) EOTTokenID() int {
	if err := t.init(); err != nil {
		panic(err)
	}
	return t.eot
}

func (t *Tiktoken) BOSTokenID() (int, bool) {
	if t.bos == nil {
		return 0, false
	}
	return *t.bos, true
}

var _ Tokenizer = (*Tiktoken)(nil)
