// Package hf adapts HuggingFace tokenizers (tokenizer.json, loaded from the
// hub or from disk) to tokenizer.Tokenizer, and picks between them and
// tiktoken for a configured name.
//
// The bindings link against the tokenizers Rust library; builds need
// libtokenizers.a on the linker path (CGO_LDFLAGS=-L<dir>).
package hf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/daulet/tokenizers"

	"sdg-inference/internal/tokenizer"
)

// Backends accepted by Config.Backend.
const (
	BackendAuto        = "auto"
	BackendHuggingFace = "huggingface"
	BackendTiktoken    = "tiktoken"
)

type Config struct {
	// Backend is auto (default), huggingface or tiktoken. Auto uses tiktoken
	// for names it knows and HuggingFace for everything else.
	Backend   string `yaml:"backend"`
	CacheDir  string `yaml:"cache_dir"`
	AuthToken string `yaml:"auth_token"`
	// EOSToken overrides end-of-text detection, e.g. "<|eot_id|>".
	EOSToken string `yaml:"eos_token"`
}

// eosCandidates are tried in order when no EOS token is configured.
var eosCandidates = []string{"<|endoftext|>", "</s>", "<|end_of_text|>", "<eos>", "<|im_end|>", "[SEP]"}

// encoder is the part of *tokenizers.Tokenizer used to probe special tokens.
type encoder interface {
	Encode(str string, addSpecialTokens bool) ([]uint32, []string)
}

// Tokenizer wraps a loaded HuggingFace tokenizer. Safe for concurrent use.
type Tokenizer struct {
	tk   *tokenizers.Tokenizer
	eot  int
	bos  *int
}

var _ tokenizer.Tokenizer = (*Tokenizer)(nil)

// Load resolves name according to cfg.Backend.
func Load(name string, cfg Config) (tokenizer.Tokenizer, error) {
	switch cfg.Backend {
	case BackendTiktoken:
		tok, err := tokenizer.ForName(name)
		if err != nil {
			return nil, err
		}
		return tok, nil
	case BackendAuto, "":
		if tok, err := tokenizer.ForName(name); err == nil {
			return tok, nil
		}
	case BackendHuggingFace:
	default:
		return nil, fmt.Errorf("tokenizer: unknown backend %q", cfg.Backend)
	}

	tok, err := FromPretrained(name, cfg)
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// FromPretrained loads name as a local tokenizer.json (or a directory holding
// one) when it exists on disk, otherwise from the HuggingFace hub.
func FromPretrained(name string, cfg Config) (*Tokenizer, error) {
	tk, err := open(name, cfg)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: load %s: %w", name, err)
	}

	eot, err := findEOT(tk, cfg.EOSToken)
	if err != nil {
		_ = tk.Close()
		return nil, fmt.Errorf("tokenizer: %s: %w", name, err)
	}

	return &Tokenizer{tk: tk, eot: eot, bos: findBOS(tk)}, nil
}

func open(name string, cfg Config) (*tokenizers.Tokenizer, error) {
	if fi, err := os.Stat(name); err == nil {
		path := name
		if fi.IsDir() {
			path = filepath.Join(name, "tokenizer.json")
		}
		return tokenizers.FromFile(path)
	}

	var opts []tokenizers.TokenizerConfigOption
	if cfg.CacheDir != "" {
		opts = append(opts, tokenizers.WithCacheDir(cfg.CacheDir))
	}
	if cfg.AuthToken != "" {
		opts = append(opts, tokenizers.WithAuthToken(cfg.AuthToken))
	}
	return tokenizers.FromPretrained(name, opts...)
}

// findEOT returns the id of the first candidate that encodes to exactly one
// token.
func findEOT(enc encoder, override string) (int, error) {
	candidates := eosCandidates
	if override != "" {
		candidates = []string{override}
	}
	for _, c := range candidates {
		if ids, _ := enc.Encode(c, false); len(ids) == 1 {
			return int(ids[0]), nil
		}
	}
	if override != "" {
		return 0, fmt.Errorf("eos_token %q is not a single token", override)
	}
	return 0, errors.New("no end-of-text token found, set tokenizer.eos_token")
}

// findBOS reports the token the post-processor puts in front of text, if any.
func findBOS(enc encoder) *int {
	plain, _ := enc.Encode("a", false)
	special, _ := enc.Encode("a", true)
	if len(special) <= len(plain) || len(plain) == 0 || special[0] == plain[0] {
		return nil
	}
	bos := int(special[0])
	return &bos
}

func (t *Tokenizer) Encode(text string, opts tokenizer.EncodeOptions) ([]int, error) {
	raw, _ := t.tk.Encode(text, false)
	ids := make([]int, 0, len(raw)+1)
	if opts.AddSpecialTokens && t.bos != nil {
		ids = append(ids, *t.bos)
	}
	for _, id := range raw {
		ids = append(ids, int(id))
	}
	return tokenizer.LeftTruncate(ids, opts.LeftTruncateLen), nil
}

func (t *Tokenizer) Decode(ids []int) (string, error) {
	raw := make([]uint32, len(ids))
	for i, id := range ids {
		if id < 0 {
			return "", fmt.Errorf("tokenizer: negative token id %d", id)
		}
		raw[i] = uint32(id)
	}
	return t.tk.Decode(raw, false), nil
}

func (t *Tokenizer) EOTTokenID() int { return t.eot }

func (t *Tokenizer) BOSTokenID() (int, bool) {
	if t.bos == nil {
		return 0, false
	}
	return *t.bos, true
}

// Close frees the native tokenizer.
func (t *Tokenizer) Close() error {
	return t.tk.Close()
}
