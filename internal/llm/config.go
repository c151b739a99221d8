package llm

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultMaxGenToks = 256
	defaultMaxLength  = 2048
	defaultSeed       = 1234
)

// BatchSize is the number of prompts per engine call; 0 means "auto" (one
// call per group, the engine schedules internally).
type BatchSize int

func (b BatchSize) Auto() bool { return b <= 0 }

func (b BatchSize) String() string {
	if b.Auto() {
		return "auto"
	}
	return strconv.Itoa(int(b))
}

// UnmarshalYAML accepts "auto" or a positive integer.
func (b *BatchSize) UnmarshalYAML(node *yaml.Node) error {
	v := strings.TrimSpace(node.Value)
	if strings.Contains(v, "auto") || v == "" {
		*b = 0
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fmt.Errorf("%w: batch_size must be \"auto\" or a non-negative integer, got %q", ErrInvalidConfig, v)
	}
	*b = BatchSize(n)
	return nil
}

// ModelFamily selects how a (context, continuation) pair is tokenized.
type ModelFamily int

const (
	// DecoderOnly encodes context+continuation together and splits at the
	// context length, so merges across the boundary match what the model sees.
	DecoderOnly ModelFamily = iota
	// EncoderDecoder encodes both sides separately; the continuation gets no
	// special tokens.
	EncoderDecoder
)

func (f ModelFamily) String() string {
	if f == EncoderDecoder {
		return "encoder-decoder"
	}
	return "decoder-only"
}

func (f *ModelFamily) UnmarshalYAML(node *yaml.Node) error {
	switch strings.ToLower(strings.TrimSpace(node.Value)) {
	case "", "decoder-only", "decoder_only", "causal":
		*f = DecoderOnly
	case "encoder-decoder", "encoder_decoder", "seq2seq":
		*f = EncoderDecoder
	default:
		return fmt.Errorf("%w: unknown model_family %q", ErrInvalidConfig, node.Value)
	}
	return nil
}

// Config is the generator configuration block.
type Config struct {
	Name          string      `yaml:"name"`
	ModelIDOrPath string      `yaml:"model_id_or_path"`
	Dtype         string      `yaml:"dtype"`
	Tokenizer     string      `yaml:"tokenizer"` // HuggingFace id or path, or a tiktoken name; defaults to the model
	ModelFamily   ModelFamily `yaml:"model_family"`

	MaxLength   int `yaml:"max_length"`
	MaxModelLen int `yaml:"max_model_len"`
	MaxGenToks  int `yaml:"max_gen_toks"`

	BatchSize          BatchSize `yaml:"batch_size"`
	TensorParallelSize int       `yaml:"tensor_parallel_size"`
	DataParallelSize   int       `yaml:"data_parallel_size"`
	Seed               int       `yaml:"seed"`

	AddBOSToken   bool `yaml:"add_bos_token"`
	PrefixTokenID *int `yaml:"prefix_token_id"`

	// One vLLM server per data-parallel replica.
	Endpoints []string `yaml:"endpoints"`
	APIKey    string   `yaml:"api_key"`

	// Generation defaults; per-request kwargs override them.
	DecodingMethod    string   `yaml:"decoding_method"`
	StopSequences     []string `yaml:"stop_sequences"`
	MaxNewTokens      *int     `yaml:"max_new_tokens"`
	MinNewTokens      *int     `yaml:"min_new_tokens"`
	Temperature       *float64 `yaml:"temperature"`
	TopK              *int     `yaml:"top_k"`
	TopP              *float64 `yaml:"top_p"`
	RandomSeed        *int     `yaml:"random_seed"`
	RepetitionPenalty *float64 `yaml:"repetition_penalty"`
}

// Validate checks the options that would otherwise fail deep inside a call.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ModelIDOrPath) == "" {
		name := c.Name
		if name == "" {
			name = "<unnamed>"
		}
		return fmt.Errorf("%w: must specify model_id_or_path for generator %s", ErrInvalidConfig, name)
	}
	if c.MaxLength > 0 && c.MaxModelLen > 0 {
		return fmt.Errorf("%w: either max_length or max_model_len may be provided, but not both", ErrInvalidConfig)
	}
	if c.MaxLength < 0 || c.MaxModelLen < 0 || c.MaxGenToks < 0 {
		return fmt.Errorf("%w: lengths must not be negative", ErrInvalidConfig)
	}
	if c.TensorParallelSize < 0 || c.DataParallelSize < 0 {
		return fmt.Errorf("%w: parallel sizes must not be negative", ErrInvalidConfig)
	}
	return nil
}

// WithDefaults returns a copy of Config with defaults applied.
func (c *Config) WithDefaults() Config {
	cfg := *c

	if cfg.Name == "" {
		cfg.Name = "vllm"
	}
	if cfg.Dtype == "" {
		cfg.Dtype = "auto"
	}
	if cfg.MaxGenToks == 0 {
		cfg.MaxGenToks = defaultMaxGenToks
	}
	if cfg.TensorParallelSize == 0 {
		cfg.TensorParallelSize = 1
	}
	if cfg.DataParallelSize == 0 {
		cfg.DataParallelSize = max(1, len(cfg.Endpoints))
	}
	if cfg.Seed == 0 {
		cfg.Seed = defaultSeed
	}

	return cfg
}

// ConfiguredMaxLength is max_model_len or max_length, whichever is set.
func (c *Config) ConfiguredMaxLength() int {
	if c.MaxModelLen > 0 {
		return c.MaxModelLen
	}
	return c.MaxLength
}

// DefaultKwargs returns the generation defaults as a kwargs mapping.
func (c *Config) DefaultKwargs() map[string]any {
	kw := make(map[string]any)
	if c.DecodingMethod != "" {
		kw[KwDecodingMethod] = c.DecodingMethod
	}
	if len(c.StopSequences) > 0 {
		stops := make([]any, len(c.StopSequences))
		for i, s := range c.StopSequences {
			stops[i] = s
		}
		kw[KwStopSequences] = stops
	}
	if c.MaxNewTokens != nil {
		kw[KwMaxNewTokens] = *c.MaxNewTokens
	}
	if c.MinNewTokens != nil {
		kw[KwMinNewTokens] = *c.MinNewTokens
	}
	if c.Temperature != nil {
		kw[KwTemperature] = *c.Temperature
	}
	if c.TopK != nil {
		kw[KwTopK] = *c.TopK
	}
	if c.TopP != nil {
		kw[KwTopP] = *c.TopP
	}
	if c.RandomSeed != nil {
		kw[KwRandomSeed] = *c.RandomSeed
	}
	if c.RepetitionPenalty != nil {
		kw[KwRepetitionPenalty] = *c.RepetitionPenalty
	}
	return kw
}
