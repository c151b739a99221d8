package llm

import (
	"fmt"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"sdg-inference/internal/engine"
	"sdg-inference/internal/tokenizer"
)

// LMGenerator holds what every token-level backend shares: config, the
// tokenizer, default kwargs and the encode/truncate helpers.
type LMGenerator struct {
	cfg        Config
	tok        tokenizer.Tokenizer
	baseKwargs map[string]any
	logger     *zap.Logger
}

// NewLMGenerator validates cfg and applies defaults.
func NewLMGenerator(cfg Config, tok tokenizer.Tokenizer, logger *zap.Logger) (*LMGenerator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, fmt.Errorf("%w: tokenizer is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.WithDefaults()

	return &LMGenerator{
		cfg:        cfg,
		tok:        tok,
		baseKwargs: cfg.DefaultKwargs(),
		logger:     logger.Named(cfg.Name),
	}, nil
}

// Kwargs returns the request's kwargs merged over the configured defaults.
func (g *LMGenerator) Kwargs(req *Instance) map[string]any {
	return MergeKwargs(g.baseKwargs, req.Kwargs)
}

// IsStochastic reports whether the merged kwargs for req ask for sampling.
// It is meant for WithStochasticFunc, so configured defaults count too.
func (g *LMGenerator) IsStochastic(req *Instance) bool {
	return IsSampling(g.Kwargs(req))
}

// Encode tokenizes text. Special tokens are added when asked or when
// add_bos_token is configured.
func (g *LMGenerator) Encode(text string, addSpecial bool, leftTruncateLen int) ([]int, error) {
	return g.tok.Encode(text, tokenizer.EncodeOptions{
		AddSpecialTokens: addSpecial || g.cfg.AddBOSToken,
		LeftTruncateLen:  leftTruncateLen,
	})
}

// PrefixTokenID conditions an empty context: the configured prefix token,
// else BOS, else end-of-text.
func (g *LMGenerator) PrefixTokenID() int {
	if g.cfg.PrefixTokenID != nil {
		return *g.cfg.PrefixTokenID
	}
	if bos, ok := g.tok.BOSTokenID(); ok {
		return bos
	}
	return g.tok.EOTTokenID()
}

// EncodePair tokenizes a (context, continuation) pair. Trailing whitespace
// on the context moves to the front of the continuation first. For
// decoder-only models the context is encoded on its own and the
// continuation is whatever the joint encoding has past that length.
func (g *LMGenerator) EncodePair(context, continuation string) ([]int, []int, error) {
	trimmed := strings.TrimRightFunc(context, unicode.IsSpace)
	if len(trimmed) < len(context) {
		continuation = context[len(trimmed):] + continuation
		context = trimmed
	}

	if g.cfg.ModelFamily == EncoderDecoder {
		ctxEnc, err := g.Encode(context, false, 0)
		if err != nil {
			return nil, nil, err
		}
		contEnc, err := g.tok.Encode(continuation, tokenizer.EncodeOptions{})
		if err != nil {
			return nil, nil, err
		}
		return ctxEnc, contEnc, nil
	}

	whole, err := g.Encode(context+continuation, false, 0)
	if err != nil {
		return nil, nil, err
	}
	ctxEnc, err := g.Encode(context, false, 0)
	if err != nil {
		return nil, nil, err
	}
	split := min(len(ctxEnc), len(whole))
	return ctxEnc, whole[split:], nil
}

// loglikelihoodInputs tokenizes each [context, continuation] request. An
// empty context is replaced by the prefix token.
func (g *LMGenerator) loglikelihoodInputs(requests []*Instance) ([]scoringInput, error) {
	out := make([]scoringInput, len(requests))
	for i, req := range requests {
		if len(req.Args) != 2 {
			return nil, fmt.Errorf("%w: loglikelihood request %d needs [context, continuation], got %d args", ErrInvalidRequest, i, len(req.Args))
		}
		context, continuation := req.Args[0], req.Args[1]

		var (
			ctxEnc, contEnc []int
			err             error
		)
		if context == "" {
			contEnc, err = g.Encode(continuation, false, 0)
			ctxEnc = []int{g.PrefixTokenID()}
		} else {
			ctxEnc, contEnc, err = g.EncodePair(context, continuation)
		}
		if err != nil {
			return nil, fmt.Errorf("encode loglikelihood request %d: %w", i, err)
		}
		if len(ctxEnc) == 0 {
			ctxEnc = []int{g.PrefixTokenID()}
		}
		out[i] = scoringInput{context: ctxEnc, continuation: contEnc}
	}
	return out, nil
}

// generationParams resolves kwargs for one group of generation requests. The
// decoded end-of-text string is always a stop sequence.
func (g *LMGenerator) generationParams(kwargs map[string]any) (engine.SamplingParams, []string, error) {
	params, until, err := samplingParams(MergeKwargs(g.baseKwargs, kwargs), g.cfg.MaxGenToks)
	if err != nil {
		return params, nil, err
	}

	eos, err := g.tok.Decode([]int{g.tok.EOTTokenID()})
	if err != nil {
		return params, nil, fmt.Errorf("decode end-of-text token: %w", err)
	}
	if eos != "" {
		until = append(until, eos)
		params.Stop = append(params.Stop, eos)
	}
	return params, until, nil
}

// UpdateInstanceWithResult cuts text at the first occurrence of each stop
// sequence, in order, and stores it on req. Empty stop sequences are ignored.
func (g *LMGenerator) UpdateInstanceWithResult(text string, req *Instance, until []string) {
	req.Result = truncateAtStops(text, until)
}

func truncateAtStops(text string, until []string) string {
	for _, term := range until {
		if term == "" {
			continue
		}
		text, _, _ = strings.Cut(text, term)
	}
	return text
}
