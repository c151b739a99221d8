package llm

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"slices"

	"sdg-inference/internal/engine"
)

// Generation kwargs understood by the generators.
const (
	KwDecodingMethod    = "decoding_method"
	KwStopSequences     = "stop_sequences"
	KwMaxNewTokens      = "max_new_tokens"
	KwMinNewTokens      = "min_new_tokens"
	KwTemperature       = "temperature"
	KwTopK              = "top_k"
	KwTopP              = "top_p"
	KwRandomSeed        = "random_seed"
	KwRepetitionPenalty = "repetition_penalty"
)

// DecodingSample is the decoding_method value that turns on sampling.
const DecodingSample = "sample"

var knownKwargs = []string{
	KwDecodingMethod, KwStopSequences, KwMaxNewTokens, KwMinNewTokens,
	KwTemperature, KwTopK, KwTopP, KwRandomSeed, KwRepetitionPenalty,
}

// MergeKwargs overlays request kwargs on the defaults. Neither input is
// modified.
func MergeKwargs(defaults, request map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(request))
	maps.Copy(out, defaults)
	maps.Copy(out, request)
	return out
}

// IsSampling reports whether kwargs ask for sampled decoding.
func IsSampling(kwargs map[string]any) bool {
	m, ok := kwargs[KwDecodingMethod].(string)
	return ok && m == DecodingSample
}

// samplingParams normalizes merged kwargs into engine parameters and the stop
// list used for post-hoc truncation. Greedy decoding forces temperature 0;
// sampling without a temperature uses 1.0.
func samplingParams(kwargs map[string]any, maxGenToks int) (engine.SamplingParams, []string, error) {
	for k := range kwargs {
		if !slices.Contains(knownKwargs, k) {
			return engine.SamplingParams{}, nil, fmt.Errorf("%w: unsupported generation kwarg %q", ErrInvalidConfig, k)
		}
	}

	until, err := stopSequences(kwargs[KwStopSequences])
	if err != nil {
		return engine.SamplingParams{}, nil, err
	}

	p := engine.SamplingParams{MaxTokens: maxGenToks}

	if v, ok := kwargs[KwMaxNewTokens]; ok {
		if p.MaxTokens, err = toInt(KwMaxNewTokens, v); err != nil {
			return p, nil, err
		}
	}
	if v, ok := kwargs[KwMinNewTokens]; ok {
		if p.MinTokens, err = toInt(KwMinNewTokens, v); err != nil {
			return p, nil, err
		}
	}
	if p.MaxTokens < 1 {
		return p, nil, fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, KwMaxNewTokens, p.MaxTokens)
	}

	if IsSampling(kwargs) {
		p.Temperature = 1.0
		if v, ok := kwargs[KwTemperature]; ok {
			if p.Temperature, err = toFloat(KwTemperature, v); err != nil {
				return p, nil, err
			}
		}
	} else if m, ok := kwargs[KwDecodingMethod]; ok {
		if s, _ := m.(string); s != "greedy" {
			return p, nil, fmt.Errorf("%w: %s must be \"greedy\" or \"sample\", got %v", ErrInvalidConfig, KwDecodingMethod, m)
		}
	}

	if v, ok := kwargs[KwTopK]; ok {
		n, err := toInt(KwTopK, v)
		if err != nil {
			return p, nil, err
		}
		p.TopK = &n
	}
	if v, ok := kwargs[KwTopP]; ok {
		f, err := toFloat(KwTopP, v)
		if err != nil {
			return p, nil, err
		}
		p.TopP = &f
	}
	if v, ok := kwargs[KwRandomSeed]; ok {
		n, err := toInt(KwRandomSeed, v)
		if err != nil {
			return p, nil, err
		}
		p.Seed = &n
	}
	if v, ok := kwargs[KwRepetitionPenalty]; ok {
		f, err := toFloat(KwRepetitionPenalty, v)
		if err != nil {
			return p, nil, err
		}
		p.RepetitionPenalty = &f
	}

	p.Stop = slices.Clone(until)
	return p, until, nil
}

func stopSequences(v any) ([]string, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{s}, nil
	case []string:
		return slices.Clone(s), nil
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			str, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s entries must be strings, got %T", ErrInvalidConfig, KwStopSequences, e)
			}
			out = append(out, str)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: expected %s to be a string or a list of strings, got %T", ErrInvalidConfig, KwStopSequences, v)
	}
}

// Kwargs arrive either from Go callers (int, float64) or decoded JSON
// (float64, json.Number).
func toInt(name string, v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%w: %s must be an integer, got %v", ErrInvalidConfig, name, n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be an integer, got %s", ErrInvalidConfig, name, n)
		}
		return int(i), nil
	default:
		return 0, fmt.Errorf("%w: %s must be an integer, got %T", ErrInvalidConfig, name, v)
	}
}

func toFloat(name string, v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be a number, got %s", ErrInvalidConfig, name, n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: %s must be a number, got %T", ErrInvalidConfig, name, v)
	}
}

// kwargsKey groups requests with identical kwargs. encoding/json sorts map
// keys, so equal mappings give equal keys.
func kwargsKey(kwargs map[string]any) (string, error) {
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	b, err := json.Marshal(kwargs)
	if err != nil {
		return "", fmt.Errorf("%w: kwargs are not encodable: %v", ErrInvalidRequest, err)
	}
	return string(b), nil
}
