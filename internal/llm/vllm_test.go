package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"sdg-inference/internal/engine"
	"sdg-inference/internal/tokenizer"
)

func newTestGenerator(t *testing.T, cfg Config, engines ...*fakeEngine) *VLLMGenerator {
	t.Helper()
	if cfg.ModelIDOrPath == "" {
		cfg.ModelIDOrPath = "test-model"
	}
	if cfg.MaxLength == 0 && cfg.MaxModelLen == 0 {
		cfg.MaxLength = 64
	}
	engs := make([]engine.Engine, len(engines))
	for i, e := range engines {
		engs[i] = e
	}
	g, err := NewVLLMGenerator(context.Background(), cfg, engs, charTokenizer{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return g
}

func TestTruncateAtStops(t *testing.T) {
	for _, tc := range []struct {
		text  string
		until []string
		want  string
	}{
		{text: "Hello world. Extra.", until: []string{"."}, want: "Hello world"},
		{text: "a\n\nb END c", until: []string{"END", "\n\n"}, want: "a"},
		{text: "no stops here", until: []string{"###"}, want: "no stops here"},
		{text: "keep", until: []string{""}, want: "keep"},
		{text: "abc", until: nil, want: "abc"},
	} {
		assert.Equal(t, tc.want, truncateAtStops(tc.text, tc.until), tc.text)
	}
}

func TestGenerateBatchStopTruncation(t *testing.T) {
	eng := &fakeEngine{reply: func([]int) string { return "Hello world. Extra." }}
	g := newTestGenerator(t, Config{}, eng)

	req := &Instance{Args: []string{"Say hi"}, Kwargs: map[string]any{KwStopSequences: "."}}
	require.NoError(t, g.GenerateBatch(context.Background(), []*Instance{req}))

	assert.Equal(t, "Hello world", req.Result)
	require.Len(t, eng.params, 1)
	assert.Equal(t, []string{".", "</s>"}, eng.params[0].Stop)
	assert.Zero(t, eng.params[0].Temperature)
}

func TestGenerateBatchEOSStop(t *testing.T) {
	eng := &fakeEngine{reply: func([]int) string { return "done</s>garbage" }}
	g := newTestGenerator(t, Config{}, eng)

	req := &Instance{Args: []string{"x"}}
	require.NoError(t, g.GenerateBatch(context.Background(), []*Instance{req}))
	assert.Equal(t, "done", req.Result)
}

func TestGenerateBatchGroupsByKwargsAndKeepsOrder(t *testing.T) {
	eng := &fakeEngine{}
	g := newTestGenerator(t, Config{}, eng)

	short := map[string]any{KwMaxNewTokens: 4}
	long := map[string]any{KwMaxNewTokens: 8}
	reqs := []*Instance{
		{Args: []string{"a"}, Kwargs: short},
		{Args: []string{"bbbb"}, Kwargs: long},
		{Args: []string{"cc"}, Kwargs: short},
		{Args: []string{"ddd"}, Kwargs: long},
		{Args: []string{"eeeee"}, Kwargs: short},
	}
	require.NoError(t, g.GenerateBatch(context.Background(), reqs))

	for _, r := range reqs {
		assert.Equal(t, r.Args[0], r.Result)
	}

	// One call per kwargs group, longest prompt first.
	require.Len(t, eng.calls, 2)
	assert.Equal(t, 4, eng.params[0].MaxTokens)
	assert.Equal(t, []string{"eeeee", "cc", "a"}, decodeAll(eng.calls[0]))
	assert.Equal(t, 8, eng.params[1].MaxTokens)
	assert.Equal(t, []string{"bbbb", "ddd"}, decodeAll(eng.calls[1]))
}

func TestGenerateBatchChunksByBatchSize(t *testing.T) {
	eng := &fakeEngine{}
	g := newTestGenerator(t, Config{BatchSize: 2}, eng)

	reqs := make([]*Instance, 5)
	for i := range reqs {
		reqs[i] = &Instance{Args: []string{string(rune('a' + i))}}
	}
	require.NoError(t, g.GenerateBatch(context.Background(), reqs))

	assert.Len(t, eng.calls, 3)
	for i, r := range reqs {
		assert.Equal(t, string(rune('a'+i)), r.Result)
	}
}

func TestGenerateBatchLeftTruncatesContext(t *testing.T) {
	eng := &fakeEngine{}
	g := newTestGenerator(t, Config{MaxLength: 20}, eng)

	req := &Instance{
		Args:   []string{"abcdefghijklmnopqrstuvwxyz"},
		Kwargs: map[string]any{KwMaxNewTokens: 5},
	}
	require.NoError(t, g.GenerateBatch(context.Background(), []*Instance{req}))

	assert.Equal(t, "lmnopqrstuvwxyz", req.Result)
}

func TestGenerateBatchNoRoomForContext(t *testing.T) {
	g := newTestGenerator(t, Config{MaxLength: 8}, &fakeEngine{})

	req := &Instance{Args: []string{"x"}, Kwargs: map[string]any{KwMaxNewTokens: 8}}
	err := g.GenerateBatch(context.Background(), []*Instance{req})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestGenerateBatchSampling(t *testing.T) {
	temp := 0.3
	eng := &fakeEngine{}
	g := newTestGenerator(t, Config{DecodingMethod: "sample", Temperature: &temp}, eng)

	req := &Instance{Args: []string{"x"}}
	require.NoError(t, g.GenerateBatch(context.Background(), []*Instance{req}))

	require.Len(t, eng.params, 1)
	assert.Equal(t, 0.3, eng.params[0].Temperature)
	assert.True(t, g.IsStochastic(req))
	assert.False(t, RequestSamples(req))
}

func TestGenerateBatchEngineError(t *testing.T) {
	eng := &fakeEngine{err: errEngineDown}
	g := newTestGenerator(t, Config{}, eng)

	req := &Instance{Args: []string{"x"}}
	err := g.GenerateBatch(context.Background(), []*Instance{req})
	assert.True(t, errors.Is(err, errEngineDown))
	assert.Nil(t, req.Result)
}

func TestGenerateBatchEmpty(t *testing.T) {
	eng := &fakeEngine{}
	g := newTestGenerator(t, Config{}, eng)

	require.NoError(t, g.GenerateBatch(context.Background(), nil))
	assert.Empty(t, eng.calls)
}

func TestDataParallelSplitsAcrossEngines(t *testing.T) {
	e1, e2 := &fakeEngine{}, &fakeEngine{}
	g := newTestGenerator(t, Config{DataParallelSize: 2, BatchSize: 2}, e1, e2)
	assert.True(t, g.batchSize.Auto())

	reqs := make([]*Instance, 5)
	for i := range reqs {
		reqs[i] = &Instance{Args: []string{string(rune('a' + i))}}
	}
	require.NoError(t, g.GenerateBatch(context.Background(), reqs))

	assert.Equal(t, 3, e1.prompts())
	assert.Equal(t, 2, e2.prompts())
	for i, r := range reqs {
		assert.Equal(t, string(rune('a'+i)), r.Result)
	}
}

func TestDataParallelReplicaError(t *testing.T) {
	e1, e2 := &fakeEngine{}, &fakeEngine{err: errEngineDown}
	g := newTestGenerator(t, Config{DataParallelSize: 2}, e1, e2)

	reqs := []*Instance{{Args: []string{"a"}}, {Args: []string{"b"}}}
	err := g.GenerateBatch(context.Background(), reqs)
	require.ErrorIs(t, err, errEngineDown)
	assert.Contains(t, err.Error(), "replica 1")
}

func TestNewVLLMGeneratorEngineCount(t *testing.T) {
	cfg := Config{ModelIDOrPath: "m", MaxLength: 64, DataParallelSize: 2}
	_, err := NewVLLMGenerator(context.Background(), cfg, []engine.Engine{&fakeEngine{}}, charTokenizer{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewVLLMGenerator(context.Background(), Config{ModelIDOrPath: "m"}, nil, charTokenizer{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestMaxLengthFromEngine(t *testing.T) {
	ctx := context.Background()
	tok := charTokenizer{}

	g, err := NewVLLMGenerator(ctx, Config{ModelIDOrPath: "m"}, []engine.Engine{&fakeEngine{maxModelLen: 128}}, tok, nil)
	require.NoError(t, err)
	assert.Equal(t, 128, g.MaxLength())

	g, err = NewVLLMGenerator(ctx, Config{ModelIDOrPath: "m"}, []engine.Engine{&fakeEngine{maxLenErr: errEngineDown}}, tok, nil)
	require.NoError(t, err)
	assert.Equal(t, defaultMaxLength, g.MaxLength())

	g, err = NewVLLMGenerator(ctx, Config{ModelIDOrPath: "m", MaxModelLen: 32}, []engine.Engine{&fakeEngine{maxModelLen: 128}}, tok, nil)
	require.NoError(t, err)
	assert.Equal(t, 32, g.MaxLength())
}

func TestLoglikelihood(t *testing.T) {
	eng := &fakeEngine{}
	g := newTestGenerator(t, Config{}, eng)

	reqs := []*Instance{
		{Args: []string{"The cat", " sat"}},
		{Args: []string{"The cat ", "sat"}},
		{Args: []string{"", "ab"}},
	}
	require.NoError(t, g.Loglikelihood(context.Background(), reqs))

	assert.Equal(t, -2.0, reqs[0].Result)
	assert.Equal(t, -2.0, reqs[1].Result)
	assert.Equal(t, -1.0, reqs[2].Result)

	// The first two tokenize identically and are scored once.
	assert.Equal(t, 2, eng.prompts())
	require.Len(t, eng.params, 1)
	assert.Equal(t, 1, eng.params[0].PromptLogprobs)
	assert.Zero(t, eng.params[0].Temperature)
}

func TestLoglikelihoodTruncation(t *testing.T) {
	// Truncation keeps the whole continuation.
	g := newTestGenerator(t, Config{MaxLength: 6}, &fakeEngine{})
	req := &Instance{Args: []string{"The cat", " sat"}}
	require.NoError(t, g.Loglikelihood(context.Background(), []*Instance{req}))
	assert.Equal(t, -2.0, req.Result)

	// Continuation longer than the window: the first kept token has no
	// context and is not scored.
	g = newTestGenerator(t, Config{MaxLength: 3}, &fakeEngine{})
	req = &Instance{Args: []string{"The cat", " sat"}}
	require.NoError(t, g.Loglikelihood(context.Background(), []*Instance{req}))
	assert.Equal(t, -1.0, req.Result)
}

func TestLoglikelihoodEmptyContextTruncation(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	eng := &fakeEngine{}
	g, err := NewVLLMGenerator(context.Background(), Config{ModelIDOrPath: "m", MaxLength: 3},
		[]engine.Engine{eng}, charTokenizer{}, zap.New(core))
	require.NoError(t, err)

	// [EOT a b c d] keeps [b c d]; ctxlen falls to -1 so scoring starts at
	// position 1 and covers c and d only.
	req := &Instance{Args: []string{"", "abcd"}}
	require.NoError(t, g.Loglikelihood(context.Background(), []*Instance{req}))

	require.Len(t, eng.calls, 1)
	assert.Equal(t, []int{'b', 'c', 'd'}, eng.calls[0][0])
	assert.Equal(t, -1.0, req.Result)

	warns := logs.FilterMessageSnippet("continuation truncated").All()
	require.Len(t, warns, 1)
	fields := warns[0].ContextMap()
	assert.EqualValues(t, 4, fields["continuation_tokens"])
	assert.EqualValues(t, 2, fields["scored_tokens"])
}

func TestLoglikelihoodPrefixToken(t *testing.T) {
	prefix := 7
	eng := &fakeEngine{}
	g := newTestGenerator(t, Config{PrefixTokenID: &prefix}, eng)

	req := &Instance{Args: []string{"", "a"}}
	require.NoError(t, g.Loglikelihood(context.Background(), []*Instance{req}))

	require.Len(t, eng.calls, 1)
	assert.Equal(t, []int{7, 'a'}, eng.calls[0][0])
	assert.Equal(t, -0.5, req.Result)
}

func TestLoglikelihoodBadArgs(t *testing.T) {
	g := newTestGenerator(t, Config{}, &fakeEngine{})
	err := g.Loglikelihood(context.Background(), []*Instance{{Args: []string{"only context"}}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestPrefixTokenIDFallbacks(t *testing.T) {
	bos := 1
	withBOS, err := NewLMGenerator(Config{ModelIDOrPath: "m"}, charTokenizer{bos: &bos}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, withBOS.PrefixTokenID())

	plain, err := NewLMGenerator(Config{ModelIDOrPath: "m"}, charTokenizer{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, plain.PrefixTokenID())
}

func TestEncodePairEncoderDecoder(t *testing.T) {
	bos := 1
	g, err := NewLMGenerator(Config{ModelIDOrPath: "m", ModelFamily: EncoderDecoder, AddBOSToken: true}, charTokenizer{bos: &bos}, nil)
	require.NoError(t, err)

	ctxEnc, contEnc, err := g.EncodePair("ab ", "c")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 'a', 'b'}, ctxEnc)
	assert.Equal(t, []int{' ', 'c'}, contEnc)
}

// mergeTokenizer encodes "ab" as the single token 1000.
type mergeTokenizer struct{ charTokenizer }

func (t mergeTokenizer) Encode(text string, opts tokenizer.EncodeOptions) ([]int, error) {
	var ids []int
	for _, part := range strings.SplitAfter(text, "ab") {
		if head, ok := strings.CutSuffix(part, "ab"); ok {
			enc, _ := t.charTokenizer.Encode(head, tokenizer.EncodeOptions{})
			ids = append(append(ids, enc...), 1000)
			continue
		}
		enc, _ := t.charTokenizer.Encode(part, tokenizer.EncodeOptions{})
		ids = append(ids, enc...)
	}
	return tokenizer.LeftTruncate(ids, opts.LeftTruncateLen), nil
}

func TestEncodePairDecoderOnlyKeepsContextEncoding(t *testing.T) {
	g, err := NewLMGenerator(Config{ModelIDOrPath: "m"}, mergeTokenizer{}, nil)
	require.NoError(t, err)

	// Jointly "cabd" is [c 1000 d]; the context keeps its own [c a].
	ctxEnc, contEnc, err := g.EncodePair("ca", "bd")
	require.NoError(t, err)
	assert.Equal(t, []int{'c', 'a'}, ctxEnc)
	assert.Equal(t, []int{'d'}, contEnc)
}

func TestEncodePairMovesUnicodeWhitespace(t *testing.T) {
	g, err := NewLMGenerator(Config{ModelIDOrPath: "m"}, charTokenizer{}, nil)
	require.NoError(t, err)

	ctxEnc, contEnc, err := g.EncodePair("Hello\u00a0\u2003", "world")
	require.NoError(t, err)
	assert.Equal(t, "Hello", decodeChars(ctxEnc))
	assert.Equal(t, "\u00a0\u2003world", decodeChars(contEnc))
}

func TestSumContinuationLogprobs(t *testing.T) {
	tokens := []int{10, 11, 12}
	lps := []map[int]float64{nil, {11: -1}, {12: -2}}

	sum, scored, err := sumContinuationLogprobs(tokens, lps, 1)
	require.NoError(t, err)
	assert.Equal(t, -3.0, sum)
	assert.Equal(t, 2, scored)

	_, _, err = sumContinuationLogprobs(tokens, []map[int]float64{nil, {11: -1}, {99: -2}}, 1)
	assert.Error(t, err)

	_, _, err = sumContinuationLogprobs(tokens, lps[:2], 1)
	assert.Error(t, err)
}

func decodeAll(prompts [][]int) []string {
	out := make([]string, len(prompts))
	for i, p := range prompts {
		out[i] = decodeChars(p)
	}
	return out
}
