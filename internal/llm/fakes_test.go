package llm

import (
	"context"
	"errors"
	"strings"
	"sync"

	"sdg-inference/internal/engine"
	"sdg-inference/internal/tokenizer"
)

// charTokenizer maps every rune to its code point. ID 0 is end-of-text.
type charTokenizer struct {
	bos *int
}

func (t charTokenizer) Encode(text string, opts tokenizer.EncodeOptions) ([]int, error) {
	ids := make([]int, 0, len(text)+1)
	if opts.AddSpecialTokens && t.bos != nil {
		ids = append(ids, *t.bos)
	}
	for _, r := range text {
		ids = append(ids, int(r))
	}
	return tokenizer.LeftTruncate(ids, opts.LeftTruncateLen), nil
}

func (t charTokenizer) Decode(ids []int) (string, error) {
	var b strings.Builder
	for _, id := range ids {
		if id == 0 {
			b.WriteString("</s>")
			continue
		}
		b.WriteRune(rune(id))
	}
	return b.String(), nil
}

func (charTokenizer) EOTTokenID() int { return 0 }

func (t charTokenizer) BOSTokenID() (int, bool) {
	if t.bos == nil {
		return 0, false
	}
	return *t.bos, true
}

func decodeChars(ids []int) string {
	s, _ := charTokenizer{}.Decode(ids)
	return s
}

// fakeEngine echoes prompts through reply and scores every prompt token at
// -0.5.
type fakeEngine struct {
	mu          sync.Mutex
	calls       [][][]int
	params      []engine.SamplingParams
	reply       func(prompt []int) string
	err         error
	maxModelLen int
	maxLenErr   error
}

func (e *fakeEngine) Generate(_ context.Context, prompts [][]int, params engine.SamplingParams) ([]engine.Completion, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls = append(e.calls, prompts)
	e.params = append(e.params, params)
	if e.err != nil {
		return nil, e.err
	}

	out := make([]engine.Completion, len(prompts))
	for i, p := range prompts {
		c := engine.Completion{}
		if e.reply != nil {
			c.Text = e.reply(p)
		} else {
			c.Text = decodeChars(p)
		}
		if params.PromptLogprobs > 0 {
			c.PromptLogprobs = make([]map[int]float64, len(p))
			for j := 1; j < len(p); j++ {
				c.PromptLogprobs[j] = map[int]float64{p[j]: -0.5}
			}
		}
		out[i] = c
	}
	return out, nil
}

func (e *fakeEngine) MaxModelLen(context.Context) (int, error) {
	return e.maxModelLen, e.maxLenErr
}

func (e *fakeEngine) prompts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		n += len(c)
	}
	return n
}

// recordingGenerator answers "gen:<context>" and "-<len(continuation)>".
type recordingGenerator struct {
	calls    [][]*Instance
	err      error
	noResult bool
	scores   map[string]float64 // continuation -> score override
}

func (g *recordingGenerator) GenerateBatch(_ context.Context, requests []*Instance) error {
	g.calls = append(g.calls, requests)
	if g.err != nil {
		return g.err
	}
	for _, r := range requests {
		if !g.noResult {
			r.Result = "gen:" + r.Args[0]
		}
	}
	return nil
}

func (g *recordingGenerator) Loglikelihood(_ context.Context, requests []*Instance) error {
	g.calls = append(g.calls, requests)
	if g.err != nil {
		return g.err
	}
	for _, r := range requests {
		if v, ok := g.scores[r.Args[1]]; ok {
			r.Result = v
			continue
		}
		r.Result = -float64(len(r.Args[1]))
	}
	return nil
}

var errEngineDown = errors.New("engine down")
