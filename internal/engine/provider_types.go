package engine

import "encoding/json"

// Request shape for vLLM's /v1/completions with token-ID prompts.
type providerCompletionRequest struct {
	Model                      string   `json:"model"`
	Prompt                     [][]int  `json:"prompt"`
	MaxTokens                  int      `json:"max_tokens"`
	MinTokens                  int      `json:"min_tokens,omitempty"`
	Temperature                float64  `json:"temperature"` // 0 must be sent
	TopP                       *float64 `json:"top_p,omitempty"`
	TopK                       *int     `json:"top_k,omitempty"`
	Seed                       *int     `json:"seed,omitempty"`
	RepetitionPenalty          *float64 `json:"repetition_penalty,omitempty"`
	Stop                       []string `json:"stop,omitempty"`
	PromptLogprobs             *int     `json:"prompt_logprobs,omitempty"`
	SkipSpecialTokens          bool     `json:"skip_special_tokens"`
	SpacesBetweenSpecialTokens bool     `json:"spaces_between_special_tokens"`
	Stream                     bool     `json:"stream"`
}

type providerLogprob struct {
	Logprob      float64 `json:"logprob"`
	Rank         *int    `json:"rank,omitempty"`
	DecodedToken string  `json:"decoded_token,omitempty"`
}

// One choice per prompt (n=1).
type providerCompletionChoice struct {
	Index        int    `json:"index"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`

	// null, then one {"<token id>": {...}} object per prompt position.
	PromptLogprobs []map[string]providerLogprob `json:"prompt_logprobs,omitempty"`
}

type providerUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type providerCompletionResponse struct {
	ID      string                     `json:"id"`
	Object  string                     `json:"object"`
	Created int64                      `json:"created"`
	Model   string                     `json:"model"`
	Choices []providerCompletionChoice `json:"choices"`
	Usage   *providerUsage             `json:"usage,omitempty"`
}

type providerModel struct {
	ID          string `json:"id"`
	MaxModelLen int    `json:"max_model_len"`
}

type providerModelsResponse struct {
	Data []providerModel `json:"data"`
}

type providerErrorDetail struct {
	Message string          `json:"message"`
	Type    string          `json:"type"`
	Code    json.RawMessage `json:"code"`
}

// vLLM has used both a flat {"object":"error",...} body and the nested
// OpenAI {"error":{...}} body.
type providerErrorResponse struct {
	providerErrorDetail
	Error *providerErrorDetail `json:"error"`
}

func (e providerErrorResponse) detail() providerErrorDetail {
	if e.Error != nil && e.Error.Message != "" {
		return *e.Error
	}
	return e.providerErrorDetail
}
