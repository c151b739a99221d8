package hf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdg-inference/internal/tokenizer"
)

// vocabEncoder knows a fixed set of single-token strings; anything else
// splits into one token per byte. With a bos it prepends it on request.
type vocabEncoder struct {
	vocab map[string]uint32
	bos   *uint32
}

func (e vocabEncoder) Encode(s string, addSpecial bool) ([]uint32, []string) {
	var ids []uint32
	if addSpecial && e.bos != nil {
		ids = append(ids, *e.bos)
	}
	if id, ok := e.vocab[s]; ok {
		return append(ids, id), nil
	}
	for i := 0; i < len(s); i++ {
		ids = append(ids, uint32(s[i])+1000)
	}
	return ids, nil
}

func TestFindEOT(t *testing.T) {
	llama := vocabEncoder{vocab: map[string]uint32{"</s>": 2}}
	id, err := findEOT(llama, "")
	require.NoError(t, err)
	assert.Equal(t, 2, id)

	gpt2 := vocabEncoder{vocab: map[string]uint32{"<|endoftext|>": 50256, "</s>": 9}}
	id, err = findEOT(gpt2, "")
	require.NoError(t, err)
	assert.Equal(t, 50256, id, "candidates are tried in order")

	llama3 := vocabEncoder{vocab: map[string]uint32{"<|eot_id|>": 128009}}
	id, err = findEOT(llama3, "<|eot_id|>")
	require.NoError(t, err)
	assert.Equal(t, 128009, id)

	_, err = findEOT(llama3, "")
	assert.Error(t, err)
	_, err = findEOT(llama3, "<|missing|>")
	assert.Error(t, err)
}

func TestFindBOS(t *testing.T) {
	bos := uint32(1)
	id := findBOS(vocabEncoder{bos: &bos})
	require.NotNil(t, id)
	assert.Equal(t, 1, *id)

	assert.Nil(t, findBOS(vocabEncoder{}))
}

func TestLoadTiktokenBackends(t *testing.T) {
	tok, err := Load("cl100k_base", Config{})
	require.NoError(t, err)
	assert.IsType(t, &tokenizer.Tiktoken{}, tok)

	tok, err = Load("gpt-3.5-turbo", Config{Backend: BackendTiktoken})
	require.NoError(t, err)
	assert.IsType(t, &tokenizer.Tiktoken{}, tok)

	_, err = Load("ibm-granite/granite-7b-lab", Config{Backend: BackendTiktoken})
	assert.Error(t, err)

	_, err = Load("x", Config{Backend: "sentencepiece"})
	assert.Error(t, err)
}

// This downloads from the HuggingFace hub and is skipped in short mode.
func TestFromPretrained(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping tokenizer download in short mode")
	}

	tok, err := FromPretrained("openai-community/gpt2", Config{CacheDir: t.TempDir()})
	require.NoError(t, err)
	defer tok.Close()

	assert.Equal(t, 50256, tok.EOTTokenID())
	_, ok := tok.BOSTokenID()
	assert.False(t, ok)

	ids, err := tok.Encode("hello world", tokenizer.EncodeOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, ids)

	text, err := tok.Decode(ids)
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)

	last, err := tok.Encode("hello world", tokenizer.EncodeOptions{LeftTruncateLen: 1})
	require.NoError(t, err)
	assert.Equal(t, ids[len(ids)-1:], last)

	viaLoad, err := Load("openai-community/gpt2", Config{CacheDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &Tokenizer{}, viaLoad)
	_ = viaLoad.(*Tokenizer).Close()
}
