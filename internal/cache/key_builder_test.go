package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestHashArgsFormat(t *testing.T) {
	key, err := HashArgs("generate_batch", []string{"hello"}, map[string]any{"max_new_tokens": 5})
	require.NoError(t, err)
	assert.Len(t, key, 64)
	assert.Regexp(t, "^[0-9a-f]{64}$", key)
}

func TestHashArgsDeterministic(t *testing.T) {
	kwargs1 := map[string]any{
		"decoding_method": "greedy",
		"stop_sequences":  []any{"\n", "."},
		"nested":          map[string]any{"b": 2, "a": 1},
	}
	// Same content, different construction order.
	kwargs2 := map[string]any{
		"nested":          map[string]any{"a": 1, "b": 2},
		"stop_sequences":  []any{"\n", "."},
		"decoding_method": "greedy",
	}

	k1, err := HashArgs("generate_batch", []string{"ctx"}, kwargs1)
	require.NoError(t, err)
	k2, err := HashArgs("generate_batch", []string{"ctx"}, kwargs2)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestHashArgsNamespacedByOperation(t *testing.T) {
	args := []string{"context", "continuation"}

	gen, err := HashArgs("generate_batch", args, nil)
	require.NoError(t, err)
	ll, err := HashArgs("loglikelihood", args, nil)
	require.NoError(t, err)
	assert.NotEqual(t, gen, ll)
}

func TestHashArgsDistinguishesContent(t *testing.T) {
	a, _ := HashArgs("op", []string{"a", "b"}, nil)
	b, _ := HashArgs("op", []string{"ab"}, nil)
	c, _ := HashArgs("op", []string{"a", "b"}, map[string]any{"x": 1})
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestHashArgsNilEqualsEmpty(t *testing.T) {
	a, _ := HashArgs("op", nil, nil)
	b, _ := HashArgs("op", []string{}, map[string]any{})
	assert.Equal(t, a, b)
}

func TestHashArgsUnencodable(t *testing.T) {
	_, err := HashArgs("op", nil, map[string]any{"fn": func() {}})
	assert.Error(t, err)
}

func TestHashArgsStableProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		op := rapid.StringMatching(`[a-z_]{1,12}`).Draw(rt, "op")
		args := rapid.SliceOfN(rapid.String(), 0, 3).Draw(rt, "args")
		kw := rapid.MapOfN(rapid.StringMatching(`[a-z]{1,6}`), rapid.IntRange(-5, 5), 0, 5).Draw(rt, "kwargs")

		kwargs := make(map[string]any, len(kw))
		for k, v := range kw {
			kwargs[k] = v
		}

		first, err := HashArgs(op, args, kwargs)
		require.NoError(rt, err)
		second, err := HashArgs(op, append([]string(nil), args...), kwargs)
		require.NoError(rt, err)
		assert.Equal(rt, first, second)

		other, err := HashArgs(op+"_x", args, kwargs)
		require.NoError(rt, err)
		assert.NotEqual(rt, first, other)
	})
}
