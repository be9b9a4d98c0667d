package query

import (
	"testing"

	"github.com/ValentinKolb/dCtx/lib/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeView struct {
	data map[string]string
}

func (v *fakeView) Size() int { return len(v.data) }

func (v *fakeView) Contains(key string) bool {
	_, ok := v.data[key]
	return ok
}

func (v *fakeView) Get(key string) string { return v.data[key] }

func TestEvaluateAgainstView(t *testing.T) {
	e := NewExprEvaluator()
	view := &fakeView{data: map[string]string{"a": "1", "b": "2"}}

	tests := []struct {
		query string
		want  any
	}{
		{"context.Size()", 2},
		{"context.Contains('a')", true},
		{"context.Get('b') + suffix", "2!"},
		{"context.Size() > limit", false},
	}
	for _, tt := range tests {
		out, err := e.Evaluate(tt.query, map[string]any{ContextVar: view, "suffix": "!", "limit": 5})
		require.NoError(t, err, tt.query)
		assert.EqualValues(t, tt.want, out, tt.query)
	}
}

func TestMergeResults(t *testing.T) {
	e := NewExprEvaluator()

	var results []any
	for _, n := range []int{4, 6} {
		b, err := EncodeResult(n)
		require.NoError(t, err)
		v, err := DecodeResult(b)
		require.NoError(t, err)
		results = append(results, v)
	}

	out, err := e.Evaluate("sum(results)", map[string]any{ResultsVar: results})
	require.NoError(t, err)
	assert.EqualValues(t, 10, out)

	out, err = e.Evaluate("len(results)", map[string]any{ResultsVar: results})
	require.NoError(t, err)
	assert.EqualValues(t, 2, out)
}

func TestEvaluateErrors(t *testing.T) {
	e := NewExprEvaluator()

	_, err := e.Evaluate("1 +", nil)
	assert.ErrorIs(t, err, store.ErrEvaluate)

	_, err = e.Evaluate("1 / x", map[string]any{"x": "text"})
	assert.ErrorIs(t, err, store.ErrEvaluate)
}
