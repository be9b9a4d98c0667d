package sharedctx

import (
	"context"
	"errors"
	"testing"

	"github.com/ValentinKolb/dCtx/lib/cluster"
	"github.com/ValentinKolb/dCtx/lib/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func populate(t *testing.T, c *testCluster, counts map[string]int) {
	ctx := context.Background()
	for id, count := range counts {
		for _, key := range c.keysOwnedBy(cluster.NodeID(id), "q-"+id, count) {
			_, err := c.node("n1").Put(ctx, key, []byte(id))
			require.NoError(t, err)
		}
	}
}

func TestQuerySumsLocalSizes(t *testing.T) {
	c := newCluster(t, 2, 0)
	populate(t, c, map[string]int{"n1": 4, "n2": 6})

	res, err := c.node("n2").ExecuteInterpretQuery(context.Background(), "context.Size()", "sum(results)", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 10, res)

	// without a merge query the results come back in server order
	res, err = c.node("n1").ExecuteInterpretQuery(context.Background(), "context.Size()", "", nil)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(4), int64(6)}, res)
}

func TestQueryBindsVariables(t *testing.T) {
	c := newCluster(t, 2, 0)
	populate(t, c, map[string]int{"n1": 1, "n2": 2})

	res, err := c.node("n1").ExecuteInterpretQuery(context.Background(),
		"len(filter(context.Keys(), {context.Get(#) == wanted}))",
		"sum(results) * factor",
		map[string]any{"wanted": "n2", "factor": 10},
	)
	require.NoError(t, err)
	assert.EqualValues(t, 20, res)
}

func TestQueryRequiresAllNodes(t *testing.T) {
	c := newCluster(t, 2, 0)
	populate(t, c, map[string]int{"n1": 3, "n2": 2})
	c.net.Kill("n2")

	_, err := c.node("n1").ExecuteInterpretQuery(context.Background(), "context.Size()", "sum(results)", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrSend) || errors.Is(err, store.ErrTimeout))

	res, err := c.node("n1").ExecuteInterpretQuery(context.Background(),
		"context.Size()", "{'sum': sum(results), 'missing': missing}", nil, WithPartialResults())
	require.NoError(t, err)
	out, ok := res.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 3, out["sum"])
	assert.Equal(t, []string{"n2"}, out["missing"])
}

func TestQueryEvaluationError(t *testing.T) {
	c := newCluster(t, 2, 0)
	_, err := c.node("n1").ExecuteInterpretQuery(context.Background(), "context.Size(", "", nil)
	assert.True(t, errors.Is(err, store.ErrEvaluate))
}
