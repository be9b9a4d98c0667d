package cache

import (
	"testing"

	"github.com/ValentinKolb/dCtx/lib/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheHitRatio(t *testing.T) {
	c, err := New(2, t.Name())
	require.NoError(t, err)

	c.Add(store.Entry{Key: "a", Value: []byte("1"), Version: 1})
	_, ok := c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("b")
	assert.False(t, ok)

	s := c.Stats()
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.InDelta(t, 0.5, s.HitRatio, 0.0001)

	c.ResetStats()
	s = c.Stats()
	assert.Zero(t, s.Hits)
	assert.Zero(t, s.HitRatio)
	assert.Equal(t, 1, s.Size)
}

func TestCacheEvictionAndVersions(t *testing.T) {
	c, err := New(2, t.Name())
	require.NoError(t, err)

	c.Add(store.Entry{Key: "a", Version: 2, Value: []byte("new")})
	c.Add(store.Entry{Key: "a", Version: 1, Value: []byte("old")})
	e, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "new", string(e.Value))

	c.Add(store.Entry{Key: "b", Version: 1})
	c.Add(store.Entry{Key: "c", Version: 1})
	assert.Equal(t, 2, c.Len())
	_, ok = c.Get("a")
	assert.False(t, ok, "least recently used entry is evicted")

	keys := c.Purge()
	assert.ElementsMatch(t, []string{"b", "c"}, keys)
	assert.Equal(t, 0, c.Len())
}

func TestDisabledCache(t *testing.T) {
	c, err := New(0, t.Name())
	require.NoError(t, err)
	assert.False(t, c.Enabled())

	c.Add(store.Entry{Key: "a", Version: 1})
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Nil(t, c.Purge())
	assert.Equal(t, uint64(1), c.Stats().Misses)
}
