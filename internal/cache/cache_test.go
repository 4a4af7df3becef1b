package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultCache_SetGet(t *testing.T) {
	c := New(10, time.Minute)
	c.Set("k", Entry{Columns: []string{"m0"}, Rows: [][]interface{}{{int64(1)}}, SQLHash: "abc"})

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, []string{"m0"}, got.Columns)
	assert.Equal(t, "abc", got.SQLHash)
	assert.False(t, got.CreatedAt.IsZero())

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestResultCache_TTLExpiry(t *testing.T) {
	c := New(10, 30*time.Millisecond)
	c.Set("k", Entry{SQLHash: "abc"})

	_, ok := c.Get("k")
	require.True(t, ok)

	time.Sleep(60 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok, "entry past its TTL is a miss")
}

func TestResultCache_LRUEviction(t *testing.T) {
	c := New(2, time.Minute)
	c.Set("a", Entry{SQLHash: "1"})
	c.Set("b", Entry{SQLHash: "2"})

	// Touch a so b becomes least recently used.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("c", Entry{SQLHash: "3"})
	assert.Equal(t, 2, c.Len())

	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}
