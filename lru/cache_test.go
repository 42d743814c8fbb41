// (c) Copyright Procwatch 2025

package lru_test

import (
	"fmt"
	"testing"

	"github.com/procwatch/go-governor/lru"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_SetGet(t *testing.T) {
	c := lru.New[string, int](4)

	c.Set("one", 1)
	c.Set("two", 2)

	v, ok := c.Get("one")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("three")
	assert.False(t, ok)
}

func TestCache_NeverExceedsCapacity(t *testing.T) {
	const capacity = 8

	c := lru.New[int, int](capacity)

	for i := 0; i < 10*capacity; i++ {
		c.Set(i, i)
		assert.LessOrEqual(t, c.Len(), capacity)
	}
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := lru.New[string, int](3)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)
	c.Set("d", 4) // evicts "a"

	_, ok := c.Get("a")
	assert.False(t, ok)

	for _, key := range []string{"b", "c", "d"} {
		_, ok := c.Get(key)
		assert.True(t, ok, "expected %q to survive eviction", key)
	}
}

func TestCache_GetPromotesEntry(t *testing.T) {
	c := lru.New[string, int](3)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	// "a" is the eviction candidate until it's read again
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("d", 4) // must evict "b" instead

	_, ok = c.Get("b")
	assert.False(t, ok)

	_, ok = c.Get("a")
	assert.True(t, ok)
}

func TestCache_SetExistingPromotes(t *testing.T) {
	c := lru.New[string, int](3)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)
	c.Set("a", 11)
	c.Set("d", 4) // evicts "b", the oldest untouched entry

	_, ok := c.Get("b")
	assert.False(t, ok)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 11, v)
}

func TestCache_Prune(t *testing.T) {
	examples := map[string]struct {
		capacity int
		inserts  int
		expected int // entries evicted by Prune
	}{
		"below threshold": {capacity: 10, inserts: 8, expected: 0},
		"above threshold": {capacity: 10, inserts: 9, expected: 2},
		"at capacity":     {capacity: 10, inserts: 10, expected: 2},
	}

	for name, example := range examples {
		t.Run(name, func(t *testing.T) {
			c := lru.New[int, int](example.capacity)
			for i := 0; i < example.inserts; i++ {
				c.Set(i, i)
			}

			assert.Equal(t, example.expected, c.Prune())
			assert.Equal(t, example.inserts-example.expected, c.Len())
		})
	}
}

func TestCache_PruneDropsOldestFirst(t *testing.T) {
	c := lru.New[int, int](10)
	for i := 0; i < 10; i++ {
		c.Set(i, i)
	}

	require.Equal(t, 2, c.Prune())

	for _, key := range []int{0, 1} {
		_, ok := c.Get(key)
		assert.False(t, ok, "expected %d to be pruned", key)
	}

	for key := 2; key < 10; key++ {
		_, ok := c.Get(key)
		assert.True(t, ok)
	}
}

func TestCache_Clear(t *testing.T) {
	c := lru.New[string, string](4)

	c.Set("a", "1")
	c.Set("b", "2")
	c.Clear()

	assert.Equal(t, 0, c.Len())

	_, ok := c.Get("a")
	assert.False(t, ok)

	// the cache remains usable after a clear
	c.Set("c", "3")
	assert.Equal(t, 1, c.Len())
}

func TestCache_TrimTo(t *testing.T) {
	c := lru.New[int, int](8)
	for i := 0; i < 8; i++ {
		c.Set(i, i)
	}

	c.TrimTo(3)
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, []int{7, 6, 5}, c.Keys())
}

func TestCache_Delete(t *testing.T) {
	c := lru.New[string, int](4)

	c.Set("a", 1)
	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
	assert.Equal(t, 0, c.Len())
}

func BenchmarkCache_Set(b *testing.B) {
	c := lru.New[string, int](128)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Set(fmt.Sprintf("key-%d", i%256), i)
	}
}
