package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotCache(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := New[string](time.Minute)
	c.SetClock(func() time.Time { return now })

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Put("a", "snapshot")
	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "snapshot", got)

	t.Run("expires after ttl", func(t *testing.T) {
		now = now.Add(61 * time.Second)
		_, ok := c.Get("a")
		assert.False(t, ok)
		assert.Equal(t, 0, c.Size(), "expired entry dropped lazily")
	})

	t.Run("put renews expiry", func(t *testing.T) {
		c.Put("b", "v1")
		now = now.Add(50 * time.Second)
		c.Put("b", "v2")
		now = now.Add(50 * time.Second)

		got, ok := c.Get("b")
		require.True(t, ok)
		assert.Equal(t, "v2", got)
	})
}

func TestSnapshotCacheInvalidate(t *testing.T) {
	c := New[int](0)
	c.Put("a", 1)
	c.Put("b", 2)

	c.Invalidate("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)

	c.Clear()
	assert.Equal(t, 0, c.Size())
}
