package pubsub

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeenCacheAdd(t *testing.T) {
	c := NewSeenCache(16, time.Minute)

	assert.True(t, c.Add("a"))
	assert.False(t, c.Add("a"))
	assert.True(t, c.Has("a"))
	assert.False(t, c.Has("b"))
	assert.Equal(t, 1, c.Len())
}

func TestSeenCacheBoundedGrowth(t *testing.T) {
	const size = 100
	c := NewSeenCache(size, time.Hour)

	for i := 0; i < 100*size; i++ {
		c.Add(fmt.Sprintf("msg-%d", i))
		assert.LessOrEqual(t, c.Len(), size)
	}

	assert.Equal(t, size, c.Len())
	assert.False(t, c.Has("msg-0"), "oldest ids are evicted")
	assert.True(t, c.Has(fmt.Sprintf("msg-%d", 100*size-1)))
}

func TestSeenCacheExpiry(t *testing.T) {
	c := NewSeenCache(16, 50*time.Millisecond)
	c.Add("a")

	assert.Eventually(t, func() bool { return !c.Has("a") }, time.Second, 10*time.Millisecond)
	assert.True(t, c.Add("a"), "expired ids count as new")
}
