package pubsub

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// SeenCache remembers recently observed message ids. Entries leave when
// the cache is full or when they are older than the ttl, whichever comes
// first.
type SeenCache struct {
	lru *expirable.LRU[string, struct{}]
}

// NewSeenCache creates a cache holding at most size ids for at most ttl
func NewSeenCache(size int, ttl time.Duration) *SeenCache {
	return &SeenCache{
		lru: expirable.NewLRU[string, struct{}](size, nil, ttl),
	}
}

// Add records id and reports whether it was new
func (c *SeenCache) Add(id string) bool {
	if c.Has(id) {
		return false
	}
	c.lru.Add(id, struct{}{})
	return true
}

// Has ignores entries past their ttl even before they are swept
func (c *SeenCache) Has(id string) bool {
	_, ok := c.lru.Peek(id)
	return ok
}

func (c *SeenCache) Len() int {
	return c.lru.Len()
}
