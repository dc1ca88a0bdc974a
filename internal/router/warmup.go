package router

import (
	"container/list"
	"sync"
)

// sessionWarmupCache remembers which session IDs have already received
// their signed-thinking precursor request, bounded to a fixed capacity
// so a long-lived daemon serving many short sessions doesn't grow this
// set without limit. Eviction is plain least-recently-added: once full,
// the oldest entry is dropped to make room for the newest.
type sessionWarmupCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

func newSessionWarmupCache(capacity int) *sessionWarmupCache {
	if capacity <= 0 {
		capacity = 1000
	}
	return &sessionWarmupCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element, capacity),
	}
}

// Has reports whether sessionID has already been warmed up.
func (c *sessionWarmupCache) Has(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[sessionID]
	return ok
}

// Add records sessionID as warmed up, evicting the oldest entry first if
// the cache is already at capacity.
func (c *sessionWarmupCache) Add(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[sessionID]; ok {
		return
	}
	if c.order.Len() >= c.capacity {
		oldest := c.order.Front()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(string))
		}
	}
	el := c.order.PushBack(sessionID)
	c.entries[sessionID] = el
}
