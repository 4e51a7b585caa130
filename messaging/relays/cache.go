package relays

import (
	"github.com/sasha-s/go-deadlock"
	"portal/engine/library"
)

// seenCache remembers the most recent event ids so an event delivered by several relays is only handled once.
type seenCache struct {
	mu    *deadlock.Mutex
	ids   map[library.Sha256]struct{}
	order *library.Queue[library.Sha256]
	size  int
}

func newSeenCache(size int) *seenCache {
	if size < 1 {
		size = 1
	}
	return &seenCache{
		mu:    &deadlock.Mutex{},
		ids:   make(map[library.Sha256]struct{}, size),
		order: library.NewQueue[library.Sha256](size),
		size:  size,
	}
}

// add returns false if id was already seen.
func (c *seenCache) add(id library.Sha256) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ids[id]; ok {
		return false
	}
	c.ids[id] = struct{}{}
	c.order.Push(id)
	for c.order.Len() > c.size {
		if old, ok := c.order.Pop(); ok {
			delete(c.ids, old)
		}
	}
	return true
}
