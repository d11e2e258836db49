package common

import (
	"container/list"
	"sync"
	"time"
)

// DedupCache is a bounded LRU set with per-entry expiry. It is used to track
// gossip message IDs that have already been applied, so that re-broadcasts are
// dropped instead of being processed twice.
type DedupCache struct {
	sync.Mutex
	maxSize int
	ttl     time.Duration
	items   map[string]*list.Element
	order   *list.List
}

type dedupEntry struct {
	id       string
	expireAt time.Time
}

// NewDedupCache creates a DedupCache holding at most maxSize entries, each
// expiring ttl after insertion.
func NewDedupCache(maxSize int, ttl time.Duration) *DedupCache {
	return &DedupCache{
		maxSize: maxSize,
		ttl:     ttl,
		items:   make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Seen records id and reports whether it was already present and unexpired.
func (c *DedupCache) Seen(id string) bool {
	c.Lock()
	defer c.Unlock()

	now := time.Now()

	if el, ok := c.items[id]; ok {
		entry := el.Value.(*dedupEntry)
		if now.Before(entry.expireAt) {
			c.order.MoveToFront(el)
			return true
		}
		c.order.Remove(el)
		delete(c.items, id)
	}

	c.evict(now)

	el := c.order.PushFront(&dedupEntry{id: id, expireAt: now.Add(c.ttl)})
	c.items[id] = el

	return false
}

// Len returns the number of tracked entries, expired ones included.
func (c *DedupCache) Len() int {
	c.Lock()
	defer c.Unlock()
	return len(c.items)
}

// evict drops expired entries from the back of the list, then trims to size.
// Callers must hold the lock.
func (c *DedupCache) evict(now time.Time) {
	for el := c.order.Back(); el != nil; el = c.order.Back() {
		if now.Before(el.Value.(*dedupEntry).expireAt) {
			break
		}
		delete(c.items, el.Value.(*dedupEntry).id)
		c.order.Remove(el)
	}

	for len(c.items) >= c.maxSize {
		el := c.order.Back()
		if el == nil {
			break
		}
		delete(c.items, el.Value.(*dedupEntry).id)
		c.order.Remove(el)
	}
}
