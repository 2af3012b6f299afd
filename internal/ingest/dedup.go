package ingest

import (
	"container/list"
	"sync"

	"github.com/childguard/daemon/pkg/events"
)

// dedupCache is a fixed-size LRU of recently seen (producer, record-kind,
// pid, timestamp-ns) keys, dropping exact duplicates caused by ring-buffer
// wraparound re-reads.
type dedupCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	index    map[events.DedupKey]*list.Element
}

func newDedupCache(capacity int) *dedupCache {
	return &dedupCache{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[events.DedupKey]*list.Element, capacity),
	}
}

// SeenBefore reports whether key was already recorded, and records it if
// not, evicting the least recently seen entry once capacity is exceeded.
func (c *dedupCache) SeenBefore(key events.DedupKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		c.ll.MoveToFront(el)
		return true
	}
	el := c.ll.PushFront(key)
	c.index[key] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.index, oldest.Value.(events.DedupKey))
		}
	}
	return false
}
