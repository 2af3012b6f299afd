package engine

import (
	"container/list"
	"time"

	"github.com/childguard/daemon/internal/domain"
)

// cacheKey is the decision-cache key: a DecisionKey paired with the policy
// version it was evaluated against, so a hot-reload's version bump
// naturally misses the old cache entries instead of needing an explicit
// sweep keyed by content.
type cacheKey struct {
	key     domain.DecisionKey
	version int64
}

type cacheEntry struct {
	key      cacheKey
	decision domain.Decision
	expires  time.Time
}

// decisionCache is a bounded LRU with per-entry TTL, owned exclusively by
// one profile's actor goroutine — no locking needed, per spec.md §5's
// "decision cache: per-profile, owned by that profile's writer task".
type decisionCache struct {
	capacity int
	ll       *list.List
	index    map[cacheKey]*list.Element
}

func newDecisionCache(capacity int) *decisionCache {
	return &decisionCache{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[cacheKey]*list.Element, capacity),
	}
}

// Get returns the cached decision if present and not expired as of now.
// An expired entry is evicted on lookup rather than left to LRU pressure.
func (c *decisionCache) Get(key domain.DecisionKey, version int64, now time.Time) (domain.Decision, bool) {
	ck := cacheKey{key: key, version: version}
	el, ok := c.index[ck]
	if !ok {
		return domain.Decision{}, false
	}
	entry := el.Value.(*cacheEntry)
	if now.After(entry.expires) {
		c.ll.Remove(el)
		delete(c.index, ck)
		return domain.Decision{}, false
	}
	c.ll.MoveToFront(el)
	return entry.decision, true
}

// Put records decision under key/version with the given TTL, evicting the
// least-recently-used entry if the cache is at capacity.
func (c *decisionCache) Put(key domain.DecisionKey, version int64, decision domain.Decision, ttl time.Duration, now time.Time) {
	ck := cacheKey{key: key, version: version}
	if el, ok := c.index[ck]; ok {
		el.Value.(*cacheEntry).decision = decision
		el.Value.(*cacheEntry).expires = now.Add(ttl)
		c.ll.MoveToFront(el)
		return
	}
	entry := &cacheEntry{key: ck, decision: decision, expires: now.Add(ttl)}
	el := c.ll.PushFront(entry)
	c.index[ck] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.index, oldest.Value.(*cacheEntry).key)
		}
	}
}

// InvalidateExcept drops every cached entry for key.ProfileID whose policy
// version is not currentVersion — called on policy reload so stale
// evaluations never serve past the new version.
func (c *decisionCache) InvalidateExcept(profileID string, currentVersion int64) {
	var toRemove []*list.Element
	for el := c.ll.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*cacheEntry)
		if entry.key.key.ProfileID == profileID && entry.key.version != currentVersion {
			toRemove = append(toRemove, el)
		}
	}
	for _, el := range toRemove {
		delete(c.index, el.Value.(*cacheEntry).key)
		c.ll.Remove(el)
	}
}

// Len reports the number of cached entries.
func (c *decisionCache) Len() int { return c.ll.Len() }
