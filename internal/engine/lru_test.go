package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/childguard/daemon/internal/domain"
)

func TestDecisionCacheExpiresEntryOnLookup(t *testing.T) {
	c := newDecisionCache(10)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	key := domain.DecisionKey{ProfileID: "p1", Kind: domain.DecisionApplicationLaunch, Subject: "chrome"}
	c.Put(key, 1, domain.Decision{Verdict: domain.VerdictAllow}, time.Second, now)

	_, ok := c.Get(key, 1, now.Add(2*time.Second))
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestDecisionCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := newDecisionCache(2)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	k1 := domain.DecisionKey{ProfileID: "p1", Subject: "a"}
	k2 := domain.DecisionKey{ProfileID: "p1", Subject: "b"}
	k3 := domain.DecisionKey{ProfileID: "p1", Subject: "c"}

	c.Put(k1, 1, domain.Decision{}, time.Minute, now)
	c.Put(k2, 1, domain.Decision{}, time.Minute, now)
	_, ok := c.Get(k1, 1, now) // touch k1 so k2 becomes least-recently-used
	require.True(t, ok)

	c.Put(k3, 1, domain.Decision{}, time.Minute, now)

	_, ok = c.Get(k2, 1, now)
	assert.False(t, ok, "k2 should have been evicted")
	_, ok = c.Get(k1, 1, now)
	assert.True(t, ok)
	_, ok = c.Get(k3, 1, now)
	assert.True(t, ok)
}

func TestDecisionCacheInvalidateExceptKeepsCurrentVersion(t *testing.T) {
	c := newDecisionCache(10)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	key := domain.DecisionKey{ProfileID: "p1", Subject: "chrome"}

	c.Put(key, 1, domain.Decision{}, time.Minute, now)
	c.Put(key, 2, domain.Decision{}, time.Minute, now)

	c.InvalidateExcept("p1", 2)

	_, ok := c.Get(key, 1, now)
	assert.False(t, ok)
	_, ok = c.Get(key, 2, now)
	assert.True(t, ok)
}
