package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/childguard/daemon/pkg/events"
)

func TestDedupCacheDropsExactDuplicates(t *testing.T) {
	c := newDedupCache(4)
	key := events.DedupKey{Producer: events.ProducerProcess, Kind: events.RecordProcessExec, PID: 100, MonoNanos: 1}

	assert.False(t, c.SeenBefore(key))
	assert.True(t, c.SeenBefore(key))
}

func TestDedupCacheEvictsOldestBeyondCapacity(t *testing.T) {
	c := newDedupCache(2)
	k1 := events.DedupKey{PID: 1, MonoNanos: 1}
	k2 := events.DedupKey{PID: 2, MonoNanos: 2}
	k3 := events.DedupKey{PID: 3, MonoNanos: 3}

	c.SeenBefore(k1)
	c.SeenBefore(k2)
	c.SeenBefore(k3) // evicts k1

	assert.True(t, c.SeenBefore(k2))
	assert.True(t, c.SeenBefore(k3))
	assert.False(t, c.SeenBefore(k1), "k1 should have been evicted and treated as new again")
}
