package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/childguard/daemon/internal/config"
	"github.com/childguard/daemon/pkg/events"
	"github.com/childguard/daemon/pkg/logger"
)

func newTestIngestor() *Ingestor {
	return &Ingestor{
		cfg:         config.IngestConfig{ReorderWindow: 100 * time.Millisecond, QueueCapacity: 2},
		log:         logger.Nop(),
		lastSeen:    make(map[events.ProducerKind]time.Time),
		errorStreak: make(map[events.ProducerKind]int),
		decisionCh:  make(chan *events.NormalizedEvent, 2),
		activityCh:  make(chan *events.NormalizedEvent, 2),
	}
}

func TestIsLateDropsRecordsOutsideReorderWindow(t *testing.T) {
	ing := newTestIngestor()

	assert.False(t, ing.isLate(events.RawRecord{MonoTimeNanos: uint64(time.Second)}))
	assert.False(t, ing.isLate(events.RawRecord{MonoTimeNanos: uint64(2 * time.Second)}))
	// 2s - 50ms is within the 100ms window.
	assert.False(t, ing.isLate(events.RawRecord{MonoTimeNanos: uint64(2*time.Second - 50*time.Millisecond)}))
	// 2s - 200ms is outside the 100ms window.
	assert.True(t, ing.isLate(events.RawRecord{MonoTimeNanos: uint64(2*time.Second - 200*time.Millisecond)}))
}

func TestPublishDropsOldestActivityEventUnderBackpressure(t *testing.T) {
	ing := newTestIngestor()
	ctx := context.Background()

	first := &events.NormalizedEvent{Kind: events.RecordDiskIO, ByteCount: 1}
	second := &events.NormalizedEvent{Kind: events.RecordDiskIO, ByteCount: 2}
	third := &events.NormalizedEvent{Kind: events.RecordDiskIO, ByteCount: 3}

	ing.publish(ctx, first)
	ing.publish(ctx, second)
	ing.publish(ctx, third) // queue capacity 2: should drop `first`, keep second+third

	got1 := <-ing.activityCh
	got2 := <-ing.activityCh
	assert.Equal(t, uint64(2), got1.ByteCount)
	assert.Equal(t, uint64(3), got2.ByteCount)
}

func TestPublishDecisionDrivingEventIsNotDroppedWhenRoom(t *testing.T) {
	ing := newTestIngestor()
	evt := &events.NormalizedEvent{Kind: events.RecordProcessExec}
	ing.publish(context.Background(), evt)
	got := <-ing.decisionCh
	assert.Equal(t, evt, got)
}
