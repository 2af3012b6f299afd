package ingest

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/childguard/daemon/internal/config"
	"github.com/childguard/daemon/internal/store"
	"github.com/childguard/daemon/pkg/events"
	"github.com/childguard/daemon/pkg/logger"
)

// maxConsecutiveErrors marks a producer unhealthy, per the ingestor's
// failure semantics: three consecutive ring-buffer read errors.
const maxConsecutiveErrors = 3

// defaultHeartbeatGrace backs heartbeatTimeout when cfg.HeartbeatGraceSeconds
// is unset, per spec.md §6's heartbeat-grace-seconds option.
const defaultHeartbeatGrace = 30 * time.Second

// heartbeatTimeout is how long a producer may go without any record
// (including its own heartbeat) before it is treated as silent.
func (ing *Ingestor) heartbeatTimeout() time.Duration {
	if ing.cfg.HeartbeatGraceSeconds <= 0 {
		return defaultHeartbeatGrace
	}
	return time.Duration(ing.cfg.HeartbeatGraceSeconds) * time.Second
}

// UnhealthyFunc is invoked when a producer crosses maxConsecutiveErrors or
// misses its heartbeat deadline; the engine uses this to fail-closed for
// the event kinds that producer supplied.
type UnhealthyFunc func(producer events.ProducerKind)

// Ingestor runs the Drain -> Deduplicate -> Attribute -> Classify ->
// Publish pipeline over one ring buffer per producer kind.
type Ingestor struct {
	cfg         config.IngestConfig
	log         logger.Logger
	store       *store.Store
	readers     map[events.ProducerKind]RingReader
	dedup       *dedupCache
	attributor  *attributor
	profiles    *profileResolver
	onUnhealthy UnhealthyFunc

	mu          sync.Mutex
	latestMono  time.Duration
	lastSeen    map[events.ProducerKind]time.Time
	errorStreak map[events.ProducerKind]int

	// decisionCh carries decision-driving events (exec, focus-change,
	// net-connect) to the engine; blocks briefly under backpressure before
	// dropping the event and counting it in the overflow-drop metric.
	decisionCh chan *events.NormalizedEvent
	// activityCh carries everything else; the oldest entry is dropped first
	// under backpressure.
	activityCh chan *events.NormalizedEvent
}

// New constructs an Ingestor. Run later fixes monoEpoch, the wall-clock
// reference classify uses to translate mono-nanosecond timestamps into
// wall time.
func New(cfg config.IngestConfig, st *store.Store, log logger.Logger, onUnhealthy UnhealthyFunc) *Ingestor {
	resolver := newProfileResolver(st)
	return &Ingestor{
		cfg:         cfg,
		log:         log.With("ingest"),
		store:       st,
		readers:     make(map[events.ProducerKind]RingReader),
		dedup:       newDedupCache(cfg.DedupCacheSize),
		attributor:  newAttributor(resolver),
		profiles:    resolver,
		onUnhealthy: onUnhealthy,
		lastSeen:    make(map[events.ProducerKind]time.Time),
		errorStreak: make(map[events.ProducerKind]int),
		decisionCh:  make(chan *events.NormalizedEvent, cfg.QueueCapacity),
		activityCh:  make(chan *events.NormalizedEvent, cfg.QueueCapacity),
	}
}

// DecisionEvents returns the channel of decision-driving normalized
// events the policy engine consumes.
func (ing *Ingestor) DecisionEvents() <-chan *events.NormalizedEvent { return ing.decisionCh }

// ActivityEvents returns the channel of non-decision-driving normalized
// events. The daemon forwards them to the engine alongside DecisionEvents;
// no store batch writer consumes them.
func (ing *Ingestor) ActivityEvents() <-chan *events.NormalizedEvent { return ing.activityCh }

// Run opens all five producer ring buffers and drains them until ctx is
// cancelled or a producer's goroutine returns a fatal error, using
// errgroup so one producer's failure cancels the whole ingestor cleanly
// instead of leaking the other goroutines — the idiomatic upgrade over
// the teacher's raw sync.WaitGroup + stopCh pair.
func (ing *Ingestor) Run(ctx context.Context) error {
	if err := ing.profiles.Refresh(ctx); err != nil {
		ing.log.Warn("initial profile refresh failed, attribution will resolve to system scope", "error", err)
	}

	producers := []events.ProducerKind{
		events.ProducerProcess, events.ProducerFilesystem, events.ProducerNetwork,
		events.ProducerMemory, events.ProducerDisk,
	}
	monoEpoch := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range producers {
		reader, err := OpenRingReader(p)
		if err != nil {
			ing.log.Error("opening ring buffer", "producer", p, "error", err)
			continue
		}
		ing.readers[p] = reader
		p := p
		g.Go(func() error { return ing.drain(gctx, p, reader, monoEpoch) })
	}
	g.Go(func() error { return ing.watchHeartbeats(gctx, producers) })

	err := g.Wait()
	for _, r := range ing.readers {
		r.Close()
	}
	close(ing.decisionCh)
	close(ing.activityCh)
	return err
}

func (ing *Ingestor) drain(ctx context.Context, p events.ProducerKind, reader RingReader, monoEpoch time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		raw, err := reader.Read()
		if err != nil {
			ing.recordError(p)
			producerErrors.WithLabelValues(p.String()).Inc()
			continue
		}
		ing.resetError(p)
		ing.touchHeartbeat(p)

		if raw.RecordKind == events.RecordHeartbeat {
			continue
		}

		if ing.isLate(raw) {
			lateRecords.WithLabelValues(p.String()).Inc()
			continue
		}

		key := events.DedupKey{Producer: raw.ProducerKind, Kind: raw.RecordKind, PID: raw.PID, MonoNanos: raw.MonoTimeNanos}
		if ing.dedup.SeenBefore(key) {
			duplicateRecords.WithLabelValues(p.String()).Inc()
			continue
		}

		systemUser := ing.attributor.SystemUserFor(raw.PID)
		profileID := ing.profiles.ProfileFor(systemUser)
		evt := classify(raw, monoEpoch, systemUser, profileID)

		if raw.RecordKind == events.RecordProcessExec {
			ing.attributor.RecordExec(raw.PID, systemUser)
		}
		if raw.RecordKind == events.RecordProcessExit {
			ing.attributor.Forget(raw.PID)
		}

		ing.publish(ctx, evt)
		recordsProcessed.WithLabelValues(p.String()).Inc()
	}
}

// isLate drops records older than the configured reorder window relative
// to the latest monotonic timestamp seen across all producers.
func (ing *Ingestor) isLate(raw events.RawRecord) bool {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	t := time.Duration(raw.MonoTimeNanos)
	if t > ing.latestMono {
		ing.latestMono = t
		return false
	}
	return ing.latestMono-t > ing.cfg.ReorderWindow
}

// publish applies the backpressure policy: decision-driving events block
// for a bounded interval before being dropped, counted in the
// overflow-drop metric and logged (no ingest-overflow event is recorded);
// everything else drops the oldest queued activity event first.
func (ing *Ingestor) publish(ctx context.Context, evt *events.NormalizedEvent) {
	if evt.IsDecisionDriving() {
		select {
		case ing.decisionCh <- evt:
		case <-time.After(500 * time.Millisecond):
			overflowDrops.WithLabelValues("decision").Inc()
			ing.log.Warn("decision queue full, dropping decision-driving event", "producer", evt.Producer, "kind", evt.Kind)
		case <-ctx.Done():
		}
		return
	}

	select {
	case ing.activityCh <- evt:
	default:
		select {
		case <-ing.activityCh:
			overflowDrops.WithLabelValues("activity").Inc()
		default:
		}
		select {
		case ing.activityCh <- evt:
		default:
			overflowDrops.WithLabelValues("activity").Inc()
		}
	}
}

func (ing *Ingestor) recordError(p events.ProducerKind) {
	ing.mu.Lock()
	ing.errorStreak[p]++
	streak := ing.errorStreak[p]
	ing.mu.Unlock()
	if streak >= maxConsecutiveErrors {
		producerUnhealthy.WithLabelValues(p.String()).Set(1)
		if ing.onUnhealthy != nil {
			ing.onUnhealthy(p)
		}
	}
}

func (ing *Ingestor) resetError(p events.ProducerKind) {
	ing.mu.Lock()
	ing.errorStreak[p] = 0
	ing.mu.Unlock()
	producerUnhealthy.WithLabelValues(p.String()).Set(0)
}

func (ing *Ingestor) touchHeartbeat(p events.ProducerKind) {
	ing.mu.Lock()
	ing.lastSeen[p] = time.Now()
	ing.mu.Unlock()
}

// watchHeartbeats polls for producers that have gone silent past
// heartbeatTimeout, treating silence the same as a health-check failure.
func (ing *Ingestor) watchHeartbeats(ctx context.Context, producers []events.ProducerKind) error {
	grace := ing.heartbeatTimeout()
	ticker := time.NewTicker(grace / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			ing.mu.Lock()
			now := time.Now()
			for _, p := range producers {
				last, ok := ing.lastSeen[p]
				if ok && now.Sub(last) > grace {
					ing.mu.Unlock()
					ing.log.Warn("producer heartbeat lost", "producer", p)
					if ing.onUnhealthy != nil {
						ing.onUnhealthy(p)
					}
					ing.mu.Lock()
				}
			}
			ing.mu.Unlock()
		}
	}
}
