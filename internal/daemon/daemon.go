// Package daemon assembles the store, ingest pipeline, policy engine,
// enforcement coordinator and IPC server into one running process, and
// owns the startup/shutdown sequence between them. This replaces the
// teacher's session/work-block orchestration (manager.go,
// orchestrator.go) with a wiring shape suited to this module's
// components, while keeping its errgroup-based lifecycle pattern.
package daemon

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/childguard/daemon/internal/clock"
	"github.com/childguard/daemon/internal/config"
	"github.com/childguard/daemon/internal/engine"
	"github.com/childguard/daemon/internal/enforce"
	"github.com/childguard/daemon/internal/ingest"
	"github.com/childguard/daemon/internal/ipc"
	"github.com/childguard/daemon/internal/policy"
	"github.com/childguard/daemon/internal/store"
	"github.com/childguard/daemon/pkg/logger"
)

// adminHTTPRateLimitRPS and adminHTTPBurst bound the admin HTTP surface
// (websocket upgrades, /metrics) against a runaway local client; this
// surface isn't the Decision/Admin API (that's internal/ipc's socket),
// so it has no corresponding config.AdminConfig field of its own.
const (
	adminHTTPRateLimitRPS = 50
	adminHTTPBurst        = 100
)

// Daemon owns every long-lived component of one childguardd process.
type Daemon struct {
	cfg   *config.Config
	log   logger.Logger
	store *store.Store

	ingestor    *ingest.Ingestor
	registry    *policy.Registry
	engine      *engine.Engine
	coordinator *enforce.Coordinator
	notifier    *enforce.Notifier
	ipcServer   *ipc.Server
	adminHTTP   *http.Server
	jumpWatcher *clock.JumpWatcher

	cancel context.CancelFunc
}

// New opens the store and wires every component together, but starts
// nothing — call Run to bring the daemon up.
func New(ctx context.Context, cfg *config.Config, passphrase string, log logger.Logger) (*Daemon, error) {
	st, err := store.Open(ctx, cfg.Store, passphrase, log)
	if err != nil {
		return nil, err
	}

	cal, err := clock.NewCalendar(cfg.Timezone)
	if err != nil {
		st.Close()
		return nil, err
	}
	clk := clock.SystemClock{}

	registry := policy.NewRegistry()
	notifier := enforce.NewNotifier(log)

	// No concrete window-manager backend is wired by default: the
	// capability set this deployment exposes depends on which window
	// manager runs in the child's session, which is detected at runtime
	// by a component outside this module's scope. Starting from
	// enforce.NullActor keeps BlockWindow escalating straight to
	// LockSession until a real Actor is registered.
	coordinator := enforce.New(enforce.NullActor{}, enforce.NewLoginctlLocker(), notifier, st, cfg.Enforce, log)

	eng := engine.New(cfg.Engine, st, registry, cal, clk, coordinator, log)
	ing := ingest.New(cfg.Ingest, st, log, eng.MarkUnhealthy)
	jumpWatcher := clock.NewJumpWatcher(cfg.Engine.ClockJumpThreshold, 0, eng.RecordClockJump)

	d := &Daemon{
		cfg: cfg, log: log.With("daemon"), store: st,
		ingestor: ing, registry: registry, engine: eng, coordinator: coordinator,
		notifier: notifier, jumpWatcher: jumpWatcher,
	}

	minter := ipc.NewTokenMinter(cfg.Admin.JWTSecret, cfg.Admin.TokenTTL)
	admin := ipc.NewAdminHandler(st, eng, eng, minter, d.Stop)
	d.ipcServer = ipc.NewServer(cfg.IPC.SocketPath, cfg.IPC.ReadTimeout, eng, admin, minter, log)

	router := mux.NewRouter()
	router.Use(metricsMiddleware, loggingMiddleware(log), rateLimitMiddleware(rate.NewLimiter(rate.Limit(adminHTTPRateLimitRPS), adminHTTPBurst), log))
	router.HandleFunc("/notify/{system_user}", func(w http.ResponseWriter, r *http.Request) {
		notifier.HandleConnect(mux.Vars(r)["system_user"], w, r)
	})
	if cfg.Metrics.Enabled {
		router.Handle("/metrics", promhttp.Handler())
	}
	d.adminHTTP = &http.Server{Addr: cfg.Admin.ListenAddr, Handler: router}

	return d, nil
}

// Run reopens any session left open by a prior crash, starts every
// component under one errgroup, and blocks until ctx is cancelled or a
// component fails. Reopened-session recovery happens here rather than in
// Engine.Start, since it is a daemon-startup concern (detecting an
// unclean prior exit) rather than a per-decision engine concern.
func (d *Daemon) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	if n, err := d.store.ReopenCrashedSessions(runCtx, time.Now()); err != nil {
		d.log.Warn("reopening crashed sessions failed, starting anyway", "error", err)
	} else if n > 0 {
		d.log.Info("closed sessions left open by a prior crash", "count", n)
	}
	if err := d.engine.Start(runCtx); err != nil {
		return err
	}
	defer d.engine.Stop()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return d.ingestor.Run(gctx) })
	g.Go(func() error { return d.forwardEvents(gctx) })
	g.Go(func() error { return d.ipcServer.Serve(gctx) })
	g.Go(func() error { return d.jumpWatcher.Run(gctx) })
	g.Go(func() error {
		go func() {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			d.adminHTTP.Shutdown(shutdownCtx)
		}()
		if err := d.adminHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	return g.Wait()
}

// Stop requests an orderly shutdown, used by the stop-daemon admin
// operation.
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

// forwardEvents feeds the ingestor's decision-driving and activity-only
// channels into the engine until both close (on ingestor shutdown).
func (d *Daemon) forwardEvents(ctx context.Context) error {
	decisionCh := d.ingestor.DecisionEvents()
	activityCh := d.ingestor.ActivityEvents()
	for decisionCh != nil || activityCh != nil {
		select {
		case evt, ok := <-decisionCh:
			if !ok {
				decisionCh = nil
				continue
			}
			d.engine.SubmitEvent(ctx, evt)
		case evt, ok := <-activityCh:
			if !ok {
				activityCh = nil
				continue
			}
			d.engine.SubmitEvent(ctx, evt)
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}
