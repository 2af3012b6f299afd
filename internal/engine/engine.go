// Package engine is the single authoritative decider: it holds live
// per-profile counters and session state, consults the compiled policy
// registry, and answers Decision API calls with a cooperative,
// single-writer-per-profile concurrency model. Across profiles, work is
// parallel; within one profile, every request and every ingest event is
// serialized through that profile's actor goroutine.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/childguard/daemon/internal/clock"
	"github.com/childguard/daemon/internal/config"
	"github.com/childguard/daemon/internal/domain"
	"github.com/childguard/daemon/internal/errs"
	"github.com/childguard/daemon/internal/policy"
	"github.com/childguard/daemon/pkg/events"
	"github.com/childguard/daemon/pkg/logger"
)

// StoreClient is the subset of *store.Store the engine depends on. It is
// declared here, the consumer side, so tests can substitute a fake
// without touching the store package; *store.Store satisfies it as-is.
type StoreClient interface {
	GetProfileBySystemUser(ctx context.Context, systemUser string) (*domain.Profile, error)
	ListActiveProfiles(ctx context.Context) ([]*domain.Profile, error)
	CurrentPolicy(ctx context.Context, profileID string) (*domain.Policy, error)
	OpenSessionForProfile(ctx context.Context, profileID string) (*domain.Session, error)
	OpenSession(ctx context.Context, sess *domain.Session) error
	CloseSession(ctx context.Context, sessionID string, endTime time.Time, reason domain.EndReason, screen, active, idle int64) error
	UpdateSessionAccounting(ctx context.Context, sessionID string, screen, active, idle int64) error
	AppendEvent(ctx context.Context, e *domain.Event) error
	AppendActivity(ctx context.Context, a *domain.Activity) error
	ActiveExceptions(ctx context.Context, profileID string, asOf time.Time) ([]*domain.Exception, error)
	ConsumeExtraTime(ctx context.Context, exceptionID string, secondsSpent int64) error
}

// Enforcer is the subset of the Enforcement Coordinator the engine drives.
// Defined here, the consumer side, so internal/enforce has no dependency
// on internal/engine.
type Enforcer interface {
	LockSession(ctx context.Context, systemUser string) error
	EmitWarning(ctx context.Context, systemUser string, minutesRemaining int) error
}

// Engine owns one actor goroutine per profile with an active session (plus
// a small pool for idle profiles, realized here simply as lazily-started
// actors that keep running once a profile has ever had activity).
type Engine struct {
	cfg      config.EngineConfig
	store    StoreClient
	registry *policy.Registry
	compiler *policy.Compiler
	cal      *clock.Calendar
	clk      clock.Clock
	enforcer Enforcer
	log      logger.Logger

	mu      sync.RWMutex
	actors  map[string]*profileActor // profileID -> actor
	byUser  map[string]string        // systemUser -> profileID, refreshed at startup and on demand

	reportingOnly atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SetReportingOnly toggles reporting-only mode: Decide still evaluates and
// logs what it would have blocked, but every response is downgraded to
// Allow, per spec.md §6's set-reporting-only admin operation.
func (e *Engine) SetReportingOnly(on bool) { e.reportingOnly.Store(on) }

// ReportingOnly reports the current reporting-only mode.
func (e *Engine) ReportingOnly() bool { return e.reportingOnly.Load() }

// New constructs an Engine. Start must be called before Decide/SubmitEvent
// are used.
func New(cfg config.EngineConfig, st StoreClient, reg *policy.Registry, cal *clock.Calendar, clk clock.Clock, enf Enforcer, log logger.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		store:    st,
		registry: reg,
		compiler: policy.NewCompiler(),
		cal:      cal,
		clk:      clk,
		enforcer: enf,
		log:      log.With("engine"),
		actors:   make(map[string]*profileActor),
		byUser:   make(map[string]string),
	}
}

// Start compiles and publishes every active profile's current policy, then
// spawns their actors, per spec.md §4.4's "on startup, every active
// profile's most recent persisted policy is compiled and published before
// the engine begins accepting decision requests".
func (e *Engine) Start(ctx context.Context) error {
	profiles, err := e.store.ListActiveProfiles(ctx)
	if err != nil {
		return err
	}
	for _, p := range profiles {
		pol, err := e.store.CurrentPolicy(ctx, p.ID)
		if err != nil {
			e.log.Warn("no policy on file for active profile, decisions fail-closed until one is published", "profile", p.ID, "error", err)
			continue
		}
		snap, err := e.compiler.Compile(pol)
		if err != nil {
			e.log.Error("startup policy failed to compile", "profile", p.ID, "error", err)
			continue
		}
		e.registry.Publish(p.ID, snap)
		e.getOrCreateActor(ctx, p.ID, p.SystemUser)
	}
	e.mu.Lock()
	for _, p := range profiles {
		e.byUser[p.SystemUser] = p.ID
	}
	e.mu.Unlock()
	return nil
}

// Stop signals every actor to exit and waits for them.
func (e *Engine) Stop() {
	e.mu.RLock()
	actors := make([]*profileActor, 0, len(e.actors))
	for _, a := range e.actors {
		actors = append(actors, a)
	}
	e.mu.RUnlock()
	for _, a := range actors {
		a.stop()
	}
	e.wg.Wait()
}

func (e *Engine) getOrCreateActor(ctx context.Context, profileID, systemUser string) *profileActor {
	e.mu.Lock()
	a, ok := e.actors[profileID]
	if !ok {
		a = newProfileActor(profileID, systemUser, e.cfg, e.store, e.registry, e.cal, e.clk, e.enforcer, e.log)
		e.actors[profileID] = a
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			a.run(ctx)
		}()
	}
	e.mu.Unlock()
	return a
}

// resolveProfile maps a system user to a profile id, consulting the store
// on a cache miss (a profile created after Start has not yet been seen).
func (e *Engine) resolveProfile(ctx context.Context, systemUser string) (string, bool, error) {
	if systemUser == domain.ReservedSystemUser {
		return "", false, nil
	}
	e.mu.RLock()
	id, ok := e.byUser[systemUser]
	e.mu.RUnlock()
	if ok {
		return id, true, nil
	}
	p, err := e.store.GetProfileBySystemUser(ctx, systemUser)
	if err != nil {
		if errs.CodeOf(err) == errs.CodeProfileNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	e.mu.Lock()
	e.byUser[systemUser] = p.ID
	e.mu.Unlock()
	return p.ID, true, nil
}

// Decide is the Decision API: resolve profile, dispatch to its actor, wait
// for the deadline carried by ctx.
func (e *Engine) Decide(ctx context.Context, systemUser string, key domain.DecisionKey) (domain.Decision, error) {
	profileID, isChild, err := e.resolveProfile(ctx, systemUser)
	if err != nil {
		return domain.Decision{}, err
	}
	if !isChild {
		return domain.Decision{Key: key, Verdict: domain.VerdictAllow, Reason: "non-child-system-user"}, nil
	}
	key.ProfileID = profileID

	actor := e.getOrCreateActor(ctx, profileID, systemUser)
	respCh := make(chan decideResponse, 1)
	req := decideRequest{ctx: ctx, key: key, respCh: respCh}

	select {
	case actor.mailbox <- actorMessage{decide: &req}:
	case <-ctx.Done():
		return domain.Decision{}, errs.New(errs.CodeTimeout, "decision request dropped before actor accepted it")
	}

	select {
	case resp := <-respCh:
		if resp.err == nil && e.reportingOnly.Load() && resp.decision.Verdict != domain.VerdictAllow {
			e.log.Info("reporting-only: would have blocked", "profile", profileID, "reason", resp.decision.Reason)
			resp.decision.Verdict = domain.VerdictAllow
		}
		return resp.decision, resp.err
	case <-ctx.Done():
		return domain.Decision{}, errs.New(errs.CodeTimeout, "decision request timed out waiting for actor")
	}
}

// SubmitEvent routes a normalized ingest event into its profile's actor
// for session/activity accounting. Unattributed events (ProfileID == "")
// are dropped; system-scope telemetry is not policy-relevant.
func (e *Engine) SubmitEvent(ctx context.Context, evt *events.NormalizedEvent) {
	if evt.ProfileID == "" {
		return
	}
	actor := e.getOrCreateActor(ctx, evt.ProfileID, evt.SystemUser)
	select {
	case actor.mailbox <- actorMessage{event: evt}:
	default:
		e.log.Warn("actor mailbox full, dropping event", "profile", evt.ProfileID)
	}
}

// ReloadPolicy validates, compiles and publishes a new policy version for
// profileID, and tells that profile's actor to invalidate its decision
// cache and stale enforcement flags.
func (e *Engine) ReloadPolicy(ctx context.Context, p *domain.Policy) error {
	snap, err := e.compiler.Compile(p)
	if err != nil {
		return err
	}
	e.registry.Publish(p.ProfileID, snap)

	e.mu.RLock()
	actor, ok := e.actors[p.ProfileID]
	e.mu.RUnlock()
	if ok {
		select {
		case actor.mailbox <- actorMessage{reload: &reloadRequest{version: p.Version}}:
		case <-ctx.Done():
		}
	}

	detail := fmt.Sprintf(`{"version":%d}`, p.Version)
	return e.store.AppendEvent(ctx, &domain.Event{
		ID: newEventID(), ProfileID: p.ProfileID, Kind: domain.EventPolicyReloaded,
		At: e.clk.NowWall(), Detail: detail,
	})
}

// MarkUnhealthy is called by the ingestor when a producer crosses its
// consecutive-error threshold or misses its heartbeat; the engine treats
// this as missing telemetry and fails closed for every profile, per
// spec.md §4.3's failure semantics. It also records a heartbeat-lost
// event per active profile, since silence on a producer is itself an
// auditable fact independent of whatever it later causes a decision to
// block. Invoked off the ingestor's watcher goroutine, outside any
// request's context, so it uses context.Background() the way the
// daemon's other background operations do.
func (e *Engine) MarkUnhealthy(producer events.ProducerKind) {
	e.mu.RLock()
	actors := make([]*profileActor, 0, len(e.actors))
	for _, a := range e.actors {
		actors = append(actors, a)
	}
	e.mu.RUnlock()

	detail := fmt.Sprintf(`{"producer":%q}`, producer)
	for _, a := range actors {
		select {
		case a.mailbox <- actorMessage{unhealthy: true}:
		default:
		}
		if err := e.store.AppendEvent(context.Background(), &domain.Event{
			ID: newEventID(), ProfileID: a.profileID, Kind: domain.EventHeartbeatLost,
			At: e.clk.NowWall(), Detail: detail,
		}); err != nil {
			e.log.Error("appending heartbeat-lost event", "error", err)
		}
	}
}

// RecordClockJump is invoked by a clock.JumpWatcher when the wall clock
// steps by more than its configured threshold. Budget accounting itself
// already runs on monotonic deltas (see profileActor.tick) and so is
// unaffected by the jump either way; this only records the auditable
// fact of it per spec.md §9, which chooses not to refund a backward jump
// across midnight.
func (e *Engine) RecordClockJump(observedAt time.Time, delta time.Duration, forward bool) {
	e.mu.RLock()
	profileIDs := make([]string, 0, len(e.actors))
	for id := range e.actors {
		profileIDs = append(profileIDs, id)
	}
	e.mu.RUnlock()

	detail := fmt.Sprintf(`{"delta_seconds":%d,"forward":%t}`, int64(delta.Seconds()), forward)
	for _, id := range profileIDs {
		if err := e.store.AppendEvent(context.Background(), &domain.Event{
			ID: newEventID(), ProfileID: id, Kind: domain.EventClockJump,
			At: observedAt, Detail: detail,
		}); err != nil {
			e.log.Error("appending clock-jump event", "error", err)
		}
	}
}
