package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/childguard/daemon/internal/clock"
	"github.com/childguard/daemon/internal/config"
	"github.com/childguard/daemon/internal/domain"
	"github.com/childguard/daemon/internal/policy"
	"github.com/childguard/daemon/pkg/events"
	"github.com/childguard/daemon/pkg/logger"
)

// defaultIdleThreshold and defaultWarningDebounce back idleThreshold/
// warningDebounce below when a config value is absent (e.g. a test
// fixture built without config.Default()).
const (
	defaultIdleThreshold   = 60 * time.Second
	defaultWarningDebounce = 10 * time.Minute
)

type decideRequest struct {
	ctx    context.Context
	key    domain.DecisionKey
	respCh chan decideResponse
}

type decideResponse struct {
	decision domain.Decision
	err      error
}

type reloadRequest struct {
	version int64
}

// actorMessage is a tagged union dispatched through one profile's mailbox;
// exactly one field is set per message.
type actorMessage struct {
	decide    *decideRequest
	event     *events.NormalizedEvent
	reload    *reloadRequest
	unhealthy bool
}

// profileActor is the single-writer goroutine owning one profile's live
// state: active session, today's counters, enforcement flags, decision
// cache and singleflight group. Every mutation happens on this goroutine;
// external callers only ever send messages to mailbox.
type profileActor struct {
	profileID  string
	systemUser string
	cfg        config.EngineConfig
	store      StoreClient
	registry   *policy.Registry
	cal        *clock.Calendar
	clk        clock.Clock
	enforcer   Enforcer
	log        logger.Logger

	mailbox chan actorMessage
	stopCh  chan struct{}

	session           *liveSession
	todayDate         string
	todayUsedSeconds  int64
	lastWarningAt     time.Time
	lastEventAt       time.Time
	sessionLocked     bool
	windowExpired     bool
	budgetExhausted   bool
	telemetryUnhealthy bool
	state             SessionState

	cache *decisionCache
	sf    singleflight.Group

	cron                *cron.Cron
	cronEntryID         cron.EntryID
	tickCh              chan struct{}
	currentTickInterval time.Duration
}

func newProfileActor(profileID, systemUser string, cfg config.EngineConfig, st StoreClient, reg *policy.Registry, cal *clock.Calendar, clk clock.Clock, enf Enforcer, log logger.Logger) *profileActor {
	return &profileActor{
		profileID:  profileID,
		systemUser: systemUser,
		cfg:        cfg,
		store:      st,
		registry:   reg,
		cal:        cal,
		clk:        clk,
		enforcer:   enf,
		log:        log.With("profile-actor"),
		mailbox:    make(chan actorMessage, 256),
		stopCh:     make(chan struct{}),
		cache:      newDecisionCache(cfg.DecisionCacheSize),
		state:      StateNone,
		cron:       cron.New(),
		tickCh:     make(chan struct{}, 1),
	}
}

func (a *profileActor) stop() { close(a.stopCh) }

// run is the actor's single-writer loop. The periodic accounting pass is
// scheduled by a robfig/cron/v3 job (tightened to every 1s while a
// profile is in its warning window, relaxed back to the configured
// default otherwise) whose func only signals tickCh — the accounting
// itself still runs on this goroutine, preserving the single-writer
// invariant.
func (a *profileActor) run(ctx context.Context) {
	interval := a.cfg.TickInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	a.scheduleTick(interval)
	a.currentTickInterval = interval
	a.cron.Start()
	defer a.cron.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case msg := <-a.mailbox:
			a.handle(ctx, msg)
		case <-a.tickCh:
			a.tick(ctx, interval)
		}
	}
}

// scheduleTick replaces the cron job with one firing every d, dropping
// the previous entry if one exists.
func (a *profileActor) scheduleTick(d time.Duration) {
	if a.cronEntryID != 0 {
		a.cron.Remove(a.cronEntryID)
	}
	id, err := a.cron.AddFunc(fmt.Sprintf("@every %s", d), func() {
		select {
		case a.tickCh <- struct{}{}:
		default:
		}
	})
	if err != nil {
		a.log.Error("scheduling tick", "interval", d, "error", err)
		return
	}
	a.cronEntryID = id
}

func (a *profileActor) handle(ctx context.Context, msg actorMessage) {
	switch {
	case msg.decide != nil:
		decision, err := a.decide(msg.decide.ctx, msg.decide.key)
		msg.decide.respCh <- decideResponse{decision: decision, err: err}
	case msg.event != nil:
		a.handleEvent(ctx, msg.event)
	case msg.reload != nil:
		a.cache.InvalidateExcept(a.profileID, msg.reload.version)
		// Budget changes apply forward only; today-used-seconds is not reset.
		a.windowExpired = false
	case msg.unhealthy:
		a.telemetryUnhealthy = true
	}
}

// decide implements the Decision API resolution order from spec.md §4.5:
// exceptions, then decision cache, then singleflighted evaluation.
func (a *profileActor) decide(ctx context.Context, key domain.DecisionKey) (domain.Decision, error) {
	now := a.clk.NowWall()

	snap := a.registry.Current(a.profileID)
	if snap == nil {
		return domain.Decision{Key: key, Verdict: domain.VerdictBlock, Reason: "no-policy-published"}, nil
	}
	defer snap.Release()

	exceptions, err := a.store.ActiveExceptions(ctx, a.profileID, now)
	if err != nil {
		a.log.Warn("active exceptions lookup failed, evaluating without them", "error", err)
		exceptions = nil
	}
	if exc := matchingException(exceptions, key, now); exc != nil {
		return domain.Decision{Key: key, Verdict: domain.VerdictAllow, Reason: "exception-" + string(exc.Kind), PolicyVer: snap.Version, DecidedAt: now.UnixNano()}, nil
	}

	if cached, ok := a.cache.Get(key, snap.Version, now); ok {
		return cached, nil
	}

	v, err, _ := a.sf.Do(key.String(), func() (interface{}, error) {
		return a.evaluate(snap, key, now), nil
	})
	if err != nil {
		return domain.Decision{}, err
	}
	decision := v.(domain.Decision)

	if decision.IsTerminal() {
		ttl := a.cacheTTL(snap, now)
		a.cache.Put(key, snap.Version, decision, ttl, now)
	}

	if decision.Verdict == domain.VerdictBlock || decision.Verdict == domain.VerdictDeferToApproval {
		a.emitDecisionEvent(ctx, decision)
	}
	return decision, nil
}

func matchingException(exceptions []*domain.Exception, key domain.DecisionKey, now time.Time) *domain.Exception {
	for _, exc := range exceptions {
		if !exc.Active(now) {
			continue
		}
		switch exc.Kind {
		case domain.ExceptionAllowApp:
			if key.Kind == domain.DecisionApplicationLaunch && exc.Target == key.Subject {
				return exc
			}
		case domain.ExceptionAllowDomain:
			if key.Kind == domain.DecisionWebNavigation && exc.Target == key.Subject {
				return exc
			}
		case domain.ExceptionSuspendMonitoring:
			return exc
		}
	}
	return nil
}

func (a *profileActor) evaluate(snap *policy.Snapshot, key domain.DecisionKey, now time.Time) domain.Decision {
	base := domain.Decision{Key: key, PolicyVer: snap.Version, DecidedAt: now.UnixNano()}

	// Every decision kind is ultimately fed by one of the ring-buffer
	// producers (spec.md §4.3): application-launch and terminal-command
	// by the process producer's exec events, web-navigation by the
	// network producer. Once the ingestor has flagged telemetry
	// unhealthy, none of them can be trusted to reflect live state. Under
	// fail-closed (the default) all fail closed the same way the
	// liveness check already does; with fail-closed disabled the engine
	// evaluates normally on the last-known policy/budget state instead,
	// per spec.md §6's `fail-closed` option.
	if a.telemetryUnhealthy && a.failClosed() && key.Kind != domain.DecisionSessionLivenessCheck {
		base.Verdict, base.Reason = domain.VerdictBlock, "telemetry-unhealthy"
		return base
	}

	switch key.Kind {
	case domain.DecisionApplicationLaunch:
		if a.sessionLocked || a.budgetExhausted {
			base.Verdict, base.Reason = domain.VerdictBlock, "enforcement-state"
			return base
		}
		verdict, reason := snap.DecideApp(key.Subject, key.Category)
		base.Verdict, base.Reason = verdict, reason
		if verdict == domain.VerdictAllow && snap.Budget.CategoryExempt(key.Category) {
			base.Reason = "exempt"
		}
		return base

	case domain.DecisionWebNavigation:
		if a.cfg.TailscaleExempt && isTailscaleInterface(key.Interface) {
			base.Verdict, base.Reason = domain.VerdictAllow, "tailscale-exempt"
			return base
		}
		verdict, reason, hint := snap.DecideDomain(key.Subject, key.Category)
		base.Verdict, base.Reason, base.RewriteHint = verdict, reason, hint
		return base

	case domain.DecisionTerminalCommand:
		verdict, reason := snap.DecideTerminal(key.Subject)
		base.Verdict, base.Reason = verdict, reason
		return base

	case domain.DecisionSessionLivenessCheck:
		if a.telemetryUnhealthy {
			base.Verdict, base.Reason = domain.VerdictBlock, "telemetry-unhealthy"
			return base
		}
		weekday, secondsIntoDay := a.calendarPosition(now)
		inside := snap.Windows.Empty() || snap.Windows.InsideWithGrace(weekday, secondsIntoDay)
		if inside && !a.budgetExhausted {
			base.Verdict = domain.VerdictAllow
		} else {
			base.Verdict, base.Reason = domain.VerdictBlock, "session-not-live"
		}
		return base

	default:
		base.Verdict, base.Reason = domain.VerdictBlock, "unknown-decision-kind"
		return base
	}
}

// cacheTTL bounds the entry to the policy-version lifetime (effectively
// unbounded until the next reload), the time remaining until the next
// window boundary, and an absolute 60s ceiling.
func (a *profileActor) cacheTTL(snap *policy.Snapshot, now time.Time) time.Duration {
	ttl := a.cfg.DecisionCacheTTL
	if ttl <= 0 || ttl > 60*time.Second {
		ttl = 60 * time.Second
	}
	weekday, secondsIntoDay := a.calendarPosition(now)
	untilBoundary, _ := snap.Windows.UntilBoundary(weekday, secondsIntoDay)
	if untilBoundary > 0 {
		if d := time.Duration(untilBoundary) * time.Second; d < ttl {
			ttl = d
		}
	}
	if ttl <= 0 {
		ttl = time.Second
	}
	return ttl
}

// idleThreshold is how long a profile may go without a focus-change or
// exec event before the actor treats current time as idle rather than
// active, for the active/idle split spec.md §4.5 requires.
func (a *profileActor) idleThreshold() time.Duration {
	if a.cfg.IdleThresholdSeconds <= 0 {
		return defaultIdleThreshold
	}
	return time.Duration(a.cfg.IdleThresholdSeconds) * time.Second
}

// warningDebounce bounds how often a repeated time-warning is emitted for
// the same profile while remaining budget stays under threshold.
func (a *profileActor) warningDebounce() time.Duration {
	if a.cfg.WarningDebounceMinutes <= 0 {
		return defaultWarningDebounce
	}
	return time.Duration(a.cfg.WarningDebounceMinutes) * time.Minute
}

// failClosed reports spec.md §6's fail-closed option: whether missing
// telemetry blocks decisions (the default, set by config.Default) or
// falls through to ordinary evaluation on the last-known state.
func (a *profileActor) failClosed() bool { return a.cfg.FailClosed }

// isTailscaleInterface reports whether iface names a Tailscale
// interface, for spec.md §6's tailscale-exempt bypass. Tailscale's
// userspace and kernel backends both surface as "tailscale0" on Linux;
// this also accepts any "tailscale*"-prefixed name for alternate
// interface numbering.
func isTailscaleInterface(iface string) bool {
	return strings.HasPrefix(iface, "tailscale")
}

func (a *profileActor) calendarPosition(now time.Time) (weekday time.Weekday, secondsIntoDay int) {
	local := now.In(a.cal.Zone())
	return local.Weekday(), a.cal.SecondsIntoDay(now)
}

func (a *profileActor) emitDecisionEvent(ctx context.Context, d domain.Decision) {
	kind := eventKindFor(d.Key.Kind)
	if kind == "" {
		return
	}
	detail := fmt.Sprintf(`{"subject":%q,"reason":%q,"policy_version":%d}`, d.Key.Subject, d.Reason, d.PolicyVer)
	sessionID := ""
	if a.session != nil {
		sessionID = a.session.id
	}
	if err := a.store.AppendEvent(ctx, &domain.Event{
		ID: newEventID(), ProfileID: a.profileID, SessionID: sessionID,
		Kind: kind, At: a.clk.NowWall(), Detail: detail,
	}); err != nil {
		a.log.Error("appending decision event", "error", err)
	}
}

func eventKindFor(kind domain.DecisionKind) domain.EventKind {
	switch kind {
	case domain.DecisionApplicationLaunch:
		return domain.EventAppBlocked
	case domain.DecisionWebNavigation:
		return domain.EventWebBlocked
	case domain.DecisionTerminalCommand:
		return domain.EventCommandBlocked
	default:
		return ""
	}
}
