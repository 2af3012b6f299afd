package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/childguard/daemon/internal/clock"
	"github.com/childguard/daemon/internal/domain"
	"github.com/childguard/daemon/pkg/events"
)

// handleEvent folds one normalized ingest event into this profile's live
// session and focus accounting. It never blocks on the store: a write
// failure is logged and the in-memory state still advances, since the
// accounting loop's source of truth is the actor, not durability of any
// one event.
func (a *profileActor) handleEvent(ctx context.Context, evt *events.NormalizedEvent) {
	now := a.clk.NowWall()
	monoNow := a.clk.NowMono().UnixNano()
	a.lastEventAt = now

	if a.session == nil {
		a.openSession(ctx, now, monoNow)
	}
	a.resetDailyIfNeeded(now)

	a.session.lastInputMono = monoNow

	if evt.Kind == events.RecordFocusChange {
		a.recordFocusChange(ctx, evt.Exec, now, monoNow)
	}
}

func (a *profileActor) openSession(ctx context.Context, now time.Time, monoNow int64) {
	sess := &domain.Session{
		ID: newSessionID(), ProfileID: a.profileID, SystemUser: a.systemUser, StartTime: now,
	}
	if err := a.store.OpenSession(ctx, sess); err != nil {
		a.log.Error("opening session", "profile", a.profileID, "error", err)
	}
	a.session = &liveSession{id: sess.ID, startedAtMono: monoNow, lastTickMono: monoNow, lastInputMono: monoNow}
	a.state = StateActive
}

func (a *profileActor) recordFocusChange(ctx context.Context, exec string, now time.Time, monoNow int64) {
	if a.session.currentFocus != "" && !a.session.lastFocusStartWall.IsZero() {
		durationSecs := int64(now.Sub(a.session.lastFocusStartWall).Seconds())
		if durationSecs > 0 {
			if err := a.store.AppendActivity(ctx, &domain.Activity{
				SessionID: a.session.id, ProfileID: a.profileID,
				StartTime: a.session.lastFocusStartWall, DurationSecs: durationSecs,
				AppKey: a.session.currentFocus,
			}); err != nil {
				a.log.Error("appending activity", "profile", a.profileID, "error", err)
			}
		}
	}
	a.session.currentFocus = exec
	a.session.lastFocusStartWall = now
}

func (a *profileActor) resetDailyIfNeeded(now time.Time) {
	date := a.cal.LocalDate(now).Format("2006-01-02")
	if a.todayDate != date {
		a.todayDate = date
		a.todayUsedSeconds = 0
		a.budgetExhausted = false
		a.windowExpired = false
	}
}

// tick is the periodic accounting and enforcement pass: advance
// active/idle counters for the live session, re-evaluate the compiled
// budget and time windows, and drive the Enforcer when a profile has
// crossed a limit, per spec.md §4.5.
func (a *profileActor) tick(ctx context.Context, baseInterval time.Duration) {
	if a.session == nil {
		return
	}
	now := a.clk.NowWall()
	a.resetDailyIfNeeded(now)

	snap := a.registry.Current(a.profileID)
	if snap == nil {
		return
	}
	defer snap.Release()

	monoNow := a.clk.NowMono().UnixNano()
	deltaSecs := (monoNow - a.session.lastTickMono) / int64(time.Second)
	a.session.lastTickMono = monoNow
	if deltaSecs < 0 {
		deltaSecs = 0
	}

	idle := a.clk.Since(time.Unix(0, a.session.lastInputMono)) > a.idleThreshold()
	if idle {
		a.session.idleSeconds += deltaSecs
	} else {
		a.session.activeSeconds += deltaSecs
		a.todayUsedSeconds += deltaSecs
	}

	dayKind := a.cal.DayKind(now)
	baseCap := snap.Budget.CapSeconds(dayKind != clock.Weekday)

	if !idle && a.todayUsedSeconds > baseCap {
		overage := deltaSecs
		if over := a.todayUsedSeconds - baseCap; over < overage {
			overage = over
		}
		a.consumeExtraTime(ctx, now, overage)
	}

	extra := a.extraSecondsRemaining(ctx, now)
	effectiveCap := baseCap + extra
	remaining := effectiveCap - a.todayUsedSeconds

	weekday, secondsIntoDay := a.calendarPosition(now)
	insideGrace := snap.Windows.Empty() || snap.Windows.InsideWithGrace(weekday, secondsIntoDay)

	if err := a.store.UpdateSessionAccounting(ctx, a.session.id, a.session.activeSeconds+a.session.idleSeconds, a.session.activeSeconds, a.session.idleSeconds); err != nil {
		a.log.Error("updating session accounting", "profile", a.profileID, "error", err)
	}

	switch {
	case remaining <= 0 || !insideGrace:
		a.enterLocked(ctx, now, remaining <= 0)
		a.adjustTickInterval(baseInterval, false)
	case remaining <= int64(a.cfg.WarningLeadSeconds) && now.Sub(a.lastWarningAt) > a.warningDebounce():
		a.enterWarning(ctx, now, remaining)
		a.adjustTickInterval(baseInterval, true)
	default:
		a.budgetExhausted = false
		a.windowExpired = false
		a.sessionLocked = false
		a.state = StateActive
		a.adjustTickInterval(baseInterval, false)
	}
}

func (a *profileActor) consumeExtraTime(ctx context.Context, now time.Time, overageSecs int64) {
	if overageSecs <= 0 {
		return
	}
	exceptions, err := a.store.ActiveExceptions(ctx, a.profileID, now)
	if err != nil {
		return
	}
	remainingToConsume := overageSecs
	for _, exc := range exceptions {
		if remainingToConsume <= 0 {
			return
		}
		if !exc.IsConsuming() || !exc.Active(now) {
			continue
		}
		take := exc.ExtraSecondsRemaining
		if take > remainingToConsume {
			take = remainingToConsume
		}
		if take <= 0 {
			continue
		}
		if err := a.store.ConsumeExtraTime(ctx, exc.ID, take); err != nil {
			a.log.Error("consuming extra time", "exception", exc.ID, "error", err)
			continue
		}
		remainingToConsume -= take
	}
}

func (a *profileActor) extraSecondsRemaining(ctx context.Context, now time.Time) int64 {
	exceptions, err := a.store.ActiveExceptions(ctx, a.profileID, now)
	if err != nil {
		return 0
	}
	var total int64
	for _, exc := range exceptions {
		if exc.IsConsuming() && exc.Active(now) {
			total += exc.ExtraSecondsRemaining
		}
	}
	return total
}

func (a *profileActor) enterLocked(ctx context.Context, now time.Time, budgetHit bool) {
	if a.sessionLocked {
		return
	}
	a.sessionLocked = true
	a.budgetExhausted = budgetHit
	a.windowExpired = !budgetHit
	a.state = StateLocked

	kind, reason := domain.EventWindowClosed, "window-expired"
	if budgetHit {
		kind, reason = domain.EventTimeLimitHit, "time-limit-hit"
	}
	detail := fmt.Sprintf(`{"reason":%q}`, reason)
	if err := a.store.AppendEvent(ctx, &domain.Event{
		ID: newEventID(), ProfileID: a.profileID, SessionID: a.session.id,
		Kind: kind, At: now, Detail: detail,
	}); err != nil {
		a.log.Error("appending lock event", "profile", a.profileID, "error", err)
	}
	if err := a.enforcer.LockSession(ctx, a.systemUser); err != nil {
		a.log.Error("locking session", "profile", a.profileID, "error", err)
	}
}

func (a *profileActor) enterWarning(ctx context.Context, now time.Time, remainingSeconds int64) {
	a.lastWarningAt = now
	a.state = StateWarning
	minutesRemaining := int(remainingSeconds / 60)

	detail := fmt.Sprintf(`{"minutes_remaining":%d}`, minutesRemaining)
	if err := a.store.AppendEvent(ctx, &domain.Event{
		ID: newEventID(), ProfileID: a.profileID, SessionID: a.session.id,
		Kind: domain.EventTimeWarning, At: now, Detail: detail,
	}); err != nil {
		a.log.Error("appending warning event", "profile", a.profileID, "error", err)
	}
	if err := a.enforcer.EmitWarning(ctx, a.systemUser, minutesRemaining); err != nil {
		a.log.Error("emitting warning", "profile", a.profileID, "error", err)
	}
}

// adjustTickInterval tightens the actor's tick cadence to 1s once a
// profile is within its warning window and relaxes it back to the
// configured default otherwise, per spec.md §4.5's "configurable, default
// 10s; tighter (1s) around warning thresholds". A no-op if the cadence is
// already what's wanted, so a steady-state profile doesn't rebuild its
// cron entry every tick.
func (a *profileActor) adjustTickInterval(baseInterval time.Duration, tight bool) {
	want := baseInterval
	if tight {
		want = time.Second
	}
	if want <= 0 {
		want = 10 * time.Second
	}
	if want == a.currentTickInterval {
		return
	}
	a.currentTickInterval = want
	a.scheduleTick(want)
}
