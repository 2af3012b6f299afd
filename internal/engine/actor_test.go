package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/childguard/daemon/internal/clock"
	"github.com/childguard/daemon/internal/config"
	"github.com/childguard/daemon/internal/domain"
	"github.com/childguard/daemon/internal/policy"
	"github.com/childguard/daemon/pkg/events"
	"github.com/childguard/daemon/pkg/logger"
)

// fakeClock gives tests full control over wall and monotonic time.
type fakeClock struct {
	wall time.Time
	mono time.Time
}

func (f *fakeClock) NowWall() time.Time         { return f.wall }
func (f *fakeClock) NowMono() time.Time         { return f.mono }
func (f *fakeClock) Since(t time.Time) time.Duration { return f.mono.Sub(t) }

func (f *fakeClock) advance(d time.Duration) {
	f.wall = f.wall.Add(d)
	f.mono = f.mono.Add(d)
}

type fakeStore struct {
	exceptions []*domain.Exception
	events     []*domain.Event
	activities []*domain.Activity
	accounting struct {
		sessionID             string
		screen, active, idle int64
	}
	consumed map[string]int64
}

func newFakeStore() *fakeStore { return &fakeStore{consumed: make(map[string]int64)} }

func (f *fakeStore) GetProfileBySystemUser(ctx context.Context, systemUser string) (*domain.Profile, error) {
	return nil, nil
}
func (f *fakeStore) ListActiveProfiles(ctx context.Context) ([]*domain.Profile, error) { return nil, nil }
func (f *fakeStore) CurrentPolicy(ctx context.Context, profileID string) (*domain.Policy, error) {
	return nil, nil
}
func (f *fakeStore) OpenSessionForProfile(ctx context.Context, profileID string) (*domain.Session, error) {
	return nil, nil
}
func (f *fakeStore) OpenSession(ctx context.Context, sess *domain.Session) error { return nil }
func (f *fakeStore) CloseSession(ctx context.Context, sessionID string, endTime time.Time, reason domain.EndReason, screen, active, idle int64) error {
	return nil
}
func (f *fakeStore) UpdateSessionAccounting(ctx context.Context, sessionID string, screen, active, idle int64) error {
	f.accounting.sessionID, f.accounting.screen, f.accounting.active, f.accounting.idle = sessionID, screen, active, idle
	return nil
}
func (f *fakeStore) AppendEvent(ctx context.Context, e *domain.Event) error {
	f.events = append(f.events, e)
	return nil
}
func (f *fakeStore) AppendActivity(ctx context.Context, a *domain.Activity) error {
	f.activities = append(f.activities, a)
	return nil
}
func (f *fakeStore) ActiveExceptions(ctx context.Context, profileID string, asOf time.Time) ([]*domain.Exception, error) {
	var out []*domain.Exception
	for _, e := range f.exceptions {
		if e.Active(asOf) {
			out = append(out, e)
		}
	}
	return out, nil
}
func (f *fakeStore) ConsumeExtraTime(ctx context.Context, exceptionID string, secondsSpent int64) error {
	f.consumed[exceptionID] += secondsSpent
	for _, e := range f.exceptions {
		if e.ID == exceptionID {
			e.ExtraSecondsRemaining -= secondsSpent
			if e.ExtraSecondsRemaining < 0 {
				e.ExtraSecondsRemaining = 0
			}
		}
	}
	return nil
}

type fakeEnforcer struct {
	locked   int
	warnings []int
}

func (f *fakeEnforcer) LockSession(ctx context.Context, systemUser string) error {
	f.locked++
	return nil
}
func (f *fakeEnforcer) EmitWarning(ctx context.Context, systemUser string, minutesRemaining int) error {
	f.warnings = append(f.warnings, minutesRemaining)
	return nil
}

func weekdayAllDayWindow() domain.Policy {
	return domain.Policy{
		ProfileID: "p1", Version: 1,
		Budget: domain.ScreenBudget{DailyCapMinutes: 60},
		Windows: []clock.TimeWindow{
			{Days: 0b0111110, StartOfDay: 0, EndOfDay: 86400, GraceMinutes: 5},
		},
		Apps:     domain.AppRule{Mode: domain.ModeBlocklist},
		Web:      domain.WebRule{Mode: domain.ModeBlocklist},
		Terminal: domain.TerminalRule{Enabled: true, BlockClasses: []string{"destructive"}},
	}
}

func newTestActor(t *testing.T, st StoreClient, enf Enforcer, clk *fakeClock) *profileActor {
	t.Helper()
	pol := weekdayAllDayWindow()
	require.NoError(t, pol.Validate())
	snap, err := policy.NewCompiler().Compile(&pol)
	require.NoError(t, err)
	reg := policy.NewRegistry()
	reg.Publish("p1", snap)

	cal, err := clock.NewCalendar("UTC")
	require.NoError(t, err)

	cfg := config.Default().Engine
	cfg.WarningLeadSeconds = 300
	return newProfileActor("p1", "alex", cfg, st, reg, cal, clk, enf, logger.Nop())
}

func TestDecideBlocksExplicitlyBlockedApp(t *testing.T) {
	st := newFakeStore()
	enf := &fakeEnforcer{}
	clk := &fakeClock{wall: time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC), mono: time.Unix(0, 0)}
	a := newTestActor(t, st, enf, clk)

	pol := weekdayAllDayWindow()
	pol.Apps.ExplicitApps = []string{"steam"}
	snap, err := policy.NewCompiler().Compile(&pol)
	require.NoError(t, err)
	a.registry.Publish("p1", snap)

	d, err := a.decide(context.Background(), domain.DecisionKey{ProfileID: "p1", Kind: domain.DecisionApplicationLaunch, Subject: "steam"})
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictBlock, d.Verdict)
	require.Len(t, st.events, 1)
	assert.Equal(t, domain.EventAppBlocked, st.events[0].Kind)
}

func TestDecideCachesAllowVerdict(t *testing.T) {
	st := newFakeStore()
	enf := &fakeEnforcer{}
	clk := &fakeClock{wall: time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC), mono: time.Unix(0, 0)}
	a := newTestActor(t, st, enf, clk)

	key := domain.DecisionKey{ProfileID: "p1", Kind: domain.DecisionApplicationLaunch, Subject: "chrome"}
	d1, err := a.decide(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictAllow, d1.Verdict)
	assert.Equal(t, 1, a.cache.Len())

	cached, ok := a.cache.Get(key, d1.PolicyVer, clk.wall)
	require.True(t, ok)
	assert.Equal(t, d1, cached)
}

func TestExceptionAllowsBlockedApp(t *testing.T) {
	st := newFakeStore()
	enf := &fakeEnforcer{}
	clk := &fakeClock{wall: time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC), mono: time.Unix(0, 0)}
	a := newTestActor(t, st, enf, clk)

	pol := weekdayAllDayWindow()
	pol.Apps.Mode = domain.ModeBlocklist
	pol.Apps.ExplicitApps = []string{"steam"}
	snap, err := policy.NewCompiler().Compile(&pol)
	require.NoError(t, err)
	a.registry.Publish("p1", snap)

	st.exceptions = append(st.exceptions, &domain.Exception{
		ID: "exc1", ProfileID: "p1", Kind: domain.ExceptionAllowApp, Target: "steam",
		ValidUntil: clk.wall.Add(time.Hour),
	})

	d, err := a.decide(context.Background(), domain.DecisionKey{ProfileID: "p1", Kind: domain.DecisionApplicationLaunch, Subject: "steam"})
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictAllow, d.Verdict)
	assert.Contains(t, d.Reason, "exception")
}

func TestTickLocksSessionOnBudgetExhaustion(t *testing.T) {
	st := newFakeStore()
	enf := &fakeEnforcer{}
	clk := &fakeClock{wall: time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC), mono: time.Unix(0, 0)}
	a := newTestActor(t, st, enf, clk)

	a.session = &liveSession{id: "s1", lastTickMono: clk.mono.UnixNano(), lastInputMono: clk.mono.UnixNano()}

	clk.advance(61 * time.Minute) // exceeds the 60-minute daily cap
	a.session.lastInputMono = clk.mono.UnixNano()
	a.tick(context.Background(), 10*time.Second)

	assert.True(t, a.sessionLocked)
	assert.Equal(t, 1, enf.locked)
	assert.Equal(t, StateLocked, a.state)
	require.NotEmpty(t, st.events)
	assert.Equal(t, domain.EventTimeLimitHit, st.events[len(st.events)-1].Kind)
}

func TestTickConsumesExtraTimeExceptionBeyondBaseCap(t *testing.T) {
	st := newFakeStore()
	enf := &fakeEnforcer{}
	clk := &fakeClock{wall: time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC), mono: time.Unix(0, 0)}
	a := newTestActor(t, st, enf, clk)

	st.exceptions = append(st.exceptions, &domain.Exception{
		ID: "exc1", ProfileID: "p1", Kind: domain.ExceptionExtraTime,
		ValidUntil: clk.wall.Add(time.Hour), ExtraSecondsRemaining: 30 * 60,
	})

	a.session = &liveSession{id: "s1", lastTickMono: clk.mono.UnixNano(), lastInputMono: clk.mono.UnixNano()}

	clk.advance(61 * time.Minute) // 1 minute past the base cap
	a.session.lastInputMono = clk.mono.UnixNano()
	a.tick(context.Background(), 10*time.Second)

	assert.False(t, a.sessionLocked, "extra-time grant should cover the overage")
	assert.Less(t, st.exceptions[0].ExtraSecondsRemaining, int64(30*60))
}

func TestTickEmitsWarningNearBudgetLimit(t *testing.T) {
	st := newFakeStore()
	enf := &fakeEnforcer{}
	clk := &fakeClock{wall: time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC), mono: time.Unix(0, 0)}
	a := newTestActor(t, st, enf, clk)

	a.session = &liveSession{id: "s1", lastTickMono: clk.mono.UnixNano(), lastInputMono: clk.mono.UnixNano()}

	clk.advance(56 * time.Minute) // 4 minutes remaining, under the 5-minute lead
	a.session.lastInputMono = clk.mono.UnixNano()
	a.tick(context.Background(), 10*time.Second)

	assert.Equal(t, StateWarning, a.state)
	require.Len(t, enf.warnings, 1)
	assert.False(t, a.sessionLocked)
}

func TestTickLocksSessionOnWindowExpiryWithGraceElapsed(t *testing.T) {
	st := newFakeStore()
	enf := &fakeEnforcer{}
	// Monday 22:58, window closes weekdays at 23:00 with 5 minutes grace.
	clk := &fakeClock{wall: time.Date(2026, 8, 3, 22, 58, 0, 0, time.UTC), mono: time.Unix(0, 0)}
	a := newTestActor(t, st, enf, clk)

	pol := weekdayAllDayWindow()
	pol.Budget.DailyCapMinutes = 24 * 60 // cap is not the binding constraint here
	pol.Windows = []clock.TimeWindow{{Days: 0b0111110, StartOfDay: 0, EndOfDay: 23 * 3600, GraceMinutes: 5}}
	snap, err := policy.NewCompiler().Compile(&pol)
	require.NoError(t, err)
	a.registry.Publish("p1", snap)

	a.session = &liveSession{id: "s1", lastTickMono: clk.mono.UnixNano(), lastInputMono: clk.mono.UnixNano()}

	clk.advance(10 * time.Minute) // now 23:08: 8 minutes past the window's end, grace is only 5
	a.tick(context.Background(), 10*time.Second)

	assert.True(t, a.sessionLocked)
	assert.True(t, a.windowExpired)
}

func TestReloadInvalidatesCacheForOldVersionOnly(t *testing.T) {
	st := newFakeStore()
	enf := &fakeEnforcer{}
	clk := &fakeClock{wall: time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC), mono: time.Unix(0, 0)}
	a := newTestActor(t, st, enf, clk)

	key := domain.DecisionKey{ProfileID: "p1", Kind: domain.DecisionApplicationLaunch, Subject: "chrome"}
	_, err := a.decide(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, 1, a.cache.Len())

	pol := weekdayAllDayWindow()
	pol.Version = 2
	snap, err := policy.NewCompiler().Compile(&pol)
	require.NoError(t, err)
	a.registry.Publish("p1", snap)
	a.handle(context.Background(), actorMessage{reload: &reloadRequest{version: 2}})

	assert.Equal(t, 0, a.cache.Len())
}

func TestHandleEventOpensSessionAndRecordsFocusActivity(t *testing.T) {
	st := newFakeStore()
	enf := &fakeEnforcer{}
	clk := &fakeClock{wall: time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC), mono: time.Unix(0, 0)}
	a := newTestActor(t, st, enf, clk)

	focusChange := func(exec string) *events.NormalizedEvent {
		return &events.NormalizedEvent{Kind: events.RecordFocusChange, Exec: exec, ProfileID: "p1", SystemUser: "alex"}
	}

	a.handleEvent(context.Background(), focusChange("firefox"))
	require.NotNil(t, a.session)
	assert.Equal(t, "firefox", a.session.currentFocus)

	clk.advance(30 * time.Second)
	a.handleEvent(context.Background(), focusChange("gimp"))

	require.Len(t, st.activities, 1)
	assert.Equal(t, "firefox", st.activities[0].AppKey)
	assert.Equal(t, int64(30), st.activities[0].DurationSecs)
}
