package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/childguard/daemon/internal/clock"
	"github.com/childguard/daemon/internal/config"
	"github.com/childguard/daemon/internal/domain"
	"github.com/childguard/daemon/internal/errs"
	"github.com/childguard/daemon/pkg/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default().Store
	cfg.Path = dir + "/test.db"
	cfg.GraphPath = dir + "/graph"
	cfg.ArchivePath = dir + "/archive"
	cfg.KDFMemoryKiB = 8 * 1024 // keep Argon2id cheap in tests
	cfg.KDFIterations = 1
	cfg.KDFParallelism = 1

	s, err := Open(context.Background(), cfg, "test-passphrase", logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetProfile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &domain.Profile{ID: "p1", Name: "Alex", AgeBand: domain.AgeMiddle, SystemUser: "alex", State: domain.ProfileActive, CreatedAt: time.Now()}
	require.NoError(t, s.CreateProfile(ctx, p))

	got, err := s.GetProfile(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Alex", got.Name)

	_, err = s.GetProfile(ctx, "missing")
	assert.Equal(t, errs.CodeProfileNotFound, errs.CodeOf(err))
}

func TestCreateProfileRejectsReservedSystemUser(t *testing.T) {
	s := newTestStore(t)
	err := s.CreateProfile(context.Background(), &domain.Profile{ID: "p1", SystemUser: domain.ReservedSystemUser})
	assert.Equal(t, errs.CodeInvariantViolation, errs.CodeOf(err))
}

func TestPolicyVersionMustStrictlyIncrease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateProfile(ctx, &domain.Profile{ID: "p1", SystemUser: "alex", State: domain.ProfileActive, CreatedAt: time.Now()}))

	base := validPolicy("p1", 1)
	require.NoError(t, s.PutPolicy(ctx, base))

	stale := validPolicy("p1", 1)
	err := s.PutPolicy(ctx, stale)
	assert.Equal(t, errs.CodePolicyInvalid, errs.CodeOf(err))

	newer := validPolicy("p1", 2)
	require.NoError(t, s.PutPolicy(ctx, newer))

	current, err := s.CurrentPolicy(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), current.Version)
}

func TestOnlyOneOpenSessionPerProfile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateProfile(ctx, &domain.Profile{ID: "p1", SystemUser: "alex", State: domain.ProfileActive, CreatedAt: time.Now()}))

	sess1 := &domain.Session{ID: "s1", ProfileID: "p1", SystemUser: "alex", StartTime: time.Now()}
	require.NoError(t, s.OpenSession(ctx, sess1))

	sess2 := &domain.Session{ID: "s2", ProfileID: "p1", SystemUser: "alex", StartTime: time.Now()}
	err := s.OpenSession(ctx, sess2)
	assert.Equal(t, errs.CodeInvariantViolation, errs.CodeOf(err))

	require.NoError(t, s.CloseSession(ctx, "s1", time.Now(), domain.EndLogout, 100, 80, 20))

	// Now a new open session is allowed.
	sess3 := &domain.Session{ID: "s3", ProfileID: "p1", SystemUser: "alex", StartTime: time.Now()}
	assert.NoError(t, s.OpenSession(ctx, sess3))
}

func TestSessionScreenEqualsActivePlusIdleValidatedByCaller(t *testing.T) {
	sess := &domain.Session{ScreenSeconds: 100, ActiveSeconds: 80, IdleSeconds: 20}
	assert.NoError(t, sess.Validate())
	sess.IdleSeconds = 25
	assert.Error(t, sess.Validate())
}

func TestExtraTimeExceptionConsumption(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateProfile(ctx, &domain.Profile{ID: "p1", SystemUser: "alex", State: domain.ProfileActive, CreatedAt: time.Now()}))

	exc := &domain.Exception{
		ID: "e1", ProfileID: "p1", Kind: domain.ExceptionExtraTime,
		GrantedAt: time.Now(), ValidUntil: time.Now().Add(time.Hour), ExtraSecondsRemaining: 600,
	}
	require.NoError(t, s.GrantException(ctx, exc))

	require.NoError(t, s.ConsumeExtraTime(ctx, "e1", 500))
	active, err := s.ActiveExceptions(ctx, "p1", time.Now())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, int64(100), active[0].ExtraSecondsRemaining)

	require.NoError(t, s.ConsumeExtraTime(ctx, "e1", 500))
	active, err = s.ActiveExceptions(ctx, "p1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), active[0].ExtraSecondsRemaining)
	assert.False(t, active[0].Active(time.Now()))
}

func TestQueryEventsFiltersByDetailPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateProfile(ctx, &domain.Profile{ID: "p1", SystemUser: "alex", State: domain.ProfileActive, CreatedAt: time.Now()}))

	require.NoError(t, s.AppendEvent(ctx, &domain.Event{
		ID: "ev1", ProfileID: "p1", Kind: domain.EventAppBlocked, At: time.Now(),
		Detail: `{"app":"steam"}`,
	}))
	require.NoError(t, s.AppendEvent(ctx, &domain.Event{
		ID: "ev2", ProfileID: "p1", Kind: domain.EventAppBlocked, At: time.Now(),
		Detail: `{"app":"discord"}`,
	}))

	events, err := s.QueryEvents(ctx, EventFilter{ProfileID: "p1", DetailPath: "app", DetailValue: "steam"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ev1", events[0].ID)
}

func TestParentPasswordRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetParentPassword(ctx, "correct-horse"))

	ok, err := s.VerifyParentPassword(ctx, "correct-horse")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.VerifyParentPassword(ctx, "wrong")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListSessionsResolvesThroughGraphIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateProfile(ctx, &domain.Profile{ID: "p1", SystemUser: "alex", State: domain.ProfileActive, CreatedAt: time.Now()}))

	start := time.Now().Add(-time.Hour)
	sess := &domain.Session{ID: "s1", ProfileID: "p1", SystemUser: "alex", StartTime: start}
	require.NoError(t, s.OpenSession(ctx, sess))
	require.NoError(t, s.CloseSession(ctx, "s1", start.Add(30*time.Minute), domain.EndLogout, 1800, 1500, 300))

	sessions, err := s.ListSessions(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].ID)
}

func TestActivitiesInRangeResolvesThroughGraphIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateProfile(ctx, &domain.Profile{ID: "p1", SystemUser: "alex", State: domain.ProfileActive, CreatedAt: time.Now()}))

	today := time.Now()
	sess := &domain.Session{ID: "s1", ProfileID: "p1", SystemUser: "alex", StartTime: today}
	require.NoError(t, s.OpenSession(ctx, sess))
	require.NoError(t, s.AppendActivity(ctx, &domain.Activity{
		SessionID: "s1", ProfileID: "p1", StartTime: today, DurationSecs: 60, AppKey: "steam",
	}))

	from := today.AddDate(0, 0, -1).Format("2006-01-02")
	to := today.AddDate(0, 0, 1).Format("2006-01-02")
	activities, err := s.ActivitiesInRange(ctx, "p1", from, to)
	require.NoError(t, err)
	require.Len(t, activities, 1)
	assert.Equal(t, "steam", activities[0].AppKey)
}

func validPolicy(profileID string, version int64) *domain.Policy {
	return &domain.Policy{
		ProfileID: profileID,
		Version:   version,
		Budget:    domain.ScreenBudget{DailyCapMinutes: 120},
		Windows:   []clock.TimeWindow{{Days: 0b1111111, StartOfDay: 8 * 3600, EndOfDay: 20 * 3600}},
		Apps:      domain.AppRule{Mode: domain.ModeBlocklist},
		Web:       domain.WebRule{Mode: domain.ModeBlocklist},
		Terminal:  domain.TerminalRule{Enabled: true},
	}
}
