package enforce

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/childguard/daemon/internal/config"
	"github.com/childguard/daemon/internal/domain"
	"github.com/childguard/daemon/pkg/logger"
)

type fakeActor struct {
	mu            sync.Mutex
	supports      map[Capability]bool
	closeCalls    int
	closeFailures int // number of leading CloseWindow calls that return an error
}

func newFakeActor(supports ...Capability) *fakeActor {
	m := make(map[Capability]bool, len(supports))
	for _, c := range supports {
		m[c] = true
	}
	return &fakeActor{supports: m}
}

func (f *fakeActor) Supports(cap Capability) bool { return f.supports[cap] }

func (f *fakeActor) CloseWindow(ctx context.Context, systemUser, windowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	if f.closeCalls <= f.closeFailures {
		return errUnsupported(CapCloseWindow)
	}
	return nil
}

func (f *fakeActor) FocusWindow(ctx context.Context, systemUser, windowID string) error { return nil }
func (f *fakeActor) SubscribeEvents(ctx context.Context, systemUser string) (<-chan WindowEvent, error) {
	return nil, errUnsupported(CapSubscribeEvents)
}
func (f *fakeActor) WorkspaceInfo(ctx context.Context, systemUser string) (WorkspaceInfo, error) {
	return WorkspaceInfo{}, errUnsupported(CapWorkspaceInfo)
}

type fakeLocker struct {
	mu         sync.Mutex
	lockCalls  int
	lockErr    error
	confirmRes bool
}

func (l *fakeLocker) Lock(ctx context.Context, systemUser string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lockCalls++
	return l.lockErr
}

func (l *fakeLocker) Confirm(ctx context.Context, systemUser string, timeout time.Duration) bool {
	return l.confirmRes
}

type fakeSink struct {
	mu     sync.Mutex
	events []*domain.Event
}

func (s *fakeSink) AppendEvent(ctx context.Context, e *domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func testConfig() config.EnforceConfig {
	return config.EnforceConfig{RetryBaseDelay: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond, RateLimitRPS: 5}
}

func TestBlockWindowSucceedsOnFirstAttempt(t *testing.T) {
	actor := newFakeActor(CapCloseWindow)
	locker := &fakeLocker{confirmRes: true}
	sink := &fakeSink{}
	c := New(actor, locker, NewNotifier(logger.Nop()), sink, testConfig(), logger.Nop())

	err := c.BlockWindow(context.Background(), "alex", "win-1")

	require.NoError(t, err)
	assert.Equal(t, 1, actor.closeCalls)
	assert.Equal(t, 0, locker.lockCalls)
}

func TestBlockWindowRetriesThenSucceeds(t *testing.T) {
	actor := newFakeActor(CapCloseWindow)
	actor.closeFailures = 2
	locker := &fakeLocker{confirmRes: true}
	c := New(actor, locker, NewNotifier(logger.Nop()), &fakeSink{}, testConfig(), logger.Nop())

	err := c.BlockWindow(context.Background(), "alex", "win-1")

	require.NoError(t, err)
	assert.Equal(t, 3, actor.closeCalls)
}

func TestBlockWindowEscalatesToLockSessionAfterExhaustingRetries(t *testing.T) {
	actor := newFakeActor(CapCloseWindow)
	actor.closeFailures = 99
	locker := &fakeLocker{confirmRes: true}
	sink := &fakeSink{}
	c := New(actor, locker, NewNotifier(logger.Nop()), sink, testConfig(), logger.Nop())

	err := c.BlockWindow(context.Background(), "alex", "win-1")

	require.NoError(t, err)
	assert.Equal(t, 1, locker.lockCalls)
	require.Len(t, sink.events, 1)
	assert.Equal(t, domain.EventEnforceFailed, sink.events[0].Kind)
}

func TestBlockWindowEscalatesImmediatelyWhenCapabilityUnsupported(t *testing.T) {
	actor := newFakeActor() // no capabilities
	locker := &fakeLocker{confirmRes: true}
	c := New(actor, locker, NewNotifier(logger.Nop()), &fakeSink{}, testConfig(), logger.Nop())

	err := c.BlockWindow(context.Background(), "alex", "win-1")

	require.NoError(t, err)
	assert.Equal(t, 0, actor.closeCalls)
	assert.Equal(t, 1, locker.lockCalls)
}

func TestLockSessionIsIdempotent(t *testing.T) {
	locker := &fakeLocker{confirmRes: true}
	c := New(newFakeActor(), locker, NewNotifier(logger.Nop()), &fakeSink{}, testConfig(), logger.Nop())

	require.NoError(t, c.LockSession(context.Background(), "alex"))
	require.NoError(t, c.LockSession(context.Background(), "alex"))

	assert.Equal(t, 1, locker.lockCalls)
}

func TestLockSessionFlagsUnverifiedWhenConfirmationFailsAndAgentDisconnected(t *testing.T) {
	locker := &fakeLocker{confirmRes: false}
	c := New(newFakeActor(), locker, NewNotifier(logger.Nop()), &fakeSink{}, testConfig(), logger.Nop())

	require.NoError(t, c.LockSession(context.Background(), "alex"))

	assert.True(t, c.Unverified("alex"))
}

func TestClearUnverifiedRestoresNormalState(t *testing.T) {
	locker := &fakeLocker{confirmRes: false}
	c := New(newFakeActor(), locker, NewNotifier(logger.Nop()), &fakeSink{}, testConfig(), logger.Nop())
	require.NoError(t, c.LockSession(context.Background(), "alex"))
	require.True(t, c.Unverified("alex"))

	c.ClearUnverified("alex")

	assert.False(t, c.Unverified("alex"))
}

func TestReturnWebDecisionDeliversToRegisteredCaller(t *testing.T) {
	c := New(newFakeActor(), &fakeLocker{}, NewNotifier(logger.Nop()), &fakeSink{}, testConfig(), logger.Nop())
	ch := c.RegisterWebCaller("caller-1")

	want := domain.Decision{Verdict: domain.VerdictBlock, Reason: "blocklist"}
	require.NoError(t, c.ReturnWebDecision(context.Background(), "caller-1", want))

	select {
	case got := <-ch:
		assert.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatal("decision never delivered")
	}
}

func TestReturnWebDecisionErrorsWhenNoCallerWaiting(t *testing.T) {
	c := New(newFakeActor(), &fakeLocker{}, NewNotifier(logger.Nop()), &fakeSink{}, testConfig(), logger.Nop())

	err := c.ReturnWebDecision(context.Background(), "unknown", domain.Decision{})

	assert.Error(t, err)
}
