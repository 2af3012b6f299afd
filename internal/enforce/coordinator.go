package enforce

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/childguard/daemon/internal/config"
	"github.com/childguard/daemon/internal/domain"
	"github.com/childguard/daemon/internal/errs"
	"github.com/childguard/daemon/pkg/logger"
)

// EventSink is the subset of the store the coordinator writes durable
// outcome records through; declared consumer-side so tests substitute a
// fake without depending on internal/store.
type EventSink interface {
	AppendEvent(ctx context.Context, e *domain.Event) error
}

// Coordinator is the Enforcement Coordinator (X): it translates Engine
// decisions into operations against the window-manager Actor and the
// user-session notification channel, retries transient failures with a
// capped backoff, and escalates to a session lock when an operation
// cannot be confirmed.
type Coordinator struct {
	actor    Actor
	locker   SessionLocker
	notifier *Notifier
	store    EventSink
	log      logger.Logger

	confirmTimeout time.Duration
	backoff        *backoffGovernor

	mu          sync.Mutex
	lockedUsers map[string]bool
	unverified  map[string]bool // system user -> unverified-enforcement flag
	pendingWeb  map[string]chan domain.Decision
}

func New(actor Actor, locker SessionLocker, notifier *Notifier, store EventSink, cfg config.EnforceConfig, log logger.Logger) *Coordinator {
	if actor == nil {
		actor = NullActor{}
	}
	return &Coordinator{
		actor:          actor,
		locker:         locker,
		notifier:       notifier,
		store:          store,
		log:            log.With("enforce"),
		confirmTimeout: 2 * time.Second,
		backoff:        newBackoffGovernor(cfg.RetryBaseDelay, cfg.RetryMaxDelay, 3),
		lockedUsers:    make(map[string]bool),
		unverified:     make(map[string]bool),
		pendingWeb:     make(map[string]chan domain.Decision),
	}
}

// BlockWindow instructs the window-manager adapter to close windowID for
// systemUser, retrying with capped exponential backoff up to 3 attempts
// over <=3s; on final failure it emits enforce-failed and escalates to
// LockSession, per the Enforcement Coordinator contract.
func (c *Coordinator) BlockWindow(ctx context.Context, systemUser, windowID string) error {
	if !c.actor.Supports(CapCloseWindow) {
		c.log.Warn("close-window unsupported by actor, escalating to lock", "system_user", systemUser)
		return c.LockSession(ctx, systemUser)
	}

	err := c.backoff.run(ctx, func(ctx context.Context) error {
		return c.actor.CloseWindow(ctx, systemUser, windowID)
	})
	if err == nil {
		return nil
	}

	c.log.Error("block-window failed after retries, escalating to lock-session", "system_user", systemUser, "window", windowID, "error", err)
	c.appendEvent(ctx, "", domain.EventEnforceFailed, fmt.Sprintf(`{"op":"block-window","system_user":%q,"error":%q}`, systemUser, err.Error()))
	if lockErr := c.LockSession(ctx, systemUser); lockErr != nil {
		return errs.Wrap(errs.CodeEnforceFailed, "block-window failed and lock-session escalation also failed", lockErr)
	}
	return nil
}

// LockSession invokes the session-lock mechanism and confirms it by
// polling, bounded by confirmTimeout. Idempotent: a systemUser already
// recorded as locked is a no-op. If the lock command fails, or
// confirmation times out while the notifier has no live connection for
// systemUser, the profile is flagged unverified-enforcement; only
// ClearUnverified removes the flag, and a later liveness signal does not.
func (c *Coordinator) LockSession(ctx context.Context, systemUser string) error {
	c.mu.Lock()
	alreadyLocked := c.lockedUsers[systemUser]
	c.mu.Unlock()
	if alreadyLocked {
		return nil
	}

	if err := c.locker.Lock(ctx, systemUser); err != nil {
		c.log.Error("lock-session command failed", "system_user", systemUser, "error", err)
		c.flagUnverified(systemUser)
		return err
	}

	confirmed := c.locker.Confirm(ctx, systemUser, c.confirmTimeout)
	c.mu.Lock()
	c.lockedUsers[systemUser] = true
	c.mu.Unlock()

	if !confirmed {
		// Fail-closed: confirmation timed out. If the user-session agent's
		// websocket is also down, liveness cannot be asserted either, so
		// the profile is flagged unverified-enforcement.
		if !c.notifier.Connected(systemUser) {
			c.flagUnverified(systemUser)
		}
		c.log.Warn("lock-session confirmation timed out", "system_user", systemUser)
	}
	return nil
}

// EmitWarning delivers a time-remaining warning over the user-session
// notification channel. Best-effort: no retry, per the contract.
func (c *Coordinator) EmitWarning(ctx context.Context, systemUser string, minutesRemaining int) error {
	return c.notifier.send(systemUser, notifyMessage{Kind: "warning", MinutesRemaining: minutesRemaining})
}

// RegisterWebCaller allocates a response channel a web-filter caller
// blocks on until ReturnWebDecision delivers its Decision, or ctx expires.
func (c *Coordinator) RegisterWebCaller(callerID string) <-chan domain.Decision {
	ch := make(chan domain.Decision, 1)
	c.mu.Lock()
	c.pendingWeb[callerID] = ch
	c.mu.Unlock()
	return ch
}

// ReturnWebDecision replies synchronously to the web-filter caller
// identified by callerID, if it is still waiting.
func (c *Coordinator) ReturnWebDecision(ctx context.Context, callerID string, d domain.Decision) error {
	c.mu.Lock()
	ch, ok := c.pendingWeb[callerID]
	if ok {
		delete(c.pendingWeb, callerID)
	}
	c.mu.Unlock()
	if !ok {
		return errs.New(errs.CodeEnforceFailed, "no web caller waiting for "+callerID)
	}
	select {
	case ch <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unverified reports whether systemUser is currently flagged
// unverified-enforcement. No decision path reads this flag, so Allow
// decisions are not refused while it is set.
func (c *Coordinator) Unverified(systemUser string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unverified[systemUser]
}

// ClearUnverified is the admin override that removes systemUser's
// unverified-enforcement flag; it is the only way the flag is cleared.
func (c *Coordinator) ClearUnverified(systemUser string) {
	c.mu.Lock()
	delete(c.unverified, systemUser)
	delete(c.lockedUsers, systemUser)
	c.mu.Unlock()
}

func (c *Coordinator) flagUnverified(systemUser string) {
	c.mu.Lock()
	c.unverified[systemUser] = true
	c.mu.Unlock()
}

func (c *Coordinator) appendEvent(ctx context.Context, sessionID string, kind domain.EventKind, detail string) {
	if c.store == nil {
		return
	}
	if err := c.store.AppendEvent(ctx, &domain.Event{
		ID: uuid.NewString(), SessionID: sessionID,
		Kind: kind, At: time.Now(), Detail: detail,
	}); err != nil {
		c.log.Error("appending enforce event", "error", err)
	}
}
