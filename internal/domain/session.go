package domain

import (
	"fmt"
	"time"
)

// EndReason records why a session was closed.
type EndReason string

const (
	EndLogout        EndReason = "logout"
	EndTimeLimit     EndReason = "time-limit"
	EndWindowExpired EndReason = "window-expired"
	EndCrash         EndReason = "crash"
	EndShutdown      EndReason = "shutdown"
)

// Session is an observed login interval for a profile on a system user.
// At most one open (EndTime == nil) session may exist per profile.
type Session struct {
	ID               string
	ProfileID        string
	SystemUser       string
	StartTime        time.Time
	EndTime          *time.Time
	EndReason        EndReason
	ScreenSeconds    int64
	ActiveSeconds    int64
	IdleSeconds      int64
}

// IsOpen reports whether the session has not yet been closed.
func (s *Session) IsOpen() bool { return s.EndTime == nil }

// Validate enforces screen = active + idle.
func (s *Session) Validate() error {
	if s.ScreenSeconds != s.ActiveSeconds+s.IdleSeconds {
		return fmt.Errorf("session %s: screen seconds (%d) must equal active+idle (%d+%d)",
			s.ID, s.ScreenSeconds, s.ActiveSeconds, s.IdleSeconds)
	}
	return nil
}

// Activity is a focused-window usage interval within a session.
// Activities within a session are non-overlapping, ordered by start, and
// their durations sum to at most the session's active seconds.
type Activity struct {
	SessionID     string
	ProfileID     string
	StartTime     time.Time
	DurationSecs  int64
	AppKey        string
	WindowTitle   string // omitted (empty) when title capture is disabled
}
