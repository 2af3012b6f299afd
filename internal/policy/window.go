package policy

import (
	"time"

	"github.com/childguard/daemon/internal/clock"
)

// WindowMatcher wraps a policy's time windows, pre-split at midnight so
// evaluation never has to special-case a crossing window at decision time.
type WindowMatcher struct {
	windows []clock.TimeWindow
}

func compileWindowMatcher(in []clock.TimeWindow) WindowMatcher {
	split := make([]clock.TimeWindow, 0, len(in))
	for _, w := range in {
		split = append(split, w.Split()...)
	}
	return WindowMatcher{windows: split}
}

// Inside reports whether the given day-of-week/seconds-into-day falls
// within any compiled window, the union of all matching windows.
func (m WindowMatcher) Inside(dayOfWeek time.Weekday, secondsIntoDay int) bool {
	for _, w := range m.windows {
		if clock.WindowContains(w, dayOfWeek, secondsIntoDay) {
			return true
		}
	}
	return false
}

// InsideWithGrace extends Inside by each window's trailing grace period.
func (m WindowMatcher) InsideWithGrace(dayOfWeek time.Weekday, secondsIntoDay int) bool {
	for _, w := range m.windows {
		if clock.WindowContainsWithGrace(w, dayOfWeek, secondsIntoDay) {
			return true
		}
	}
	return false
}

// UntilBoundary returns seconds until the nearest window boundary and any
// grace remaining, for scheduling the engine's fast warning tick.
func (m WindowMatcher) UntilBoundary(dayOfWeek time.Weekday, secondsIntoDay int) (untilBoundary, graceRemaining int) {
	return clock.SecondsUntilBoundary(m.windows, dayOfWeek, secondsIntoDay)
}

// Empty reports whether the policy defines no windows at all, meaning
// "always allowed" per spec.md's budget-exhaustion scenario.
func (m WindowMatcher) Empty() bool { return len(m.windows) == 0 }
