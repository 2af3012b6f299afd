package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalendarDayKindPrecedence(t *testing.T) {
	cal, err := NewCalendar("UTC")
	require.NoError(t, err)

	saturday := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) // Saturday
	monday := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, Weekend, cal.DayKind(saturday))
	assert.Equal(t, Weekday, cal.DayKind(monday))

	cal.SetHolidays([]time.Time{monday})
	assert.Equal(t, Holiday, cal.DayKind(monday), "holiday must take precedence over weekday")

	cal.SetHolidays([]time.Time{saturday})
	assert.Equal(t, Holiday, cal.DayKind(saturday), "holiday must take precedence over weekend")
}

func TestWindowContainsMidnightSplit(t *testing.T) {
	// 22:00 -> 06:00 crossing midnight, every day.
	w := TimeWindow{Days: 0b1111111, StartOfDay: 22 * 3600, EndOfDay: 6 * 3600}

	parts := w.Split()
	require.Len(t, parts, 2)
	assert.False(t, parts[0].CrossesMidnight())
	assert.False(t, parts[1].CrossesMidnight())

	// 23:00 Tuesday is inside (first half).
	assert.True(t, WindowContains(w, time.Tuesday, 23*3600))
	// 02:00 Wednesday is inside (second half, shifted day mask).
	assert.True(t, WindowContains(w, time.Wednesday, 2*3600))
	// 12:00 Wednesday is outside.
	assert.False(t, WindowContains(w, time.Wednesday, 12*3600))

	// The testable property from spec section 8: contains(W,t) iff
	// contains(split1,t) or contains(split2,t), and the splits don't
	// overlap in seconds-into-day space.
	assert.False(t, overlaps(parts[0], parts[1]))
}

func overlaps(a, b TimeWindow) bool {
	return a.StartOfDay < b.EndOfDay && b.StartOfDay < a.EndOfDay
}

func TestWindowGraceDistinctFromContains(t *testing.T) {
	w := TimeWindow{Days: 0b1111111, StartOfDay: 15 * 3600, EndOfDay: 19 * 3600, GraceMinutes: 5}

	// 19:04 is in grace but not strictly contained.
	assert.False(t, WindowContains(w, time.Monday, 19*3600+4*60))
	assert.True(t, WindowContainsWithGrace(w, time.Monday, 19*3600+4*60))

	// 19:06 is past grace.
	assert.False(t, WindowContainsWithGrace(w, time.Monday, 19*3600+6*60))
}

func TestWindowGraceAcrossMidnight(t *testing.T) {
	w := TimeWindow{Days: MaskForWeekday(time.Monday), StartOfDay: 0, EndOfDay: 86400 - 60, GraceMinutes: 5}
	// Grace spills 4 minutes into Tuesday.
	assert.True(t, WindowContainsWithGrace(w, time.Tuesday, 3*60))
	assert.False(t, WindowContainsWithGrace(w, time.Tuesday, 6*60))
}

type fakeClock struct{ now time.Time }

func (f fakeClock) NowWall() time.Time { return f.now }
func (f fakeClock) NowMono() time.Time { return f.now }
func (f fakeClock) Since(t time.Time) time.Duration {
	d := f.now.Sub(t)
	if d < 0 {
		return 0
	}
	return d
}

func TestSystemClockSinceNeverNegative(t *testing.T) {
	var c SystemClock
	future := time.Now().Add(time.Hour)
	assert.Equal(t, time.Duration(0), c.Since(future))
}
