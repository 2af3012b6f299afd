package enforce

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// backoffGovernor paces retries with a capped exponential delay, using
// golang.org/x/time/rate as the pacing primitive instead of a hand-rolled
// sleep loop: each attempt reserves a token from a limiter whose rate
// halves (delay doubles) on every call, clamped to maxDelay.
type backoffGovernor struct {
	base     time.Duration
	max      time.Duration
	attempts int
}

func newBackoffGovernor(base, max time.Duration, attempts int) *backoffGovernor {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	if attempts <= 0 {
		attempts = 3
	}
	return &backoffGovernor{base: base, max: max, attempts: attempts}
}

// run calls fn up to g.attempts times, waiting an exponentially increasing
// delay (paced by a rate.Limiter reservation, not time.Sleep) between
// failures. It returns the last error if every attempt fails, or nil on
// the first success.
func (g *backoffGovernor) run(ctx context.Context, fn func(ctx context.Context) error) error {
	delay := g.base
	var lastErr error
	for attempt := 0; attempt < g.attempts; attempt++ {
		if attempt > 0 {
			now := time.Now()
			limiter := rate.NewLimiter(rate.Every(delay), 1)
			// A new limiter starts with its burst token available; spend it
			// so the reservation below waits one full delay interval.
			limiter.AllowN(now, 1)
			reservation := limiter.ReserveN(now, 1)
			wait := reservation.Delay()
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				reservation.Cancel()
				return ctx.Err()
			case <-timer.C:
			}
			delay *= 2
			if delay > g.max {
				delay = g.max
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}
