package reliability

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes capped exponential delays. The zero value is not usable;
// build one with NewBackoff or fill every field.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter spreads each delay by up to this fraction in either direction
	Jitter float64
}

// NewBackoff returns a Backoff doubling from initial up to max with 15% jitter
func NewBackoff(initial, max time.Duration) Backoff {
	return Backoff{
		Initial:    initial,
		Max:        max,
		Multiplier: 2,
		Jitter:     0.15,
	}
}

// Delay returns the wait before retry number attempt, counting from zero
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt))
	if d > float64(b.Max) || math.IsInf(d, 1) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (2*rand.Float64() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Sleep waits for d or until ctx is done. It reports whether the full delay
// elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Retry runs fn until it succeeds, returns a Permanent error, maxAttempts
// calls have failed or ctx is done. maxAttempts <= 0 means no limit.
func Retry(ctx context.Context, op string, b Backoff, maxAttempts int, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; maxAttempts <= 0 || attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return &RetryError{Op: op, Attempts: attempt, LastError: lastErr}
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}
		if maxAttempts > 0 && attempt == maxAttempts-1 {
			break
		}
		if !Sleep(ctx, b.Delay(attempt)) {
			return &RetryError{Op: op, Attempts: attempt + 1, LastError: lastErr}
		}
	}
	return &RetryError{Op: op, Attempts: maxAttempts, LastError: lastErr}
}
