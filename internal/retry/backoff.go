package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

const maxBackoff = 30 * time.Second

// Backoff doubles baseDelay per attempt, caps at 30s and adds up to ±25% jitter.
// Attempt 0 waits nothing.
func Backoff(baseDelay time.Duration, attempt int) time.Duration {
	if attempt <= 0 || baseDelay <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	delay := baseDelay * time.Duration(1<<uint(attempt-1))
	if delay > maxBackoff || delay <= 0 {
		delay = maxBackoff
	}
	spread := int64(delay) / 2
	if spread <= 0 {
		return delay
	}
	jitter := time.Duration(rand.Int64N(spread)) - delay/4
	return delay + jitter
}

// Sleep waits for the backoff of attempt or until ctx is done.
func Sleep(ctx context.Context, baseDelay time.Duration, attempt int) error {
	wait := Backoff(baseDelay, attempt)
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
