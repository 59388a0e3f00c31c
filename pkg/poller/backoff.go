package poller

import (
	"context"
	"time"
)

// computeBackoff doubles base per attempt, capped at limit.
func computeBackoff(base, limit time.Duration, attempt int) time.Duration {
	backoff := base
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= limit {
			return limit
		}
	}
	if backoff > limit {
		return limit
	}
	return backoff
}

// nextInterval doubles the poll interval up to limit.
func nextInterval(current, limit time.Duration) time.Duration {
	return computeBackoff(current, limit, 1)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
