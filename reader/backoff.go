package reader

import (
	"context"
	"time"
)

// backoffDelay is linear in the number of consecutive failures.
func backoffDelay(retries int, base time.Duration) time.Duration {
	if retries <= 0 {
		return 0
	}
	return time.Duration(retries) * base
}

// sleepCtx waits d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
