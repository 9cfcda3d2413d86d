package quota

import (
	"context"
	"fmt"
	"time"
)

// runWithRetry executes fn up to attempts times, backing off between tries.
// Only transient conflicts are retried; domain failures return immediately.
// A conflict that survives the whole budget surfaces as a temporary outage.
func runWithRetry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	delay := backoff
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
	return fmt.Errorf("%w: %v", ErrTemporarilyUnavailable, err)
}
