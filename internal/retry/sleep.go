// Package retry holds the context-aware wait shared by the REST retry loop
// and the reconnect loop.
package retry

import (
	"context"
	"time"
)

// Sleep waits for delay or until ctx is done, whichever comes first. A
// non-positive delay returns immediately.
func Sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
