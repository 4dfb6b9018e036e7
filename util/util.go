package util

import (
	"context"
	"time"
)

func SleepCtx(ctx context.Context, delay time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// NextBackoff doubles the previous delay, starting at min and never exceeding max.
func NextBackoff(prev, min, max time.Duration) time.Duration {
	if prev < min {
		return min
	}
	next := prev * 2
	if next > max || next < prev {
		return max
	}
	return next
}
