package service

import (
	"context"
	"math/rand/v2"
	"time"
)

const (
	backoffBase   = time.Second
	backoffJitter = time.Second
)

// BackoffFunc returns the delay to wait after a failed attempt.
type BackoffFunc func(attempt int) time.Duration

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// JitteredBackoff returns 2^attempt seconds plus a uniform jitter in [0, 1s).
func JitteredBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return backoffBase<<attempt + rand.N(backoffJitter)
}

// sleepContext blocks for d without holding anything but the calling goroutine.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
