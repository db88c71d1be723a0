// Package ratelimit caps the combined download bandwidth of all workers.
package ratelimit

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Limiter blocks writers until n bytes may be consumed.
type Limiter interface {
	Wait(ctx context.Context, n int) error
}

// BandwidthLimiter is a token bucket measured in bytes per second.
type BandwidthLimiter struct {
	limiter *rate.Limiter
	burst   int
}

// New returns a BandwidthLimiter for bytesPerSec, or a NullLimiter when bytesPerSec <= 0.
// The burst is never smaller than minBurst so a single chunk can always pass.
func New(bytesPerSec int64, minBurst int) Limiter {
	if bytesPerSec <= 0 {
		return NullLimiter{}
	}

	burst := max(int(bytesPerSec), minBurst)

	return &BandwidthLimiter{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		burst:   burst,
	}
}

// Wait blocks until n bytes are allowed or ctx is done.
func (bl *BandwidthLimiter) Wait(ctx context.Context, n int) error {
	for n > 0 {
		step := min(n, bl.burst)

		if err := bl.limiter.WaitN(ctx, step); err != nil {
			return fmt.Errorf("wait %d bytes: %w", step, err)
		}

		n -= step
	}

	return nil
}

// NullLimiter never blocks.
type NullLimiter struct{}

// Wait returns immediately.
func (NullLimiter) Wait(context.Context, int) error { return nil }
