// Package ratelimit provides a simple packets-per-second rate limiter.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttle limits to pps packets per second on average.
// A nil *Throttle never blocks.
type Throttle struct {
	lim   *rate.Limiter
	burst uint64
}

// New creates a limiter for pps packets per second.
// If pps == 0, throttling is disabled.
func New(pps uint64) *Throttle {
	if pps == 0 {
		return nil
	}
	// About 10ms worth of packets per token bucket. At least 32, at most 1024.
	burst := min(max(pps/100, 32), 1024)
	return &Throttle{
		lim:   rate.NewLimiter(rate.Limit(pps), int(burst)),
		burst: burst,
	}
}

// ThrottleN blocks until n packets are allowed.
func (l *Throttle) ThrottleN(n uint64) {
	_ = l.Wait(context.Background(), n)
}

// Wait blocks until n packets are allowed or ctx is done.
func (l *Throttle) Wait(ctx context.Context, n uint64) error {
	if l == nil {
		return nil
	}
	for n > 0 {
		step := min(n, l.burst)
		if err := l.lim.WaitN(ctx, int(step)); err != nil {
			return err
		}
		n -= step
	}
	return nil
}
