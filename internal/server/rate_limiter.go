// Package server implements per-connection inbound throttling that protects
// the broker from a flooding client.
package server

import (
	"time"

	"golang.org/x/time/rate"
)

type rateLimiter struct {
	limiter *rate.Limiter
}

// newRateLimiter allows capacity frames per interval with bursts of up to
// capacity frames.
func newRateLimiter(capacity int, interval time.Duration) *rateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	every := rate.Limit(float64(capacity) / interval.Seconds())
	return &rateLimiter{limiter: rate.NewLimiter(every, capacity)}
}

func (rl *rateLimiter) allow() bool {
	return rl.limiter.Allow()
}
