package openai

import (
	"context"
	"sync"
	"time"
)

// rateLimiter is a token bucket holding at most rate tokens, refilled evenly
// over window.
type rateLimiter struct {
	mu       sync.Mutex // protects lastTime and tokens
	lastTime time.Time
	tokens   int

	window time.Duration
	rate   int
	now    func() time.Time
}

// newRateLimiter allows rate requests per window, e.g.
// newRateLimiter(20, time.Minute) allows 20 requests a minute.
func newRateLimiter(rate int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		window:   window,
		rate:     rate,
		lastTime: time.Now(),
		tokens:   rate,
		now:      time.Now,
	}
}

// Acquire blocks until a token is available or ctx is done.
func (rl *rateLimiter) Acquire(ctx context.Context) error {
	for {
		if rl.tryAcquire() {
			return nil
		}

		// The bucket is empty. Wait long enough for one token to accumulate.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rl.window / time.Duration(rl.rate)):
		}
	}
}

func (rl *rateLimiter) tryAcquire() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	refill := int(now.Sub(rl.lastTime).Nanoseconds() * int64(rl.rate) / rl.window.Nanoseconds())
	if refill > 0 {
		// Only advance lastTime by whole tokens so fractional progress is
		// not lost between frequent calls.
		rl.tokens = min(rl.tokens+refill, rl.rate)
		rl.lastTime = rl.lastTime.Add(time.Duration(int64(refill) * rl.window.Nanoseconds() / int64(rl.rate)))
	}
	if rl.tokens <= 0 {
		return false
	}

	rl.tokens--
	return true
}
