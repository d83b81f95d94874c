// pace.go implements token-bucket pacing for the broker REST API.
//
// The broker throttles per-account order traffic; bursts past the limit come
// back as rejections that would otherwise read like logical errors. Two
// buckets are maintained with continuous refill:
//   - Order:  20 burst / 10 per sec — place and modify calls
//   - Cancel: 20 burst / 10 per sec — cancel and bracket-exit calls
package broker

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens refilled per second
	lastTime time.Time
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// pacer groups the per-category buckets used by the REST client.
type pacer struct {
	Order  *TokenBucket
	Cancel *TokenBucket
}

func newPacer() *pacer {
	return &pacer{
		Order:  NewTokenBucket(20, 10),
		Cancel: NewTokenBucket(20, 10),
	}
}
