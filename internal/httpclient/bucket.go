package httpclient

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/mintwatch/backend/internal/core"
)

// tokenBucket is a continuously refilling rate limiter. Tokens accrue by
// linear interpolation since the last refill rather than on a tick, so a
// waiter never oversleeps past the instant a token becomes available.
type tokenBucket struct {
	mu         sync.Mutex
	maxTokens  float64
	refillRate float64 // tokens per second
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillPerSecond float64) *tokenBucket {
	if maxTokens < 1 {
		maxTokens = 1
	}
	if refillPerSecond <= 0 {
		refillPerSecond = 1
	}
	return &tokenBucket{
		maxTokens:  maxTokens,
		refillRate: refillPerSecond,
		tokens:     maxTokens,
		lastRefill: time.Now(),
	}
}

// refillLocked advances the bucket to now. Caller holds mu.
func (b *tokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.maxTokens, b.tokens+elapsed*b.refillRate)
	b.lastRefill = now
}

// Wait blocks until one token can be consumed or the context is done.
// The sleep is sized to the exact deficit and the bucket is re-checked
// afterwards, since competing waiters may have drained it meanwhile.
func (b *tokenBucket) Wait(ctx context.Context) error {
	for {
		b.mu.Lock()
		b.refillLocked(time.Now())
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - b.tokens) / b.refillRate * float64(time.Second))
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return core.WithKind(core.KindRateLimited, ctx.Err())
		}
	}
}

// Available returns the current token count for stats reporting.
func (b *tokenBucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return b.tokens
}
