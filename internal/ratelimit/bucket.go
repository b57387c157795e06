package ratelimit

import (
	"math"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket is a capped, continuously refilling permit counter. Refill is
// computed lazily on access; there is no background timer. It is safe for
// concurrent use.
type TokenBucket struct {
	limiter  *rate.Limiter
	capacity int
	refill   float64
	now      func() time.Time
}

// NewTokenBucket returns a full bucket holding capacity tokens that refills
// at refillRate tokens per second.
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity int, refillRate float64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		limiter:  rate.NewLimiter(rate.Limit(refillRate), capacity),
		capacity: capacity,
		refill:   refillRate,
		now:      now,
	}
}

// Consume takes n tokens if available. A failed call leaves the balance
// untouched.
func (b *TokenBucket) Consume(n int) bool {
	return b.limiter.AllowN(b.now(), n)
}

// Tokens returns the current balance after refill.
func (b *TokenBucket) Tokens() float64 {
	return b.limiter.TokensAt(b.now())
}

func (b *TokenBucket) Capacity() int { return b.capacity }

// WaitTime returns how long until n tokens are available, or 0 if they
// already are.
func (b *TokenBucket) WaitTime(n int) time.Duration {
	tokens := b.Tokens()
	if tokens >= float64(n) {
		return 0
	}
	if b.refill <= 0 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration((float64(n) - tokens) / b.refill * float64(time.Second))
}
