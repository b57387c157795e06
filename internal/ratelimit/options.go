package ratelimit

import (
	"errors"
	"time"
)

// ErrInvalidRule is returned for rules or budgets that cannot be evaluated.
// It is a configuration fault, never a denial.
var ErrInvalidRule = errors.New("invalid rate limit rule")

type options struct {
	prefix          string
	timeout         time.Duration
	fallbackDivisor int
	now             func() time.Time
	metrics         *Metrics
}

// Option configures limiter components.
type Option func(*options)

// WithPrefix sets the Redis key prefix (default "ratelimit:").
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithTimeout bounds every Redis round trip.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithFallbackDivisor divides rule limits when Redis is unreachable and the
// local fallback is used.
func WithFallbackDivisor(n int) Option {
	return func(o *options) { o.fallbackDivisor = n }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func newOptions(opts []Option) options {
	o := options{
		prefix:          "ratelimit:",
		timeout:         defaultRedisTimeout,
		fallbackDivisor: 2,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.fallbackDivisor < 1 {
		o.fallbackDivisor = 1
	}
	if o.timeout <= 0 {
		o.timeout = defaultRedisTimeout
	}
	return o
}
