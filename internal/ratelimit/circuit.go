package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// BreakerState is the state of a circuit breaker.
type BreakerState int32

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerSettings configures one breaker.
type BreakerSettings struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// BreakerResult reports whether a call was let through. A rejected call is an
// expected outcome, not an error.
type BreakerResult struct {
	Admitted   bool
	State      BreakerState
	RetryAfter time.Duration
}

// CircuitBreaker stops calls to a failing dependency. Consecutive failures
// reaching the threshold open it; after the cooldown one trial call is let
// through in half-open state and decides whether it closes or reopens.
type CircuitBreaker struct {
	mu          sync.Mutex
	name        string
	settings    BreakerSettings
	state       BreakerState
	failures    int
	lastFailure time.Time
	trial       bool
	now         func() time.Time
	metrics     *Metrics
}

func NewCircuitBreaker(name string, settings BreakerSettings, opts ...Option) *CircuitBreaker {
	cfg := newOptions(opts)
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 3
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = time.Minute
	}
	cb := &CircuitBreaker{name: name, settings: settings, now: cfg.now, metrics: cfg.metrics}
	cb.metrics.breaker(name, StateClosed)
	return cb
}

// State returns the current state without side effects.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Allow decides whether a call may proceed. An admitted call must be followed
// by exactly one Success or Failure.
func (cb *CircuitBreaker) Allow() BreakerResult {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		reopenAt := cb.lastFailure.Add(cb.settings.Cooldown)
		now := cb.now()
		if now.Before(reopenAt) {
			return BreakerResult{State: StateOpen, RetryAfter: reopenAt.Sub(now)}
		}
		cb.setStateLocked(StateHalfOpen)
		cb.trial = true
		return BreakerResult{Admitted: true, State: StateHalfOpen}
	case StateHalfOpen:
		if cb.trial {
			return BreakerResult{State: StateHalfOpen, RetryAfter: time.Second}
		}
		cb.trial = true
		return BreakerResult{Admitted: true, State: StateHalfOpen}
	default:
		return BreakerResult{Admitted: true, State: StateClosed}
	}
}

// Success records a successful call.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.trial = false
	if cb.state != StateClosed {
		cb.setStateLocked(StateClosed)
	}
}

// Failure records a failed call.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.now()
	cb.failures++
	if cb.state == StateHalfOpen {
		cb.trial = false
		cb.setStateLocked(StateOpen)
		return
	}
	if cb.state == StateClosed && cb.failures >= cb.settings.FailureThreshold {
		cb.setStateLocked(StateOpen)
	}
}

// release gives up a half-open trial without judging the dependency.
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trial = false
}

// Call runs fn if the breaker admits it. The returned error is fn's error;
// a rejection is reported only through the BreakerResult. Cancellation by the
// caller's context is not counted as a dependency failure.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) (BreakerResult, error) {
	res := cb.Allow()
	if !res.Admitted {
		return res, nil
	}

	err := fn(ctx)
	switch {
	case err == nil:
		cb.Success()
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		cb.release()
	default:
		cb.Failure()
	}
	return res, err
}

func (cb *CircuitBreaker) setStateLocked(s BreakerState) {
	if cb.state == s {
		return
	}
	log.Info().Str("service", cb.name).Str("from", cb.state.String()).Str("to", s.String()).Msg("circuit breaker state change")
	cb.state = s
	cb.metrics.breaker(cb.name, s)
}

// DefaultBreakerSettings are the per-service settings used when none are
// configured. Less reliable upstreams trip sooner and cool down longer.
func DefaultBreakerSettings() map[string]BreakerSettings {
	return map[string]BreakerSettings{
		"github":  {FailureThreshold: 3, Cooldown: 300 * time.Second},
		"pypi":    {FailureThreshold: 5, Cooldown: 120 * time.Second},
		"npm":     {FailureThreshold: 5, Cooldown: 120 * time.Second},
		"default": {FailureThreshold: 3, Cooldown: 60 * time.Second},
	}
}

// Breakers lazily creates one CircuitBreaker per service name.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	settings map[string]BreakerSettings
	opts     []Option
}

func NewBreakers(settings map[string]BreakerSettings, opts ...Option) *Breakers {
	if settings == nil {
		settings = DefaultBreakerSettings()
	}
	return &Breakers{
		breakers: make(map[string]*CircuitBreaker),
		settings: settings,
		opts:     opts,
	}
}

// Get returns the breaker for service, creating it on first use.
func (b *Breakers) Get(service string) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[service]; ok {
		return cb
	}
	s, ok := b.settings[service]
	if !ok {
		s = b.settings["default"]
	}
	cb := NewCircuitBreaker(service, s, b.opts...)
	b.breakers[service] = cb
	return cb
}

// States returns a snapshot of every known breaker's state.
func (b *Breakers) States() map[string]BreakerState {
	b.mu.Lock()
	names := make([]string, 0, len(b.breakers))
	list := make([]*CircuitBreaker, 0, len(b.breakers))
	for name, cb := range b.breakers {
		names = append(names, name)
		list = append(list, cb)
	}
	b.mu.Unlock()

	out := make(map[string]BreakerState, len(list))
	for i, cb := range list {
		out[names[i]] = cb.State()
	}
	return out
}
