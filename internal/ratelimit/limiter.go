// Package ratelimit implements the admission primitives: token buckets,
// sliding windows (local and Redis-backed), cost budgets, circuit breakers and
// a DDoS escalation heuristic.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/docgate-service/internal/model"
)

// Unlimited is reported as Limit/Remaining when no rule applies.
const Unlimited = math.MaxInt32

// Limiter evaluates rate-limit rules for an identifier. With a Redis client
// every rule is a shared sliding window; otherwise rules with a burst use a
// local token bucket and the rest a local sliding window.
//
// If Redis fails, the check falls back to the local store with the rule's
// limit divided by the fallback divisor. Availability is preferred over a hard
// failure for rate limiting.
type Limiter struct {
	redis           *RedisWindow
	local           *localStore
	fallbackDivisor int
	now             func() time.Time
	metrics         *Metrics
}

// New builds a Limiter. client may be nil for single-process operation.
func New(client redis.UniversalClient, opts ...Option) *Limiter {
	cfg := newOptions(opts)
	l := &Limiter{
		local:           newLocalStore(cfg.now),
		fallbackDivisor: cfg.fallbackDivisor,
		now:             cfg.now,
		metrics:         cfg.metrics,
	}
	if client != nil {
		l.redis = NewRedisWindow(client, cfg.prefix, cfg.timeout)
	}
	return l
}

// Distributed reports whether checks go to the shared store.
func (l *Limiter) Distributed() bool {
	return l.redis != nil
}

// Allow evaluates a single rule. The only errors are invalid rules.
func (l *Limiter) Allow(ctx context.Context, identifier string, lt model.LimitType, rule model.RateLimitRule, cost float64) (model.RateLimitResult, error) {
	if err := rule.Validate(); err != nil {
		return model.RateLimitResult{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if cost < 0 {
		return model.RateLimitResult{}, fmt.Errorf("%w: negative cost %v", ErrInvalidRule, cost)
	}

	key := identifier + ":" + string(lt)

	if l.redis != nil {
		result, err := l.redis.Check(ctx, key, rule, cost, l.now())
		if err == nil {
			l.metrics.decision(lt, result)
			return result, nil
		}
		log.Warn().Err(err).Str("key", key).Msg("shared rate limit store unavailable, using local fallback")
		l.metrics.fallback()
		result = l.local.check("fallback:"+key, l.fallbackRule(rule), cost)
		l.metrics.decision(lt, result)
		return result, nil
	}

	result := l.local.check(key, rule, cost)
	l.metrics.decision(lt, result)
	return result, nil
}

// Check evaluates rules in order and returns the first denial. When every
// rule passes, the result with the least remaining quota is returned.
func (l *Limiter) Check(ctx context.Context, identifier string, rules []model.NamedRule, cost float64) (model.RateLimitResult, error) {
	best := model.RateLimitResult{Allowed: true, Limit: Unlimited, Remaining: Unlimited, CostUsed: cost}
	for _, nr := range rules {
		result, err := l.Allow(ctx, identifier, nr.Type, nr.Rule, cost)
		if err != nil {
			return model.RateLimitResult{}, fmt.Errorf("rule %s: %w", nr.Type, err)
		}
		if !result.Allowed {
			return result, nil
		}
		if result.Remaining < best.Remaining {
			best = result
		}
	}
	return best, nil
}

// RecordSuccess clears counters for rules marked ResetOnSuccess.
func (l *Limiter) RecordSuccess(ctx context.Context, identifier string, rules []model.NamedRule) error {
	for _, nr := range rules {
		if !nr.Rule.ResetOnSuccess {
			continue
		}
		key := identifier + ":" + string(nr.Type)
		l.local.reset(key)
		l.local.reset("fallback:" + key)
		if l.redis != nil {
			if err := l.redis.Reset(ctx, key); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *Limiter) fallbackRule(rule model.RateLimitRule) model.RateLimitRule {
	r := rule
	r.Limit = max(1, rule.Limit/l.fallbackDivisor)
	if rule.Burst > 0 {
		r.Burst = max(1, rule.Burst/l.fallbackDivisor)
	}
	return r
}

// Key builds the rate-limit identifier for a request, preferring the
// authenticated identity over the client address.
func Key(identity, clientIP, endpoint string) string {
	switch {
	case identity != "":
		return "user:" + identity
	case clientIP != "":
		return "ip:" + clientIP
	case endpoint != "":
		return "endpoint:" + endpoint
	default:
		return "global"
	}
}
