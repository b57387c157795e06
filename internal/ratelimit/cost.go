package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/docgate-service/internal/model"
)

type costEntry struct {
	at   time.Time
	cost float64
}

type costWindow struct {
	mu      sync.Mutex
	entries []costEntry
}

// CostLedger budgets weighted operations over a trailing window, separately
// from request counting. With a Redis client it is shared across processes;
// without one, or when Redis fails, it keeps per-process ledgers.
type CostLedger struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	local   sync.Map // identifier -> *costWindow
	now     func() time.Time
	metrics *Metrics
}

func NewCostLedger(client redis.UniversalClient, opts ...Option) *CostLedger {
	cfg := newOptions(opts)
	return &CostLedger{
		client:  client,
		prefix:  cfg.prefix + "cost:",
		timeout: cfg.timeout,
		now:     cfg.now,
		metrics: cfg.metrics,
	}
}

// Consume charges cost against identifier's budget for the trailing window.
func (c *CostLedger) Consume(ctx context.Context, identifier string, cost, budget float64, window time.Duration) (model.RateLimitResult, error) {
	if budget <= 0 || window < time.Second {
		return model.RateLimitResult{}, fmt.Errorf("%w: budget %v window %s", ErrInvalidRule, budget, window)
	}
	if cost < 0 {
		return model.RateLimitResult{}, fmt.Errorf("%w: negative cost %v", ErrInvalidRule, cost)
	}

	now := c.now()
	if c.client != nil {
		result, err := c.consumeRedis(ctx, identifier, cost, budget, window, now)
		if err == nil {
			c.metrics.decision(model.LimitCost, result)
			return result, nil
		}
		log.Warn().Err(err).Str("identifier", identifier).Msg("cost ledger unavailable in redis, using local ledger")
		c.metrics.fallback()
	}

	result := c.consumeLocal(identifier, cost, budget, window, now)
	c.metrics.decision(model.LimitCost, result)
	return result, nil
}

// Peek reports whether cost would fit identifier's budget without charging
// it. A concurrent Consume may still spend the room before the caller does.
func (c *CostLedger) Peek(ctx context.Context, identifier string, cost, budget float64, window time.Duration) (model.RateLimitResult, error) {
	if budget <= 0 || window < time.Second {
		return model.RateLimitResult{}, fmt.Errorf("%w: budget %v window %s", ErrInvalidRule, budget, window)
	}

	now := c.now()
	var (
		result model.RateLimitResult
		err    error
	)
	if c.client != nil {
		result, err = c.peekRedis(ctx, identifier, cost, budget, window, now)
		if err != nil {
			log.Warn().Err(err).Str("identifier", identifier).Msg("cost ledger unavailable in redis, using local ledger")
			c.metrics.fallback()
		}
	}
	if c.client == nil || err != nil {
		result = c.peekLocal(identifier, cost, budget, window, now)
	}
	if !result.Allowed {
		c.metrics.decision(model.LimitCost, result)
	}
	return result, nil
}

func (c *CostLedger) consumeLocal(identifier string, cost, budget float64, window time.Duration, now time.Time) model.RateLimitResult {
	v, _ := c.local.LoadOrStore(identifier, &costWindow{})
	w := v.(*costWindow)

	w.mu.Lock()
	defer w.mu.Unlock()

	spent := w.prune(now.Add(-window))
	if spent+cost <= budget {
		w.entries = append(w.entries, costEntry{at: now, cost: cost})
		return costAllowed(budget, spent, cost, window, now)
	}
	return costDenied(budget, window, now, w.oldest(now).Add(window).Sub(now))
}

func (c *CostLedger) peekLocal(identifier string, cost, budget float64, window time.Duration, now time.Time) model.RateLimitResult {
	v, ok := c.local.Load(identifier)
	if !ok {
		return costAllowed(budget, 0, cost, window, now)
	}
	w := v.(*costWindow)

	w.mu.Lock()
	defer w.mu.Unlock()

	spent := w.prune(now.Add(-window))
	if spent+cost <= budget {
		return costAllowed(budget, spent, cost, window, now)
	}
	return costDenied(budget, window, now, w.oldest(now).Add(window).Sub(now))
}

// prune drops entries at or before cutoff and returns the remaining spend.
// The caller holds w.mu.
func (w *costWindow) prune(cutoff time.Time) float64 {
	i := 0
	for i < len(w.entries) && !w.entries[i].at.After(cutoff) {
		i++
	}
	w.entries = w.entries[i:]

	var spent float64
	for _, e := range w.entries {
		spent += e.cost
	}
	return spent
}

func (w *costWindow) oldest(now time.Time) time.Time {
	if len(w.entries) == 0 {
		return now
	}
	return w.entries[0].at
}

// consumeRedis mirrors RedisWindow.Check: one MULTI/EXEC that prunes, reads,
// inserts and refreshes the TTL, followed by removal of the insert if the
// budget was already spent. The cost is carried in the member name.
func (c *CostLedger) consumeRedis(ctx context.Context, identifier string, cost, budget float64, window time.Duration, now time.Time) (model.RateLimitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	key := c.prefix + identifier
	member := fmt.Sprintf("%d:%s:%s", now.UnixMicro(), strconv.FormatFloat(cost, 'f', -1, 64), uuid.NewString())

	var entries *redis.ZSliceCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", scoreString(now.Add(-window)))
		entries = pipe.ZRangeWithScores(ctx, key, 0, -1)
		pipe.ZAdd(ctx, key, redis.Z{Score: score(now), Member: member})
		pipe.Expire(ctx, key, window)
		return nil
	})
	if err != nil {
		return model.RateLimitResult{}, fmt.Errorf("cost ledger pipeline: %w", err)
	}

	var spent float64
	for _, z := range entries.Val() {
		spent += memberCost(z.Member)
	}

	if spent+cost <= budget {
		return costAllowed(budget, spent, cost, window, now), nil
	}

	if err := c.client.ZRem(ctx, key, member).Err(); err != nil {
		return model.RateLimitResult{}, fmt.Errorf("cost ledger compensate: %w", err)
	}
	retryAfter := window
	if survivors := entries.Val(); len(survivors) > 0 {
		retryAfter = time.UnixMicro(int64(survivors[0].Score)).Add(window).Sub(now)
	}
	return costDenied(budget, window, now, retryAfter), nil
}

func (c *CostLedger) peekRedis(ctx context.Context, identifier string, cost, budget float64, window time.Duration, now time.Time) (model.RateLimitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	entries, err := c.client.ZRangeByScoreWithScores(ctx, c.prefix+identifier, &redis.ZRangeBy{
		Min: "(" + scoreString(now.Add(-window)),
		Max: "+inf",
	}).Result()
	if err != nil {
		return model.RateLimitResult{}, fmt.Errorf("cost ledger peek: %w", err)
	}

	var spent float64
	for _, z := range entries {
		spent += memberCost(z.Member)
	}
	if spent+cost <= budget {
		return costAllowed(budget, spent, cost, window, now), nil
	}
	retryAfter := window
	if len(entries) > 0 {
		retryAfter = time.UnixMicro(int64(entries[0].Score)).Add(window).Sub(now)
	}
	return costDenied(budget, window, now, retryAfter), nil
}

// memberCost extracts the cost from a "<micros>:<cost>:<uuid>" member.
func memberCost(member interface{}) float64 {
	s, ok := member.(string)
	if !ok {
		return 0
	}
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return 0
	}
	v, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0
	}
	return v
}

func costAllowed(budget, spent, cost float64, window time.Duration, now time.Time) model.RateLimitResult {
	return model.RateLimitResult{
		Allowed:   true,
		Limit:     int(budget),
		Remaining: remaining(budget - spent - cost),
		ResetTime: now.Add(window),
		CostUsed:  cost,
	}
}

func costDenied(budget float64, window time.Duration, now time.Time, retryAfter time.Duration) model.RateLimitResult {
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return model.RateLimitResult{
		Allowed:    false,
		Limit:      int(budget),
		ResetTime:  now.Add(window),
		RetryAfter: retryAfter,
		Reason:     model.ReasonCostBudgetExceeded,
	}
}
