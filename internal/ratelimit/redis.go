package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/docgate-service/internal/model"
)

const defaultRedisTimeout = 250 * time.Millisecond

// RedisWindow is a sliding window counter shared across processes through a
// Redis sorted set per key. Members are unique per request; scores are event
// times in microseconds.
type RedisWindow struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
}

func NewRedisWindow(client redis.UniversalClient, prefix string, timeout time.Duration) *RedisWindow {
	if timeout <= 0 {
		timeout = defaultRedisTimeout
	}
	return &RedisWindow{client: client, prefix: prefix, timeout: timeout}
}

// Check prunes, counts, speculatively inserts and refreshes the TTL in one
// MULTI/EXEC. If the count seen before the insert leaves no room, the insert
// is removed again and the denial is derived from the oldest surviving entry.
func (w *RedisWindow) Check(ctx context.Context, key string, rule model.RateLimitRule, cost float64, now time.Time) (model.RateLimitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	key = w.prefix + key
	member := fmt.Sprintf("%d:%s", now.UnixMicro(), uuid.NewString())

	var card *redis.IntCmd
	_, err := w.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", scoreString(now.Add(-rule.Window)))
		card = pipe.ZCard(ctx, key)
		pipe.ZAdd(ctx, key, redis.Z{Score: score(now), Member: member})
		pipe.Expire(ctx, key, rule.Window)
		return nil
	})
	if err != nil {
		return model.RateLimitResult{}, fmt.Errorf("sliding window pipeline: %w", err)
	}

	used := float64(card.Val()) * rule.Weight()
	if used+cost <= float64(rule.Limit) {
		return model.RateLimitResult{
			Allowed:   true,
			Limit:     rule.Limit,
			Remaining: remaining(float64(rule.Limit) - used - cost),
			ResetTime: now.Add(rule.Window),
			CostUsed:  cost,
		}, nil
	}

	if err := w.client.ZRem(ctx, key, member).Err(); err != nil {
		return model.RateLimitResult{}, fmt.Errorf("sliding window compensate: %w", err)
	}
	oldest, err := oldestScore(ctx, w.client, key)
	if err != nil {
		return model.RateLimitResult{}, err
	}
	retryAfter := rule.Window
	if !oldest.IsZero() {
		retryAfter = oldest.Add(rule.Window).Sub(now)
	}
	return denied(rule, now, retryAfter, model.ReasonRateLimitExceeded), nil
}

// Reset drops all recorded events for key.
func (w *RedisWindow) Reset(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	if err := w.client.Del(ctx, w.prefix+key).Err(); err != nil {
		return fmt.Errorf("reset window: %w", err)
	}
	return nil
}

func oldestScore(ctx context.Context, client redis.UniversalClient, key string) (time.Time, error) {
	entries, err := client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("read oldest entry: %w", err)
	}
	if len(entries) == 0 {
		return time.Time{}, nil
	}
	return time.UnixMicro(int64(entries[0].Score)), nil
}

func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

func scoreString(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}
