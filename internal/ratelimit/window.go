package ratelimit

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docgate-service/internal/model"
)

const (
	localCleanupInterval = 5 * time.Minute
	localIdleTTL         = 2 * time.Hour
)

// SlidingWindow counts events in a trailing window exactly. It is safe for
// concurrent use; each window has its own lock.
type SlidingWindow struct {
	mu       sync.Mutex
	events   []time.Time
	lastSeen time.Time
}

// Check prunes expired events and admits the request if count + cost fits the
// rule. An admitted request is recorded at now.
func (w *SlidingWindow) Check(rule model.RateLimitRule, cost float64, now time.Time) model.RateLimitResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastSeen = now
	cutoff := now.Add(-rule.Window)
	i := 0
	for i < len(w.events) && !w.events[i].After(cutoff) {
		i++
	}
	w.events = w.events[i:]

	used := float64(len(w.events)) * rule.Weight()
	if used+cost <= float64(rule.Limit) {
		w.events = append(w.events, now)
		return model.RateLimitResult{
			Allowed:   true,
			Limit:     rule.Limit,
			Remaining: remaining(float64(rule.Limit) - used - cost),
			ResetTime: now.Add(rule.Window),
			CostUsed:  cost,
		}
	}

	oldest := now
	if len(w.events) > 0 {
		oldest = w.events[0]
	}
	return denied(rule, now, oldest.Add(rule.Window).Sub(now), model.ReasonRateLimitExceeded)
}

func (w *SlidingWindow) idle(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return now.Sub(w.lastSeen) > localIdleTTL
}

// localStore holds per-key buckets and windows for single-process limiting.
type localStore struct {
	buckets     sync.Map // key -> *TokenBucket
	windows     sync.Map // key -> *SlidingWindow
	bucketSeen  sync.Map // key -> time.Time
	lastCleanup atomic.Int64
	now         func() time.Time
}

func newLocalStore(now func() time.Time) *localStore {
	s := &localStore{now: now}
	s.lastCleanup.Store(now().UnixNano())
	return s
}

func (s *localStore) check(key string, rule model.RateLimitRule, cost float64) model.RateLimitResult {
	now := s.now()
	s.maybeCleanup(now)

	if rule.Burst > 0 {
		return s.checkBucket(key, rule, cost, now)
	}

	v, _ := s.windows.LoadOrStore(key, &SlidingWindow{})
	return v.(*SlidingWindow).Check(rule, cost, now)
}

func (s *localStore) checkBucket(key string, rule model.RateLimitRule, cost float64, now time.Time) model.RateLimitResult {
	v, ok := s.buckets.Load(key + ":bucket")
	if !ok {
		v, _ = s.buckets.LoadOrStore(key+":bucket", newTokenBucket(rule.Burst, rule.RefillRate(), s.now))
	}
	s.bucketSeen.Store(key+":bucket", now)
	bucket := v.(*TokenBucket)

	tokens := tokensFor(cost, rule)
	if bucket.Consume(tokens) {
		// The bucket may hold more than Limit while a burst is available.
		return model.RateLimitResult{
			Allowed:   true,
			Limit:     rule.Limit,
			Remaining: min(remaining(bucket.Tokens()), rule.Limit),
			ResetTime: now.Add(rule.Window),
			CostUsed:  cost,
		}
	}
	return denied(rule, now, bucket.WaitTime(tokens), model.ReasonBucketDepleted)
}

func (s *localStore) reset(key string) {
	s.windows.Delete(key)
	s.buckets.Delete(key + ":bucket")
	s.bucketSeen.Delete(key + ":bucket")
}

func (s *localStore) maybeCleanup(now time.Time) {
	last := s.lastCleanup.Load()
	if now.UnixNano()-last < int64(localCleanupInterval) {
		return
	}
	if !s.lastCleanup.CompareAndSwap(last, now.UnixNano()) {
		return
	}

	s.windows.Range(func(k, v any) bool {
		if v.(*SlidingWindow).idle(now) {
			s.windows.Delete(k)
		}
		return true
	})
	s.bucketSeen.Range(func(k, v any) bool {
		if now.Sub(v.(time.Time)) > localIdleTTL {
			s.buckets.Delete(k)
			s.bucketSeen.Delete(k)
		}
		return true
	})
}

// tokensFor converts a request cost into whole bucket tokens, at least one.
func tokensFor(cost float64, rule model.RateLimitRule) int {
	n := int(math.Ceil(cost * rule.Weight()))
	if n < 1 {
		n = 1
	}
	return n
}

func remaining(v float64) int {
	if v <= 0 {
		return 0
	}
	return int(v)
}

func denied(rule model.RateLimitRule, now time.Time, retryAfter time.Duration, reason model.DenialReason) model.RateLimitResult {
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return model.RateLimitResult{
		Allowed:    false,
		Limit:      rule.Limit,
		Remaining:  0,
		ResetTime:  now.Add(rule.Window),
		RetryAfter: retryAfter,
		Reason:     reason,
	}
}
