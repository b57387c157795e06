package model

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// LimitType names the dimension a rule limits. It is part of the storage key.
type LimitType string

const (
	LimitPerSecond       LimitType = "rps"
	LimitPerMinute       LimitType = "rpm"
	LimitPerHour         LimitType = "rph"
	LimitPerDay          LimitType = "rpd"
	LimitAPICallsPerHour LimitType = "api_cph"
	LimitCost            LimitType = "cost"
)

// DenialReason is the machine-readable cause of a denied admission.
type DenialReason string

const (
	ReasonRateLimitExceeded  DenialReason = "rate_limit_exceeded"
	ReasonBucketDepleted     DenialReason = "token_bucket_depleted"
	ReasonCostBudgetExceeded DenialReason = "cost_budget_exceeded"
	ReasonCircuitOpen        DenialReason = "circuit_open"
	ReasonIPBlocked          DenialReason = "ip_blocked"
)

// RateLimitRule is immutable configuration for one limit.
type RateLimitRule struct {
	Limit          int           `json:"limit"`
	Window         time.Duration `json:"window"`
	Burst          int           `json:"burst,omitempty"`
	CostPerRequest float64       `json:"cost_per_request,omitempty"`
	ResetOnSuccess bool          `json:"reset_on_success,omitempty"`
}

// Validate rejects rules that cannot be evaluated.
func (r RateLimitRule) Validate() error {
	if r.Limit <= 0 {
		return fmt.Errorf("rule limit must be positive, got %d", r.Limit)
	}
	if r.Window < time.Second {
		return fmt.Errorf("rule window must be at least 1s, got %s", r.Window)
	}
	if r.Burst < 0 {
		return fmt.Errorf("rule burst must not be negative, got %d", r.Burst)
	}
	if r.CostPerRequest < 0 {
		return fmt.Errorf("rule cost_per_request must not be negative, got %v", r.CostPerRequest)
	}
	return nil
}

// Weight returns the per-entry weight, defaulting to 1.
func (r RateLimitRule) Weight() float64 {
	if r.CostPerRequest == 0 {
		return 1
	}
	return r.CostPerRequest
}

// RefillRate is the steady-state rate in permits per second.
func (r RateLimitRule) RefillRate() float64 {
	return float64(r.Limit) / r.Window.Seconds()
}

// NamedRule pairs a rule with the dimension it limits.
type NamedRule struct {
	Type LimitType     `json:"type"`
	Rule RateLimitRule `json:"rule"`
}

// RateLimitResult is the verdict of an admission check.
type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
	CostUsed   float64
	Reason     DenialReason
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, as used by the
// Retry-After header.
func (r RateLimitResult) RetryAfterSeconds() int {
	if r.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(r.RetryAfter.Seconds()))
}

type rateLimitResultJSON struct {
	Allowed    bool         `json:"allowed"`
	Limit      int          `json:"limit"`
	Remaining  int          `json:"remaining"`
	ResetTime  int64        `json:"reset_time"`
	RetryAfter int          `json:"retry_after,omitempty"`
	CostUsed   float64      `json:"cost_used"`
	Reason     DenialReason `json:"reason,omitempty"`
}

func (r RateLimitResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(rateLimitResultJSON{
		Allowed:    r.Allowed,
		Limit:      r.Limit,
		Remaining:  r.Remaining,
		ResetTime:  r.ResetTime.Unix(),
		RetryAfter: r.RetryAfterSeconds(),
		CostUsed:   r.CostUsed,
		Reason:     r.Reason,
	})
}
