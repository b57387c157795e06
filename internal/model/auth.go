package model

import "time"

// RateLimitProfile is the default admission policy attached to a role.
type RateLimitProfile struct {
	Rules      []NamedRule   `json:"rules"`
	CostBudget float64       `json:"cost_budget"`
	CostWindow time.Duration `json:"cost_window"`
	Unlimited  bool          `json:"unlimited"`
}

var roleProfiles = map[Role]RateLimitProfile{
	RoleAnonymous: {
		Rules: []NamedRule{
			{Type: LimitPerMinute, Rule: RateLimitRule{Limit: 10, Window: time.Minute, Burst: 15}},
			{Type: LimitPerHour, Rule: RateLimitRule{Limit: 100, Window: time.Hour, Burst: 120}},
		},
		CostBudget: 50,
		CostWindow: time.Hour,
	},
	RoleBasic: {
		Rules: []NamedRule{
			{Type: LimitPerMinute, Rule: RateLimitRule{Limit: 50, Window: time.Minute, Burst: 75}},
			{Type: LimitPerHour, Rule: RateLimitRule{Limit: 1000, Window: time.Hour, Burst: 1200}},
		},
		CostBudget: 500,
		CostWindow: time.Hour,
	},
	RolePremium: {
		Rules: []NamedRule{
			{Type: LimitPerMinute, Rule: RateLimitRule{Limit: 100, Window: time.Minute, Burst: 150}},
			{Type: LimitPerHour, Rule: RateLimitRule{Limit: 5000, Window: time.Hour, Burst: 6000}},
		},
		CostBudget: 2500,
		CostWindow: time.Hour,
	},
	RoleDeveloper: {
		Rules: []NamedRule{
			{Type: LimitPerMinute, Rule: RateLimitRule{Limit: 200, Window: time.Minute, Burst: 300}},
			{Type: LimitPerHour, Rule: RateLimitRule{Limit: 10000, Window: time.Hour, Burst: 12000}},
		},
		CostBudget: 5000,
		CostWindow: time.Hour,
	},
	RoleAdmin: {Unlimited: true},
}

// ProfileFor returns a copy of the canonical rate-limit profile for role.
// Invalid roles get the anonymous profile.
func ProfileFor(role Role) RateLimitProfile {
	p, ok := roleProfiles[role]
	if !ok {
		p = roleProfiles[RoleAnonymous]
	}
	p.Rules = append([]NamedRule(nil), p.Rules...)
	return p
}

// AuthResult is the outcome of authenticating a request. A failed result is
// an expected outcome, not an error.
type AuthResult struct {
	Success   bool              `json:"success"`
	Identity  string            `json:"identity,omitempty"`
	Role      Role              `json:"role"`
	APIKey    *APIKey           `json:"api_key,omitempty"`
	Error     string            `json:"error,omitempty"`
	RateLimit *RateLimitProfile `json:"rate_limit,omitempty"`
}

// HasRole reports whether a successful result carries at least required.
func (r *AuthResult) HasRole(required Role) bool {
	if r == nil || !r.Success {
		return false
	}
	return r.Role.AtLeast(required)
}

// IsAdmin reports whether the result is a successful admin authentication.
func (r *AuthResult) IsAdmin() bool {
	return r.HasRole(RoleAdmin)
}

// Failed builds a failed result carrying reason.
func Failed(reason string) *AuthResult {
	return &AuthResult{Success: false, Role: RoleAnonymous, Error: reason}
}

// Anonymous builds the result for requests without credentials.
func Anonymous() *AuthResult {
	profile := ProfileFor(RoleAnonymous)
	return &AuthResult{Success: true, Role: RoleAnonymous, RateLimit: &profile}
}
