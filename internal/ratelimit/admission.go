package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/docgate-service/internal/model"
)

// apiCallRule bounds outbound calls made on behalf of one identifier.
var apiCallRule = model.RateLimitRule{Limit: 100, Window: time.Hour, CostPerRequest: 1}

// Request describes one admission check.
type Request struct {
	Identifier string
	ClientIP   string
	Profile    model.RateLimitProfile
	Cost       float64
}

// Admission is the single entry point combining the DDoS guard, the rule
// limiter, the cost ledger and the upstream circuit breakers.
type Admission struct {
	limiter  *Limiter
	costs    *CostLedger
	guard    *DDoSGuard
	breakers *Breakers
	now      func() time.Time
}

func NewAdmission(limiter *Limiter, costs *CostLedger, guard *DDoSGuard, breakers *Breakers) *Admission {
	return &Admission{
		limiter:  limiter,
		costs:    costs,
		guard:    guard,
		breakers: breakers,
		now:      limiter.now,
	}
}

func (a *Admission) Guard() *DDoSGuard   { return a.guard }
func (a *Admission) Breakers() *Breakers { return a.breakers }
func (a *Admission) Limiter() *Limiter   { return a.limiter }

// Admit decides whether req may proceed. Denials are returned as results;
// errors are reserved for misconfigured rules.
func (a *Admission) Admit(ctx context.Context, req Request) (model.RateLimitResult, error) {
	now := a.now()

	if req.ClientIP != "" && a.guard.IsSuspicious(req.ClientIP) {
		return model.RateLimitResult{
			Allowed:    false,
			ResetTime:  now.Add(a.guard.BlockRemaining(req.ClientIP)),
			RetryAfter: max(time.Second, a.guard.BlockRemaining(req.ClientIP)),
			Reason:     model.ReasonIPBlocked,
		}, nil
	}

	if req.Profile.Unlimited {
		return model.RateLimitResult{Allowed: true, Limit: Unlimited, Remaining: Unlimited, CostUsed: req.Cost}, nil
	}

	charge := req.Profile.CostBudget > 0 && req.Cost > 0

	// A request the budget would refuse must not spend count slots.
	if charge {
		peek, err := a.costs.Peek(ctx, req.Identifier, req.Cost, req.Profile.CostBudget, req.Profile.CostWindow)
		if err != nil {
			return model.RateLimitResult{}, err
		}
		if !peek.Allowed {
			return peek, nil
		}
	}

	result, err := a.limiter.Check(ctx, req.Identifier, req.Profile.Rules, req.Cost)
	if err != nil {
		return model.RateLimitResult{}, err
	}
	if !result.Allowed {
		a.guard.MarkSuspicious(req.ClientIP)
		return result, nil
	}

	if charge {
		costResult, err := a.costs.Consume(ctx, req.Identifier, req.Cost, req.Profile.CostBudget, req.Profile.CostWindow)
		if err != nil {
			return model.RateLimitResult{}, err
		}
		if !costResult.Allowed {
			return costResult, nil
		}
	}
	return result, nil
}

// ProtectedCall runs fn against an external service after charging the
// identifier's outbound call quota and consulting the service's breaker.
// Quota and breaker rejections come back as denied results; fn's failure is
// returned as an error.
func (a *Admission) ProtectedCall(ctx context.Context, service, identifier string, fn func(context.Context) error) (model.RateLimitResult, error) {
	result, err := a.limiter.Allow(ctx, identifier, model.LimitAPICallsPerHour, apiCallRule, 1)
	if err != nil {
		return model.RateLimitResult{}, err
	}
	if !result.Allowed {
		return result, nil
	}

	br, err := a.breakers.Get(service).Call(ctx, fn)
	if !br.Admitted {
		now := a.now()
		return model.RateLimitResult{
			Allowed:    false,
			Limit:      result.Limit,
			ResetTime:  now.Add(br.RetryAfter),
			RetryAfter: max(time.Second, br.RetryAfter),
			Reason:     model.ReasonCircuitOpen,
		}, nil
	}
	if err != nil {
		return result, fmt.Errorf("external service %s unavailable: %w", service, err)
	}
	return result, nil
}
