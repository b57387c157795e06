package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docgate-service/internal/model"
)

func newTestAdmission(clock *fakeClock) *Admission {
	opts := []Option{WithClock(clock.Now)}
	return NewAdmission(
		New(nil, opts...),
		NewCostLedger(nil, opts...),
		NewDDoSGuard(DDoSSettings{}, opts...),
		NewBreakers(nil, opts...),
	)
}

func TestAdmitAnonymousThenBlocks(t *testing.T) {
	clock := newFakeClock()
	a := newTestAdmission(clock)
	ctx := context.Background()
	req := Request{Identifier: "ip:10.1.1.1", ClientIP: "10.1.1.1", Profile: model.ProfileFor(model.RoleAnonymous), Cost: 1}

	for i := 0; i < 15; i++ {
		res, err := a.Admit(ctx, req)
		require.NoError(t, err)
		require.True(t, res.Allowed, "burst request %d", i+1)
	}

	res, err := a.Admit(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, model.ReasonBucketDepleted, res.Reason)

	res, err = a.Admit(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, model.ReasonIPBlocked, res.Reason)
	assert.Equal(t, 24*time.Hour, res.RetryAfter)

	a.Guard().Unblock("10.1.1.1")
	clock.Advance(time.Minute)
	res, err = a.Admit(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestAdmitAdminUnlimited(t *testing.T) {
	clock := newFakeClock()
	a := newTestAdmission(clock)
	req := Request{Identifier: "user:root", ClientIP: "10.2.2.2", Profile: model.ProfileFor(model.RoleAdmin), Cost: 2}

	for i := 0; i < 1000; i++ {
		res, err := a.Admit(context.Background(), req)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
}

func TestAdmitCostBudget(t *testing.T) {
	clock := newFakeClock()
	a := newTestAdmission(clock)
	profile := model.RateLimitProfile{
		Rules:      []model.NamedRule{{Type: model.LimitPerMinute, Rule: model.RateLimitRule{Limit: 100, Window: time.Minute}}},
		CostBudget: 3,
		CostWindow: time.Hour,
	}
	req := Request{Identifier: "user:c", Profile: profile, Cost: 2}

	res, err := a.Admit(context.Background(), req)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = a.Admit(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, model.ReasonCostBudgetExceeded, res.Reason)
}

func TestAdmitCostDenialKeepsRuleSlots(t *testing.T) {
	clock := newFakeClock()
	a := newTestAdmission(clock)
	ctx := context.Background()
	profile := model.RateLimitProfile{
		Rules:      []model.NamedRule{{Type: model.LimitPerMinute, Rule: model.RateLimitRule{Limit: 2, Window: time.Minute}}},
		CostBudget: 1,
		CostWindow: time.Hour,
	}
	costly := Request{Identifier: "user:d", Profile: profile, Cost: 1}
	unbudgeted := Request{Identifier: "user:d", Profile: model.RateLimitProfile{Rules: profile.Rules}, Cost: 1}

	res, err := a.Admit(ctx, costly)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = a.Admit(ctx, costly)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	assert.Equal(t, model.ReasonCostBudgetExceeded, res.Reason)

	res, err = a.Admit(ctx, unbudgeted)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "the refused request did not use a per-minute slot")

	res, err = a.Admit(ctx, unbudgeted)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, model.ReasonRateLimitExceeded, res.Reason)
}

func TestProtectedCall(t *testing.T) {
	clock := newFakeClock()
	a := newTestAdmission(clock)
	ctx := context.Background()
	boom := errors.New("503")

	for i := 0; i < 3; i++ {
		_, err := a.ProtectedCall(ctx, "github", "user:p", func(context.Context) error { return boom })
		require.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "external service github unavailable")
	}

	res, err := a.ProtectedCall(ctx, "github", "user:p", func(context.Context) error {
		t.Fatal("open breaker invoked the operation")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, model.ReasonCircuitOpen, res.Reason)
	assert.Equal(t, 300*time.Second, res.RetryAfter)

	res, err = a.ProtectedCall(ctx, "pypi", "user:p", func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, res.Allowed, "breakers are per service")
}

func TestProtectedCallQuota(t *testing.T) {
	clock := newFakeClock()
	a := newTestAdmission(clock)
	ctx := context.Background()
	noop := func(context.Context) error { return nil }

	for i := 0; i < 100; i++ {
		res, err := a.ProtectedCall(ctx, "npm", "user:q", noop)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := a.ProtectedCall(ctx, "npm", "user:q", noop)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, model.ReasonRateLimitExceeded, res.Reason)
}
