package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docgate-service/internal/model"
)

func TestCostLedger(t *testing.T) {
	tests := []struct {
		name  string
		redis bool
	}{
		{name: "local"},
		{name: "redis", redis: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clock := newFakeClock()
			var ledger *CostLedger
			if tc.redis {
				_, client := newTestRedis(t)
				ledger = NewCostLedger(client, WithClock(clock.Now))
			} else {
				ledger = NewCostLedger(nil, WithClock(clock.Now))
			}
			ctx := context.Background()

			res, err := ledger.Consume(ctx, "user:a", 2.5, 5, time.Hour)
			require.NoError(t, err)
			require.True(t, res.Allowed)
			assert.Equal(t, 2, res.Remaining)

			clock.Advance(time.Minute)
			res, err = ledger.Consume(ctx, "user:a", 2.5, 5, time.Hour)
			require.NoError(t, err)
			require.True(t, res.Allowed)
			assert.Equal(t, 0, res.Remaining)

			res, err = ledger.Consume(ctx, "user:a", 0.1, 5, time.Hour)
			require.NoError(t, err)
			assert.False(t, res.Allowed)
			assert.Equal(t, model.ReasonCostBudgetExceeded, res.Reason)
			assert.Equal(t, 59*time.Minute, res.RetryAfter)

			clock.Advance(time.Hour)
			res, err = ledger.Consume(ctx, "user:a", 5, 5, time.Hour)
			require.NoError(t, err)
			assert.True(t, res.Allowed, "spent budget expires with the window")
		})
	}
}

func TestCostLedgerPeek(t *testing.T) {
	for _, useRedis := range []bool{false, true} {
		name := "local"
		if useRedis {
			name = "redis"
		}
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			var ledger *CostLedger
			if useRedis {
				_, client := newTestRedis(t)
				ledger = NewCostLedger(client, WithClock(clock.Now))
			} else {
				ledger = NewCostLedger(nil, WithClock(clock.Now))
			}
			ctx := context.Background()

			for i := 0; i < 3; i++ {
				res, err := ledger.Peek(ctx, "user:p", 2, 4, time.Hour)
				require.NoError(t, err)
				require.True(t, res.Allowed, "peeking does not spend the budget")
			}

			_, err := ledger.Consume(ctx, "user:p", 3, 4, time.Hour)
			require.NoError(t, err)

			clock.Advance(10 * time.Minute)
			res, err := ledger.Peek(ctx, "user:p", 2, 4, time.Hour)
			require.NoError(t, err)
			assert.False(t, res.Allowed)
			assert.Equal(t, 50*time.Minute, res.RetryAfter)

			res, err = ledger.Peek(ctx, "user:p", 1, 4, time.Hour)
			require.NoError(t, err)
			assert.True(t, res.Allowed)
		})
	}
}

func TestCostLedgerFallsBackToLocal(t *testing.T) {
	mr, client := newTestRedis(t)
	ledger := NewCostLedger(client)
	mr.Close()

	res, err := ledger.Consume(context.Background(), "user:b", 1, 2, time.Hour)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestCostLedgerRejectsInvalidBudget(t *testing.T) {
	ledger := NewCostLedger(nil)
	_, err := ledger.Consume(context.Background(), "user:a", 1, 0, time.Hour)
	require.ErrorIs(t, err, ErrInvalidRule)

	_, err = ledger.Consume(context.Background(), "user:a", -1, 5, time.Hour)
	require.ErrorIs(t, err, ErrInvalidRule)
}

func TestMemberCost(t *testing.T) {
	assert.Equal(t, 2.5, memberCost("1700000000:2.5:abc"))
	assert.Zero(t, memberCost("garbage"))
	assert.Zero(t, memberCost(42))
}
