package decision

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-pilot/internal/store/storetest"
)

func ptrFloat(v float64) *float64 { return &v }

func ptrInt(v int) *int { return &v }

func TestRepository_CreateAndTransition(t *testing.T) {
	ctx := context.Background()
	repo, err := NewRepository(storetest.New(t))
	require.NoError(t, err)

	d := TradingDecision{
		CycleID:           "c1",
		Symbol:            "BTC",
		Operation:         OperationOpen,
		Direction:         DirectionLong,
		Confidence:        0.8,
		Leverage:          ptrInt(3),
		StopLoss:          ptrFloat(95000),
		RiskProfile:       "moderate",
		Volatility:        VolatilityMedium,
		NextCycleInterval: 12 * time.Minute,
	}
	require.NoError(t, repo.Create(ctx, &d))
	require.NotZero(t, d.ID)
	assert.Equal(t, StatusPending, d.Status)

	got, err := repo.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, *got.Leverage)
	assert.Equal(t, 95000.0, *got.StopLoss)
	assert.Nil(t, got.TakeProfit)
	assert.Equal(t, 12*time.Minute, got.NextCycleInterval)

	require.NoError(t, repo.Transition(ctx, d.ID, StatusApproved, ""))
	require.NoError(t, repo.Transition(ctx, d.ID, StatusExecuted, ""))

	err = repo.Transition(ctx, d.ID, StatusRejected, "late")
	assert.ErrorIs(t, err, ErrStaleStatus)

	assert.ErrorIs(t, repo.Transition(ctx, 9999, StatusApproved, ""), ErrNotFound)

	got, err = repo.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, got.Status)
}

func TestRepository_NextIntervalUsesLatestCycle(t *testing.T) {
	ctx := context.Background()
	repo, err := NewRepository(storetest.New(t))
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	repo.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	_, ok, err := repo.NextInterval(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, d := range []TradingDecision{
		{CycleID: "old", Symbol: "BTC", Operation: OperationHold, NextCycleInterval: 3 * time.Minute},
		{CycleID: "new", Symbol: "BTC", Operation: OperationHold, NextCycleInterval: 25 * time.Minute},
		{CycleID: "new", Symbol: "ETH", Operation: OperationHold, NextCycleInterval: 6 * time.Minute},
	} {
		d := d
		require.NoError(t, repo.Create(ctx, &d))
	}

	interval, ok, err := repo.NextInterval(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 6*time.Minute, interval)

	last, ok, err := repo.LastCreatedAt(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, last.Equal(base.Add(3*time.Second)))

	latest, err := repo.Latest(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, "new", latest.CycleID)
}

func TestMacroRepository_ActiveAndRefresh(t *testing.T) {
	ctx := context.Background()
	repo, err := NewMacroRepository(storetest.New(t))
	require.NoError(t, err)

	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	needs, err := repo.NeedsRefresh(ctx, now)
	require.NoError(t, err)
	assert.True(t, needs)

	stale, err := repo.Create(ctx, MacroProposal{Narrative: "yesterday's view", Bias: BiasBearish, RiskTolerance: 0.3},
		now.Add(-30*time.Hour), 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, stale.Stale(now))

	needs, err = repo.NeedsRefresh(ctx, now)
	require.NoError(t, err)
	assert.True(t, needs)

	fresh, err := repo.Create(ctx, MacroProposal{
		Narrative:     "liquidity improving",
		Bias:          BiasBullish,
		RiskTolerance: 0.7,
		Levels:        map[string]Levels{"BTC": {Support: []float64{95000}}},
	}, now, 24*time.Hour)
	require.NoError(t, err)

	active, err := repo.Active(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, active.ID)
	assert.Equal(t, BiasBullish, active.Bias)
	assert.Equal(t, []float64{95000}, active.Levels["BTC"].Support)

	needs, err = repo.NeedsRefresh(ctx, now)
	require.NoError(t, err)
	assert.False(t, needs)
}
