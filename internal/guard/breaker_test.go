package guard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-pilot/internal/config"
	"perp-pilot/internal/store/storetest"
)

type fixedEquity struct {
	value float64
	err   error
}

func (f fixedEquity) AccountValue(context.Context) (float64, error) {
	return f.value, f.err
}

type recordingSink struct {
	kinds []string
}

func (r *recordingSink) Emit(_ context.Context, kind string, _ any) {
	r.kinds = append(r.kinds, kind)
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func testGuardConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxDailyLoss:         0.05,
		MaxConsecutiveLosses: 3,
		CooldownHours:        4,
	}
}

type harness struct {
	clock   *fakeClock
	breaker *Breaker
	modes   *ModeStore
	gate    *Gate
	sink    *recordingSink
}

func newHarness(t *testing.T, equity EquitySource) harness {
	t.Helper()
	db := storetest.New(t)
	clock := &fakeClock{t: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)}
	sink := &recordingSink{}

	counter, err := NewSQLCounter(db)
	require.NoError(t, err)
	counter.now = clock.Now

	breaker, err := NewBreaker(db, counter, equity, testGuardConfig(), nil, WithClock(clock.Now), WithEventSink(sink))
	require.NoError(t, err)

	modes, err := NewModeStore(db, sink, nil)
	require.NoError(t, err)
	modes.now = clock.Now

	return harness{clock: clock, breaker: breaker, modes: modes, gate: NewGate(breaker, modes), sink: sink}
}

func TestBreaker_DailyLossExactlyAtLimit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fixedEquity{value: 10000})
	start := h.clock.Now()

	state, err := h.breaker.RecordLoss(ctx, 300)
	require.NoError(t, err)
	assert.True(t, state.TradingAllowed)

	state, err = h.breaker.RecordLoss(ctx, -200)
	require.NoError(t, err)
	assert.False(t, state.TradingAllowed)
	assert.True(t, state.Triggered)
	assert.Equal(t, 500.0, state.DailyLoss)
	assert.Equal(t, 0.05, state.DailyLossPct)
	require.NotNil(t, state.CooldownUntil)
	assert.True(t, state.CooldownUntil.Equal(start.Add(4*time.Hour)))
	assert.Contains(t, state.TriggerReason, "daily loss")

	perm, err := h.gate.CheckOpen(ctx)
	require.NoError(t, err)
	assert.False(t, perm.Allowed)
	assert.Equal(t, state.TriggerReason, perm.Reason)

	perm, err = h.gate.CheckClose(ctx)
	require.NoError(t, err)
	assert.True(t, perm.Allowed)

	assert.Equal(t, []string{"breaker_changed"}, h.sink.kinds)
}

func TestBreaker_DailyLimitPersistsForTheDay(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fixedEquity{value: 10000})

	_, err := h.breaker.RecordLoss(ctx, 600)
	require.NoError(t, err)

	h.clock.Advance(4 * time.Hour)
	state, err := h.breaker.Status(ctx)
	require.NoError(t, err)
	assert.True(t, state.Triggered, "same-day loss above limit re-enters cooldown")
	assert.True(t, state.CooldownUntil.After(h.clock.Now()))

	h.clock.Advance(24 * time.Hour)
	state, err = h.breaker.Status(ctx)
	require.NoError(t, err)
	assert.True(t, state.TradingAllowed)
	assert.Equal(t, 0.0, state.DailyLoss)
}

func TestBreaker_ConsecutiveLossesAndWin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fixedEquity{value: 100000})

	for i := 0; i < 2; i++ {
		state, err := h.breaker.RecordLoss(ctx, 10)
		require.NoError(t, err)
		assert.True(t, state.TradingAllowed)
	}

	state, err := h.breaker.RecordWin(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 0, state.ConsecutiveLosses)

	for i := 0; i < 3; i++ {
		state, err = h.breaker.RecordLoss(ctx, 10)
		require.NoError(t, err)
	}
	assert.True(t, state.Triggered)
	assert.Contains(t, state.TriggerReason, "3 consecutive losses")

	state, err = h.breaker.RecordWin(ctx, 500)
	require.NoError(t, err)
	assert.True(t, state.Triggered, "a win must not clear an active halt")
	assert.Equal(t, 0, state.ConsecutiveLosses)

	h.clock.Advance(4*time.Hour + time.Second)
	state, err = h.breaker.Status(ctx)
	require.NoError(t, err)
	assert.True(t, state.TradingAllowed)
	assert.Nil(t, state.CooldownUntil)
	assert.Equal(t, 50.0, state.DailyLoss)
}

func TestBreaker_EquityUnavailableFallsBackToConsecutive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fixedEquity{err: errors.New("exchange down")})

	state, err := h.breaker.RecordLoss(ctx, 1e9)
	require.NoError(t, err)
	assert.True(t, state.TradingAllowed)
	assert.Equal(t, 0.0, state.DailyLossPct)
}

func TestBreaker_Reset(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fixedEquity{value: 1000})

	_, err := h.breaker.RecordLoss(ctx, 100)
	require.NoError(t, err)

	state, err := h.breaker.Reset(ctx)
	require.NoError(t, err)
	assert.True(t, state.TradingAllowed)

	state, err = h.breaker.Status(ctx)
	require.NoError(t, err)
	assert.True(t, state.TradingAllowed)
	assert.Equal(t, 0.0, state.DailyLoss)
	assert.Equal(t, 0, state.ConsecutiveLosses)
}
