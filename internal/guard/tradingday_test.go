package guard

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-pilot/internal/store/storetest"
)

func TestDayKeyAndEnd(t *testing.T) {
	ts := time.Date(2026, 5, 1, 2, 30, 0, 0, time.UTC)
	assert.Equal(t, "2026-05-01", DayKey(ts, 0))
	assert.Equal(t, time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC), DayEnd(ts, 0))

	assert.Equal(t, "2026-04-30", DayKey(ts, 8))
	assert.Equal(t, time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC), DayEnd(ts, 8))

	assert.Equal(t, "2026-05-01", DayKey(ts, 99))
}

func TestSQLCounter_AccumulatesAndExpires(t *testing.T) {
	ctx := context.Background()
	c, err := NewSQLCounter(storetest.New(t))
	require.NoError(t, err)

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	end := DayEnd(now, 0)

	_, err = c.Add(ctx, "2026-05-01", decimal.RequireFromString("0.1"), end)
	require.NoError(t, err)
	total, err := c.Add(ctx, "2026-05-01", decimal.RequireFromString("0.2"), end)
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.RequireFromString("0.3")))

	got, err := c.Get(ctx, "2026-05-01")
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.RequireFromString("0.3")))

	now = end
	got, err = c.Get(ctx, "2026-05-01")
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	require.NoError(t, c.Reset(ctx, "2026-05-01"))
}
