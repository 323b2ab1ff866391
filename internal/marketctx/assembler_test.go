package marketctx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-pilot/internal/decision"
	"perp-pilot/internal/feature"
	"perp-pilot/internal/position"
	"perp-pilot/internal/signals"
)

type fakeSnapshots struct {
	latest  map[string]feature.Snapshot
	history map[string][]feature.Snapshot
}

func (f fakeSnapshots) Latest(_ context.Context, symbol string) (feature.Snapshot, error) {
	s, ok := f.latest[symbol]
	if !ok {
		return feature.Snapshot{}, feature.ErrNotFound
	}
	return s, nil
}

func (f fakeSnapshots) LatestAll(context.Context) ([]feature.Snapshot, error) {
	out := make([]feature.Snapshot, 0, len(f.latest))
	for _, sym := range []string{"BTC", "ETH"} {
		if s, ok := f.latest[sym]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f fakeSnapshots) History(_ context.Context, symbol string, _ time.Time) ([]feature.Snapshot, error) {
	return f.history[symbol], nil
}

type fakeSignals struct {
	newsErr error
}

func (fakeSignals) LatestSentiment(context.Context, string) (signals.Sentiment, error) {
	return signals.Sentiment{FearGreed: 30, Classification: "fear"}, nil
}

func (fakeSignals) ForecastsByTimeframe(context.Context, string) (map[string]signals.Forecast, error) {
	return map[string]signals.Forecast{}, nil
}

func (f fakeSignals) RecentNews(context.Context, string, int) ([]signals.NewsItem, error) {
	if f.newsErr != nil {
		return nil, f.newsErr
	}
	return []signals.NewsItem{{Title: "headline"}}, nil
}

func (fakeSignals) RecentWhaleAlerts(context.Context, string, int) ([]signals.WhaleAlert, error) {
	return nil, errors.New("whale feed down")
}

type fakeMacro struct {
	strategy decision.MacroStrategy
	err      error
}

func (f fakeMacro) Active(context.Context, time.Time) (decision.MacroStrategy, error) {
	return f.strategy, f.err
}

type fakePositions map[string][]position.Position

func (f fakePositions) ListOpenBySymbol(_ context.Context, symbol string) ([]position.Position, error) {
	return f[symbol], nil
}

var fixedNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestAssembler(src Sources) *Assembler {
	a := NewAssembler(src, map[string]float64{"market": 0.6, "news": 0.4}, 7, nil)
	a.now = func() time.Time { return fixedNow }
	return a
}

func TestClassifyTrend(t *testing.T) {
	cases := map[float64]TrendClass{
		-5:    TrendStrongDown,
		-3:    TrendStrongDown,
		-2.99: TrendDown,
		-1:    TrendDown,
		-0.99: TrendNeutral,
		0:     TrendNeutral,
		0.99:  TrendNeutral,
		1:     TrendUp,
		2.99:  TrendUp,
		3:     TrendStrongUp,
		12:    TrendStrongUp,
	}
	for in, want := range cases {
		assert.Equal(t, want, ClassifyTrend(in), "change=%v", in)
	}
}

func TestAssemble_NoPositionAndDegradedSources(t *testing.T) {
	src := Sources{
		Snapshots: fakeSnapshots{latest: map[string]feature.Snapshot{"BTC": {Symbol: "BTC", Price: 100000, Change24h: -1.5}}},
		Signals:   fakeSignals{newsErr: errors.New("news api 500")},
		Macro:     fakeMacro{err: decision.ErrNotFound},
		Positions: fakePositions{},
	}
	b, err := newTestAssembler(src).Assemble(context.Background(), " btc ")
	require.NoError(t, err)

	assert.Equal(t, "BTC", b.Symbol)
	assert.Equal(t, TrendDown, b.PriceAction.Trend)
	require.NotNil(t, b.Sentiment)
	assert.Equal(t, 30, b.Sentiment.FearGreed)
	assert.Nil(t, b.Forecasts)
	assert.Nil(t, b.News)
	assert.Nil(t, b.WhaleAlerts)
	assert.False(t, b.Macro.Available)
	assert.False(t, b.Position.HasPosition)
	assert.Equal(t, 0.6, b.Weights["market"])
}

func TestAssemble_WithPositionAndMacro(t *testing.T) {
	sl := 95000.0
	src := Sources{
		Snapshots: fakeSnapshots{latest: map[string]feature.Snapshot{"BTC": {Symbol: "BTC", Price: 102000, Change24h: 3.2}}},
		Macro: fakeMacro{strategy: decision.MacroStrategy{
			Narrative:  "risk-on after CPI",
			Bias:       decision.BiasBullish,
			Levels:     map[string]decision.Levels{"BTC": {Support: []float64{98000}}},
			ValidUntil: fixedNow.Add(time.Hour),
		}},
		Positions: fakePositions{"BTC": {{
			Symbol: "BTC", Direction: decision.DirectionLong, Size: 0.5, EntryPrice: 100000,
			Leverage: 3, StopLoss: &sl, Status: position.StatusOpen, OpenedAt: fixedNow.Add(-2 * time.Hour),
		}}},
	}
	b, err := newTestAssembler(src).Assemble(context.Background(), "BTC")
	require.NoError(t, err)

	assert.Equal(t, TrendStrongUp, b.PriceAction.Trend)
	assert.True(t, b.Macro.Available)
	require.NotNil(t, b.Macro.Levels)
	assert.Equal(t, []float64{98000}, b.Macro.Levels.Support)

	require.True(t, b.Position.HasPosition)
	assert.Equal(t, "long", b.Position.Direction)
	assert.Equal(t, 102000.0, b.Position.CurrentPrice)
	assert.Equal(t, 1000.0, b.Position.UnrealizedPnL)
	assert.InDelta(t, 2.0, b.Position.AgeHours, 1e-9)
	assert.Len(t, b.Positions, 1)
}

func TestAssemble_ListsBothDirections(t *testing.T) {
	src := Sources{
		Snapshots: fakeSnapshots{latest: map[string]feature.Snapshot{"BTC": {Symbol: "BTC", Price: 102000}}},
		Positions: fakePositions{"BTC": {
			{Symbol: "BTC", Direction: decision.DirectionShort, Size: 0.2, EntryPrice: 101000,
				Leverage: 2, Status: position.StatusOpen, OpenedAt: fixedNow.Add(-time.Hour)},
			{Symbol: "BTC", Direction: decision.DirectionLong, Size: 0.5, EntryPrice: 100000,
				Leverage: 3, Status: position.StatusOpen, OpenedAt: fixedNow.Add(-3 * time.Hour)},
		}},
	}
	b, err := newTestAssembler(src).Assemble(context.Background(), "BTC")
	require.NoError(t, err)

	require.Len(t, b.Positions, 2)
	assert.Equal(t, "short", b.Positions[0].Direction)
	assert.InDelta(t, -200.0, b.Positions[0].UnrealizedPnL, 1e-6)
	assert.Equal(t, "long", b.Positions[1].Direction)
	assert.Equal(t, 1000.0, b.Positions[1].UnrealizedPnL)
	assert.Equal(t, b.Positions[0], b.Position)
}

func TestAssemble_StaleMacroUnavailable(t *testing.T) {
	src := Sources{
		Snapshots: fakeSnapshots{latest: map[string]feature.Snapshot{"ETH": {Symbol: "ETH", Price: 3000}}},
		Macro:     fakeMacro{strategy: decision.MacroStrategy{Narrative: "old", ValidUntil: fixedNow.Add(-time.Second)}},
	}
	b, err := newTestAssembler(src).Assemble(context.Background(), "ETH")
	require.NoError(t, err)
	assert.False(t, b.Macro.Available)
	assert.Empty(t, b.Macro.Narrative)
}

func TestAssemble_MissingSnapshotFails(t *testing.T) {
	_, err := newTestAssembler(Sources{Snapshots: fakeSnapshots{}}).Assemble(context.Background(), "SOL")
	assert.ErrorIs(t, err, feature.ErrNotFound)
}

func TestAssembleMacro_History(t *testing.T) {
	at := fixedNow.Add(-48 * time.Hour)
	src := Sources{Snapshots: fakeSnapshots{
		latest: map[string]feature.Snapshot{"BTC": {Symbol: "BTC", Price: 9}, "ETH": {Symbol: "ETH", Price: 1}},
		history: map[string][]feature.Snapshot{
			"BTC": {
				{Price: 2, CreatedAt: at}, {Price: 4, CreatedAt: at}, {Price: 4, CreatedAt: at}, {Price: 4, CreatedAt: at},
				{Price: 5, CreatedAt: at}, {Price: 5, CreatedAt: at}, {Price: 7, CreatedAt: at}, {Price: 9, CreatedAt: fixedNow},
			},
		},
	}}
	mb, err := newTestAssembler(src).AssembleMacro(context.Background())
	require.NoError(t, err)

	assert.Len(t, mb.Overview, 2)
	require.Len(t, mb.History, 1)
	h := mb.History[0]
	assert.Equal(t, "BTC", h.Symbol)
	assert.Equal(t, 8, h.Samples)
	assert.InDelta(t, 350.0, h.ChangePct, 1e-9)
	assert.InDelta(t, 40.0, h.VolatilityPct, 1e-9)
	assert.Equal(t, 7, mb.Days)
}

func TestAssembleMacro_EmptyStore(t *testing.T) {
	_, err := newTestAssembler(Sources{Snapshots: fakeSnapshots{}}).AssembleMacro(context.Background())
	assert.ErrorIs(t, err, feature.ErrNotFound)
}
