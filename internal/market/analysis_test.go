package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func series(n int, closeAt func(i int) float64, spread float64) []Candle {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]Candle, n)
	for i := range out {
		c := closeAt(i)
		open := start.Add(time.Duration(i) * time.Hour)
		out[i] = Candle{
			OpenTime:  open.UnixMilli(),
			CloseTime: open.Add(time.Hour - time.Millisecond).UnixMilli(),
			Open:      c,
			High:      c + spread,
			Low:       c - spread,
			Close:     c,
			Volume:    10,
		}
	}
	return out
}

func TestAnalyze_Classification(t *testing.T) {
	cases := []struct {
		name       string
		candles    []Candle
		trend      Trend
		volatility Volatility
	}{
		{"steady climb", series(200, func(i int) float64 { return 100 + float64(i)*0.5 }, 0.1), TrendUp, VolatilityLow},
		{"steady decline", series(200, func(i int) float64 { return 300 - float64(i)*0.5 }, 0.1), TrendDown, VolatilityLow},
		{"flat but wild", series(200, func(int) float64 { return 100 }, 3), TrendSideways, VolatilityExtreme},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			snap, err := Analyze("btcusdt", "1h", tc.candles, DefaultAnalysisOptions())
			require.NoError(t, err)
			assert.Equal(t, "BTCUSDT", snap.Symbol)
			assert.Equal(t, tc.trend, snap.Trend)
			assert.Equal(t, tc.volatility, snap.Volatility)
			assert.Equal(t, tc.candles[len(tc.candles)-1].Close, snap.Price)
			assert.NotEmpty(t, snap.Summary())
		})
	}
}

func TestAnalyze_RejectsShortHistory(t *testing.T) {
	_, err := Analyze("BTCUSDT", "1h", series(10, func(int) float64 { return 100 }, 1), AnalysisOptions{})
	assert.Error(t, err)
}

func TestAnalyze_RejectsMissingPrice(t *testing.T) {
	candles := series(60, func(int) float64 { return 100 }, 1)
	candles[len(candles)-1].Close = 0
	_, err := Analyze("BTCUSDT", "1h", candles, AnalysisOptions{})
	assert.Error(t, err)
}

func TestDropUnclosed(t *testing.T) {
	candles := series(3, func(int) float64 { return 1 }, 0)
	lastClose := time.UnixMilli(candles[2].CloseTime)

	assert.Len(t, DropUnclosed(candles, lastClose.Add(-time.Minute)), 2)
	assert.Len(t, DropUnclosed(candles, lastClose.Add(time.Second)), 3)
	assert.Empty(t, DropUnclosed(nil, lastClose))
}

func TestComputeOrderFlow(t *testing.T) {
	_, ok := ComputeOrderFlow(series(20, func(int) float64 { return 100 }, 1))
	assert.False(t, ok, "no taker volume")

	cases := []struct {
		name     string
		close    func(i int) float64
		takerBuy float64
		div      FlowDivergence
		momentum float64
		norm     float64
	}{
		{"price up on net selling", func(i int) float64 { return 100 + float64(i) }, 4, FlowBearish, -10, 0},
		{"price down on net buying", func(i int) float64 { return 200 - float64(i) }, 7, FlowBullish, 20, 1},
		{"price up on net buying", func(i int) float64 { return 100 + float64(i) }, 6, FlowNeutral, 10, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			candles := series(20, tc.close, 1)
			for i := range candles {
				candles[i].TakerBuyVolume = tc.takerBuy
			}
			flow, ok := ComputeOrderFlow(candles)
			require.True(t, ok)
			assert.Equal(t, tc.div, flow.Divergence)
			assert.InDelta(t, tc.momentum, flow.Momentum, 1e-9)
			assert.InDelta(t, tc.norm, flow.Normalized, 1e-9)
		})
	}
}

func TestAnalyze_AttachesOrderFlow(t *testing.T) {
	candles := series(120, func(i int) float64 { return 100 + float64(i)*0.5 }, 0.1)
	snap, err := Analyze("BTCUSDT", "1h", candles, DefaultAnalysisOptions())
	require.NoError(t, err)
	assert.Nil(t, snap.Flow)

	for i := range candles {
		candles[i].TakerBuyVolume = 4
	}
	snap, err = Analyze("BTCUSDT", "1h", candles, DefaultAnalysisOptions())
	require.NoError(t, err)
	require.NotNil(t, snap.Flow)
	assert.Contains(t, snap.Summary(), "flow=bearish")
}
