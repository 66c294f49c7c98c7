package agent

import (
	"context"
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"helmsman/internal/market"
	"helmsman/internal/types"
)

// EMATrendAnalyst 跟随快慢 EMA 的排列方向。
type EMATrendAnalyst struct {
	AgentID string
	Fast    int
	Slow    int
}

func (a EMATrendAnalyst) ID() string { return a.AgentID }

func (a EMATrendAnalyst) Vote(_ context.Context, snap market.Snapshot, _ PositionContext) (Vote, error) {
	fast, slow := orDefault(a.Fast, 12), orDefault(a.Slow, 26)
	cl, err := closeSeries(snap, slow+1)
	if err != nil {
		return Vote{}, err
	}
	fastEMA := lastValid(talib.Ema(cl, fast))
	slowEMA := lastValid(talib.Ema(cl, slow))
	if slowEMA <= 0 {
		return Hold("ema not ready"), nil
	}
	spread := (fastEMA - slowEMA) / slowEMA * 100
	price := snap.Price
	reason := fmt.Sprintf("ema%d=%.4f ema%d=%.4f spread=%.2f%% price=%.4f", fast, fastEMA, slow, slowEMA, spread, price)
	switch {
	case spread > 0.1 && price >= fastEMA:
		return Vote{Direction: types.DirectionLong, Confidence: scale(spread, 55, 40), Reasoning: "bullish stack " + reason}, nil
	case spread < -0.1 && price <= fastEMA:
		return Vote{Direction: types.DirectionShort, Confidence: scale(-spread, 55, 40), Reasoning: "bearish stack " + reason}, nil
	default:
		return Vote{Direction: types.DirectionHold, Confidence: 50, Reasoning: "no clear stack " + reason}, nil
	}
}

// RSIReversionAnalyst 在超买超卖区间逆势投票。
type RSIReversionAnalyst struct {
	AgentID    string
	Period     int
	Oversold   float64
	Overbought float64
}

func (a RSIReversionAnalyst) ID() string { return a.AgentID }

func (a RSIReversionAnalyst) Vote(_ context.Context, snap market.Snapshot, _ PositionContext) (Vote, error) {
	period := orDefault(a.Period, 14)
	low, high := a.Oversold, a.Overbought
	if low <= 0 {
		low = 30
	}
	if high <= low {
		high = 70
	}
	cl, err := closeSeries(snap, period+1)
	if err != nil {
		return Vote{}, err
	}
	series := talib.Rsi(cl, period)
	rsi := series[len(series)-1]
	if math.IsNaN(rsi) {
		return Hold("rsi not ready"), nil
	}
	reason := fmt.Sprintf("rsi%d=%.1f", period, rsi)
	switch {
	case rsi <= low:
		return Vote{Direction: types.DirectionLong, Confidence: scale(low-rsi, 60, 35), Reasoning: "oversold " + reason}, nil
	case rsi >= high:
		return Vote{Direction: types.DirectionShort, Confidence: scale(rsi-high, 60, 35), Reasoning: "overbought " + reason}, nil
	default:
		return Vote{Direction: types.DirectionHold, Confidence: 50, Reasoning: "neutral " + reason}, nil
	}
}

// MACDMomentumAnalyst 以 MACD 柱体方向判断动能。
type MACDMomentumAnalyst struct {
	AgentID string
	Fast    int
	Slow    int
	Signal  int
}

func (a MACDMomentumAnalyst) ID() string { return a.AgentID }

func (a MACDMomentumAnalyst) Vote(_ context.Context, snap market.Snapshot, _ PositionContext) (Vote, error) {
	fast, slow, signal := orDefault(a.Fast, 12), orDefault(a.Slow, 26), orDefault(a.Signal, 9)
	cl, err := closeSeries(snap, slow+signal)
	if err != nil {
		return Vote{}, err
	}
	macd, sig, hist := talib.Macd(cl, fast, slow, signal)
	h := lastValid(hist)
	m, s := lastValid(macd), lastValid(sig)
	atr := snap.Indicators.ATR
	if atr <= 0 {
		atr = snap.Price * 0.01
	}
	// 柱体达到 1 倍 ATR 时置信度封顶
	strength := math.Abs(h) / atr * 4
	reason := fmt.Sprintf("macd=%.4f signal=%.4f hist=%.4f", m, s, h)
	switch {
	case h > 0 && m > s:
		return Vote{Direction: types.DirectionLong, Confidence: scale(strength, 55, 40), Reasoning: "rising momentum " + reason}, nil
	case h < 0 && m < s:
		return Vote{Direction: types.DirectionShort, Confidence: scale(strength, 55, 40), Reasoning: "falling momentum " + reason}, nil
	default:
		return Vote{Direction: types.DirectionHold, Confidence: 50, Reasoning: "flat momentum " + reason}, nil
	}
}

func closeSeries(snap market.Snapshot, need int) ([]float64, error) {
	if len(snap.Candles) < need {
		return nil, fmt.Errorf("need %d candles, have %d", need, len(snap.Candles))
	}
	out := make([]float64, len(snap.Candles))
	for i, c := range snap.Candles {
		out[i] = c.Close
	}
	return out, nil
}

// scale 把强度线性映射到 [base, base+span]，强度按 10 倍放大后封顶。
func scale(strength, base, span float64) float64 {
	if strength < 0 {
		strength = 0
	}
	return base + math.Min(strength*10, span)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func lastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if v := series[i]; !math.IsNaN(v) && !math.IsInf(v, 0) && v != 0 {
			return v
		}
	}
	return 0
}
