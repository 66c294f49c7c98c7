package market

import "github.com/shopspring/decimal"

// FlowDivergence 描述价格与累计成交量差（CVD）的背离方向。
type FlowDivergence string

const (
	FlowNeutral FlowDivergence = "neutral"
	FlowBullish FlowDivergence = "bullish"
	FlowBearish FlowDivergence = "bearish"
)

// OrderFlow 是由主动买卖量推出的 CVD 指标。
type OrderFlow struct {
	CVD        float64        `json:"cvd"`
	Momentum   float64        `json:"momentum"`
	Normalized float64        `json:"normalized"`
	Divergence FlowDivergence `json:"divergence"`
}

const flowLookback = 6

// ComputeOrderFlow 累加每根 K 线的主动买量减主动卖量。没有主动成交数据时返回 false。
func ComputeOrderFlow(candles []Candle) (OrderFlow, bool) {
	if len(candles) == 0 {
		return OrderFlow{}, false
	}
	var hasTaker bool
	series := make([]decimal.Decimal, len(candles))
	cumulative := decimal.Zero
	for i, c := range candles {
		if c.TakerBuyVolume > 0 {
			hasTaker = true
		}
		buy := decimal.NewFromFloat(c.TakerBuyVolume)
		sell := decimal.NewFromFloat(c.Volume).Sub(buy)
		cumulative = cumulative.Add(buy.Sub(sell))
		series[i] = cumulative
	}
	if !hasTaker {
		return OrderFlow{}, false
	}

	n := len(series)
	lastCVD := series[n-1]
	ref := max(n-flowLookback, 0)
	lo, hi := series[0], series[0]
	for _, v := range series[1:] {
		lo = decimal.Min(lo, v)
		hi = decimal.Max(hi, v)
	}
	norm := decimal.NewFromFloat(0.5)
	if hi.GreaterThan(lo) {
		norm = lastCVD.Sub(lo).Div(hi.Sub(lo))
	}

	div := FlowNeutral
	priceNow, pricePrev := candles[n-1].Close, candles[ref].Close
	switch {
	case priceNow > pricePrev && lastCVD.LessThan(series[ref]):
		div = FlowBearish
	case priceNow < pricePrev && lastCVD.GreaterThan(series[ref]):
		div = FlowBullish
	}

	return OrderFlow{
		CVD:        lastCVD.InexactFloat64(),
		Momentum:   lastCVD.Sub(series[ref]).InexactFloat64(),
		Normalized: norm.Round(4).InexactFloat64(),
		Divergence: div,
	}, true
}
