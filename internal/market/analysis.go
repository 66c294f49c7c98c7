package market

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/markcheno/go-talib"
)

// Trend 是趋势分类。
type Trend string

const (
	TrendUp       Trend = "uptrend"
	TrendDown     Trend = "downtrend"
	TrendSideways Trend = "sideways"
)

// Volatility 是波动率标签。
type Volatility string

const (
	VolatilityLow     Volatility = "low"
	VolatilityNormal  Volatility = "normal"
	VolatilityHigh    Volatility = "high"
	VolatilityExtreme Volatility = "extreme"
)

// Indicators 保存最后一根 K 线上的指标值。
type Indicators struct {
	EMAFast    float64 `json:"ema_fast"`
	EMASlow    float64 `json:"ema_slow"`
	RSI        float64 `json:"rsi"`
	ATR        float64 `json:"atr"`
	ATRPct     float64 `json:"atr_pct"`
	MACD       float64 `json:"macd"`
	MACDSignal float64 `json:"macd_signal"`
	MACDHist   float64 `json:"macd_hist"`
	ChangePct  float64 `json:"change_pct"`
}

// Snapshot 是一次分析周期的行情快照。
type Snapshot struct {
	Symbol     string     `json:"symbol"`
	Timeframe  string     `json:"timeframe"`
	Price      float64    `json:"price"`
	Trend      Trend      `json:"trend"`
	Volatility Volatility `json:"volatility"`
	Indicators Indicators `json:"indicators"`
	Flow       *OrderFlow `json:"flow,omitempty"`
	Candles    []Candle   `json:"-"`
	At         time.Time  `json:"at"`
}

// Summary 生成一行可读描述，供日志与 LLM 提示词使用。
func (s Snapshot) Summary() string {
	line := fmt.Sprintf("%s %s price=%.4f trend=%s volatility=%s ema%0.f/%0.f rsi=%.1f atr%%=%.2f macd_hist=%.4f change=%.2f%%",
		s.Symbol, s.Timeframe, s.Price, s.Trend, s.Volatility,
		s.Indicators.EMAFast, s.Indicators.EMASlow, s.Indicators.RSI, s.Indicators.ATRPct,
		s.Indicators.MACDHist, s.Indicators.ChangePct)
	if s.Flow != nil {
		line += fmt.Sprintf(" cvd_norm=%.2f flow=%s", s.Flow.Normalized, s.Flow.Divergence)
	}
	return line
}

type AnalysisOptions struct {
	FastPeriod     int
	SlowPeriod     int
	RSIPeriod      int
	ATRPeriod      int
	SidewaysBand   float64 // EMA 快慢线相对差小于该百分比视为横盘
	LowVolPct      float64
	HighVolPct     float64
	ExtremeVolPct  float64
	ChangeLookback int
}

func DefaultAnalysisOptions() AnalysisOptions {
	return AnalysisOptions{
		FastPeriod:     20,
		SlowPeriod:     50,
		RSIPeriod:      14,
		ATRPeriod:      14,
		SidewaysBand:   0.15,
		LowVolPct:      0.4,
		HighVolPct:     1.5,
		ExtremeVolPct:  3,
		ChangeLookback: 24,
	}
}

func (o AnalysisOptions) normalize() AnalysisOptions {
	def := DefaultAnalysisOptions()
	if o.FastPeriod <= 0 {
		o.FastPeriod = def.FastPeriod
	}
	if o.SlowPeriod <= o.FastPeriod {
		o.SlowPeriod = max(def.SlowPeriod, o.FastPeriod+1)
	}
	if o.RSIPeriod <= 0 {
		o.RSIPeriod = def.RSIPeriod
	}
	if o.ATRPeriod <= 0 {
		o.ATRPeriod = def.ATRPeriod
	}
	if o.SidewaysBand <= 0 {
		o.SidewaysBand = def.SidewaysBand
	}
	if o.LowVolPct <= 0 {
		o.LowVolPct = def.LowVolPct
	}
	if o.HighVolPct <= o.LowVolPct {
		o.HighVolPct = def.HighVolPct
	}
	if o.ExtremeVolPct <= o.HighVolPct {
		o.ExtremeVolPct = def.ExtremeVolPct
	}
	if o.ChangeLookback <= 0 {
		o.ChangeLookback = def.ChangeLookback
	}
	return o
}

// MinCandles 返回完成分析所需的最少 K 线数量。
func (o AnalysisOptions) MinCandles() int {
	o = o.normalize()
	return o.SlowPeriod + 1
}

// Analyze 把原始 K 线归一化为趋势分类与波动率标签。价格缺失时返回错误，不做任何猜测。
func Analyze(symbol, timeframe string, candles []Candle, opts AnalysisOptions) (Snapshot, error) {
	opts = opts.normalize()
	if len(candles) < opts.MinCandles() {
		return Snapshot{}, fmt.Errorf("insufficient candles: have %d need %d", len(candles), opts.MinCandles())
	}
	n := len(candles)
	price := candles[n-1].Close
	if price <= 0 || math.IsNaN(price) {
		return Snapshot{}, fmt.Errorf("invalid last close price %.8f", price)
	}
	cl := closes(candles)
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i, c := range candles {
		highs[i] = c.High
		lows[i] = c.Low
	}

	ind := Indicators{
		EMAFast: last(talib.Ema(cl, opts.FastPeriod)),
		EMASlow: last(talib.Ema(cl, opts.SlowPeriod)),
		RSI:     last(talib.Rsi(cl, opts.RSIPeriod)),
		ATR:     last(talib.Atr(highs, lows, cl, opts.ATRPeriod)),
	}
	if n >= 35 {
		macd, signal, hist := talib.Macd(cl, 12, 26, 9)
		ind.MACD, ind.MACDSignal, ind.MACDHist = last(macd), last(signal), last(hist)
	}
	ind.ATRPct = ind.ATR / price * 100
	lookback := min(opts.ChangeLookback, n-1)
	if ref := candles[n-1-lookback].Close; ref > 0 {
		ind.ChangePct = (price - ref) / ref * 100
	}

	snap := Snapshot{
		Symbol:     strings.ToUpper(strings.TrimSpace(symbol)),
		Timeframe:  timeframe,
		Price:      price,
		Trend:      classifyTrend(price, ind, opts.SidewaysBand),
		Volatility: classifyVolatility(ind.ATRPct, opts),
		Indicators: ind,
		Candles:    candles,
		At:         candles[n-1].CloseAt(),
	}
	if flow, ok := ComputeOrderFlow(candles); ok {
		snap.Flow = &flow
	}
	return snap, nil
}

func classifyTrend(price float64, ind Indicators, band float64) Trend {
	if ind.EMASlow <= 0 {
		return TrendSideways
	}
	spread := (ind.EMAFast - ind.EMASlow) / ind.EMASlow * 100
	switch {
	case spread > band && price >= ind.EMAFast:
		return TrendUp
	case spread < -band && price <= ind.EMAFast:
		return TrendDown
	default:
		return TrendSideways
	}
}

func classifyVolatility(atrPct float64, opts AnalysisOptions) Volatility {
	switch {
	case atrPct >= opts.ExtremeVolPct:
		return VolatilityExtreme
	case atrPct >= opts.HighVolPct:
		return VolatilityHigh
	case atrPct < opts.LowVolPct:
		return VolatilityLow
	default:
		return VolatilityNormal
	}
}

func last(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if v := series[i]; v != 0 && !math.IsNaN(v) && !math.IsInf(v, 0) {
			return v
		}
	}
	return 0
}
