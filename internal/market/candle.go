package market

import "time"

type Candle struct {
	OpenTime       int64   `json:"open_time"`
	CloseTime      int64   `json:"close_time"`
	Open           float64 `json:"open"`
	High           float64 `json:"high"`
	Low            float64 `json:"low"`
	Close          float64 `json:"close"`
	Volume         float64 `json:"volume"`
	TakerBuyVolume float64 `json:"taker_buy_volume,omitempty"`
	Trades         int64   `json:"trades"`
}

func (c Candle) CloseAt() time.Time {
	return time.UnixMilli(c.CloseTime).UTC()
}

// DropUnclosed 丢弃尚未收盘的最后一根 K 线（交易所会返回进行中的那根）。
func DropUnclosed(candles []Candle, now time.Time) []Candle {
	if len(candles) == 0 {
		return candles
	}
	last := candles[len(candles)-1]
	if last.CloseTime > 0 && now.UnixMilli() < last.CloseTime {
		return candles[:len(candles)-1]
	}
	return candles
}

func closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}
