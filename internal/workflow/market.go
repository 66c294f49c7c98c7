package workflow

import (
	"context"
	"fmt"

	"helmsman/internal/market"
)

// PriceSink 接收最新成交价（通常是账本）。
type PriceSink interface {
	UpdatePrice(price float64)
}

type marketStage struct {
	source    market.Source
	sink      PriceSink
	timeframe string
	limit     int
	opts      market.AnalysisOptions
}

func (marketStage) Name() string { return StageMarketAnalysis }

// Run 拉取 K 线与现价并计算指标。取不到现价时直接失败，不使用任何兜底价格。
func (m marketStage) Run(ctx context.Context, st *State) error {
	candles, err := m.source.GetKlines(ctx, st.Symbol, m.timeframe, m.limit)
	if err != nil {
		return fmt.Errorf("klines: %w", err)
	}
	price, err := m.source.GetPrice(ctx, st.Symbol)
	if err != nil {
		return fmt.Errorf("price: %w", err)
	}
	if price <= 0 {
		return fmt.Errorf("price: invalid %.8f", price)
	}
	snap, err := market.Analyze(st.Symbol, m.timeframe, candles, m.opts)
	if err != nil {
		return err
	}
	snap.Price = price
	if m.sink != nil {
		m.sink.UpdatePrice(price)
	}
	st.Market = &snap
	return nil
}
