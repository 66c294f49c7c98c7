package market

import "context"

// Source 是 K 线与最新价的只读来源，交易所网关与 paper 网关都实现它。
type Source interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	GetPrice(ctx context.Context, symbol string) (float64, error)
}
