// Package store 定义持久化入口，具体实现见 gormstore（SQLite）与 memory。
package store

import (
	"context"

	"helmsman/internal/ledger"
	"helmsman/internal/reflection"
)

// Store 汇总账本、权重与复盘的持久化能力。
type Store interface {
	ledger.Repository
	reflection.WeightStore
	reflection.Store

	// LoadLedger 读取某品种的账户、持仓与最近的交易/权益记录。
	LoadLedger(ctx context.Context, symbol string, tradeLimit, equityLimit int) (ledger.State, bool, error)
	Close() error
}
