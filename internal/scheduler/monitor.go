package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"helmsman/internal/logger"
	"helmsman/internal/types"
)

// PriceSink 接收最新价以刷新未实现盈亏。
type PriceSink interface {
	UpdatePrice(price float64)
}

// ExitChecker 在止盈/止损/强平命中时平仓。
type ExitChecker interface {
	CheckExits(ctx context.Context) (*types.ClosedTrade, error)
}

// PositionMonitor 独立于决策周期运行，定时刷新价格并检查离场条件。
type PositionMonitor struct {
	symbol   string
	interval time.Duration
	prices   PriceSource
	sink     PriceSink
	exits    ExitChecker
	onExit   func(types.ClosedTrade)
}

func NewPositionMonitor(symbol string, interval time.Duration, prices PriceSource, sink PriceSink, exits ExitChecker) *PositionMonitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &PositionMonitor{symbol: symbol, interval: interval, prices: prices, sink: sink, exits: exits}
}

// OnExit 注册自动离场回调。
func (m *PositionMonitor) OnExit(fn func(types.ClosedTrade)) { m.onExit = fn }

func (m *PositionMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	logger.Infof("Scheduler: position monitor started interval=%s", m.interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				logger.Warnf("Scheduler: monitor tick: %v", err)
			}
		}
	}
}

// Tick 执行一次价格刷新与离场检查；panic 被转换为错误，监控不会因此退出。
func (m *PositionMonitor) Tick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Scheduler: monitor panic: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("monitor panic: %v", r)
		}
	}()
	price, err := m.prices.GetPrice(ctx, m.symbol)
	if err != nil {
		return fmt.Errorf("price: %w", err)
	}
	if price <= 0 {
		return fmt.Errorf("price: invalid %.8f", price)
	}
	m.sink.UpdatePrice(price)

	trade, err := m.exits.CheckExits(ctx)
	if err != nil {
		return fmt.Errorf("exit: %w", err)
	}
	if trade != nil {
		logger.Infof("Scheduler: auto exit %s %s pnl=%.2f", trade.TradeID, trade.Reason, trade.PnL)
		if m.onExit != nil {
			m.onExit(*trade)
		}
	}
	return nil
}
