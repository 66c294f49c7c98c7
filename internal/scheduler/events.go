package scheduler

import (
	"context"
	"math"
	"sync"
	"time"

	"helmsman/internal/logger"
	"helmsman/internal/types"
)

// PriceSource 提供最新成交价。
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

// PositionView 提供当前账本持仓。
type PositionView interface {
	Position() (types.Position, bool)
}

// Triggerer 接收提前运行周期的请求。
type Triggerer interface {
	TriggerNow(reason string) bool
}

const (
	ReasonPriceMove   = "price_move"
	ReasonLiquidation = "near_liquidation"
)

type EventConfig struct {
	Symbol         string
	Interval       time.Duration
	PriceMovePct   float64
	LiquidationPct float64
	// Debounce 是同一原因两次触发之间的最小间隔。
	Debounce time.Duration
}

// EventWatcher 在两次定时周期之间监控行情，出现大幅波动或逼近强平时提前触发周期。
type EventWatcher struct {
	cfg       EventConfig
	prices    PriceSource
	positions PositionView
	trigger   Triggerer
	now       func() time.Time

	mu        sync.Mutex
	reference float64
	lastFired map[string]time.Time
}

func NewEventWatcher(cfg EventConfig, prices PriceSource, positions PositionView, trigger Triggerer) *EventWatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 15 * time.Minute
	}
	return &EventWatcher{
		cfg:       cfg,
		prices:    prices,
		positions: positions,
		trigger:   trigger,
		now:       time.Now,
		lastFired: make(map[string]time.Time),
	}
}

// Run 按固定间隔检查，直到 ctx 结束。
func (w *EventWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	logger.Infof("Scheduler: event watch started interval=%s move=%.2f%% liq_buffer=%.2f%%",
		w.cfg.Interval, w.cfg.PriceMovePct, w.cfg.LiquidationPct)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// ResetReference 让下一次检查以当时价格为波动基准，周期完成后调用。
func (w *EventWatcher) ResetReference() {
	w.mu.Lock()
	w.reference = 0
	w.mu.Unlock()
}

// Check 执行一次检查，返回被接受的触发原因（没有则为空）。
func (w *EventWatcher) Check(ctx context.Context) string {
	price, err := w.prices.GetPrice(ctx, w.cfg.Symbol)
	if err != nil || price <= 0 {
		if err != nil {
			logger.Debugf("Scheduler: event watch price unavailable: %v", err)
		}
		return ""
	}

	w.mu.Lock()
	if w.reference <= 0 {
		w.reference = price
	}
	ref := w.reference
	w.mu.Unlock()

	if w.positions != nil && w.cfg.LiquidationPct > 0 {
		if pos, ok := w.positions.Position(); ok && pos.LiquidationPrice > 0 {
			if gap := liquidationGapPct(pos, price); gap <= w.cfg.LiquidationPct {
				if w.fire(ReasonLiquidation) {
					logger.Warnf("Scheduler: %s %.4f within %.2f%% of liquidation %.4f", pos.Direction, price, gap, pos.LiquidationPrice)
					return ReasonLiquidation
				}
			}
		}
	}

	if w.cfg.PriceMovePct > 0 {
		move := math.Abs(price-ref) / ref * 100
		if move >= w.cfg.PriceMovePct && w.fire(ReasonPriceMove) {
			logger.Infof("Scheduler: price moved %.2f%% (%.4f -> %.4f)", move, ref, price)
			w.mu.Lock()
			w.reference = price
			w.mu.Unlock()
			return ReasonPriceMove
		}
	}
	return ""
}

func (w *EventWatcher) fire(reason string) bool {
	now := w.now()
	w.mu.Lock()
	if last, ok := w.lastFired[reason]; ok && now.Sub(last) < w.cfg.Debounce {
		w.mu.Unlock()
		return false
	}
	w.mu.Unlock()

	if !w.trigger.TriggerNow(reason) {
		return false
	}
	w.mu.Lock()
	w.lastFired[reason] = now
	w.mu.Unlock()
	return true
}

// liquidationGapPct 是当前价距强平价的百分比，已越过强平价时为 0。
func liquidationGapPct(pos types.Position, price float64) float64 {
	var gap float64
	switch pos.Direction {
	case types.DirectionLong:
		gap = (price - pos.LiquidationPrice) / price * 100
	case types.DirectionShort:
		gap = (pos.LiquidationPrice - price) / price * 100
	default:
		return math.Inf(1)
	}
	return math.Max(0, gap)
}
