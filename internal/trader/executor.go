package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"helmsman/internal/gateway/exchange"
	"helmsman/internal/ledger"
	"helmsman/internal/logger"
	"helmsman/internal/types"
)

// Config controls order confirmation.
type Config struct {
	Symbol      string
	FillTimeout time.Duration
	FillPoll    time.Duration
}

// OpenOrder is an approved signal ready to hit the exchange.
type OpenOrder struct {
	Direction  types.Direction
	Leverage   int
	Margin     float64
	TakeProfit float64
	StopLoss   float64
	TraceID    string
	Votes      []types.AgentVote
}

// Executor serializes every position mutation behind one lock.
//
// Both the decision workflow and the position monitor go through it, so the
// exchange and the ledger are always changed together and in order:
//   - open: exchange order -> fill confirmation -> ledger.Open at the executed price
//   - close: exchange close -> ledger.CloseAt at the executed price
type Executor struct {
	cfg    Config
	gw     exchange.Gateway
	ledger *ledger.Ledger

	mu   sync.Mutex
	busy atomic.Bool
}

func NewExecutor(cfg Config, gw exchange.Gateway, l *ledger.Ledger) *Executor {
	if cfg.Symbol == "" {
		cfg.Symbol = l.Symbol()
	}
	return &Executor{cfg: cfg, gw: gw, ledger: l}
}

// Busy reports whether a mutation is in progress.
func (e *Executor) Busy() bool { return e.busy.Load() }

func (e *Executor) lock() func() {
	e.mu.Lock()
	e.busy.Store(true)
	return func() {
		e.busy.Store(false)
		e.mu.Unlock()
	}
}

// Open places the order, waits for the fill and records the position.
func (e *Executor) Open(ctx context.Context, order OpenOrder) (types.Position, error) {
	unlock := e.lock()
	defer unlock()

	if e.ledger.HasPosition() {
		return types.Position{}, ledger.ErrPositionExists
	}
	if !order.Direction.Tradable() {
		return types.Position{}, ledger.ErrInvalidDirection
	}
	refPrice, _, ok := e.ledger.LastPrice()
	if !ok {
		price, err := e.gw.GetPrice(ctx, e.cfg.Symbol)
		if err != nil {
			return types.Position{}, fmt.Errorf("reference price: %w", err)
		}
		e.ledger.UpdatePrice(price)
		refPrice = price
	}

	res, err := exchange.Open(ctx, e.gw, order.Direction, exchange.OpenRequest{
		Symbol:     e.cfg.Symbol,
		Margin:     order.Margin,
		Leverage:   order.Leverage,
		RefPrice:   refPrice,
		TakeProfit: order.TakeProfit,
		StopLoss:   order.StopLoss,
		ClientID:   order.TraceID,
	})
	if err != nil {
		if res.Status == exchange.StatusUnknown {
			logger.Errorf("Trader: open %s result unknown, reconciling: %v", order.Direction, err)
			e.reconcileLocked(ctx)
		}
		return types.Position{}, fmt.Errorf("open %s: %w", order.Direction, err)
	}

	execPrice, execQty := res.AvgPrice, res.ExecutedQty
	if res.Status != exchange.StatusFilled {
		st, err := exchange.ConfirmFill(ctx, e.gw, e.cfg.Symbol, res.OrderID, e.cfg.FillTimeout, e.cfg.FillPoll)
		if err != nil {
			logger.Errorf("Trader: order %s not confirmed: %v", res.OrderID, err)
			e.reconcileLocked(ctx)
			return types.Position{}, fmt.Errorf("confirm fill: %w", err)
		}
		execPrice, execQty = st.AvgPrice, st.ExecutedQty
	}
	if execPrice <= 0 {
		execPrice = refPrice
	}

	ack, err := e.ledger.Open(ledger.OpenRequest{
		Direction:  order.Direction,
		Leverage:   order.Leverage,
		Margin:     order.Margin,
		TakeProfit: order.TakeProfit,
		StopLoss:   order.StopLoss,
		Price:      execPrice,
		Size:       execQty,
		Votes:      order.Votes,
	})
	if err != nil {
		// 交易所已成交但账本拒绝，立即反向平掉，避免出现账外仓位
		logger.Errorf("Trader: ledger rejected filled order %s: %v, flattening exchange position", res.OrderID, err)
		if _, cerr := e.gw.ClosePosition(ctx, exchange.CloseRequest{Symbol: e.cfg.Symbol, Direction: order.Direction, Reason: types.CloseManual}); cerr != nil {
			logger.Errorf("Trader: flatten after ledger reject failed: %v", cerr)
		}
		return types.Position{}, err
	}
	return ack.Position, nil
}

// Close flattens the position on the exchange and then in the ledger.
func (e *Executor) Close(ctx context.Context, reason types.CloseReason) (types.ClosedTrade, error) {
	unlock := e.lock()
	defer unlock()
	return e.closeLocked(ctx, reason)
}

// CheckExits evaluates TP/SL/liquidation against the last price and closes on a hit.
func (e *Executor) CheckExits(ctx context.Context) (*types.ClosedTrade, error) {
	unlock := e.lock()
	defer unlock()

	reason, hit := e.ledger.Evaluate()
	if !hit {
		return nil, nil
	}
	trade, err := e.closeLocked(ctx, reason)
	if err != nil {
		return nil, err
	}
	return &trade, nil
}

func (e *Executor) closeLocked(ctx context.Context, reason types.CloseReason) (types.ClosedTrade, error) {
	pos, ok := e.ledger.Position()
	if !ok {
		return types.ClosedTrade{}, ledger.ErrNoPosition
	}
	exitPrice := 0.0
	res, err := e.gw.ClosePosition(ctx, exchange.CloseRequest{Symbol: e.cfg.Symbol, Direction: pos.Direction, Reason: reason})
	switch {
	case err == nil:
		exitPrice = res.AvgPrice
	case errors.Is(err, exchange.ErrNoPosition):
		// 交易所侧已无仓位（例如挂单止损已触发），账本按最新价结算
		logger.Warnf("Trader: exchange already flat for %s, settling ledger at last price", e.cfg.Symbol)
	default:
		return types.ClosedTrade{}, fmt.Errorf("close %s: %w", pos.Direction, err)
	}
	// 强平且交易所未回报成交价时按强平价结算
	if reason == types.CloseLiquidation && exitPrice <= 0 {
		exitPrice = pos.LiquidationPrice
	}
	return e.ledger.CloseAt(reason, exitPrice)
}

// Reconcile aligns the ledger with the exchange after a restart or an unknown order result.
func (e *Executor) Reconcile(ctx context.Context) {
	unlock := e.lock()
	defer unlock()
	e.reconcileLocked(ctx)
}

func (e *Executor) reconcileLocked(ctx context.Context) {
	remote, err := e.gw.GetPosition(ctx, e.cfg.Symbol)
	if err != nil {
		logger.Warnf("Trader: reconcile skipped, exchange position unavailable: %v", err)
		return
	}
	local, hasLocal := e.ledger.Position()
	switch {
	case remote == nil && hasLocal:
		logger.Warnf("Trader: ledger holds %s %s but exchange is flat, closing ledger", local.Direction, e.cfg.Symbol)
		if _, err := e.ledger.CloseAt(types.CloseManual, 0); err != nil {
			logger.Warnf("Trader: reconcile close failed: %v", err)
		}
	case remote != nil && !hasLocal:
		lev := max(remote.Leverage, 1)
		margin := remote.Quantity * remote.EntryPrice / float64(lev)
		logger.Warnf("Trader: adopting exchange %s %s qty=%.6f @ %.4f", remote.Direction, e.cfg.Symbol, remote.Quantity, remote.EntryPrice)
		if remote.MarkPrice > 0 {
			e.ledger.UpdatePrice(remote.MarkPrice)
		}
		if _, err := e.ledger.Open(ledger.OpenRequest{
			Direction: remote.Direction,
			Leverage:  lev,
			Margin:    margin,
			Price:     remote.EntryPrice,
			Size:      remote.Quantity,
		}); err != nil {
			logger.Errorf("Trader: adopt exchange position failed: %v", err)
		}
	case remote != nil && hasLocal && remote.Direction != local.Direction:
		logger.Errorf("Trader: direction mismatch ledger=%s exchange=%s, manual attention required", local.Direction, remote.Direction)
	}
}
