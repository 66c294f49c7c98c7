// Package paper 是模拟成交的交易所网关：行情来自真实数据源，成交与资金在内存里撮合。
package paper

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"helmsman/internal/gateway/exchange"
	"helmsman/internal/logger"
	"helmsman/internal/market"
	"helmsman/internal/types"
)

type Config struct {
	InitialBalance float64
	SlippageBps    float64
	Asset          string
}

type Gateway struct {
	feed market.Source
	cfg  Config
	now  func() time.Time

	mu        sync.Mutex
	wallet    float64
	positions map[string]*position
	orders    map[string]exchange.OrderStatus
	seq       int64
}

type position struct {
	direction types.Direction
	qty       float64
	entry     float64
	leverage  int
	margin    float64
}

var _ exchange.Gateway = (*Gateway)(nil)

func New(feed market.Source, cfg Config) *Gateway {
	if cfg.Asset == "" {
		cfg.Asset = "USDT"
	}
	return &Gateway{
		feed:      feed,
		cfg:       cfg,
		now:       time.Now,
		wallet:    cfg.InitialBalance,
		positions: make(map[string]*position),
		orders:    make(map[string]exchange.OrderStatus),
	}
}

func (g *Gateway) Name() string { return "paper" }

func (g *Gateway) OpenLong(ctx context.Context, req exchange.OpenRequest) (exchange.OpenResult, error) {
	return g.open(ctx, types.DirectionLong, req)
}

func (g *Gateway) OpenShort(ctx context.Context, req exchange.OpenRequest) (exchange.OpenResult, error) {
	return g.open(ctx, types.DirectionShort, req)
}

func (g *Gateway) open(ctx context.Context, dir types.Direction, req exchange.OpenRequest) (exchange.OpenResult, error) {
	symbol := normalize(req.Symbol)
	res := exchange.OpenResult{Symbol: symbol, Direction: dir, Status: exchange.StatusRejected, Leverage: req.Leverage}
	if req.Leverage <= 0 || req.Margin <= 0 {
		return res, fmt.Errorf("%w: leverage and margin must be positive", exchange.ErrRejected)
	}
	price, err := g.feed.GetPrice(ctx, symbol)
	if err != nil {
		res.Status = exchange.StatusUnknown
		return res, fmt.Errorf("%w: price feed: %v", exchange.ErrBusy, err)
	}
	fill := g.slip(price, dir, true)
	qty := req.Quantity
	if qty <= 0 {
		qty = req.Margin * float64(req.Leverage) / fill
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.positions[symbol]; ok {
		return res, fmt.Errorf("%w: position already open on %s", exchange.ErrRejected, symbol)
	}
	if req.Margin > g.availableLocked() {
		return res, fmt.Errorf("%w: margin %.2f exceeds available %.2f", exchange.ErrInsufficientFunds, req.Margin, g.availableLocked())
	}
	g.positions[symbol] = &position{direction: dir, qty: qty, entry: fill, leverage: req.Leverage, margin: req.Margin}
	id := g.record(qty, fill)
	logger.Infof("Paper: open %s %s qty=%.6f @ %.4f lev=%d margin=%.2f", dir, symbol, qty, fill, req.Leverage, req.Margin)
	res.OrderID = id
	res.Status = exchange.StatusFilled
	res.ExecutedQty = qty
	res.AvgPrice = fill
	return res, nil
}

func (g *Gateway) ClosePosition(ctx context.Context, req exchange.CloseRequest) (exchange.CloseResult, error) {
	symbol := normalize(req.Symbol)
	res := exchange.CloseResult{Status: exchange.StatusRejected}
	g.mu.Lock()
	pos, ok := g.positions[symbol]
	g.mu.Unlock()
	if !ok {
		return res, fmt.Errorf("%w: %s", exchange.ErrNoPosition, symbol)
	}
	price, err := g.feed.GetPrice(ctx, symbol)
	if err != nil {
		res.Status = exchange.StatusUnknown
		return res, fmt.Errorf("%w: price feed: %v", exchange.ErrBusy, err)
	}
	fill := g.slip(price, pos.direction, false)

	g.mu.Lock()
	defer g.mu.Unlock()
	pos, ok = g.positions[symbol]
	if !ok {
		return res, fmt.Errorf("%w: %s", exchange.ErrNoPosition, symbol)
	}
	qty := pos.qty
	if req.Quantity > 0 && req.Quantity < qty {
		qty = req.Quantity
	}
	sign := 1.0
	if pos.direction == types.DirectionShort {
		sign = -1
	}
	pnl := sign * (fill - pos.entry) * qty
	// 逐仓：亏损最多吃掉对应保证金
	releasedMargin := pos.margin * qty / pos.qty
	pnl = math.Max(pnl, -releasedMargin)
	g.wallet += pnl
	if qty >= pos.qty {
		delete(g.positions, symbol)
	} else {
		pos.qty -= qty
		pos.margin -= releasedMargin
	}
	id := g.record(qty, fill)
	logger.Infof("Paper: close %s %s qty=%.6f @ %.4f pnl=%.2f reason=%s", pos.direction, symbol, qty, fill, pnl, req.Reason)
	res.OrderID = id
	res.Status = exchange.StatusFilled
	res.ExecutedQty = qty
	res.AvgPrice = fill
	return res, nil
}

func (g *Gateway) GetAccountBalance(ctx context.Context) (exchange.Balance, error) {
	g.mu.Lock()
	positions := make(map[string]position, len(g.positions))
	for sym, p := range g.positions {
		positions[sym] = *p
	}
	wallet := g.wallet
	g.mu.Unlock()

	var upnl, used float64
	for sym, p := range positions {
		used += p.margin
		if price, err := g.feed.GetPrice(ctx, sym); err == nil {
			upnl += unrealized(p, price)
		}
	}
	return exchange.Balance{
		Asset:         g.cfg.Asset,
		Total:         wallet,
		Available:     wallet - used,
		UnrealizedPnL: upnl,
		UpdatedAt:     g.now(),
	}, nil
}

func (g *Gateway) GetPosition(ctx context.Context, symbol string) (*exchange.PositionSnapshot, error) {
	symbol = normalize(symbol)
	g.mu.Lock()
	p, ok := g.positions[symbol]
	var cp position
	if ok {
		cp = *p
	}
	g.mu.Unlock()
	if !ok {
		return nil, nil
	}
	snap := &exchange.PositionSnapshot{
		Symbol:     symbol,
		Direction:  cp.direction,
		Quantity:   cp.qty,
		EntryPrice: cp.entry,
		Leverage:   cp.leverage,
	}
	if price, err := g.feed.GetPrice(ctx, symbol); err == nil {
		snap.MarkPrice = price
		snap.UnrealizedPnL = unrealized(cp, price)
	}
	return snap, nil
}

func (g *Gateway) GetOrder(_ context.Context, _ string, orderID string) (exchange.OrderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.orders[orderID]
	if !ok {
		return exchange.OrderStatus{OrderID: orderID, Status: exchange.StatusUnknown}, fmt.Errorf("%w: order %s not found", exchange.ErrRejected, orderID)
	}
	return st, nil
}

func (g *Gateway) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	return g.feed.GetKlines(ctx, normalize(symbol), interval, limit)
}

func (g *Gateway) GetPrice(ctx context.Context, symbol string) (float64, error) {
	return g.feed.GetPrice(ctx, normalize(symbol))
}

// slip 按滑点让成交价对我方不利：开多/平空抬价，开空/平多压价。
func (g *Gateway) slip(price float64, dir types.Direction, opening bool) float64 {
	adj := g.cfg.SlippageBps / 10000
	buying := (dir == types.DirectionLong) == opening
	if buying {
		return price * (1 + adj)
	}
	return price * (1 - adj)
}

func (g *Gateway) availableLocked() float64 {
	used := 0.0
	for _, p := range g.positions {
		used += p.margin
	}
	return g.wallet - used
}

func (g *Gateway) record(qty, price float64) string {
	g.seq++
	id := "paper-" + strconv.FormatInt(g.seq, 10)
	g.orders[id] = exchange.OrderStatus{OrderID: id, Status: exchange.StatusFilled, ExecutedQty: qty, AvgPrice: price}
	return id
}

func unrealized(p position, price float64) float64 {
	pnl := (price - p.entry) * p.qty
	if p.direction == types.DirectionShort {
		pnl = -pnl
	}
	return math.Max(pnl, -p.margin)
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(symbol), "/", ""))
}
