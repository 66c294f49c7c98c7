package ledger

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"helmsman/internal/logger"
	"helmsman/internal/types"
)

var (
	ErrPositionExists     = errors.New("ledger: position already open")
	ErrNoPosition         = errors.New("ledger: no open position")
	ErrInsufficientMargin = errors.New("ledger: insufficient margin")
	ErrInvalidDirection   = errors.New("ledger: direction must be long or short")
	ErrInvalidAmount      = errors.New("ledger: margin must be > 0")
	ErrNoPrice            = errors.New("ledger: no valid price")
)

const persistTimeout = 5 * time.Second

// Config 描述单品种账本参数，百分比字段以 100 为基数（3 表示 3%）。
type Config struct {
	Symbol                    string
	InitialBalance            float64
	MaxLeverage               int
	DefaultTakeProfitPct      float64
	DefaultStopLossPct        float64
	LiquidationMarginFraction float64
	MaxTradeHistory           int
	MaxEquityPoints           int
	EquitySampleInterval      time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	out.Symbol = strings.ToUpper(strings.TrimSpace(out.Symbol))
	if out.InitialBalance <= 0 {
		out.InitialBalance = 10000
	}
	if out.MaxLeverage < 1 {
		out.MaxLeverage = 1
	}
	if out.DefaultTakeProfitPct <= 0 {
		out.DefaultTakeProfitPct = 3
	}
	if out.DefaultStopLossPct <= 0 {
		out.DefaultStopLossPct = 1.5
	}
	if out.LiquidationMarginFraction <= 0 || out.LiquidationMarginFraction > 1 {
		out.LiquidationMarginFraction = 0.8
	}
	if out.MaxTradeHistory <= 0 {
		out.MaxTradeHistory = 200
	}
	if out.MaxEquityPoints <= 0 {
		out.MaxEquityPoints = 2000
	}
	if out.EquitySampleInterval < 0 {
		out.EquitySampleInterval = 0
	}
	return out
}

// Repository 是账本的持久化端口，写失败只告警不回滚内存状态。
type Repository interface {
	SaveAccount(ctx context.Context, symbol string, acc types.Account) error
	SavePosition(ctx context.Context, symbol string, pos *types.Position) error
	AppendTrade(ctx context.Context, trade types.ClosedTrade, limit int) error
	AppendEquity(ctx context.Context, symbol string, pt types.EquityPoint, limit int) error
}

// CloseListener 在平仓后（锁释放之后）被同步调用。
type CloseListener func(types.ClosedTrade)

type OpenRequest struct {
	Direction  types.Direction
	Leverage   int
	Margin     float64
	TakeProfit float64
	StopLoss   float64
	// Price/Size 为交易所确认后的成交价与数量，留空时按最新价推算。
	Price   float64
	Size    float64
	TradeID string
	Votes   []types.AgentVote
}

type OrderAck struct {
	TradeID         string
	Position        types.Position
	LeverageClamped bool
	TargetsAdjusted bool
}

// State 是可持久化/可恢复的账本全量状态。
type State struct {
	Account  types.Account
	Position *types.Position
	Trades   []types.ClosedTrade
	Equity   []types.EquityPoint
}

// Ledger 是单品种账户与仓位的权威记账；所有变更经由同一把锁串行执行。
type Ledger struct {
	cfg   Config
	repo  Repository
	nowFn func() time.Time
	idFn  func() string

	mu         sync.Mutex
	account    types.Account
	position   *types.Position
	price      float64
	priceAt    time.Time
	trades     []types.ClosedTrade
	equity     []types.EquityPoint
	lastSample time.Time
	dayKey     string
	dayPnL     float64
	baseline   baseline

	listenerMu sync.RWMutex
	listeners  []CloseListener
}

type Option func(*Ledger)

func WithRepository(repo Repository) Option {
	return func(l *Ledger) { l.repo = repo }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.nowFn = now
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(l *Ledger) {
		if fn != nil {
			l.idFn = fn
		}
	}
}

func New(cfg Config, opts ...Option) *Ledger {
	final := cfg.withDefaults()
	l := &Ledger{
		cfg:   final,
		nowFn: time.Now,
		idFn:  uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	now := l.nowFn()
	l.account = types.Account{Balance: final.InitialBalance, UpdatedAt: now}
	l.baseline = newBaseline(final.InitialBalance, now)
	return l
}

func (l *Ledger) Symbol() string { return l.cfg.Symbol }

func (l *Ledger) MaxLeverage() int { return l.cfg.MaxLeverage }

// OnClose 注册平仓事件监听。
func (l *Ledger) OnClose(fn CloseListener) {
	if fn == nil {
		return
	}
	l.listenerMu.Lock()
	l.listeners = append(l.listeners, fn)
	l.listenerMu.Unlock()
}

// Restore 用持久化状态重建内存账本；未平仓位会按当前参数重算强平价。
func (l *Ledger) Restore(st State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.nowFn()
	l.account = st.Account
	if l.account.Balance == 0 && l.account.UsedMargin == 0 && l.account.TotalTrades == 0 {
		l.account.Balance = l.cfg.InitialBalance
	}
	l.position = nil
	if st.Position != nil && st.Position.Direction.Tradable() && st.Position.Size > 0 {
		cp := *st.Position
		cp.LiquidationPrice = liquidationPrice(cp.Direction, cp.EntryPrice, cp.Leverage, l.cfg.LiquidationMarginFraction)
		if cp.MarkPrice <= 0 {
			cp.MarkPrice = cp.EntryPrice
		}
		l.position = &cp
		l.price = cp.MarkPrice
		// 保证金以仓位为准，避免持久化的账户与仓位不一致
		l.account.UsedMargin = cp.Margin
	} else {
		l.account.UsedMargin = 0
		l.account.UnrealizedPnL = 0
	}
	l.trades = tail(append([]types.ClosedTrade(nil), st.Trades...), l.cfg.MaxTradeHistory)
	l.equity = tail(append([]types.EquityPoint(nil), st.Equity...), l.cfg.MaxEquityPoints)
	l.dayKey = dayKeyOf(now)
	l.dayPnL = 0
	for _, tr := range l.trades {
		if dayKeyOf(tr.ClosedAt) == l.dayKey {
			l.dayPnL += tr.PnL
		}
	}
	l.recalcLocked()
	l.baseline = newBaseline(l.account.TotalEquity(), now)
	logger.Infof("Ledger: restored symbol=%s balance=%.2f position=%v trades=%d",
		l.cfg.Symbol, l.account.Balance, l.position != nil, len(l.trades))
}

// UpdatePrice 推送最新价格，刷新未实现盈亏并按间隔采样资金曲线。
func (l *Ledger) UpdatePrice(price float64) {
	if price <= 0 {
		return
	}
	l.mu.Lock()
	now := l.nowFn()
	l.price = price
	l.priceAt = now
	l.recalcLocked()
	var sample *types.EquityPoint
	if l.lastSample.IsZero() || now.Sub(l.lastSample) >= l.cfg.EquitySampleInterval {
		pt := l.sampleLocked(now)
		sample = &pt
	}
	acc := l.account
	l.mu.Unlock()

	if sample != nil {
		l.persist(func(ctx context.Context, repo Repository) error {
			if err := repo.AppendEquity(ctx, l.cfg.Symbol, *sample, l.cfg.MaxEquityPoints); err != nil {
				return err
			}
			return repo.SaveAccount(ctx, l.cfg.Symbol, acc)
		})
	}
}

// LastPrice 返回最新价格与时间；没有价格时 ok=false。
func (l *Ledger) LastPrice() (float64, time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.price, l.priceAt, l.price > 0
}

// Open 开仓：杠杆夹到 [1, max]，保证金超过可用保证金或余额时拒绝，不一致的 TP/SL 按默认百分比重算。
func (l *Ledger) Open(req OpenRequest) (OrderAck, error) {
	if !req.Direction.Tradable() {
		return OrderAck{}, ErrInvalidDirection
	}
	if req.Margin <= 0 {
		return OrderAck{}, ErrInvalidAmount
	}

	l.mu.Lock()
	if l.position != nil {
		l.mu.Unlock()
		return OrderAck{}, ErrPositionExists
	}
	available := l.account.AvailableMargin()
	if req.Margin > available || req.Margin > l.account.Balance {
		l.mu.Unlock()
		return OrderAck{}, fmt.Errorf("%w: margin=%.4f available=%.4f balance=%.4f",
			ErrInsufficientMargin, req.Margin, available, l.account.Balance)
	}
	entry := req.Price
	if entry <= 0 {
		entry = l.price
	}
	if entry <= 0 {
		l.mu.Unlock()
		return OrderAck{}, ErrNoPrice
	}

	ack := OrderAck{}
	leverage := req.Leverage
	if leverage < 1 {
		leverage = 1
		ack.LeverageClamped = true
	}
	if leverage > l.cfg.MaxLeverage {
		leverage = l.cfg.MaxLeverage
		ack.LeverageClamped = true
	}

	tp, sl := req.TakeProfit, req.StopLoss
	if !takeProfitConsistent(req.Direction, entry, tp) {
		tp = roundTo(relativePrice(entry, l.cfg.DefaultTakeProfitPct, req.Direction, true), 8)
		ack.TargetsAdjusted = true
	}
	if !stopLossConsistent(req.Direction, entry, sl) {
		sl = roundTo(relativePrice(entry, l.cfg.DefaultStopLossPct, req.Direction, false), 8)
		ack.TargetsAdjusted = true
	}

	size := req.Size
	if size <= 0 {
		size = positionSize(req.Margin, leverage, entry)
	}
	tradeID := strings.TrimSpace(req.TradeID)
	if tradeID == "" {
		tradeID = l.idFn()
	}
	now := l.nowFn()
	pos := &types.Position{
		TradeID:          tradeID,
		Symbol:           l.cfg.Symbol,
		Direction:        req.Direction,
		Size:             size,
		EntryPrice:       entry,
		Leverage:         leverage,
		Margin:           req.Margin,
		TakeProfit:       tp,
		StopLoss:         sl,
		LiquidationPrice: liquidationPrice(req.Direction, entry, leverage, l.cfg.LiquidationMarginFraction),
		MarkPrice:        entry,
		OpenedAt:         now,
		Votes:            append([]types.AgentVote(nil), req.Votes...),
	}
	l.position = pos
	if l.price <= 0 {
		l.price = entry
		l.priceAt = now
	}
	l.account.Balance = flt(dec(l.account.Balance).Sub(dec(req.Margin)))
	l.account.UsedMargin = flt(dec(l.account.UsedMargin).Add(dec(req.Margin)))
	l.recalcLocked()
	l.sampleLocked(now)
	ack.TradeID = tradeID
	ack.Position = clonePosition(*pos)
	acc := l.account
	l.mu.Unlock()

	if ack.TargetsAdjusted {
		logger.Warnf("Ledger: %s %s TP/SL 与成交价 %.4f 不一致，已按默认百分比重算 tp=%.4f sl=%.4f",
			l.cfg.Symbol, req.Direction, entry, tp, sl)
	}
	logger.Infof("Ledger: opened %s %s size=%.6f entry=%.4f lev=%dx margin=%.2f liq=%.4f",
		l.cfg.Symbol, req.Direction, size, entry, leverage, req.Margin, ack.Position.LiquidationPrice)

	snapshot := ack.Position
	l.persist(func(ctx context.Context, repo Repository) error {
		if err := repo.SavePosition(ctx, l.cfg.Symbol, &snapshot); err != nil {
			return err
		}
		return repo.SaveAccount(ctx, l.cfg.Symbol, acc)
	})
	return ack, nil
}

// Close 以最新价平仓。
func (l *Ledger) Close(reason types.CloseReason) (types.ClosedTrade, error) {
	return l.CloseAt(reason, 0)
}

// CloseAt 以指定成交价平仓（0 表示最新价）；亏损最多截断到全部保证金。
func (l *Ledger) CloseAt(reason types.CloseReason, exitPrice float64) (types.ClosedTrade, error) {
	if !reason.Valid() {
		reason = types.CloseManual
	}
	l.mu.Lock()
	trade, err := l.closeLocked(reason, exitPrice)
	acc := l.account
	l.mu.Unlock()
	if err != nil {
		return types.ClosedTrade{}, err
	}
	l.afterClose(trade, acc)
	return trade, nil
}

// Evaluate 判断当前价格是否触发强平/止损/止盈，不做任何修改。
func (l *Ledger) Evaluate() (types.CloseReason, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evaluateLocked()
}

// CheckTpSl 检查止盈止损与强平，命中时自动平仓并返回原因。
func (l *Ledger) CheckTpSl() (types.CloseReason, bool) {
	l.mu.Lock()
	reason, hit := l.evaluateLocked()
	if !hit {
		l.mu.Unlock()
		return "", false
	}
	trade, err := l.closeLocked(reason, 0)
	acc := l.account
	l.mu.Unlock()
	if err != nil {
		return "", false
	}
	l.afterClose(trade, acc)
	return reason, true
}

func (l *Ledger) evaluateLocked() (types.CloseReason, bool) {
	pos := l.position
	if pos == nil || l.price <= 0 {
		return "", false
	}
	price := l.price
	switch pos.Direction {
	case types.DirectionLong:
		if pos.LiquidationPrice > 0 && price <= pos.LiquidationPrice {
			return types.CloseLiquidation, true
		}
		if pos.StopLoss > 0 && price <= pos.StopLoss {
			return types.CloseStopLoss, true
		}
		if pos.TakeProfit > 0 && price >= pos.TakeProfit {
			return types.CloseTakeProfit, true
		}
	case types.DirectionShort:
		if pos.LiquidationPrice > 0 && price >= pos.LiquidationPrice {
			return types.CloseLiquidation, true
		}
		if pos.StopLoss > 0 && price >= pos.StopLoss {
			return types.CloseStopLoss, true
		}
		if pos.TakeProfit > 0 && price <= pos.TakeProfit {
			return types.CloseTakeProfit, true
		}
	}
	return "", false
}

func (l *Ledger) closeLocked(reason types.CloseReason, exitPrice float64) (types.ClosedTrade, error) {
	pos := l.position
	if pos == nil {
		return types.ClosedTrade{}, ErrNoPosition
	}
	exit := exitPrice
	if exit <= 0 {
		exit = l.price
	}
	if exit <= 0 {
		exit = pos.EntryPrice
	}
	pnl := pnlAt(pos.Direction, pos.EntryPrice, exit, pos.Size)
	if pnl < -pos.Margin {
		pnl = -pos.Margin
	}
	now := l.nowFn()
	trade := types.ClosedTrade{
		TradeID:    pos.TradeID,
		Symbol:     pos.Symbol,
		Direction:  pos.Direction,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exit,
		Size:       pos.Size,
		Leverage:   pos.Leverage,
		Margin:     pos.Margin,
		PnL:        roundTo(pnl, 8),
		PnLPercent: roundTo(flt(dec(pnl).Div(dec(pos.Margin)).Mul(decHundred)), 4),
		Reason:     reason,
		OpenedAt:   pos.OpenedAt,
		ClosedAt:   now,
		Votes:      append([]types.AgentVote(nil), pos.Votes...),
	}

	l.account.Balance = flt(dec(l.account.Balance).Add(dec(pos.Margin)).Add(dec(trade.PnL)))
	l.account.UsedMargin = flt(dec(l.account.UsedMargin).Sub(dec(pos.Margin)))
	if l.account.UsedMargin < 0 {
		l.account.UsedMargin = 0
	}
	l.account.RealizedPnL = flt(dec(l.account.RealizedPnL).Add(dec(trade.PnL)))
	l.account.TotalTrades++
	switch {
	case trade.PnL > 0:
		l.account.WinningTrades++
	case trade.PnL < 0:
		l.account.LosingTrades++
	}
	l.position = nil
	l.recalcLocked()

	l.rollDayLocked(now)
	l.dayPnL += trade.PnL
	l.trades = append(l.trades, trade)
	l.trades = tail(l.trades, l.cfg.MaxTradeHistory)
	l.sampleLocked(now)
	l.baseline.observe(l.account.TotalEquity())
	return trade, nil
}

func (l *Ledger) afterClose(trade types.ClosedTrade, acc types.Account) {
	logger.Infof("Ledger: closed %s %s reason=%s entry=%.4f exit=%.4f pnl=%.4f (%.2f%%)",
		trade.Symbol, trade.Direction, trade.Reason, trade.EntryPrice, trade.ExitPrice, trade.PnL, trade.PnLPercent)
	l.persist(func(ctx context.Context, repo Repository) error {
		if err := repo.SavePosition(ctx, l.cfg.Symbol, nil); err != nil {
			return err
		}
		if err := repo.AppendTrade(ctx, trade, l.cfg.MaxTradeHistory); err != nil {
			return err
		}
		return repo.SaveAccount(ctx, l.cfg.Symbol, acc)
	})
	l.listenerMu.RLock()
	listeners := append([]CloseListener(nil), l.listeners...)
	l.listenerMu.RUnlock()
	for _, fn := range listeners {
		l.notify(fn, trade)
	}
}

func (l *Ledger) notify(fn CloseListener, trade types.ClosedTrade) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Ledger: close listener panic: %v\n%s", r, debug.Stack())
		}
	}()
	fn(trade)
}

// recalcLocked 按最新价刷新未实现盈亏，亏损不超过保证金。
func (l *Ledger) recalcLocked() {
	l.account.UpdatedAt = l.nowFn()
	if l.position == nil {
		l.account.UnrealizedPnL = 0
		return
	}
	mark := l.price
	if mark <= 0 {
		mark = l.position.EntryPrice
	}
	upnl := pnlAt(l.position.Direction, l.position.EntryPrice, mark, l.position.Size)
	if upnl < -l.position.Margin {
		upnl = -l.position.Margin
	}
	l.position.MarkPrice = mark
	l.position.UnrealizedPnL = upnl
	l.account.UnrealizedPnL = upnl
	l.baseline.observe(l.account.TotalEquity())
}

func (l *Ledger) sampleLocked(now time.Time) types.EquityPoint {
	pt := types.EquityPoint{
		Timestamp:     now,
		Equity:        l.account.TotalEquity(),
		Balance:       l.account.Balance,
		UnrealizedPnL: l.account.UnrealizedPnL,
	}
	l.equity = append(l.equity, pt)
	l.equity = tail(l.equity, l.cfg.MaxEquityPoints)
	l.lastSample = now
	return pt
}

func (l *Ledger) rollDayLocked(now time.Time) {
	key := dayKeyOf(now)
	if key != l.dayKey {
		l.dayKey = key
		l.dayPnL = 0
	}
}

// Account 返回反映最新价格的账户快照。
func (l *Ledger) Account() types.Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.account
}

// Position 返回当前仓位快照。
func (l *Ledger) Position() (types.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.position == nil {
		return types.Position{}, false
	}
	return clonePosition(*l.position), true
}

func (l *Ledger) HasPosition() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.position != nil
}

// ClosedTrades 返回最近 limit 笔平仓记录（limit<=0 返回全部），按时间正序。
func (l *Ledger) ClosedTrades(limit int) []types.ClosedTrade {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]types.ClosedTrade(nil), tail(l.trades, limit)...)
}

func (l *Ledger) EquityCurve(limit int) []types.EquityPoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]types.EquityPoint(nil), tail(l.equity, limit)...)
}

// DailyRealizedPnL 返回 now 所在 UTC 日的已实现盈亏。
func (l *Ledger) DailyRealizedPnL(now time.Time) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if dayKeyOf(now) != l.dayKey {
		return 0
	}
	return l.dayPnL
}

// Snapshot 返回全量状态，用于持久化或调试。
func (l *Ledger) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := State{
		Account: l.account,
		Trades:  append([]types.ClosedTrade(nil), l.trades...),
		Equity:  append([]types.EquityPoint(nil), l.equity...),
	}
	if l.position != nil {
		cp := clonePosition(*l.position)
		st.Position = &cp
	}
	return st
}

func (l *Ledger) persist(fn func(ctx context.Context, repo Repository) error) {
	if l.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := fn(ctx, l.repo); err != nil {
		logger.Warnf("Ledger: persist failed symbol=%s: %v", l.cfg.Symbol, err)
	}
}

func clonePosition(p types.Position) types.Position {
	p.Votes = append([]types.AgentVote(nil), p.Votes...)
	return p
}

func dayKeyOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func tail[T any](items []T, limit int) []T {
	if limit <= 0 || len(items) <= limit {
		return items
	}
	return items[len(items)-limit:]
}
