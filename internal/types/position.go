package types

import (
	"time"
)

// CloseReason 描述平仓原因。
type CloseReason string

const (
	CloseTakeProfit     CloseReason = "take_profit"
	CloseStopLoss       CloseReason = "stop_loss"
	CloseLiquidation    CloseReason = "liquidation"
	CloseManual         CloseReason = "manual"
	CloseSignalReversal CloseReason = "signal_reversal"
)

func (r CloseReason) Valid() bool {
	switch r {
	case CloseTakeProfit, CloseStopLoss, CloseLiquidation, CloseManual, CloseSignalReversal:
		return true
	default:
		return false
	}
}

// Account 是单品种账户快照。TotalEquity = Balance + UsedMargin + UnrealizedPnL。
type Account struct {
	Balance       float64   `json:"balance"`
	UsedMargin    float64   `json:"used_margin"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	RealizedPnL   float64   `json:"realized_pnl"`
	TotalTrades   int       `json:"total_trades"`
	WinningTrades int       `json:"winning_trades"`
	LosingTrades  int       `json:"losing_trades"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (a Account) TotalEquity() float64 {
	return a.Balance + a.UsedMargin + a.UnrealizedPnL
}

// AvailableMargin 是真正可用于开仓的保证金（总权益减去已占用保证金）。
func (a Account) AvailableMargin() float64 {
	return a.TotalEquity() - a.UsedMargin
}

func (a Account) WinRate() float64 {
	if a.TotalTrades == 0 {
		return 0
	}
	return float64(a.WinningTrades) / float64(a.TotalTrades)
}

// Position 是当前唯一持仓。TakeProfit/StopLoss 为 0 表示未设置。
type Position struct {
	TradeID          string    `json:"trade_id"`
	Symbol           string    `json:"symbol"`
	Direction        Direction `json:"direction"`
	Size             float64   `json:"size"`
	EntryPrice       float64   `json:"entry_price"`
	Leverage         int       `json:"leverage"`
	Margin           float64   `json:"margin"`
	TakeProfit       float64   `json:"take_profit,omitempty"`
	StopLoss         float64   `json:"stop_loss,omitempty"`
	LiquidationPrice float64   `json:"liquidation_price"`
	MarkPrice        float64   `json:"mark_price"`
	UnrealizedPnL    float64   `json:"unrealized_pnl"`
	OpenedAt         time.Time `json:"opened_at"`

	// Votes 是入场时的投票快照，复盘时使用。
	Votes []AgentVote `json:"votes,omitempty"`
}

func (p Position) Notional() float64 {
	return p.Size * p.MarkPrice
}

// UnrealizedPnLPercent 相对保证金的收益率。
func (p Position) UnrealizedPnLPercent() float64 {
	if p.Margin <= 0 {
		return 0
	}
	return p.UnrealizedPnL / p.Margin * 100
}

// ClosedTrade 在平仓时生成一次，之后不可修改。
type ClosedTrade struct {
	TradeID    string      `json:"trade_id"`
	Symbol     string      `json:"symbol"`
	Direction  Direction   `json:"direction"`
	EntryPrice float64     `json:"entry_price"`
	ExitPrice  float64     `json:"exit_price"`
	Size       float64     `json:"size"`
	Leverage   int         `json:"leverage"`
	Margin     float64     `json:"margin"`
	PnL        float64     `json:"pnl"`
	PnLPercent float64     `json:"pnl_percent"`
	Reason     CloseReason `json:"reason"`
	OpenedAt   time.Time   `json:"opened_at"`
	ClosedAt   time.Time   `json:"closed_at"`
	Votes      []AgentVote `json:"votes,omitempty"`
}

func (t ClosedTrade) Profitable() bool { return t.PnL > 0 }

func (t ClosedTrade) HoldingTime() time.Duration {
	return t.ClosedAt.Sub(t.OpenedAt)
}

// EquityPoint 是资金曲线上的一个采样点。
type EquityPoint struct {
	Timestamp     time.Time `json:"ts"`
	Equity        float64   `json:"equity"`
	Balance       float64   `json:"balance"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
}
