// Package exchange 定义交易所网关的统一抽象，回包在边界处一次性转成带状态的类型化结果。
package exchange

import (
	"errors"
	"time"

	"helmsman/internal/types"
)

var (
	// ErrRateLimited 表示请求在交易所侧被限频拒绝，可安全重试。
	ErrRateLimited = errors.New("exchange rate limited")
	// ErrBusy 表示交易所繁忙或网络异常，请求结果未知。
	ErrBusy              = errors.New("exchange busy")
	ErrRejected          = errors.New("order rejected")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNoPosition        = errors.New("no position on exchange")
	ErrFillTimeout       = errors.New("fill not confirmed in time")
)

// Status 是订单状态，无法判断时为 StatusUnknown。
type Status string

const (
	StatusFilled   Status = "filled"
	StatusPartial  Status = "partially_filled"
	StatusPending  Status = "pending"
	StatusRejected Status = "rejected"
	StatusCanceled Status = "canceled"
	StatusUnknown  Status = "unknown"
)

// Final 表示订单不会再变化。
func (s Status) Final() bool {
	switch s {
	case StatusFilled, StatusRejected, StatusCanceled:
		return true
	default:
		return false
	}
}

type OpenRequest struct {
	Symbol     string
	Margin     float64
	Leverage   int
	Quantity   float64 // 为 0 时按 Margin*Leverage/RefPrice 计算
	RefPrice   float64
	TakeProfit float64
	StopLoss   float64
	ClientID   string
}

type OpenResult struct {
	OrderID     string          `json:"order_id"`
	Status      Status          `json:"status"`
	Symbol      string          `json:"symbol"`
	Direction   types.Direction `json:"direction"`
	ExecutedQty float64         `json:"executed_qty"`
	AvgPrice    float64         `json:"avg_price"`
	Leverage    int             `json:"leverage"`
	Message     string          `json:"message,omitempty"`
}

type CloseRequest struct {
	Symbol    string
	Direction types.Direction
	Quantity  float64 // 0 表示全部平仓
	Reason    types.CloseReason
}

type CloseResult struct {
	OrderID     string  `json:"order_id"`
	Status      Status  `json:"status"`
	ExecutedQty float64 `json:"executed_qty"`
	AvgPrice    float64 `json:"avg_price"`
	Message     string  `json:"message,omitempty"`
}

type Balance struct {
	Asset         string    `json:"asset"`
	Total         float64   `json:"total"`
	Available     float64   `json:"available"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// PositionSnapshot 是交易所侧的持仓视图。
type PositionSnapshot struct {
	Symbol           string          `json:"symbol"`
	Direction        types.Direction `json:"direction"`
	Quantity         float64         `json:"quantity"`
	EntryPrice       float64         `json:"entry_price"`
	MarkPrice        float64         `json:"mark_price"`
	Leverage         int             `json:"leverage"`
	UnrealizedPnL    float64         `json:"unrealized_pnl"`
	LiquidationPrice float64         `json:"liquidation_price"`
}

type OrderStatus struct {
	OrderID     string  `json:"order_id"`
	Status      Status  `json:"status"`
	ExecutedQty float64 `json:"executed_qty"`
	AvgPrice    float64 `json:"avg_price"`
}
