package agent

import (
	"context"
	"fmt"

	"helmsman/internal/market"
	"helmsman/internal/types"
)

// PositionContext 是投票时可见的持仓与资金信息。
type PositionContext struct {
	HasPosition      bool            `json:"has_position"`
	Direction        types.Direction `json:"direction,omitempty"`
	EntryPrice       float64         `json:"entry_price,omitempty"`
	Leverage         int             `json:"leverage,omitempty"`
	UnrealizedPnLPct float64         `json:"unrealized_pnl_pct,omitempty"`
	AvailableMargin  float64         `json:"available_margin"`
	TotalEquity      float64         `json:"total_equity"`
}

// NewPositionContext 由账户与（可能为空的）持仓构造上下文。
func NewPositionContext(acc types.Account, pos *types.Position) PositionContext {
	pc := PositionContext{
		AvailableMargin: acc.AvailableMargin(),
		TotalEquity:     acc.TotalEquity(),
	}
	if pos != nil {
		pc.HasPosition = true
		pc.Direction = pos.Direction
		pc.EntryPrice = pos.EntryPrice
		pc.Leverage = pos.Leverage
		pc.UnrealizedPnLPct = pos.UnrealizedPnLPercent()
	}
	return pc
}

func (p PositionContext) String() string {
	if !p.HasPosition {
		return fmt.Sprintf("flat, available margin %.2f of equity %.2f", p.AvailableMargin, p.TotalEquity)
	}
	return fmt.Sprintf("%s %dx from %.4f, unrealized %.2f%%, available margin %.2f",
		p.Direction, p.Leverage, p.EntryPrice, p.UnrealizedPnLPct, p.AvailableMargin)
}

// Vote 是 agent 的原始投票，权重由工作流在采集时附加。
type Vote struct {
	Direction  types.Direction
	Confidence float64
	Reasoning  string
}

// Analyst 是一个投票者。实现方允许失败，失败只会让该票缺席。
type Analyst interface {
	ID() string
	Vote(ctx context.Context, snap market.Snapshot, pos PositionContext) (Vote, error)
}

// Hold 是零置信度的观望票。
func Hold(reason string) Vote {
	return Vote{Direction: types.DirectionHold, Reasoning: reason}
}
