package guard

import (
	"fmt"

	"helmsman/internal/types"
)

// ParamLimits 约束下单参数。
type ParamLimits struct {
	MaxLeverage       int
	MaxMarginFraction float64
}

// ValidateParams 是与 Guard 独立的纯函数校验：杠杆范围、保证金上限、TP/SL 相对现价的顺序。
func ValidateParams(limits ParamLimits, p Proposal, acc types.Account, price float64) Verdict {
	if p.Action == ActionClose {
		return Allow()
	}
	block := func(format string, args ...any) Verdict {
		v := Block(ReasonInvalidParams, fmt.Sprintf(format, args...))
		v.Check = "params"
		return v
	}
	if !p.Direction.Tradable() {
		return block("direction %q is not tradable", p.Direction)
	}
	if p.Leverage < 1 || (limits.MaxLeverage > 0 && p.Leverage > limits.MaxLeverage) {
		return block("leverage %d out of [1, %d]", p.Leverage, limits.MaxLeverage)
	}
	if p.Margin <= 0 {
		return block("margin must be > 0")
	}
	available := acc.AvailableMargin()
	fraction := limits.MaxMarginFraction
	if fraction <= 0 || fraction > 1 {
		fraction = 1
	}
	if limit := available * fraction; p.Margin > limit {
		return block("margin %.4f exceeds %.0f%% of available %.4f", p.Margin, fraction*100, available)
	}
	if price <= 0 {
		return block("no valid price")
	}
	switch p.Direction {
	case types.DirectionLong:
		if p.TakeProfit > 0 && p.TakeProfit <= price {
			return block("long take profit %.4f must be above price %.4f", p.TakeProfit, price)
		}
		if p.StopLoss > 0 && p.StopLoss >= price {
			return block("long stop loss %.4f must be below price %.4f", p.StopLoss, price)
		}
	case types.DirectionShort:
		if p.TakeProfit > 0 && p.TakeProfit >= price {
			return block("short take profit %.4f must be below price %.4f", p.TakeProfit, price)
		}
		if p.StopLoss > 0 && p.StopLoss <= price {
			return block("short stop loss %.4f must be above price %.4f", p.StopLoss, price)
		}
	}
	return Allow()
}
