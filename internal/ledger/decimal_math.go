package ledger

import (
	"math"

	"github.com/shopspring/decimal"

	"helmsman/internal/types"
)

var (
	decOne     = decimal.NewFromInt(1)
	decHundred = decimal.NewFromInt(100)
)

func dec(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(val)
}

func flt(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

func sideSign(dir types.Direction) decimal.Decimal {
	if dir == types.DirectionShort {
		return decOne.Neg()
	}
	return decOne
}

// positionSize = margin × leverage / price
func positionSize(margin float64, leverage int, price float64) float64 {
	if price <= 0 {
		return 0
	}
	return flt(dec(margin).Mul(decimal.NewFromInt(int64(leverage))).Div(dec(price)))
}

// pnlAt 按方向计算 (exit − entry) × size，空头取反。
func pnlAt(dir types.Direction, entry, exit, size float64) float64 {
	diff := dec(exit).Sub(dec(entry))
	return flt(diff.Mul(dec(size)).Mul(sideSign(dir)))
}

// relativePrice 以百分比计算目标价：pct=3 表示 3%，favorable=true 表示盈利方向。
func relativePrice(entry, pct float64, dir types.Direction, favorable bool) float64 {
	if entry <= 0 {
		return 0
	}
	move := dec(pct).Div(decHundred)
	up := (dir == types.DirectionLong) == favorable
	if up {
		return flt(dec(entry).Mul(decOne.Add(move)))
	}
	return flt(dec(entry).Mul(decOne.Sub(move)))
}

// liquidationPrice 是亏损达到 fraction × margin 时的价格：entry × (1 ∓ fraction / leverage)。
func liquidationPrice(dir types.Direction, entry float64, leverage int, fraction float64) float64 {
	if entry <= 0 || leverage <= 0 {
		return 0
	}
	move := dec(fraction).Div(decimal.NewFromInt(int64(leverage)))
	if dir == types.DirectionShort {
		return flt(dec(entry).Mul(decOne.Add(move)))
	}
	return flt(dec(entry).Mul(decOne.Sub(move)))
}

// takeProfitConsistent 校验多头 TP > entry（空头反之）；0 表示未设置，视为一致。
func takeProfitConsistent(dir types.Direction, entry, tp float64) bool {
	if tp == 0 {
		return true
	}
	if tp < 0 {
		return false
	}
	if dir == types.DirectionShort {
		return tp < entry
	}
	return tp > entry
}

func stopLossConsistent(dir types.Direction, entry, sl float64) bool {
	if sl == 0 {
		return true
	}
	if sl < 0 {
		return false
	}
	if dir == types.DirectionShort {
		return sl > entry
	}
	return sl < entry
}

func roundTo(val float64, places int32) float64 {
	return flt(dec(val).Round(places))
}
