package types

import "strings"

// Direction 是持仓/投票方向。
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionHold  Direction = "hold"
)

// Valid 只认可 long/short/hold 三种取值。
func (d Direction) Valid() bool {
	switch d {
	case DirectionLong, DirectionShort, DirectionHold:
		return true
	default:
		return false
	}
}

// Tradable 表示该方向会产生真实仓位。
func (d Direction) Tradable() bool {
	return d == DirectionLong || d == DirectionShort
}

func (d Direction) Opposite() Direction {
	switch d {
	case DirectionLong:
		return DirectionShort
	case DirectionShort:
		return DirectionLong
	default:
		return DirectionHold
	}
}

func (d Direction) String() string { return string(d) }

// ParseDirection 统一方向名称，兼容 buy/long 等同义词；无法识别时返回 hold 与 false。
func ParseDirection(raw string) (Direction, bool) {
	replacer := strings.NewReplacer(" ", "_", "-", "_")
	a := replacer.Replace(strings.ToLower(strings.TrimSpace(raw)))
	switch a {
	case "long", "buy", "bull", "bullish", "open_long", "enter_long", "go_long", "buy_long":
		return DirectionLong, true
	case "short", "sell", "bear", "bearish", "open_short", "enter_short", "go_short", "sell_short":
		return DirectionShort, true
	case "hold", "wait", "stay", "neutral", "flat", "none", "skip":
		return DirectionHold, true
	default:
		return DirectionHold, false
	}
}
