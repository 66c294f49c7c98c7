package types

// Signal 是一次决策周期的最终输出；Direction=hold 时其余下单字段为零值。
type Signal struct {
	Direction    Direction `json:"direction"`
	Leverage     int       `json:"leverage,omitempty"`
	SizeFraction float64   `json:"size_fraction,omitempty"`
	Margin       float64   `json:"margin,omitempty"`
	TakeProfit   float64   `json:"take_profit,omitempty"`
	StopLoss     float64   `json:"stop_loss,omitempty"`
	Confidence   float64   `json:"confidence"`
	Summary      string    `json:"summary,omitempty"`
	HoldReason   string    `json:"hold_reason,omitempty"`

	// Executed 表示本周期确实开出了仓位。
	Executed bool   `json:"executed"`
	TradeID  string `json:"trade_id,omitempty"`
	// Reversed 表示开仓前先以 signal_reversal 平掉了反向仓位。
	Reversed bool `json:"reversed,omitempty"`
}

// HoldSignal 构造一个观望信号。
func HoldSignal(reason string) Signal {
	return Signal{Direction: DirectionHold, HoldReason: reason}
}

func (s Signal) IsHold() bool { return !s.Direction.Tradable() }
