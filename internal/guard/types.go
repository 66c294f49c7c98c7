package guard

import (
	"strings"
	"time"

	"helmsman/internal/types"
)

// BlockReason 是安全检查拦截原因的枚举。
type BlockReason string

const (
	ReasonNone                BlockReason = ""
	ReasonConcurrentExecution BlockReason = "concurrent_execution"
	ReasonStartupProtection   BlockReason = "startup_protection"
	ReasonDailyLossLimit      BlockReason = "daily_loss_limit"
	ReasonCooldownActive      BlockReason = "cooldown_active"
	ReasonHedgeModeConflict   BlockReason = "hedge_mode_conflict"
	ReasonLowConfidence       BlockReason = "low_confidence"
	ReasonInvalidParams       BlockReason = "invalid_params"
	ReasonUnknown             BlockReason = "unknown"
)

var knownReasons = []BlockReason{
	ReasonConcurrentExecution,
	ReasonStartupProtection,
	ReasonDailyLossLimit,
	ReasonCooldownActive,
	ReasonHedgeModeConflict,
	ReasonLowConfidence,
	ReasonInvalidParams,
}

// ParseReason 把外部字符串映射回枚举，无法识别时返回 unknown。
func ParseReason(raw string) BlockReason {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return ReasonNone
	}
	for _, r := range knownReasons {
		if string(r) == raw {
			return r
		}
	}
	return ReasonUnknown
}

// Action 区分开仓与平仓，两者的置信度门槛不同。
type Action string

const (
	ActionOpen  Action = "open"
	ActionClose Action = "close"
)

// Proposal 是待检查的交易动作。
type Proposal struct {
	Action     Action
	Direction  types.Direction
	Confidence float64
	Leverage   int
	Margin     float64
	TakeProfit float64
	StopLoss   float64
}

// Snapshot 是检查所需的只读状态，检查本身不产生副作用。
type Snapshot struct {
	Now              time.Time
	StartedAt        time.Time
	ExecutionLocked  bool
	Account          types.Account
	Position         *types.Position
	DailyRealizedPnL float64
	CooldownActive   bool
	Price            float64
}

// Verdict 是检查结果；Allowed=false 时 Reason 必填。
type Verdict struct {
	Allowed bool        `json:"allowed"`
	Reason  BlockReason `json:"reason,omitempty"`
	Check   string      `json:"check,omitempty"`
	Detail  string      `json:"detail,omitempty"`
}

func Allow() Verdict { return Verdict{Allowed: true} }

func Block(reason BlockReason, detail string) Verdict {
	return Verdict{Allowed: false, Reason: reason, Detail: detail}
}

func (v Verdict) String() string {
	if v.Allowed {
		return "allowed"
	}
	if v.Detail == "" {
		return string(v.Reason)
	}
	return string(v.Reason) + ": " + v.Detail
}
