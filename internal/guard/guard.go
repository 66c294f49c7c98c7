package guard

import (
	"fmt"
	"sort"
	"time"

	"helmsman/internal/types"
)

// Check 是单个不变量检查。
type Check interface {
	Meta() CheckMeta
	Evaluate(snap Snapshot, p Proposal) Verdict
}

// CheckMeta 提供排序与展示所需元信息。
type CheckMeta struct {
	Name   string
	Order  int
	Reason BlockReason
}

type checkFunc struct {
	meta CheckMeta
	fn   func(Snapshot, Proposal) Verdict
}

func (c checkFunc) Meta() CheckMeta { return c.meta }

func (c checkFunc) Evaluate(snap Snapshot, p Proposal) Verdict {
	v := c.fn(snap, p)
	if !v.Allowed {
		v.Check = c.meta.Name
		if v.Reason == ReasonNone {
			v.Reason = c.meta.Reason
		}
	}
	return v
}

// NewCheck 用函数构造一个检查，便于扩展自定义规则。
func NewCheck(meta CheckMeta, fn func(Snapshot, Proposal) Verdict) Check {
	return checkFunc{meta: meta, fn: fn}
}

// Config 是安全检查阈值；百分比以 100 为基数。
type Config struct {
	StartupProtection  time.Duration
	DailyLossLimitPct  float64
	MinOpenConfidence  float64
	MinCloseConfidence float64
	HedgeMode          bool
}

// Guard 按顺序执行检查，命中第一个拦截即返回。
type Guard struct {
	checks []Check
}

// New 按固定顺序组装内置检查；HedgeMode 关闭时不启用对冲冲突检查。
func New(cfg Config, extra ...Check) *Guard {
	checks := []Check{
		NewCheck(CheckMeta{Name: "execution_lock", Order: 10, Reason: ReasonConcurrentExecution}, checkConcurrent),
		NewCheck(CheckMeta{Name: "startup_protection", Order: 20, Reason: ReasonStartupProtection}, startupCheck(cfg.StartupProtection)),
		NewCheck(CheckMeta{Name: "daily_loss", Order: 30, Reason: ReasonDailyLossLimit}, dailyLossCheck(cfg.DailyLossLimitPct)),
		NewCheck(CheckMeta{Name: "cooldown", Order: 40, Reason: ReasonCooldownActive}, checkCooldown),
	}
	if cfg.HedgeMode {
		checks = append(checks, NewCheck(CheckMeta{Name: "hedge_mode", Order: 50, Reason: ReasonHedgeModeConflict}, checkHedgeConflict))
	}
	checks = append(checks, NewCheck(CheckMeta{Name: "confidence", Order: 60, Reason: ReasonLowConfidence},
		confidenceCheck(cfg.MinOpenConfidence, cfg.MinCloseConfidence)))
	checks = append(checks, extra...)
	sort.SliceStable(checks, func(i, j int) bool {
		return checks[i].Meta().Order < checks[j].Meta().Order
	})
	return &Guard{checks: checks}
}

// Evaluate 对动作执行全部检查。
func (g *Guard) Evaluate(snap Snapshot, p Proposal) Verdict {
	if g == nil {
		return Allow()
	}
	for _, c := range g.checks {
		if c == nil {
			continue
		}
		if v := c.Evaluate(snap, p); !v.Allowed {
			return v
		}
	}
	return Allow()
}

// Checks 返回检查名称列表（按执行顺序）。
func (g *Guard) Checks() []string {
	out := make([]string, 0, len(g.checks))
	for _, c := range g.checks {
		out = append(out, c.Meta().Name)
	}
	return out
}

func checkConcurrent(snap Snapshot, _ Proposal) Verdict {
	if snap.ExecutionLocked {
		return Block(ReasonConcurrentExecution, "another position change is in flight")
	}
	return Allow()
}

func startupCheck(window time.Duration) func(Snapshot, Proposal) Verdict {
	return func(snap Snapshot, p Proposal) Verdict {
		if window <= 0 || p.Action != ActionOpen || snap.Position == nil || snap.StartedAt.IsZero() {
			return Allow()
		}
		elapsed := snap.Now.Sub(snap.StartedAt)
		if elapsed >= window {
			return Allow()
		}
		if p.Direction != snap.Position.Direction {
			return Block(ReasonStartupProtection, fmt.Sprintf("reversal %s->%s within %s of start",
				snap.Position.Direction, p.Direction, window-elapsed.Truncate(time.Second)))
		}
		return Allow()
	}
}

// dailyLossCheck 以当日开盘权益（当前权益减去当日已实现盈亏）为基数。
func dailyLossCheck(limitPct float64) func(Snapshot, Proposal) Verdict {
	return func(snap Snapshot, p Proposal) Verdict {
		if limitPct <= 0 || p.Action != ActionOpen || snap.DailyRealizedPnL >= 0 {
			return Allow()
		}
		dayOpen := snap.Account.TotalEquity() - snap.DailyRealizedPnL
		if dayOpen <= 0 {
			return Block(ReasonDailyLossLimit, "no equity left")
		}
		lossPct := -snap.DailyRealizedPnL / dayOpen * 100
		if lossPct >= limitPct {
			return Block(ReasonDailyLossLimit, fmt.Sprintf("daily loss %.2f%% >= %.2f%%", lossPct, limitPct))
		}
		return Allow()
	}
}

func checkCooldown(snap Snapshot, p Proposal) Verdict {
	if p.Action == ActionOpen && snap.CooldownActive {
		return Block(ReasonCooldownActive, "consecutive loss cooldown")
	}
	return Allow()
}

// checkHedgeConflict 对冲账户无法安全地自动平掉反向仓位。
func checkHedgeConflict(snap Snapshot, p Proposal) Verdict {
	if p.Action != ActionOpen || snap.Position == nil {
		return Allow()
	}
	if p.Direction.Tradable() && p.Direction != snap.Position.Direction {
		return Block(ReasonHedgeModeConflict, fmt.Sprintf("%s position open, refusing %s in hedge mode",
			snap.Position.Direction, p.Direction))
	}
	return Allow()
}

func confidenceCheck(minOpen, minClose float64) func(Snapshot, Proposal) Verdict {
	return func(_ Snapshot, p Proposal) Verdict {
		threshold := minOpen
		if p.Action == ActionClose {
			threshold = minClose
		}
		if p.Confidence < threshold {
			return Block(ReasonLowConfidence, fmt.Sprintf("%s confidence %.1f < %.1f", p.Action, p.Confidence, threshold))
		}
		return Allow()
	}
}

// Reversal 表示该开仓动作会先平掉一个反向仓位。
func Reversal(snap Snapshot, dir types.Direction) bool {
	return snap.Position != nil && dir.Tradable() && dir != snap.Position.Direction
}
