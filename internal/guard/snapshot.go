package guard

import (
	"time"

	"helmsman/internal/types"
)

// LedgerView 是 Guard 读取账本的最小接口。
type LedgerView interface {
	Account() types.Account
	Position() (types.Position, bool)
	DailyRealizedPnL(now time.Time) float64
	LastPrice() (float64, time.Time, bool)
}

type CooldownView interface {
	Active() bool
}

// LockView 报告仓位变更锁是否被占用。
type LockView interface {
	Busy() bool
}

// Sources 汇总各组件的当前状态，生成一次性 Snapshot。
type Sources struct {
	Ledger    LedgerView
	Cooldown  CooldownView
	Lock      LockView
	StartedAt time.Time
	Now       func() time.Time
}

func (s Sources) Snapshot() Snapshot {
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	snap := Snapshot{Now: now, StartedAt: s.StartedAt}
	if s.Ledger != nil {
		snap.Account = s.Ledger.Account()
		if pos, ok := s.Ledger.Position(); ok {
			snap.Position = &pos
		}
		snap.DailyRealizedPnL = s.Ledger.DailyRealizedPnL(now)
		if price, _, ok := s.Ledger.LastPrice(); ok {
			snap.Price = price
		}
	}
	if s.Cooldown != nil {
		snap.CooldownActive = s.Cooldown.Active()
	}
	if s.Lock != nil {
		snap.ExecutionLocked = s.Lock.Busy()
	}
	return snap
}
