package cooldown

import (
	"sync"
	"time"

	"helmsman/internal/logger"
	"helmsman/internal/types"
)

// Status 是冷却状态快照。
type Status struct {
	Active            bool          `json:"active"`
	ConsecutiveLosses int           `json:"consecutive_losses"`
	Threshold         int           `json:"threshold"`
	Until             time.Time     `json:"until,omitempty"`
	Remaining         time.Duration `json:"remaining"`
}

// Listener 在冷却开始/结束时被调用（锁外）。
type Listener func(Status)

// Manager 统计连续亏损次数，达到阈值后进入定时冷却。
type Manager struct {
	threshold int
	duration  time.Duration
	nowFn     func() time.Time

	mu        sync.Mutex
	losses    int
	until     time.Time
	listeners []Listener
}

func NewManager(threshold int, duration time.Duration) *Manager {
	if threshold < 1 {
		threshold = 1
	}
	return &Manager{threshold: threshold, duration: duration, nowFn: time.Now}
}

// SetClock 仅用于测试。
func (m *Manager) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	m.mu.Lock()
	m.nowFn = now
	m.mu.Unlock()
}

func (m *Manager) OnChange(fn Listener) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// RecordTrade 记录一笔平仓结果：亏损累加，盈利清零，持平不改变计数；达到阈值时开始冷却。
func (m *Manager) RecordTrade(pnl float64) Status {
	m.mu.Lock()
	now := m.nowFn()
	m.expireLocked(now)
	started := false
	switch {
	case pnl > 0:
		m.losses = 0
	case pnl < 0:
		m.losses++
		if m.losses >= m.threshold && !m.activeLocked(now) {
			m.until = now.Add(m.duration)
			started = true
		}
	}
	st := m.statusLocked(now)
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	if started {
		logger.Warnf("Cooldown: 连续亏损 %d 笔，暂停开仓至 %s", st.ConsecutiveLosses, st.Until.Format(time.RFC3339))
		for _, fn := range listeners {
			fn(st)
		}
	}
	return st
}

// Active 判断当前是否处于冷却；过期时自动重置计数。
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFn()
	m.expireLocked(now)
	return m.activeLocked(now)
}

// ForceEnd 手动结束冷却并清零计数，返回之前是否处于冷却。
func (m *Manager) ForceEnd() bool {
	m.mu.Lock()
	now := m.nowFn()
	wasActive := m.activeLocked(now)
	m.until = time.Time{}
	m.losses = 0
	st := m.statusLocked(now)
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()
	if wasActive {
		logger.Infof("Cooldown: 已手动结束冷却")
		for _, fn := range listeners {
			fn(st)
		}
	}
	return wasActive
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFn()
	m.expireLocked(now)
	return m.statusLocked(now)
}

// Replay 用历史平仓记录（时间正序）重建计数，重启后冷却窗口得以延续。
func (m *Manager) Replay(trades []types.ClosedTrade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.losses = 0
	m.until = time.Time{}
	for _, tr := range trades {
		switch {
		case tr.PnL > 0:
			m.losses = 0
			m.until = time.Time{}
			continue
		case tr.PnL == 0:
			continue
		}
		m.losses++
		if m.losses >= m.threshold && m.until.IsZero() {
			m.until = tr.ClosedAt.Add(m.duration)
		}
	}
	m.expireLocked(m.nowFn())
}

func (m *Manager) activeLocked(now time.Time) bool {
	return !m.until.IsZero() && now.Before(m.until)
}

// expireLocked 冷却到期后清零计数。
func (m *Manager) expireLocked(now time.Time) {
	if m.until.IsZero() || now.Before(m.until) {
		return
	}
	m.until = time.Time{}
	m.losses = 0
}

func (m *Manager) statusLocked(now time.Time) Status {
	st := Status{
		Active:            m.activeLocked(now),
		ConsecutiveLosses: m.losses,
		Threshold:         m.threshold,
	}
	if st.Active {
		st.Until = m.until
		st.Remaining = m.until.Sub(now)
	}
	return st
}
