package ledger

import (
	"time"

	"helmsman/internal/logger"
)

type baseline struct {
	equity      float64
	since       time.Time
	peak        float64
	maxDrawdown float64
	trades      int
	wins        int
	realized    float64
}

func newBaseline(equity float64, now time.Time) baseline {
	return baseline{equity: equity, since: now, peak: equity}
}

func (b *baseline) observe(equity float64) {
	if equity > b.peak {
		b.peak = equity
		return
	}
	if b.peak <= 0 {
		return
	}
	if dd := (b.peak - equity) / b.peak * 100; dd > b.maxDrawdown {
		b.maxDrawdown = dd
	}
}

// Performance 是自基线以来的绩效统计。
type Performance struct {
	Since          time.Time `json:"since"`
	BaselineEquity float64   `json:"baseline_equity"`
	CurrentEquity  float64   `json:"current_equity"`
	ReturnPct      float64   `json:"return_pct"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	RealizedPnL    float64   `json:"realized_pnl"`
	Trades         int       `json:"trades"`
	Wins           int       `json:"wins"`
	WinRate        float64   `json:"win_rate"`
}

func (l *Ledger) Performance() Performance {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.baseline
	cur := l.account.TotalEquity()
	perf := Performance{
		Since:          b.since,
		BaselineEquity: b.equity,
		CurrentEquity:  cur,
		MaxDrawdownPct: roundTo(b.maxDrawdown, 4),
		RealizedPnL:    roundTo(l.account.RealizedPnL-b.realized, 8),
		Trades:         l.account.TotalTrades - b.trades,
		Wins:           l.account.WinningTrades - b.wins,
	}
	if b.equity > 0 {
		perf.ReturnPct = roundTo((cur-b.equity)/b.equity*100, 4)
	}
	if perf.Trades > 0 {
		perf.WinRate = float64(perf.Wins) / float64(perf.Trades)
	}
	return perf
}

// ResetBaseline 以当前权益重新起算绩效统计，不影响账户与历史记录。
func (l *Ledger) ResetBaseline() Performance {
	l.mu.Lock()
	now := l.nowFn()
	b := newBaseline(l.account.TotalEquity(), now)
	b.trades = l.account.TotalTrades
	b.wins = l.account.WinningTrades
	b.realized = l.account.RealizedPnL
	l.baseline = b
	l.mu.Unlock()
	logger.Infof("Ledger: metrics baseline reset equity=%.2f", b.equity)
	return l.Performance()
}
