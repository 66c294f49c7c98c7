// Package metrics 暴露 Prometheus 指标：
//
//	helmsman_cycles_total{result}          决策周期结果 (executed|hold|error|timeout)
//	helmsman_cycle_duration_seconds        周期耗时
//	helmsman_guard_blocks_total{reason}    安全检查拦截次数
//	helmsman_agent_failures_total{agent}   agent 投票失败次数
//	helmsman_trades_total{result}          平仓结果 (win|loss)
//	helmsman_exit_reasons_total{reason}    平仓原因
//	helmsman_equity_usd / helmsman_position_open / helmsman_cooldown_active
//	helmsman_agent_weight{agent}           当前 agent 权重
//	helmsman_scheduler_state{state}        当前调度状态（当前状态为 1，其余为 0）
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"helmsman/internal/cooldown"
	"helmsman/internal/guard"
	"helmsman/internal/scheduler"
	"helmsman/internal/types"
)

var schedulerStates = []scheduler.State{
	scheduler.StateIdle,
	scheduler.StateRunning,
	scheduler.StateAnalyzing,
	scheduler.StateExecuting,
	scheduler.StatePaused,
	scheduler.StateStopped,
}

type Metrics struct {
	gatherer prometheus.Gatherer

	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	blocks        *prometheus.CounterVec
	agentFailures *prometheus.CounterVec
	trades        *prometheus.CounterVec
	exitReasons   *prometheus.CounterVec
	equity        prometheus.Gauge
	positionOpen  prometheus.Gauge
	cooldown      prometheus.Gauge
	weights       *prometheus.GaugeVec
	state         *prometheus.GaugeVec
}

// New 在独立的 registry 上注册全部指标。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		gatherer: reg,
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "helmsman_cycles_total",
			Help: "Decision cycles by result.",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "helmsman_cycle_duration_seconds",
			Help:    "Decision cycle wall time.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		}),
		blocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "helmsman_guard_blocks_total",
			Help: "Trades blocked by the safety guard.",
		}, []string{"reason"}),
		agentFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "helmsman_agent_failures_total",
			Help: "Analyst votes that failed or timed out.",
		}, []string{"agent"}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "helmsman_trades_total",
			Help: "Closed trades by result (win|loss).",
		}, []string{"result"}),
		exitReasons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "helmsman_exit_reasons_total",
			Help: "Closed trades by close reason.",
		}, []string{"reason"}),
		equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "helmsman_equity_usd",
			Help: "Ledger total equity.",
		}),
		positionOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "helmsman_position_open",
			Help: "1 when a position is open.",
		}),
		cooldown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "helmsman_cooldown_active",
			Help: "1 while the loss cooldown is active.",
		}),
		weights: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "helmsman_agent_weight",
			Help: "Current consensus weight per analyst.",
		}, []string{"agent"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "helmsman_scheduler_state",
			Help: "Scheduler state indicator.",
		}, []string{"state"}),
	}
	reg.MustRegister(
		m.cycles, m.cycleDuration, m.blocks, m.agentFailures,
		m.trades, m.exitReasons, m.equity, m.positionOpen,
		m.cooldown, m.weights, m.state,
	)
	m.SetState(scheduler.StateIdle)
	return m
}

// Handler 返回 /metrics 的 HTTP handler。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveCycle(r scheduler.CycleReport) {
	result := "hold"
	switch {
	case r.TimedOut:
		result = "timeout"
	case r.Err != nil:
		result = "error"
	case r.Signal != nil && r.Signal.Executed:
		result = "executed"
	}
	m.cycles.WithLabelValues(result).Inc()
	m.cycleDuration.Observe(r.Duration.Seconds())
}

func (m *Metrics) ObserveVerdict(v *guard.Verdict) {
	if v == nil || v.Allowed {
		return
	}
	m.blocks.WithLabelValues(string(v.Reason)).Inc()
}

func (m *Metrics) ObserveVoteErrors(errs map[string]string) {
	for agent := range errs {
		m.agentFailures.WithLabelValues(agent).Inc()
	}
}

func (m *Metrics) ObserveTrade(t types.ClosedTrade) {
	result := "loss"
	if t.Profitable() {
		result = "win"
	}
	m.trades.WithLabelValues(result).Inc()
	m.exitReasons.WithLabelValues(string(t.Reason)).Inc()
}

func (m *Metrics) SetAccount(acc types.Account, hasPosition bool) {
	m.equity.Set(acc.TotalEquity())
	if hasPosition {
		m.positionOpen.Set(1)
	} else {
		m.positionOpen.Set(0)
	}
}

func (m *Metrics) SetWeights(weights []types.AgentWeight) {
	for _, w := range weights {
		m.weights.WithLabelValues(w.AgentID).Set(w.Weight)
	}
}

func (m *Metrics) SetCooldown(st cooldown.Status) {
	if st.Active {
		m.cooldown.Set(1)
		return
	}
	m.cooldown.Set(0)
}

func (m *Metrics) SetState(state scheduler.State) {
	for _, s := range schedulerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.state.WithLabelValues(string(s)).Set(v)
	}
}
