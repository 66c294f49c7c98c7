// Package workflow 实现单次决策周期：行情分析、投票、风险评估、共识、执行、复盘与兜底。
package workflow

import (
	"context"
	"time"

	"helmsman/internal/guard"
	"helmsman/internal/logger"
	"helmsman/internal/market"
	"helmsman/internal/types"
)

// Record 是写入周期日志的一条摘要。
type Record struct {
	TraceID    string            `json:"trace_id"`
	Symbol     string            `json:"symbol"`
	StartedAt  time.Time         `json:"started_at"`
	Duration   time.Duration     `json:"duration"`
	Completed  []string          `json:"completed"`
	Votes      []types.AgentVote `json:"votes"`
	VoteErrors map[string]string `json:"vote_errors,omitempty"`
	Risk       *RiskAssessment   `json:"risk,omitempty"`
	Consensus  *Consensus        `json:"consensus,omitempty"`
	Signal     types.Signal      `json:"signal"`
	Verdict    *guard.Verdict    `json:"verdict,omitempty"`
	Errors     []string          `json:"errors,omitempty"`
	Note       string            `json:"note,omitempty"`
}

// Journal 持久化周期记录；写失败只告警。
type Journal interface {
	Append(ctx context.Context, rec Record) error
}

// Config 汇总构图所需参数。
type Config struct {
	Symbol                string
	Timeframe             string
	KlineLimit            int
	AgentTimeout          time.Duration
	FallbackMaxIterations int
	StartupProtection     time.Duration
	Analysis              market.AnalysisOptions
	Execution             ExecutionConfig
}

// Deps 是工作流的外部依赖。Journal 可为空。
type Deps struct {
	Market   market.Source
	Analysts AnalystSource
	Weights  WeightSource
	Ledger   interface {
		guard.LedgerView
		PriceSink
	}
	Trader  Trader
	Guard   *guard.Guard
	Sources guard.Sources
	Limits  guard.ParamLimits
	Journal Journal
}

// Workflow 每次 Run 创建新的 State 并跑完整张图。
type Workflow struct {
	cfg   Config
	deps  Deps
	graph *Graph
	now   func() time.Time
}

func New(cfg Config, deps Deps) *Workflow {
	if cfg.Timeframe == "" {
		cfg.Timeframe = "1h"
	}
	if cfg.KlineLimit <= 0 {
		cfg.KlineLimit = 200
	}
	w := &Workflow{cfg: cfg, deps: deps, now: time.Now}
	w.graph = w.build()
	return w
}

func (w *Workflow) build() *Graph {
	var sink PriceSink
	var view guard.LedgerView
	if w.deps.Ledger != nil {
		sink, view = w.deps.Ledger, w.deps.Ledger
	}
	startedAt := w.deps.Sources.StartedAt
	g := NewGraph(StageMarketAnalysis)
	g.AddStage(marketStage{
		source:    w.deps.Market,
		sink:      sink,
		timeframe: w.cfg.Timeframe,
		limit:     w.cfg.KlineLimit,
		opts:      w.cfg.Analysis,
	}, Then(StageSignalGeneration))
	g.AddStage(signalStage{
		analysts: w.deps.Analysts,
		weights:  w.deps.Weights,
		ledger:   view,
		timeout:  w.cfg.AgentTimeout,
	}, Then(StageRiskAssessment))
	g.AddStage(riskStage{
		startedAt:         startedAt,
		startupProtection: w.cfg.StartupProtection,
		now:               w.deps.Sources.Now,
	}, Then(StageConsensus))
	g.AddStage(consensusStage{}, Then(StageExecution))
	g.AddStage(executionStage{
		cfg:     w.cfg.Execution,
		trader:  w.deps.Trader,
		guard:   w.deps.Guard,
		sources: w.deps.Sources,
		limits:  w.deps.Limits,
	}, func(st *State) string {
		if st.FinalSignal().Executed {
			return StageReflection
		}
		return End
	})
	g.AddStage(reflectionStage{}, nil)
	g.SetFallback(fallbackStage{maxIterations: w.cfg.FallbackMaxIterations})
	return g
}

// RunOption 定制单次运行。
type RunOption func(*State)

// WithStageHook 在每个阶段开始前回调阶段名。
func WithStageHook(fn func(stage string)) RunOption {
	return func(st *State) { st.onStage = fn }
}

// Run 执行一个完整周期并返回最终状态。返回的 State 一定带有信号。
func (w *Workflow) Run(ctx context.Context, opts ...RunOption) *State {
	st := NewState(w.cfg.Symbol, w.now())
	for _, opt := range opts {
		opt(st)
	}
	logger.Infof("Workflow: cycle %s started for %s", st.TraceID, st.Symbol)
	w.graph.Run(ctx, st)
	sig := st.FinalSignal()
	elapsed := w.now().Sub(st.StartedAt)
	logger.Infof("Workflow: cycle %s finished in %s signal=%s conf=%.1f executed=%v stages=%v",
		st.TraceID, elapsed.Truncate(time.Millisecond), sig.Direction, sig.Confidence, sig.Executed, st.Completed())
	if w.deps.Journal != nil {
		rec := Record{
			TraceID:    st.TraceID,
			Symbol:     st.Symbol,
			StartedAt:  st.StartedAt,
			Duration:   elapsed,
			Completed:  st.Completed(),
			Votes:      st.Votes,
			VoteErrors: st.VoteErrors,
			Risk:       st.Risk,
			Consensus:  st.Consensus,
			Signal:     sig,
			Verdict:    st.Verdict,
			Errors:     st.Errors(),
			Note:       st.Note,
		}
		// 周期上下文可能已经超时，日志写入使用独立的短超时
		jctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.deps.Journal.Append(jctx, rec); err != nil {
			logger.Warnf("Workflow: journal append failed for %s: %v", st.TraceID, err)
		}
	}
	return st
}
