package workflow

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"helmsman/internal/agent"
	"helmsman/internal/guard"
	"helmsman/internal/market"
	"helmsman/internal/types"
)

// RiskTier 是风险评估档位。
type RiskTier string

const (
	RiskLow     RiskTier = "low"
	RiskMedium  RiskTier = "medium"
	RiskHigh    RiskTier = "high"
	RiskExtreme RiskTier = "extreme"
)

// RiskAssessment 是 risk_assessment 阶段的输出。
type RiskAssessment struct {
	AvgConfidence float64  `json:"avg_confidence"`
	Tier          RiskTier `json:"tier"`
	Blocked       bool     `json:"blocked"`
	Reason        string   `json:"reason,omitempty"`
}

// Consensus 是加权投票结果，Scores 为各方向的 Σ confidence×weight。
type Consensus struct {
	Direction   types.Direction             `json:"direction"`
	Confidence  float64                     `json:"confidence"`
	Scores      map[types.Direction]float64 `json:"scores"`
	TotalWeight float64                     `json:"total_weight"`
	Summary     string                      `json:"summary"`
}

// StageTiming 记录单个阶段的耗时。
type StageTiming struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration"`
}

// State 是单个决策周期的工作区，周期结束即丢弃。
type State struct {
	TraceID   string
	Symbol    string
	StartedAt time.Time

	Market     *market.Snapshot
	Position   agent.PositionContext
	Votes      []types.AgentVote
	VoteErrors map[string]string
	Risk       *RiskAssessment
	Consensus  *Consensus
	Signal     *types.Signal
	Verdict    *guard.Verdict
	Note       string

	// ShouldFallback 由阶段自行置位，或在阶段出错时由引擎置位。
	ShouldFallback bool
	// DeferredIntent 是 fallback 从原始投票推断出的方向，仅作记录。
	DeferredIntent types.Direction

	onStage func(stage string)

	mu        sync.Mutex
	completed []string
	timings   []StageTiming
	errs      []string
}

// NewState 创建带 ULID 追踪号的周期状态。
func NewState(symbol string, now time.Time) *State {
	return &State{
		TraceID:    ulid.Make().String(),
		Symbol:     symbol,
		StartedAt:  now,
		VoteErrors: make(map[string]string),
	}
}

// recordTiming 记录每个执行过的阶段耗时，只有成功的阶段计入 completed。
func (s *State) recordTiming(stage string, d time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.completed = append(s.completed, stage)
	}
	s.timings = append(s.timings, StageTiming{Stage: stage, Duration: d})
}

func (s *State) addError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err.Error())
}

// Completed 按执行顺序返回已完成的阶段名。
func (s *State) Completed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.completed...)
}

func (s *State) Timings() []StageTiming {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StageTiming(nil), s.timings...)
}

func (s *State) Errors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.errs...)
}

// FinalSignal 返回最终信号；没有信号时视为观望。
func (s *State) FinalSignal() types.Signal {
	if s.Signal == nil {
		return types.HoldSignal("no signal produced")
	}
	return *s.Signal
}

func (s *State) hold(reason string) {
	sig := types.HoldSignal(reason)
	if s.Consensus != nil {
		sig.Confidence = s.Consensus.Confidence
		sig.Summary = s.Consensus.Summary
	}
	s.Signal = &sig
}
