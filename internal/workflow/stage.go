package workflow

import (
	"context"
	"time"
)

// 阶段名称。
const (
	StageMarketAnalysis   = "market_analysis"
	StageSignalGeneration = "signal_generation"
	StageRiskAssessment   = "risk_assessment"
	StageConsensus        = "consensus"
	StageExecution        = "execution"
	StageReflection       = "reflection"
	StageFallback         = "fallback"
)

// Stage 是决策图中的一个节点。
type Stage interface {
	Name() string
	Run(ctx context.Context, st *State) error
}

// StageFunc 把函数适配为 Stage。
type StageFunc struct {
	StageName string
	Fn        func(ctx context.Context, st *State) error
}

func (f StageFunc) Name() string { return f.StageName }

func (f StageFunc) Run(ctx context.Context, st *State) error { return f.Fn(ctx, st) }

// StageError 封装阶段失败信息。
type StageError struct {
	Stage    string
	Panicked bool
	Elapsed  time.Duration
	Err      error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	prefix := e.Stage
	if e.Panicked {
		prefix += " (panic)"
	}
	if e.Err == nil {
		return prefix
	}
	return prefix + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
