package workflow

import (
	"context"
	"fmt"
	"strings"

	"helmsman/internal/logger"
	"helmsman/internal/types"
)

// fallbackStage 是兜底节点：最多尝试 maxIterations 次从原始投票推断一个方向，
// 推断结果只记入 DeferredIntent，信号始终是 hold。
type fallbackStage struct {
	maxIterations int
}

func (fallbackStage) Name() string { return StageFallback }

func (f fallbackStage) Run(ctx context.Context, st *State) error {
	cause := "fallback"
	if errs := st.Errors(); len(errs) > 0 {
		cause = "fallback after: " + errs[len(errs)-1]
	}
	iterations := f.maxIterations
	if iterations <= 0 {
		iterations = 3
	}
	intent := types.DirectionHold
	for i := 0; i < iterations && ctx.Err() == nil; i++ {
		dir, ok := deriveIntent(st.Votes, i)
		if ok {
			intent = dir
			break
		}
	}
	st.DeferredIntent = intent
	reason := cause
	if intent.Tradable() {
		reason = fmt.Sprintf("%s; deferred intent %s", cause, intent)
	}
	logger.Warnf("Workflow: %s %s", st.TraceID, reason)
	st.hold(reason)
	return nil
}

// deriveIntent 第 0 轮只看置信度不低于 50 的加权投票，第 1 轮放宽到全部可交易投票，
// 之后要求可交易投票一致。
func deriveIntent(votes []types.AgentVote, iteration int) (types.Direction, bool) {
	scores := map[types.Direction]float64{}
	n := 0
	for _, v := range votes {
		if !v.Direction.Tradable() {
			continue
		}
		switch iteration {
		case 0:
			if v.Confidence < 50 {
				continue
			}
			scores[v.Direction] += v.Confidence * max(v.Weight, 0)
		default:
			scores[v.Direction]++
		}
		n++
	}
	if n == 0 {
		return types.DirectionHold, false
	}
	long, short := scores[types.DirectionLong], scores[types.DirectionShort]
	switch {
	case iteration >= 2 && long > 0 && short > 0:
		return types.DirectionHold, false
	case long > short:
		return types.DirectionLong, true
	case short > long:
		return types.DirectionShort, true
	}
	return types.DirectionHold, false
}

// reflectionStage 为已成交的周期写一条即时备注，完整复盘在平仓时进行。
type reflectionStage struct{}

func (reflectionStage) Name() string { return StageReflection }

func (reflectionStage) Run(_ context.Context, st *State) error {
	sig := st.FinalSignal()
	if !sig.Executed {
		return nil
	}
	var agreeing []string
	for _, v := range st.Votes {
		if v.Direction == sig.Direction {
			agreeing = append(agreeing, v.AgentID)
		}
	}
	st.Note = fmt.Sprintf("entered %s %dx margin %.2f at confidence %.1f backed by [%s]",
		sig.Direction, sig.Leverage, sig.Margin, sig.Confidence, strings.Join(agreeing, ", "))
	if st.Risk != nil {
		st.Note += fmt.Sprintf(", risk %s", st.Risk.Tier)
	}
	if sig.Reversed {
		st.Note += ", reversed previous position"
	}
	logger.Infof("Workflow: %s %s", st.TraceID, st.Note)
	return nil
}
