package workflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"helmsman/internal/guard"
	"helmsman/internal/logger"
	"helmsman/internal/trader"
	"helmsman/internal/types"
)

// Trader 是执行阶段对仓位变更的依赖，由 trader.Executor 实现。
type Trader interface {
	Open(ctx context.Context, order trader.OpenOrder) (types.Position, error)
	Close(ctx context.Context, reason types.CloseReason) (types.ClosedTrade, error)
}

// Tier 是按置信度分段的阶梯值。
type Tier struct {
	MinConfidence float64
	Value         float64
}

// StepValue 取 MinConfidence 不超过 confidence 的最高一档；低于所有档位时取第一档。
func StepValue(tiers []Tier, confidence float64) float64 {
	if len(tiers) == 0 {
		return 0
	}
	sorted := append([]Tier(nil), tiers...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].MinConfidence < sorted[j].MinConfidence })
	value := sorted[0].Value
	for _, t := range sorted {
		if confidence >= t.MinConfidence {
			value = t.Value
		}
	}
	return value
}

// ExecutionConfig 是执行阶段的下单参数。
type ExecutionConfig struct {
	MinConfidence float64
	MaxLeverage   int
	TakeProfitPct float64
	StopLossPct   float64
	LeverageTiers []Tier
	SizeTiers     []Tier
}

type executionStage struct {
	cfg     ExecutionConfig
	trader  Trader
	guard   *guard.Guard
	sources guard.Sources
	limits  guard.ParamLimits
}

func (executionStage) Name() string { return StageExecution }

func (e executionStage) Run(ctx context.Context, st *State) error {
	if st.Risk == nil || st.Consensus == nil {
		return errors.New("risk or consensus missing")
	}
	c := st.Consensus
	switch {
	case st.Risk.Blocked:
		st.hold("risk blocked: " + st.Risk.Reason)
		return nil
	case !c.Direction.Tradable():
		st.hold("consensus is hold")
		return nil
	case c.Confidence < e.cfg.MinConfidence:
		st.hold(fmt.Sprintf("confidence %.1f below %.1f", c.Confidence, e.cfg.MinConfidence))
		return nil
	}

	snap := e.sources.Snapshot()
	price := snap.Price
	if price <= 0 && st.Market != nil {
		price = st.Market.Price
	}
	if snap.Position != nil && snap.Position.Direction == c.Direction {
		st.hold("already holding " + string(c.Direction))
		return nil
	}

	sig := e.plan(c, snap.Account, price)
	proposal := guard.Proposal{
		Action:     guard.ActionOpen,
		Direction:  sig.Direction,
		Confidence: sig.Confidence,
		Leverage:   sig.Leverage,
		Margin:     sig.Margin,
		TakeProfit: sig.TakeProfit,
		StopLoss:   sig.StopLoss,
	}
	reversal := guard.Reversal(snap, sig.Direction)
	if reversal {
		closeProposal := guard.Proposal{Action: guard.ActionClose, Direction: sig.Direction, Confidence: sig.Confidence}
		if v := e.guard.Evaluate(snap, closeProposal); !v.Allowed {
			return e.block(st, v)
		}
	}
	if v := e.guard.Evaluate(snap, proposal); !v.Allowed {
		return e.block(st, v)
	}
	if v := guard.ValidateParams(e.limits, proposal, snap.Account, price); !v.Allowed {
		return e.block(st, v)
	}

	if reversal {
		trade, err := e.trader.Close(ctx, types.CloseSignalReversal)
		if err != nil {
			return fmt.Errorf("close for reversal: %w", err)
		}
		sig.Reversed = true
		logger.Infof("Workflow: %s reversed %s position, pnl=%.2f", st.TraceID, trade.Direction, trade.PnL)
	}
	pos, err := e.trader.Open(ctx, trader.OpenOrder{
		Direction:  sig.Direction,
		Leverage:   sig.Leverage,
		Margin:     sig.Margin,
		TakeProfit: sig.TakeProfit,
		StopLoss:   sig.StopLoss,
		TraceID:    st.TraceID,
		Votes:      st.Votes,
	})
	if err != nil {
		return fmt.Errorf("open %s: %w", sig.Direction, err)
	}
	sig.Executed = true
	sig.TradeID = pos.TradeID
	sig.Leverage = pos.Leverage
	sig.TakeProfit = pos.TakeProfit
	sig.StopLoss = pos.StopLoss
	st.Signal = &sig
	return nil
}

// plan 由置信度阶梯推出杠杆、仓位比例，并按百分比计算止盈止损价。
func (e executionStage) plan(c *Consensus, acc types.Account, price float64) types.Signal {
	lev := int(math.Round(StepValue(e.cfg.LeverageTiers, c.Confidence)))
	if lev < 1 {
		lev = 1
	}
	if e.cfg.MaxLeverage > 0 && lev > e.cfg.MaxLeverage {
		lev = e.cfg.MaxLeverage
	}
	frac := clamp(StepValue(e.cfg.SizeTiers, c.Confidence), 0, 1)
	margin := math.Floor(acc.AvailableMargin()*frac*100) / 100

	sig := types.Signal{
		Direction:    c.Direction,
		Leverage:     lev,
		SizeFraction: frac,
		Margin:       margin,
		Confidence:   c.Confidence,
		Summary:      c.Summary,
	}
	if price > 0 {
		up := 1 + e.cfg.TakeProfitPct/100
		down := 1 - e.cfg.StopLossPct/100
		if c.Direction == types.DirectionShort {
			up = 1 - e.cfg.TakeProfitPct/100
			down = 1 + e.cfg.StopLossPct/100
		}
		if e.cfg.TakeProfitPct > 0 {
			sig.TakeProfit = price * up
		}
		if e.cfg.StopLossPct > 0 {
			sig.StopLoss = price * down
		}
	}
	return sig
}

func (e executionStage) block(st *State, v guard.Verdict) error {
	st.Verdict = &v
	logger.Infof("Workflow: %s blocked by %s", st.TraceID, v)
	st.hold("blocked: " + v.String())
	return nil
}
