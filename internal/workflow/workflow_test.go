package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helmsman/internal/agent"
	"helmsman/internal/cooldown"
	"helmsman/internal/gateway/paper"
	"helmsman/internal/guard"
	"helmsman/internal/ledger"
	"helmsman/internal/market"
	"helmsman/internal/trader"
	"helmsman/internal/types"
)

func TestAggregate(t *testing.T) {
	vote := func(id string, dir types.Direction, conf, w float64) types.AgentVote {
		return types.AgentVote{AgentID: id, Direction: dir, Confidence: conf, Weight: w}
	}
	cases := []struct {
		name     string
		votes    []types.AgentVote
		wantDir  types.Direction
		wantConf float64
	}{
		{
			name:     "equal weights favour the two longs",
			votes:    []types.AgentVote{vote("A", types.DirectionLong, 80, 1), vote("B", types.DirectionLong, 70, 1), vote("C", types.DirectionShort, 60, 1)},
			wantDir:  types.DirectionLong,
			wantConf: 50,
		},
		{
			name:     "heavy short weight flips the result",
			votes:    []types.AgentVote{vote("A", types.DirectionLong, 80, 1), vote("B", types.DirectionLong, 70, 1), vote("C", types.DirectionShort, 60, 3)},
			wantDir:  types.DirectionShort,
			wantConf: 36,
		},
		{
			name:    "tie holds",
			votes:   []types.AgentVote{vote("A", types.DirectionLong, 60, 1), vote("B", types.DirectionShort, 60, 1)},
			wantDir: types.DirectionHold,
		},
		{
			name:     "hold can win outright",
			votes:    []types.AgentVote{vote("A", types.DirectionHold, 90, 1), vote("B", types.DirectionShort, 30, 1)},
			wantDir:  types.DirectionHold,
			wantConf: 45,
		},
		{
			name:    "no votes",
			wantDir: types.DirectionHold,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Aggregate(tc.votes)
			assert.Equal(t, tc.wantDir, c.Direction)
			assert.InDelta(t, tc.wantConf, c.Confidence, 1e-9)
			assert.NotEmpty(t, c.Summary)
		})
	}
}

func TestGraph_EveryStageFailingStillHolds(t *testing.T) {
	failing := func(name string) Stage {
		return StageFunc{StageName: name, Fn: func(context.Context, *State) error {
			return errors.New(name + " exploded")
		}}
	}
	g := NewGraph(StageMarketAnalysis)
	g.AddStage(failing(StageMarketAnalysis), Then(StageSignalGeneration))
	g.AddStage(failing(StageSignalGeneration), Then(StageConsensus))
	g.AddStage(failing(StageConsensus), nil)
	g.SetFallback(failing(StageFallback))

	st := NewState("BTCUSDT", time.Now())
	g.Run(context.Background(), st)

	sig := st.FinalSignal()
	assert.Equal(t, types.DirectionHold, sig.Direction)
	assert.False(t, sig.Executed)
	assert.True(t, st.ShouldFallback)
	assert.Len(t, st.Errors(), 2)
	assert.Len(t, st.Timings(), 2)
	assert.Empty(t, st.Completed())
}

func TestGraph_PanicRoutesToFallback(t *testing.T) {
	g := NewGraph("boom")
	g.AddStage(StageFunc{StageName: "boom", Fn: func(context.Context, *State) error { panic("bad index") }}, Then(End))
	g.SetFallback(fallbackStage{maxIterations: 3})

	st := NewState("BTCUSDT", time.Now())
	g.Run(context.Background(), st)

	assert.Equal(t, types.DirectionHold, st.FinalSignal().Direction)
	assert.Equal(t, []string{StageFallback}, st.Completed())
	require.NotEmpty(t, st.Errors())
	assert.Contains(t, st.Errors()[0], "panic")
}

func TestGraph_StepLimit(t *testing.T) {
	g := NewGraph("loop")
	g.AddStage(StageFunc{StageName: "loop", Fn: func(context.Context, *State) error { return nil }}, Then("loop"))
	st := NewState("BTCUSDT", time.Now())
	g.Run(context.Background(), st)
	assert.Equal(t, types.DirectionHold, st.FinalSignal().Direction)
	assert.Contains(t, st.FinalSignal().HoldReason, "step limit")
}

func TestFallback_RecordsDeferredIntent(t *testing.T) {
	st := NewState("BTCUSDT", time.Now())
	st.Votes = []types.AgentVote{
		{AgentID: "a", Direction: types.DirectionShort, Confidence: 40, Weight: 1},
		{AgentID: "b", Direction: types.DirectionShort, Confidence: 45, Weight: 1},
		{AgentID: "c", Direction: types.DirectionLong, Confidence: 30, Weight: 1},
	}
	require.NoError(t, fallbackStage{maxIterations: 3}.Run(context.Background(), st))
	assert.Equal(t, types.DirectionShort, st.DeferredIntent)
	assert.Equal(t, types.DirectionHold, st.FinalSignal().Direction)
	assert.Contains(t, st.FinalSignal().HoldReason, "deferred intent short")
}

func TestStepValue(t *testing.T) {
	tiers := []Tier{{MinConfidence: 80, Value: 5}, {MinConfidence: 60, Value: 2}, {MinConfidence: 70, Value: 3}}
	assert.Equal(t, 2.0, StepValue(tiers, 55))
	assert.Equal(t, 2.0, StepValue(tiers, 60))
	assert.Equal(t, 3.0, StepValue(tiers, 79.9))
	assert.Equal(t, 5.0, StepValue(tiers, 99))
	assert.Equal(t, 0.0, StepValue(nil, 99))
}

func TestAssessRisk(t *testing.T) {
	long := types.AgentVote{Direction: types.DirectionLong, Confidence: 80}
	short := types.AgentVote{Direction: types.DirectionShort, Confidence: 60}

	ra := AssessRisk(market.VolatilityLow, []types.AgentVote{long, long})
	assert.Equal(t, RiskLow, ra.Tier)
	assert.False(t, ra.Blocked)
	assert.InDelta(t, 80, ra.AvgConfidence, 1e-9)

	ra = AssessRisk(market.VolatilityNormal, []types.AgentVote{long, short})
	assert.Equal(t, RiskHigh, ra.Tier)
	assert.False(t, ra.Blocked)

	ra = AssessRisk(market.VolatilityHigh, []types.AgentVote{long, short})
	assert.Equal(t, RiskHigh, ra.Tier)

	ra = AssessRisk(market.VolatilityExtreme, []types.AgentVote{long})
	assert.Equal(t, RiskExtreme, ra.Tier)
	assert.True(t, ra.Blocked)
}

type fixedAnalyst struct {
	id   string
	vote agent.Vote
	err  error
}

func (a fixedAnalyst) ID() string { return a.id }

func (a fixedAnalyst) Vote(context.Context, market.Snapshot, agent.PositionContext) (agent.Vote, error) {
	return a.vote, a.err
}

type panickyAnalyst struct{}

func (panickyAnalyst) ID() string { return "panicky" }

func (panickyAnalyst) Vote(context.Context, market.Snapshot, agent.PositionContext) (agent.Vote, error) {
	panic("analyst bug")
}

type candleFeed struct{ candles []market.Candle }

func (f *candleFeed) GetKlines(context.Context, string, string, int) ([]market.Candle, error) {
	return f.candles, nil
}

func (f *candleFeed) GetPrice(context.Context, string) (float64, error) {
	return f.candles[len(f.candles)-1].Close, nil
}

type staticWeights map[string]float64

func (w staticWeights) Weights() map[string]float64 { return w }

type memJournal struct{ records []Record }

func (j *memJournal) Append(_ context.Context, rec Record) error {
	j.records = append(j.records, rec)
	return nil
}

type harness struct {
	wf      *Workflow
	ledger  *ledger.Ledger
	journal *memJournal
	cd      *cooldown.Manager
}

func newHarness(t *testing.T, analysts ...agent.Analyst) *harness {
	t.Helper()
	candles := make([]market.Candle, 120)
	for i := range candles {
		c := 1000 + float64(i)*2
		candles[i] = market.Candle{Open: c - 1, High: c + 1, Low: c - 2, Close: c, Volume: 10}
	}
	feed := &candleFeed{candles: candles}
	l := ledger.New(ledger.Config{Symbol: "BTCUSDT", InitialBalance: 10000, MaxLeverage: 20})
	gw := paper.New(feed, paper.Config{InitialBalance: 10000})
	ex := trader.NewExecutor(trader.Config{}, gw, l)
	cd := cooldown.NewManager(3, time.Hour)
	sources := guard.Sources{Ledger: l, Cooldown: cd, Lock: ex}
	journal := &memJournal{}
	wf := New(Config{
		Symbol:                "BTCUSDT",
		Timeframe:             "1h",
		AgentTimeout:          time.Second,
		FallbackMaxIterations: 3,
		Analysis:              market.DefaultAnalysisOptions(),
		Execution: ExecutionConfig{
			MinConfidence: 60,
			MaxLeverage:   20,
			TakeProfitPct: 3,
			StopLossPct:   1.5,
			LeverageTiers: []Tier{{MinConfidence: 60, Value: 2}, {MinConfidence: 80, Value: 5}},
			SizeTiers:     []Tier{{MinConfidence: 60, Value: 0.1}, {MinConfidence: 80, Value: 0.2}},
		},
	}, Deps{
		Market:   feed,
		Analysts: agent.NewStaticRoster(analysts...),
		Weights:  staticWeights{},
		Ledger:   l,
		Trader:   ex,
		Guard:    guard.New(guard.Config{MinOpenConfidence: 60, MinCloseConfidence: 40}),
		Sources:  sources,
		Limits:   guard.ParamLimits{MaxLeverage: 20, MaxMarginFraction: 0.5},
		Journal:  journal,
	})
	return &harness{wf: wf, ledger: l, journal: journal, cd: cd}
}

func TestWorkflow_OpensOnConfidentConsensus(t *testing.T) {
	h := newHarness(t,
		fixedAnalyst{id: "a", vote: agent.Vote{Direction: types.DirectionLong, Confidence: 90}},
		fixedAnalyst{id: "b", vote: agent.Vote{Direction: types.DirectionLong, Confidence: 80}},
		fixedAnalyst{id: "broken", err: errors.New("timeout")},
		panickyAnalyst{},
	)
	var started []string
	st := h.wf.Run(context.Background(), WithStageHook(func(stage string) { started = append(started, stage) }))

	sig := st.FinalSignal()
	require.True(t, sig.Executed, sig.HoldReason)
	assert.Equal(t, types.DirectionLong, sig.Direction)
	assert.Equal(t, 5, sig.Leverage)
	assert.InDelta(t, 2000, sig.Margin, 1e-9)
	assert.Equal(t, []string{StageMarketAnalysis, StageSignalGeneration, StageRiskAssessment, StageConsensus, StageExecution, StageReflection}, st.Completed())
	assert.Equal(t, st.Completed(), started)
	assert.Len(t, st.VoteErrors, 2)
	assert.NotEmpty(t, st.Note)

	pos, ok := h.ledger.Position()
	require.True(t, ok)
	assert.Len(t, pos.Votes, 2)
	assert.Greater(t, pos.TakeProfit, pos.EntryPrice)
	assert.Less(t, pos.StopLoss, pos.EntryPrice)

	require.Len(t, h.journal.records, 1)
	assert.Equal(t, st.TraceID, h.journal.records[0].TraceID)
	assert.Len(t, st.TraceID, 26)

	// 同方向再跑一轮只会观望
	st = h.wf.Run(context.Background())
	assert.False(t, st.FinalSignal().Executed)
	assert.Contains(t, st.FinalSignal().HoldReason, "already holding")
}

func TestWorkflow_HoldPaths(t *testing.T) {
	t.Run("low confidence", func(t *testing.T) {
		h := newHarness(t,
			fixedAnalyst{id: "a", vote: agent.Vote{Direction: types.DirectionLong, Confidence: 80}},
			fixedAnalyst{id: "b", vote: agent.Vote{Direction: types.DirectionLong, Confidence: 70}},
			fixedAnalyst{id: "c", vote: agent.Vote{Direction: types.DirectionShort, Confidence: 60}},
		)
		st := h.wf.Run(context.Background())
		assert.Equal(t, types.DirectionHold, st.FinalSignal().Direction)
		assert.Contains(t, st.FinalSignal().HoldReason, "below")
		assert.False(t, h.ledger.HasPosition())
	})

	t.Run("cooldown blocks via guard", func(t *testing.T) {
		h := newHarness(t, fixedAnalyst{id: "a", vote: agent.Vote{Direction: types.DirectionShort, Confidence: 95}})
		for i := 0; i < 3; i++ {
			h.cd.RecordTrade(-10)
		}
		st := h.wf.Run(context.Background())
		require.NotNil(t, st.Verdict)
		assert.Equal(t, guard.ReasonCooldownActive, st.Verdict.Reason)
		assert.False(t, h.ledger.HasPosition())
	})

	t.Run("all agents fail", func(t *testing.T) {
		h := newHarness(t, fixedAnalyst{id: "a", err: errors.New("down")})
		st := h.wf.Run(context.Background())
		assert.Equal(t, types.DirectionHold, st.FinalSignal().Direction)
		assert.True(t, st.ShouldFallback)
		assert.Contains(t, st.Completed(), StageFallback)
		assert.NotContains(t, st.Completed(), StageConsensus)
	})
}

func TestWorkflow_ReversesOpposingPosition(t *testing.T) {
	h := newHarness(t,
		fixedAnalyst{id: "a", vote: agent.Vote{Direction: types.DirectionShort, Confidence: 90}},
	)
	_, err := h.ledger.Open(ledger.OpenRequest{Direction: types.DirectionLong, Leverage: 2, Margin: 500, Price: 1238})
	require.NoError(t, err)

	st := h.wf.Run(context.Background())
	sig := st.FinalSignal()
	require.True(t, sig.Executed, sig.HoldReason)
	assert.True(t, sig.Reversed)

	pos, ok := h.ledger.Position()
	require.True(t, ok)
	assert.Equal(t, types.DirectionShort, pos.Direction)
	trades := h.ledger.ClosedTrades(10)
	require.Len(t, trades, 1)
	assert.Equal(t, types.CloseSignalReversal, trades[0].Reason)
}
