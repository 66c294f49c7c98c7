package reflection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"helmsman/internal/gateway/provider"
	"helmsman/internal/types"
)

type fakeStore struct {
	reflections map[string]types.Reflection
	weights     []types.AgentWeight
	saves       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{reflections: make(map[string]types.Reflection)}
}

func (s *fakeStore) HasReflection(_ context.Context, id string) (bool, error) {
	_, ok := s.reflections[id]
	return ok, nil
}

func (s *fakeStore) SaveReflection(_ context.Context, r types.Reflection, _ int) error {
	s.reflections[r.TradeID] = r
	return nil
}

func (s *fakeStore) ListReflections(context.Context, int) ([]types.Reflection, error) {
	out := make([]types.Reflection, 0, len(s.reflections))
	for _, r := range s.reflections {
		out = append(out, r)
	}
	return out, nil
}

func (s *fakeStore) LoadWeights(context.Context) ([]types.AgentWeight, error) { return s.weights, nil }

func (s *fakeStore) SaveWeights(_ context.Context, w []types.AgentWeight) error {
	s.weights = w
	s.saves++
	return nil
}

func closedTrade(id string, dir types.Direction, pnl float64, votes ...types.AgentVote) types.ClosedTrade {
	opened := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	return types.ClosedTrade{
		TradeID:   id,
		Symbol:    "BTCUSDT",
		Direction: dir,
		PnL:       pnl,
		Reason:    types.CloseTakeProfit,
		OpenedAt:  opened,
		ClosedAt:  opened.Add(3 * time.Hour),
		Votes:     votes,
	}
}

func TestScore(t *testing.T) {
	votes := []types.AgentVote{
		{AgentID: "trend", Direction: types.DirectionLong, Confidence: 80},
		{AgentID: "contrarian", Direction: types.DirectionShort, Confidence: 60},
		{AgentID: "idle", Direction: types.DirectionHold, Confidence: 50},
	}
	cases := []struct {
		name    string
		pnl     float64
		correct map[string]bool
	}{
		{"winning long", 120, map[string]bool{"trend": true, "contrarian": false}},
		{"losing long", -80, map[string]bool{"trend": false, "contrarian": true}},
		{"flat counts as loss", 0, map[string]bool{"trend": false, "contrarian": true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			scores := Score(closedTrade("t", types.DirectionLong, tc.pnl, votes...))
			require.Len(t, scores, 2)
			for _, s := range scores {
				assert.Equal(t, tc.correct[s.AgentID], s.Correct, s.AgentID)
			}
		})
	}
}

func TestWeightAdjuster_ClampsAndPersists(t *testing.T) {
	store := newFakeStore()
	store.weights = []types.AgentWeight{{AgentID: "loser", Weight: 0.21}, {AgentID: "star", Weight: 9}}
	adj := NewWeightAdjuster(WeightConfig{Bonus: 0.05, Penalty: 0.03, MinWeight: 0.2, MaxWeight: 3}, store)
	require.NoError(t, adj.Load(context.Background()))
	assert.Equal(t, 3.0, adj.Weight("star"))

	out := adj.Apply(context.Background(), []types.VoteScore{
		{AgentID: "loser", Correct: false},
		{AgentID: "star", Correct: true},
		{AgentID: "fresh", Correct: true},
	})
	require.Len(t, out, 3)
	assert.InDelta(t, 0.21, out[0].WeightBefore, 1e-9)
	assert.InDelta(t, 0.2, out[0].WeightAfter, 1e-9)
	assert.InDelta(t, 3.0, out[1].WeightAfter, 1e-9)
	assert.InDelta(t, 1.05, out[2].WeightAfter, 1e-9)
	assert.Equal(t, 1.0, adj.Weight("unknown"))
	assert.Equal(t, 1, store.saves)
	assert.Len(t, store.weights, 3)

	all := adj.All()
	require.Len(t, all, 3)
	assert.Equal(t, "fresh", all[0].AgentID)
	assert.Equal(t, 1, all[0].Correct)
}

func TestEngine_ReflectsOnceAndFeedsCooldown(t *testing.T) {
	store := newFakeStore()
	adj := NewWeightAdjuster(WeightConfig{}, store)
	var losses []float64
	eng := NewEngine(adj, store, Options{Cooldown: func(pnl float64) { losses = append(losses, pnl) }})
	var seen []types.Reflection
	eng.OnReflect(func(r types.Reflection) { seen = append(seen, r) })

	trade := closedTrade("trade-1", types.DirectionShort, -40,
		types.AgentVote{AgentID: "a", Direction: types.DirectionShort, Confidence: 70, Weight: 1},
		types.AgentVote{AgentID: "b", Direction: types.DirectionLong, Confidence: 55, Weight: 1},
	)
	r, created, err := eng.Reflect(context.Background(), trade)
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, "loss", r.Outcome())
	assert.InDelta(t, 0.5, r.Accuracy(), 1e-9)
	assert.Contains(t, r.Note, "Read it right: b")
	assert.Contains(t, r.Note, "Read it wrong: a")
	assert.InDelta(t, 0.97, adj.Weight("a"), 1e-9)
	assert.InDelta(t, 1.05, adj.Weight("b"), 1e-9)

	eng.OnTradeClosed(trade)
	_, created, err = eng.Reflect(context.Background(), trade)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, []float64{-40}, losses)
	assert.Len(t, seen, 1)
	assert.InDelta(t, 0.97, adj.Weight("a"), 1e-9)

	// 重启后的新引擎通过存储识别已复盘的交易
	fresh := NewEngine(adj, store, Options{})
	_, created, err = fresh.Reflect(context.Background(), trade)
	require.NoError(t, err)
	assert.False(t, created)

	_, _, err = eng.Reflect(context.Background(), types.ClosedTrade{})
	assert.Error(t, err)
}

type mockProvider struct{ mock.Mock }

func (m *mockProvider) ID() string { return "mock" }

func (m *mockProvider) Call(ctx context.Context, p provider.ChatPayload) (string, error) {
	args := m.Called(ctx, p)
	return args.String(0), args.Error(1)
}

func TestEngine_Narrator(t *testing.T) {
	t.Run("enriched note", func(t *testing.T) {
		p := &mockProvider{}
		p.On("Call", mock.Anything, mock.Anything).Return("  Trend read was right; exit was early.  ", nil)
		eng := NewEngine(nil, newFakeStore(), Options{Narrator: LLMNarrator{Provider: p}})
		r, _, err := eng.Reflect(context.Background(), closedTrade("n1", types.DirectionLong, 10))
		require.NoError(t, err)
		assert.Equal(t, "Trend read was right; exit was early.", r.Note)
		p.AssertExpectations(t)
	})

	t.Run("provider failure keeps plain note", func(t *testing.T) {
		p := &mockProvider{}
		p.On("Call", mock.Anything, mock.Anything).Return("", errors.New("quota"))
		eng := NewEngine(nil, newFakeStore(), Options{Narrator: LLMNarrator{Provider: p}})
		r, _, err := eng.Reflect(context.Background(), closedTrade("n2", types.DirectionLong, 10))
		require.NoError(t, err)
		assert.Contains(t, r.Note, "BTCUSDT long won")
		assert.Contains(t, r.Note, "No directional votes")
	})
}

type blockingNarrator struct {
	started chan struct{}
	release chan struct{}
}

func (n *blockingNarrator) Narrate(ctx context.Context, _ types.ClosedTrade, _ []types.VoteScore, _ string) (string, error) {
	close(n.started)
	select {
	case <-n.release:
		return "narrated later", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestEngine_OnTradeClosedDoesNotWaitForNarrator(t *testing.T) {
	store := newFakeStore()
	adj := NewWeightAdjuster(WeightConfig{}, store)
	n := &blockingNarrator{started: make(chan struct{}), release: make(chan struct{})}
	var losses []float64
	eng := NewEngine(adj, store, Options{Narrator: n, Cooldown: func(pnl float64) { losses = append(losses, pnl) }})

	trade := closedTrade("slow-1", types.DirectionLong, -5,
		types.AgentVote{AgentID: "a", Direction: types.DirectionLong, Confidence: 70, Weight: 1},
	)
	done := make(chan struct{})
	go func() {
		eng.OnTradeClosed(trade)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnTradeClosed blocked on the narrator")
	}

	// 冷却与权重在返回前已更新
	assert.Equal(t, []float64{-5}, losses)
	assert.InDelta(t, 0.97, adj.Weight("a"), 1e-9)

	<-n.started
	close(n.release)
	eng.Wait()
	require.Contains(t, store.reflections, "slow-1")
	assert.Equal(t, "narrated later", store.reflections["slow-1"].Note)
}
