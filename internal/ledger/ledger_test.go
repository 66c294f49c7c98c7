package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"helmsman/internal/types"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLedger(opts ...Option) *Ledger {
	base := []Option{WithClock(func() time.Time { return fixedNow })}
	l := New(Config{
		Symbol:               "BTCUSDT",
		InitialBalance:       10000,
		MaxLeverage:          20,
		DefaultTakeProfitPct: 3,
		DefaultStopLossPct:   1.5,
	}, append(base, opts...)...)
	l.UpdatePrice(100000)
	return l
}

func assertEquityInvariant(t *testing.T, l *Ledger) {
	t.Helper()
	acc := l.Account()
	assert.InDelta(t, acc.Balance+acc.UsedMargin+acc.UnrealizedPnL, acc.TotalEquity(), 1e-9)
	assert.GreaterOrEqual(t, acc.TotalEquity(), 0.0)
	if pos, ok := l.Position(); ok {
		assert.InDelta(t, pos.Margin, acc.UsedMargin, 1e-9)
	} else {
		assert.Zero(t, acc.UsedMargin)
	}
}

func TestLedger_OpenThenCloseRoundTrip(t *testing.T) {
	l := newTestLedger()

	ack, err := l.Open(OpenRequest{Direction: types.DirectionLong, Leverage: 5, Margin: 1000})
	require.NoError(t, err)
	assert.InDelta(t, 0.05, ack.Position.Size, 1e-12)
	assert.Equal(t, 5, ack.Position.Leverage)
	assert.NotEmpty(t, ack.TradeID)

	acc := l.Account()
	assert.InDelta(t, 9000, acc.Balance, 1e-9)
	assert.InDelta(t, 1000, acc.UsedMargin, 1e-9)
	assertEquityInvariant(t, l)

	l.UpdatePrice(102000)
	acc = l.Account()
	assert.InDelta(t, 100, acc.UnrealizedPnL, 1e-9)
	assert.InDelta(t, 10100, acc.TotalEquity(), 1e-9)
	assertEquityInvariant(t, l)

	trade, err := l.Close(types.CloseManual)
	require.NoError(t, err)
	assert.InDelta(t, (trade.ExitPrice-trade.EntryPrice)*trade.Size, trade.PnL, 1e-9)
	assert.InDelta(t, 10, trade.PnLPercent, 1e-9)
	assert.Equal(t, types.CloseManual, trade.Reason)

	acc = l.Account()
	assert.InDelta(t, 10100, acc.Balance, 1e-9)
	assert.Zero(t, acc.UsedMargin)
	assert.Equal(t, 1, acc.TotalTrades)
	assert.Equal(t, 1, acc.WinningTrades)
	assertEquityInvariant(t, l)
	assert.Len(t, l.ClosedTrades(0), 1)
}

func TestLedger_BreakEvenIsNeitherWinNorLoss(t *testing.T) {
	l := newTestLedger()
	_, err := l.Open(OpenRequest{Direction: types.DirectionLong, Leverage: 3, Margin: 500})
	require.NoError(t, err)
	trade, err := l.Close(types.CloseManual)
	require.NoError(t, err)
	assert.Zero(t, trade.PnL)

	acc := l.Account()
	assert.Equal(t, 1, acc.TotalTrades)
	assert.Zero(t, acc.WinningTrades)
	assert.Zero(t, acc.LosingTrades)
	assert.InDelta(t, 10000, acc.Balance, 1e-9)
}

func TestLedger_ShortPnLIsSignFlipped(t *testing.T) {
	l := newTestLedger()
	_, err := l.Open(OpenRequest{Direction: types.DirectionShort, Leverage: 2, Margin: 500})
	require.NoError(t, err)

	l.UpdatePrice(99000)
	trade, err := l.Close(types.CloseSignalReversal)
	require.NoError(t, err)
	// size = 500*2/100000 = 0.01; pnl = -(99000-100000)*0.01 = 10
	assert.InDelta(t, 10, trade.PnL, 1e-9)
	assert.InDelta(t, 10010, l.Account().Balance, 1e-9)
}

func TestLedger_CloseWithoutPosition(t *testing.T) {
	l := newTestLedger()
	_, err := l.Close(types.CloseManual)
	assert.ErrorIs(t, err, ErrNoPosition)
}

func TestLedger_OpenRejections(t *testing.T) {
	t.Run("position exists", func(t *testing.T) {
		l := newTestLedger()
		_, err := l.Open(OpenRequest{Direction: types.DirectionLong, Leverage: 2, Margin: 100})
		require.NoError(t, err)
		_, err = l.Open(OpenRequest{Direction: types.DirectionShort, Leverage: 2, Margin: 100})
		assert.ErrorIs(t, err, ErrPositionExists)
	})

	t.Run("margin above balance is rejected without side effects", func(t *testing.T) {
		l := newTestLedger()
		_, err := l.Open(OpenRequest{Direction: types.DirectionLong, Leverage: 2, Margin: 10001})
		assert.ErrorIs(t, err, ErrInsufficientMargin)
		assert.InDelta(t, 10000, l.Account().Balance, 1e-9)
		assert.False(t, l.HasPosition())
	})

	t.Run("hold is not tradable", func(t *testing.T) {
		l := newTestLedger()
		_, err := l.Open(OpenRequest{Direction: types.DirectionHold, Leverage: 2, Margin: 100})
		assert.ErrorIs(t, err, ErrInvalidDirection)
	})

	t.Run("zero margin", func(t *testing.T) {
		l := newTestLedger()
		_, err := l.Open(OpenRequest{Direction: types.DirectionLong, Leverage: 2})
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("no price fails closed", func(t *testing.T) {
		l := New(Config{Symbol: "BTCUSDT", InitialBalance: 1000, MaxLeverage: 10})
		_, err := l.Open(OpenRequest{Direction: types.DirectionLong, Leverage: 2, Margin: 100})
		assert.ErrorIs(t, err, ErrNoPrice)
	})
}

func TestLedger_LeverageIsClamped(t *testing.T) {
	cases := []struct {
		name string
		in   int
		want int
	}{
		{"below one", 0, 1},
		{"negative", -3, 1},
		{"in range", 7, 7},
		{"above max", 125, 20},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := newTestLedger()
			ack, err := l.Open(OpenRequest{Direction: types.DirectionLong, Leverage: tc.in, Margin: 100})
			require.NoError(t, err)
			assert.Equal(t, tc.want, ack.Position.Leverage)
			assert.Equal(t, tc.in != tc.want, ack.LeverageClamped)
		})
	}
}

func TestLedger_InvertedTargetsAreRecomputed(t *testing.T) {
	t.Run("long", func(t *testing.T) {
		l := newTestLedger()
		ack, err := l.Open(OpenRequest{
			Direction:  types.DirectionLong,
			Leverage:   5,
			Margin:     1000,
			TakeProfit: 98000,
			StopLoss:   105000,
		})
		require.NoError(t, err)
		assert.True(t, ack.TargetsAdjusted)
		assert.InDelta(t, 103000, ack.Position.TakeProfit, 1e-6)
		assert.InDelta(t, 98500, ack.Position.StopLoss, 1e-6)
		assert.Greater(t, ack.Position.TakeProfit, ack.Position.EntryPrice)
		assert.Less(t, ack.Position.StopLoss, ack.Position.EntryPrice)
	})

	t.Run("short", func(t *testing.T) {
		l := newTestLedger()
		ack, err := l.Open(OpenRequest{
			Direction:  types.DirectionShort,
			Leverage:   5,
			Margin:     1000,
			TakeProfit: 105000,
			StopLoss:   98000,
		})
		require.NoError(t, err)
		assert.InDelta(t, 97000, ack.Position.TakeProfit, 1e-6)
		assert.InDelta(t, 101500, ack.Position.StopLoss, 1e-6)
	})

	t.Run("consistent targets are kept", func(t *testing.T) {
		l := newTestLedger()
		ack, err := l.Open(OpenRequest{
			Direction:  types.DirectionLong,
			Leverage:   5,
			Margin:     1000,
			TakeProfit: 110000,
			StopLoss:   95000,
		})
		require.NoError(t, err)
		assert.False(t, ack.TargetsAdjusted)
		assert.Equal(t, 110000.0, ack.Position.TakeProfit)
		assert.Equal(t, 95000.0, ack.Position.StopLoss)
	})
}

func TestLedger_CheckTpSl(t *testing.T) {
	t.Run("take profit", func(t *testing.T) {
		l := newTestLedger()
		_, err := l.Open(OpenRequest{Direction: types.DirectionLong, Leverage: 5, Margin: 1000, TakeProfit: 103000, StopLoss: 98500})
		require.NoError(t, err)

		l.UpdatePrice(101000)
		_, hit := l.CheckTpSl()
		assert.False(t, hit)

		l.UpdatePrice(103500)
		reason, hit := l.CheckTpSl()
		assert.True(t, hit)
		assert.Equal(t, types.CloseTakeProfit, reason)
		assert.False(t, l.HasPosition())
	})

	t.Run("stop loss on short", func(t *testing.T) {
		l := newTestLedger()
		_, err := l.Open(OpenRequest{Direction: types.DirectionShort, Leverage: 5, Margin: 1000, TakeProfit: 97000, StopLoss: 101500})
		require.NoError(t, err)
		l.UpdatePrice(101600)
		reason, hit := l.CheckTpSl()
		assert.True(t, hit)
		assert.Equal(t, types.CloseStopLoss, reason)
	})

	t.Run("liquidation at eighty percent of margin", func(t *testing.T) {
		l := newTestLedger()
		ack, err := l.Open(OpenRequest{Direction: types.DirectionLong, Leverage: 10, Margin: 1000})
		require.NoError(t, err)
		assert.InDelta(t, 92000, ack.Position.LiquidationPrice, 1e-6)

		l.UpdatePrice(92000)
		reason, hit := l.CheckTpSl()
		require.True(t, hit)
		assert.Equal(t, types.CloseLiquidation, reason)

		trades := l.ClosedTrades(1)
		require.Len(t, trades, 1)
		assert.InDelta(t, -800, trades[0].PnL, 1e-9)
		assert.InDelta(t, 9200, l.Account().Balance, 1e-9)
	})

	t.Run("gap through liquidation truncates loss to margin", func(t *testing.T) {
		l := newTestLedger()
		_, err := l.Open(OpenRequest{Direction: types.DirectionLong, Leverage: 10, Margin: 1000})
		require.NoError(t, err)
		l.UpdatePrice(80000)
		assertEquityInvariant(t, l)
		assert.InDelta(t, -1000, l.Account().UnrealizedPnL, 1e-9)

		_, hit := l.CheckTpSl()
		require.True(t, hit)
		assert.InDelta(t, 9000, l.Account().Balance, 1e-9)
		assertEquityInvariant(t, l)
	})
}

func TestLedger_ConcurrentOpensYieldOnePosition(t *testing.T) {
	for round := 0; round < 20; round++ {
		l := newTestLedger()
		var (
			wg      sync.WaitGroup
			start   = make(chan struct{})
			mu      sync.Mutex
			success int
			exists  int
		)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := l.Open(OpenRequest{Direction: types.DirectionLong, Leverage: 3, Margin: 1000})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					success++
				case errors.Is(err, ErrPositionExists):
					exists++
				}
			}()
		}
		close(start)
		wg.Wait()
		assert.Equal(t, 1, success)
		assert.Equal(t, 1, exists)
		assert.InDelta(t, 9000, l.Account().Balance, 1e-9)
	}
}

func TestLedger_CloseListenerRunsOutsideLock(t *testing.T) {
	l := newTestLedger()
	got := make(chan types.Account, 1)
	l.OnClose(func(tr types.ClosedTrade) {
		got <- l.Account()
	})
	_, err := l.Open(OpenRequest{Direction: types.DirectionLong, Leverage: 2, Margin: 100})
	require.NoError(t, err)
	_, err = l.Close(types.CloseManual)
	require.NoError(t, err)

	select {
	case acc := <-got:
		assert.Equal(t, 1, acc.TotalTrades)
	case <-time.After(time.Second):
		t.Fatal("listener not called")
	}
}

func TestLedger_ListenerPanicIsRecovered(t *testing.T) {
	l := newTestLedger()
	l.OnClose(func(types.ClosedTrade) { panic("boom") })
	_, err := l.Open(OpenRequest{Direction: types.DirectionLong, Leverage: 2, Margin: 100})
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		_, err = l.Close(types.CloseManual)
	})
	assert.NoError(t, err)
}

func TestLedger_DailyRealizedPnL(t *testing.T) {
	l := newTestLedger()
	_, err := l.Open(OpenRequest{Direction: types.DirectionLong, Leverage: 5, Margin: 1000})
	require.NoError(t, err)
	l.UpdatePrice(99000)
	_, err = l.Close(types.CloseStopLoss)
	require.NoError(t, err)

	assert.InDelta(t, -50, l.DailyRealizedPnL(fixedNow), 1e-9)
	assert.Zero(t, l.DailyRealizedPnL(fixedNow.Add(24*time.Hour)))
}

func TestLedger_RestoreRebuildsState(t *testing.T) {
	l := newTestLedger()
	pos := &types.Position{
		TradeID:    "t-1",
		Symbol:     "BTCUSDT",
		Direction:  types.DirectionShort,
		Size:       0.02,
		EntryPrice: 50000,
		Leverage:   4,
		Margin:     250,
		MarkPrice:  49000,
	}
	l.Restore(State{
		Account:  types.Account{Balance: 9750, UsedMargin: 999, TotalTrades: 3},
		Position: pos,
		Trades:   []types.ClosedTrade{{TradeID: "old", PnL: -5, ClosedAt: fixedNow}},
	})

	restored, ok := l.Position()
	require.True(t, ok)
	assert.Equal(t, "t-1", restored.TradeID)
	assert.InDelta(t, 60000, restored.LiquidationPrice, 1e-6)
	acc := l.Account()
	assert.InDelta(t, 250, acc.UsedMargin, 1e-9)
	assert.InDelta(t, 20, acc.UnrealizedPnL, 1e-9)
	assert.InDelta(t, -5, l.DailyRealizedPnL(fixedNow), 1e-9)
	assertEquityInvariant(t, l)
}

func TestLedger_PerformanceBaseline(t *testing.T) {
	l := newTestLedger()
	_, err := l.Open(OpenRequest{Direction: types.DirectionLong, Leverage: 5, Margin: 1000})
	require.NoError(t, err)
	l.UpdatePrice(101000)
	_, err = l.Close(types.CloseManual)
	require.NoError(t, err)

	perf := l.Performance()
	assert.Equal(t, 1, perf.Trades)
	assert.InDelta(t, 0.5, perf.ReturnPct, 1e-9)

	perf = l.ResetBaseline()
	assert.Zero(t, perf.Trades)
	assert.Zero(t, perf.ReturnPct)
	assert.InDelta(t, 10050, perf.BaselineEquity, 1e-9)
}

type mockRepo struct {
	mock.Mock
}

func (m *mockRepo) SaveAccount(ctx context.Context, symbol string, acc types.Account) error {
	return m.Called(ctx, symbol, acc).Error(0)
}

func (m *mockRepo) SavePosition(ctx context.Context, symbol string, pos *types.Position) error {
	return m.Called(ctx, symbol, pos).Error(0)
}

func (m *mockRepo) AppendTrade(ctx context.Context, trade types.ClosedTrade, limit int) error {
	return m.Called(ctx, trade, limit).Error(0)
}

func (m *mockRepo) AppendEquity(ctx context.Context, symbol string, pt types.EquityPoint, limit int) error {
	return m.Called(ctx, symbol, pt, limit).Error(0)
}

func TestLedger_PersistsMutations(t *testing.T) {
	repo := new(mockRepo)
	repo.On("SaveAccount", mock.Anything, "BTCUSDT", mock.Anything).Return(nil)
	repo.On("AppendEquity", mock.Anything, "BTCUSDT", mock.Anything, 2000).Return(nil)
	repo.On("SavePosition", mock.Anything, "BTCUSDT", mock.MatchedBy(func(p *types.Position) bool { return p != nil })).Return(nil).Once()
	repo.On("SavePosition", mock.Anything, "BTCUSDT", (*types.Position)(nil)).Return(nil).Once()
	repo.On("AppendTrade", mock.Anything, mock.Anything, 200).Return(errors.New("disk full")).Once()

	l := newTestLedger(WithRepository(repo))
	_, err := l.Open(OpenRequest{Direction: types.DirectionLong, Leverage: 2, Margin: 100})
	require.NoError(t, err)
	_, err = l.Close(types.CloseManual)
	require.NoError(t, err, "persistence failures must not fail the close")

	repo.AssertExpectations(t)
}
