package trader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helmsman/internal/gateway/exchange"
	"helmsman/internal/gateway/paper"
	"helmsman/internal/ledger"
	"helmsman/internal/market"
	"helmsman/internal/types"
)

type priceFeed struct{ price float64 }

func (f *priceFeed) GetKlines(context.Context, string, string, int) ([]market.Candle, error) {
	return []market.Candle{{Close: f.price}}, nil
}

func (f *priceFeed) GetPrice(context.Context, string) (float64, error) { return f.price, nil }

// hookedGateway 在模拟网关之上按需替换个别调用。
type hookedGateway struct {
	*paper.Gateway
	openLong func(ctx context.Context, req exchange.OpenRequest) (exchange.OpenResult, error)
	closePos func(ctx context.Context, req exchange.CloseRequest) (exchange.CloseResult, error)
}

func (g *hookedGateway) OpenLong(ctx context.Context, req exchange.OpenRequest) (exchange.OpenResult, error) {
	if g.openLong != nil {
		return g.openLong(ctx, req)
	}
	return g.Gateway.OpenLong(ctx, req)
}

func (g *hookedGateway) ClosePosition(ctx context.Context, req exchange.CloseRequest) (exchange.CloseResult, error) {
	if g.closePos != nil {
		return g.closePos(ctx, req)
	}
	return g.Gateway.ClosePosition(ctx, req)
}

func newFixture(price float64) (*Executor, *hookedGateway, *ledger.Ledger, *priceFeed) {
	feed := &priceFeed{price: price}
	gw := &hookedGateway{Gateway: paper.New(feed, paper.Config{InitialBalance: 100000})}
	l := ledger.New(ledger.Config{Symbol: "BTCUSDT", InitialBalance: 10000, MaxLeverage: 10})
	ex := NewExecutor(Config{FillTimeout: 50 * time.Millisecond, FillPoll: 5 * time.Millisecond}, gw, l)
	return ex, gw, l, feed
}

func TestExecutor_OpenAndTakeProfit(t *testing.T) {
	ex, gw, l, feed := newFixture(100)
	ctx := context.Background()

	pos, err := ex.Open(ctx, OpenOrder{
		Direction:  types.DirectionLong,
		Leverage:   5,
		Margin:     1000,
		TakeProfit: 105,
		StopLoss:   95,
		Votes:      []types.AgentVote{{AgentID: "ema", Direction: types.DirectionLong, Confidence: 80, Weight: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, 100.0, pos.EntryPrice)
	assert.InDelta(t, 50, pos.Size, 1e-9)
	assert.Len(t, pos.Votes, 1)

	_, err = ex.Open(ctx, OpenOrder{Direction: types.DirectionShort, Leverage: 2, Margin: 100})
	assert.ErrorIs(t, err, ledger.ErrPositionExists)

	feed.price = 101
	l.UpdatePrice(101)
	trade, err := ex.CheckExits(ctx)
	require.NoError(t, err)
	assert.Nil(t, trade)

	feed.price = 106
	l.UpdatePrice(106)
	trade, err = ex.CheckExits(ctx)
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.Equal(t, types.CloseTakeProfit, trade.Reason)
	assert.InDelta(t, 300, trade.PnL, 1e-6)
	assert.False(t, l.HasPosition())

	remote, err := gw.GetPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, remote)
}

func TestExecutor_RejectedOpenLeavesLedgerFlat(t *testing.T) {
	ex, gw, l, _ := newFixture(100)
	gw.openLong = func(context.Context, exchange.OpenRequest) (exchange.OpenResult, error) {
		return exchange.OpenResult{Status: exchange.StatusRejected}, exchange.ErrInsufficientFunds
	}
	_, err := ex.Open(context.Background(), OpenOrder{Direction: types.DirectionLong, Leverage: 2, Margin: 100})
	assert.ErrorIs(t, err, exchange.ErrInsufficientFunds)
	assert.False(t, l.HasPosition())
	assert.False(t, ex.Busy())
}

func TestExecutor_LedgerRejectFlattensExchange(t *testing.T) {
	ex, gw, l, _ := newFixture(100)
	// 账本余额不足而交易所成交
	_, err := ex.Open(context.Background(), OpenOrder{Direction: types.DirectionLong, Leverage: 2, Margin: 20000})
	require.Error(t, err)
	assert.False(t, l.HasPosition())

	remote, err := gw.GetPosition(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, remote)
}

func TestExecutor_CloseToleratesFlatExchange(t *testing.T) {
	ex, gw, l, feed := newFixture(100)
	ctx := context.Background()
	_, err := ex.Open(ctx, OpenOrder{Direction: types.DirectionLong, Leverage: 2, Margin: 500})
	require.NoError(t, err)

	feed.price = 98
	l.UpdatePrice(98)
	gw.closePos = func(context.Context, exchange.CloseRequest) (exchange.CloseResult, error) {
		return exchange.CloseResult{Status: exchange.StatusRejected}, exchange.ErrNoPosition
	}
	trade, err := ex.Close(ctx, types.CloseSignalReversal)
	require.NoError(t, err)
	assert.Equal(t, 98.0, trade.ExitPrice)
	assert.Equal(t, types.CloseSignalReversal, trade.Reason)

	_, err = ex.Close(ctx, types.CloseManual)
	assert.ErrorIs(t, err, ledger.ErrNoPosition)
}

func TestExecutor_LiquidationExitPrice(t *testing.T) {
	tests := []struct {
		name     string
		avgPrice float64
		wantLiq  bool
	}{
		{name: "exchange fill price wins", avgPrice: 89.5},
		{name: "falls back to liquidation price", avgPrice: 0, wantLiq: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ex, gw, l, feed := newFixture(100)
			ctx := context.Background()
			pos, err := ex.Open(ctx, OpenOrder{Direction: types.DirectionLong, Leverage: 10, Margin: 500})
			require.NoError(t, err)
			require.Greater(t, pos.LiquidationPrice, 89.0)

			gw.closePos = func(context.Context, exchange.CloseRequest) (exchange.CloseResult, error) {
				return exchange.CloseResult{Status: exchange.StatusFilled, ExecutedQty: pos.Size, AvgPrice: tc.avgPrice}, nil
			}
			feed.price = 89
			l.UpdatePrice(89)
			trade, err := ex.CheckExits(ctx)
			require.NoError(t, err)
			require.NotNil(t, trade)
			assert.Equal(t, types.CloseLiquidation, trade.Reason)
			if tc.wantLiq {
				assert.Equal(t, pos.LiquidationPrice, trade.ExitPrice)
			} else {
				assert.Equal(t, tc.avgPrice, trade.ExitPrice)
			}
		})
	}
}

func TestExecutor_CloseFailureKeepsPosition(t *testing.T) {
	ex, gw, l, _ := newFixture(100)
	ctx := context.Background()
	_, err := ex.Open(ctx, OpenOrder{Direction: types.DirectionLong, Leverage: 2, Margin: 500})
	require.NoError(t, err)

	gw.closePos = func(context.Context, exchange.CloseRequest) (exchange.CloseResult, error) {
		return exchange.CloseResult{Status: exchange.StatusUnknown}, errors.New("socket closed")
	}
	_, err = ex.Close(ctx, types.CloseManual)
	require.Error(t, err)
	assert.True(t, l.HasPosition())
}

func TestExecutor_Reconcile(t *testing.T) {
	t.Run("adopts exchange position", func(t *testing.T) {
		ex, gw, l, _ := newFixture(200)
		_, err := gw.OpenShort(context.Background(), exchange.OpenRequest{Symbol: "BTCUSDT", Margin: 400, Leverage: 4})
		require.NoError(t, err)

		ex.Reconcile(context.Background())
		pos, ok := l.Position()
		require.True(t, ok)
		assert.Equal(t, types.DirectionShort, pos.Direction)
		assert.Equal(t, 4, pos.Leverage)
		assert.InDelta(t, 400, pos.Margin, 1e-9)
		assert.InDelta(t, 8, pos.Size, 1e-9)
	})

	t.Run("closes ledger when exchange is flat", func(t *testing.T) {
		ex, _, l, _ := newFixture(200)
		_, err := l.Open(ledger.OpenRequest{Direction: types.DirectionLong, Leverage: 2, Margin: 100, Price: 200})
		require.NoError(t, err)

		ex.Reconcile(context.Background())
		assert.False(t, l.HasPosition())
		trades := l.ClosedTrades(10)
		require.Len(t, trades, 1)
		assert.Equal(t, types.CloseManual, trades[0].Reason)
	})
}
