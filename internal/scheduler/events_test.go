package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"helmsman/internal/types"
)

type scriptedPrice struct {
	prices []float64
	err    error
}

func (p *scriptedPrice) GetPrice(context.Context, string) (float64, error) {
	if p.err != nil {
		return 0, p.err
	}
	v := p.prices[0]
	if len(p.prices) > 1 {
		p.prices = p.prices[1:]
	}
	return v, nil
}

type mockTriggerer struct{ mock.Mock }

func (m *mockTriggerer) TriggerNow(reason string) bool {
	return m.Called(reason).Bool(0)
}

type fixedPosition struct {
	pos types.Position
	ok  bool
}

func (f fixedPosition) Position() (types.Position, bool) { return f.pos, f.ok }

func TestEventWatcher_PriceMove(t *testing.T) {
	prices := &scriptedPrice{prices: []float64{100, 101, 102.5, 105, 100}}
	trig := &mockTriggerer{}
	trig.On("TriggerNow", ReasonPriceMove).Return(true)

	clock := time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)
	w := NewEventWatcher(EventConfig{Symbol: "BTCUSDT", PriceMovePct: 2, Debounce: 10 * time.Minute}, prices, nil, trig)
	w.now = func() time.Time { return clock }
	ctx := context.Background()

	assert.Empty(t, w.Check(ctx), "first price sets reference")
	assert.Empty(t, w.Check(ctx), "1% move")
	assert.Equal(t, ReasonPriceMove, w.Check(ctx), "2.5% move")

	// 基准已移到 102.5，105 也超过 2%，但在防抖窗口内
	assert.Empty(t, w.Check(ctx))
	clock = clock.Add(11 * time.Minute)
	assert.Equal(t, ReasonPriceMove, w.Check(ctx), "back to 100 after debounce")
	trig.AssertNumberOfCalls(t, "TriggerNow", 2)
}

func TestEventWatcher_RejectedTriggerIsRetried(t *testing.T) {
	prices := &scriptedPrice{prices: []float64{100, 97}}
	trig := &mockTriggerer{}
	trig.On("TriggerNow", ReasonPriceMove).Return(false).Once()
	trig.On("TriggerNow", ReasonPriceMove).Return(true).Once()

	w := NewEventWatcher(EventConfig{Symbol: "BTCUSDT", PriceMovePct: 2}, prices, nil, trig)
	ctx := context.Background()
	w.Check(ctx)
	assert.Empty(t, w.Check(ctx), "scheduler busy")
	assert.Equal(t, ReasonPriceMove, w.Check(ctx), "not debounced after a rejection")
	trig.AssertExpectations(t)
}

func TestEventWatcher_NearLiquidation(t *testing.T) {
	cases := []struct {
		name  string
		pos   types.Position
		price float64
		want  string
	}{
		{"long close to liq", types.Position{Direction: types.DirectionLong, LiquidationPrice: 90}, 91, ReasonLiquidation},
		{"long far from liq", types.Position{Direction: types.DirectionLong, LiquidationPrice: 90}, 100, ""},
		{"short close to liq", types.Position{Direction: types.DirectionShort, LiquidationPrice: 110}, 109, ReasonLiquidation},
		{"no liquidation price", types.Position{Direction: types.DirectionShort}, 109, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			trig := &mockTriggerer{}
			trig.On("TriggerNow", mock.Anything).Return(true)
			w := NewEventWatcher(EventConfig{Symbol: "BTCUSDT", LiquidationPct: 1.5},
				&scriptedPrice{prices: []float64{tc.price}}, fixedPosition{pos: tc.pos, ok: true}, trig)
			assert.Equal(t, tc.want, w.Check(context.Background()))
		})
	}
}

func TestEventWatcher_ResetReference(t *testing.T) {
	prices := &scriptedPrice{prices: []float64{100, 103, 104}}
	trig := &mockTriggerer{}
	w := NewEventWatcher(EventConfig{Symbol: "BTCUSDT", PriceMovePct: 2}, prices, nil, trig)
	ctx := context.Background()
	w.Check(ctx)
	w.ResetReference()
	assert.Empty(t, w.Check(ctx), "103 becomes the new reference")
	assert.Empty(t, w.Check(ctx))
	trig.AssertNotCalled(t, "TriggerNow", mock.Anything)
}

func TestEventWatcher_PriceError(t *testing.T) {
	trig := &mockTriggerer{}
	w := NewEventWatcher(EventConfig{Symbol: "BTCUSDT", PriceMovePct: 2}, &scriptedPrice{err: errors.New("timeout")}, nil, trig)
	assert.Empty(t, w.Check(context.Background()))
	trig.AssertNotCalled(t, "TriggerNow", mock.Anything)
}

type priceRecorder struct{ last float64 }

func (p *priceRecorder) UpdatePrice(v float64) { p.last = v }

type exitStub struct {
	trade *types.ClosedTrade
	err   error
	calls int
	panic bool
}

func (e *exitStub) CheckExits(context.Context) (*types.ClosedTrade, error) {
	e.calls++
	if e.panic {
		panic("ledger corrupted")
	}
	return e.trade, e.err
}

func TestPositionMonitor_Tick(t *testing.T) {
	ctx := context.Background()

	t.Run("updates price and reports exit", func(t *testing.T) {
		sink := &priceRecorder{}
		exits := &exitStub{trade: &types.ClosedTrade{TradeID: "t1", Reason: types.CloseStopLoss, PnL: -12}}
		m := NewPositionMonitor("BTCUSDT", 0, &scriptedPrice{prices: []float64{99.5}}, sink, exits)
		var got []types.ClosedTrade
		m.OnExit(func(tr types.ClosedTrade) { got = append(got, tr) })

		require.NoError(t, m.Tick(ctx))
		assert.Equal(t, 99.5, sink.last)
		require.Len(t, got, 1)
		assert.Equal(t, types.CloseStopLoss, got[0].Reason)
	})

	t.Run("price failure skips exit check", func(t *testing.T) {
		exits := &exitStub{}
		m := NewPositionMonitor("BTCUSDT", time.Second, &scriptedPrice{err: errors.New("down")}, &priceRecorder{}, exits)
		assert.Error(t, m.Tick(ctx))
		assert.Zero(t, exits.calls)
	})

	t.Run("invalid price", func(t *testing.T) {
		m := NewPositionMonitor("BTCUSDT", time.Second, &scriptedPrice{prices: []float64{0}}, &priceRecorder{}, &exitStub{})
		assert.Error(t, m.Tick(ctx))
	})

	t.Run("panic is recovered", func(t *testing.T) {
		m := NewPositionMonitor("BTCUSDT", time.Second, &scriptedPrice{prices: []float64{100}}, &priceRecorder{}, &exitStub{panic: true})
		err := m.Tick(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ledger corrupted")
	})
}

func TestPositionMonitor_RunStopsWithContext(t *testing.T) {
	exits := &exitStub{}
	m := NewPositionMonitor("BTCUSDT", 5*time.Millisecond, &scriptedPrice{prices: []float64{100}}, &priceRecorder{}, exits)
	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	require.NoError(t, m.Run(ctx))
	assert.Positive(t, exits.calls)
}
