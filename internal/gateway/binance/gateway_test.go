package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helmsman/internal/gateway/exchange"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) *Gateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{RESTBaseURL: srv.URL})
}

func TestGateway_GetKlines(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/klines", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1h", r.URL.Query().Get("interval"))
		_, _ = w.Write([]byte(`[
			[1700000000000,"100.0","110.0","95.0","105.0","12.5",1700003599999,"1300.0",42,"6.0","630.0","0"],
			[1700003600000,"105.0","108.0","101.0","102.0","8.0",1700007199999,"820.0",30,"4.0","410.0","0"]
		]`))
	})

	candles, err := g.GetKlines(context.Background(), "btc/usdt", "1H", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, 105.0, candles[0].Close)
	assert.Equal(t, int64(42), candles[0].Trades)
	assert.Equal(t, 102.0, candles[1].Close)
}

func TestGateway_GetPrice(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/ticker/price", r.URL.Path)
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","price":"100123.4","time":1700000000000}`))
	})
	price, err := g.GetPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 100123.4, price)
}

func TestGateway_RateLimitIsClassified(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"code":-1003,"msg":"Too many requests"}`))
	})
	_, err := g.GetPrice(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, exchange.ErrRateLimited)
	assert.True(t, exchange.Retryable(err))
}

func TestGateway_OrdersNeedKeys(t *testing.T) {
	g := New(Config{RESTBaseURL: "http://127.0.0.1:1"})
	res, err := g.OpenLong(context.Background(), exchange.OpenRequest{Symbol: "BTCUSDT", Margin: 10, Leverage: 2})
	assert.ErrorIs(t, err, exchange.ErrRejected)
	assert.Equal(t, exchange.StatusRejected, res.Status)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want error
	}{
		{&common.APIError{Code: -1003, Message: "slow"}, exchange.ErrRateLimited},
		{&common.APIError{Code: -1008, Message: "busy"}, exchange.ErrBusy},
		{&common.APIError{Code: -2019, Message: "margin"}, exchange.ErrInsufficientFunds},
		{&common.APIError{Code: -2022, Message: "reduce only"}, exchange.ErrNoPosition},
		{&common.APIError{Code: -1121, Message: "bad symbol"}, exchange.ErrRejected},
		{errors.New("connection reset"), exchange.ErrBusy},
	}
	for _, tc := range cases {
		assert.ErrorIs(t, classify(tc.err), tc.want, tc.err.Error())
	}
	assert.Equal(t, exchange.StatusUnknown, statusForError(errors.New("timeout")))
	assert.Equal(t, exchange.StatusRejected, statusForError(&common.APIError{Code: -2019}))
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, exchange.StatusFilled, mapStatus(futures.OrderStatusTypeFilled))
	assert.Equal(t, exchange.StatusPending, mapStatus(futures.OrderStatusTypeNew))
	assert.Equal(t, exchange.StatusCanceled, mapStatus(futures.OrderStatusTypeExpired))
	assert.Equal(t, exchange.StatusUnknown, mapStatus(futures.OrderStatusType("WEIRD")))
	assert.Equal(t, "0.012", formatDecimal(0.0129, 3))
}
