package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jpillora/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helmsman/internal/cooldown"
	"helmsman/internal/types"
)

type chanSender struct {
	out chan string
	err error
}

func (c *chanSender) SendText(_ context.Context, text string) error {
	c.out <- text
	return c.err
}

func TestMessage_Render(t *testing.T) {
	msg := Message{
		Icon:  "🟢",
		Title: "开仓",
		Sections: []Section{
			{Title: "仓位", Lines: []string{"a", "  ", "b ```x```"}},
			{Title: "空段", Lines: []string{""}},
		},
		Footer:    "trade t1",
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	out := msg.Render()
	assert.True(t, strings.HasPrefix(out, "🟢 开仓\n\n```\n仓位\n- a\n- b '''x'''\n```"))
	assert.NotContains(t, out, "空段")
	assert.Contains(t, out, "trade t1")
	assert.Contains(t, out, "2026-01-02 03:04:05 UTC")

	long := Message{Title: strings.Repeat("x", maxMessageLen+100)}.Render()
	assert.Len(t, long, maxMessageLen+3)
	assert.Equal(t, "", Message{}.Render())
}

func TestNotifier_DeliversInOrder(t *testing.T) {
	sender := &chanSender{out: make(chan string, 8), err: errors.New("ignored")}
	n := New(sender, "BTCUSDT")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = n.Run(ctx) }()

	n.TradeOpened(types.Position{TradeID: "t1", Symbol: "BTCUSDT", Direction: types.DirectionLong, Leverage: 3,
		Votes: []types.AgentVote{{AgentID: "trend", Direction: types.DirectionLong, Confidence: 80, Weight: 1}}})
	n.TradeClosed(types.ClosedTrade{TradeID: "t1", Symbol: "BTCUSDT", Direction: types.DirectionLong, PnL: 12, Reason: types.CloseTakeProfit})
	n.CooldownChanged(cooldown.Status{Active: true, ConsecutiveLosses: 3, Threshold: 3})
	n.StateChanged("running", "paused")
	n.StateChanged("idle", "analyzing")
	n.CycleFailed(7, "scheduled", errors.New("feed down"), true)

	want := []string{"开仓 BTCUSDT long", "平仓 BTCUSDT long (take_profit)", "进入冷却", "running → paused", "周期 #7 超时"}
	for _, w := range want {
		select {
		case got := <-sender.out:
			assert.Contains(t, got, w)
		case <-time.After(time.Second):
			t.Fatalf("missing message %q", w)
		}
	}
	select {
	case extra := <-sender.out:
		t.Fatalf("unexpected message %q", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotifier_DropsWhenQueueFull(t *testing.T) {
	n := New(nil, "BTCUSDT")
	for i := 0; i < cap(n.queue)+5; i++ {
		n.Reflected(types.Reflection{TradeID: "t"})
	}
	assert.Len(t, n.queue, cap(n.queue))
}

func TestTelegram_SendText(t *testing.T) {
	fast := backoff.Backoff{Min: time.Millisecond, Max: time.Millisecond}

	t.Run("retries server errors", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "chat", body["chat_id"])
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		tg := NewTelegram("TOKEN", "chat")
		tg.BaseURL = srv.URL
		tg.backoff = fast
		require.NoError(t, tg.SendText(context.Background(), "hi"))
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("client errors are final", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		tg := NewTelegram("TOKEN", "chat")
		tg.BaseURL = srv.URL
		tg.backoff = fast
		err := tg.SendText(context.Background(), "hi")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "401")
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("missing credentials", func(t *testing.T) {
		assert.Error(t, NewTelegram("", "chat").SendText(context.Background(), "hi"))
	})
}
