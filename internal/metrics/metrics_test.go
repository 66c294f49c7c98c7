package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helmsman/internal/cooldown"
	"helmsman/internal/guard"
	"helmsman/internal/scheduler"
	"helmsman/internal/types"
)

func TestMetrics_Cycles(t *testing.T) {
	m := New()
	executed := types.Signal{Direction: types.DirectionLong, Executed: true}
	hold := types.HoldSignal("quiet")
	m.ObserveCycle(scheduler.CycleReport{Signal: &executed, Duration: 2 * time.Second})
	m.ObserveCycle(scheduler.CycleReport{Signal: &hold})
	m.ObserveCycle(scheduler.CycleReport{Err: errors.New("x")})
	m.ObserveCycle(scheduler.CycleReport{Err: errors.New("x"), TimedOut: true})

	for _, result := range []string{"executed", "hold", "error", "timeout"} {
		assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues(result)), result)
	}
}

func TestMetrics_TradingState(t *testing.T) {
	m := New()
	m.ObserveVerdict(&guard.Verdict{Reason: guard.ReasonCooldownActive})
	m.ObserveVerdict(&guard.Verdict{Allowed: true})
	m.ObserveVerdict(nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.blocks.WithLabelValues(string(guard.ReasonCooldownActive))))

	m.ObserveTrade(types.ClosedTrade{PnL: -3, Reason: types.CloseStopLoss})
	m.ObserveTrade(types.ClosedTrade{PnL: 9, Reason: types.CloseTakeProfit})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.trades.WithLabelValues("loss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exitReasons.WithLabelValues("take_profit")))

	m.SetAccount(types.Account{Balance: 900, UsedMargin: 100, UnrealizedPnL: 5}, true)
	assert.Equal(t, 1005.0, testutil.ToFloat64(m.equity))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.positionOpen))

	m.SetCooldown(cooldown.Status{Active: true})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cooldown))

	m.SetWeights([]types.AgentWeight{{AgentID: "trend", Weight: 1.25}})
	assert.Equal(t, 1.25, testutil.ToFloat64(m.weights.WithLabelValues("trend")))

	m.ObserveVoteErrors(map[string]string{"llm": "timeout"})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.agentFailures.WithLabelValues("llm")))

	m.SetState(scheduler.StatePaused)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("paused")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.state.WithLabelValues("idle")))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.SetState(scheduler.StateRunning)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `helmsman_scheduler_state{state="running"} 1`)
}
