package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helmsman/internal/cooldown"
	"helmsman/internal/ledger"
	"helmsman/internal/types"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func TestNextRunAt(t *testing.T) {
	base := time.Date(2026, 5, 4, 9, 17, 0, 0, time.UTC)
	cases := []struct {
		name     string
		now      time.Time
		interval time.Duration
		offset   time.Duration
		want     time.Time
	}{
		{"next four hour close", base, 4 * time.Hour, 10 * time.Second, time.Date(2026, 5, 4, 12, 0, 10, 0, time.UTC)},
		{"inside offset window", time.Date(2026, 5, 4, 8, 0, 5, 0, time.UTC), 4 * time.Hour, 10 * time.Second, time.Date(2026, 5, 4, 8, 0, 10, 0, time.UTC)},
		{"exactly on boundary", time.Date(2026, 5, 4, 8, 0, 10, 0, time.UTC), 4 * time.Hour, 10 * time.Second, time.Date(2026, 5, 4, 12, 0, 10, 0, time.UTC)},
		{"hourly without offset", base, time.Hour, 0, time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, nextRunAt(tc.now, tc.interval, tc.offset))
		})
	}
}

type baselineStub struct{ calls int }

func (b *baselineStub) ResetBaseline() ledger.Performance {
	b.calls++
	return ledger.Performance{BaselineEquity: 1000}
}

type stateLog struct {
	mu  sync.Mutex
	seq []State
}

func (l *stateLog) record(_, to State) {
	l.mu.Lock()
	l.seq = append(l.seq, to)
	l.mu.Unlock()
}

func (l *stateLog) has(s State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, v := range l.seq {
		if v == s {
			return true
		}
	}
	return false
}

func holdTask(context.Context, *Cycle) (types.Signal, error) {
	return types.HoldSignal("quiet market"), nil
}

func newTestScheduler(task Task, timeout time.Duration) *Scheduler {
	return New(Config{Interval: 24 * time.Hour, CycleTimeout: timeout}, task, cooldown.NewManager(3, time.Hour), &baselineStub{})
}

func cycleCounter(s *Scheduler) func() int {
	var mu sync.Mutex
	n := 0
	s.OnCycle(func(CycleReport) {
		mu.Lock()
		n++
		mu.Unlock()
	})
	return func() int {
		mu.Lock()
		defer mu.Unlock()
		return n
	}
}

func TestScheduler_TriggerRunsCycle(t *testing.T) {
	s := newTestScheduler(holdTask, time.Second)
	assert.False(t, s.TriggerNow("manual"), "not started")

	var reports []CycleReport
	var mu sync.Mutex
	s.OnCycle(func(r CycleReport) {
		mu.Lock()
		reports = append(reports, r)
		mu.Unlock()
	})

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)

	require.True(t, s.TriggerNow("manual"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reports) == 1
	}, waitFor, tick)
	mu.Lock()
	assert.Equal(t, int64(1), reports[0].Number)
	assert.Equal(t, "manual", reports[0].Reason)
	mu.Unlock()

	st := s.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, int64(1), st.RunCount)
	assert.Equal(t, "manual", st.LastReason)
	require.NotNil(t, st.LastSignal)
	assert.Equal(t, types.DirectionHold, st.LastSignal.Direction)
	assert.Empty(t, st.LastError)
	assert.False(t, st.NextRun.IsZero())
	assert.Equal(t, 3, st.Cooldown.Threshold)
}

func TestScheduler_TriggerRejectedDuringCooldown(t *testing.T) {
	cd := cooldown.NewManager(3, time.Hour)
	s := New(Config{Interval: 24 * time.Hour, CycleTimeout: time.Second}, holdTask, cd, &baselineStub{})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	for i := 0; i < 3; i++ {
		cd.RecordTrade(-1)
	}
	require.True(t, cd.Status().Active)
	assert.False(t, s.TriggerNow("manual"))
	assert.Equal(t, int64(0), s.Status().RunCount)

	require.True(t, cd.ForceEnd())
	require.True(t, s.TriggerNow("manual"))
	require.Eventually(t, func() bool { return s.Status().RunCount == 1 }, waitFor, tick)
}

func TestScheduler_PauseResume(t *testing.T) {
	s := newTestScheduler(holdTask, time.Second)
	cycles := cycleCounter(s)
	assert.ErrorIs(t, s.Pause(), ErrNotRunning)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	require.NoError(t, s.Pause())
	assert.ErrorIs(t, s.Pause(), ErrNotRunning)

	// 暂停时仍接受手动触发，完成后保持暂停
	require.True(t, s.TriggerNow("manual"))
	require.Eventually(t, func() bool { return cycles() == 1 }, waitFor, tick)
	assert.Equal(t, StatePaused, s.State())

	require.NoError(t, s.Resume())
	assert.Equal(t, StateRunning, s.State())
	assert.ErrorIs(t, s.Resume(), ErrNotPaused)
}

func TestScheduler_SingleFlight(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	task := func(ctx context.Context, c *Cycle) (types.Signal, error) {
		c.Executing()
		entered <- struct{}{}
		<-release
		return types.HoldSignal("done"), nil
	}
	s := newTestScheduler(task, 5*time.Second)
	log := &stateLog{}
	s.OnStateChange(log.record)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.True(t, s.TriggerNow("first"))
	<-entered
	assert.True(t, s.Busy())
	assert.Equal(t, StateExecuting, s.State())
	assert.False(t, s.TriggerNow("second"), "cycle already in flight")

	close(release)
	require.Eventually(t, func() bool { return !s.Busy() && s.State() == StateRunning }, waitFor, tick)
	assert.True(t, log.has(StateAnalyzing))
	assert.True(t, log.has(StateExecuting))
	assert.Equal(t, int64(1), s.Status().RunCount)
}

func TestScheduler_TimeoutReleasesLock(t *testing.T) {
	stuck := make(chan struct{})
	defer close(stuck)
	calls := 0
	var mu sync.Mutex
	task := func(ctx context.Context, c *Cycle) (types.Signal, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			<-stuck
		}
		return types.HoldSignal("ok"), nil
	}
	s := newTestScheduler(task, 30*time.Millisecond)
	var timedOut bool
	var rmu sync.Mutex
	s.OnCycle(func(r CycleReport) {
		rmu.Lock()
		if r.TimedOut {
			timedOut = true
		}
		rmu.Unlock()
	})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.True(t, s.TriggerNow("slow"))
	require.Eventually(t, func() bool {
		rmu.Lock()
		defer rmu.Unlock()
		return timedOut
	}, waitFor, tick)
	assert.Contains(t, s.Status().LastError, "abandoned")

	require.Eventually(t, func() bool { return s.TriggerNow("again") }, waitFor, tick)
	require.Eventually(t, func() bool { return s.Status().RunCount == 2 && s.Status().LastError == "" }, waitFor, tick)
}

func TestScheduler_TaskFailures(t *testing.T) {
	cases := []struct {
		name string
		task Task
		want string
	}{
		{"error", func(context.Context, *Cycle) (types.Signal, error) { return types.Signal{}, errors.New("feed down") }, "feed down"},
		{"panic", func(context.Context, *Cycle) (types.Signal, error) { panic("boom") }, "panic: boom"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestScheduler(tc.task, time.Second)
			require.NoError(t, s.Start(context.Background()))
			defer s.Stop()
			require.True(t, s.TriggerNow(""))
			require.Eventually(t, func() bool { return s.Status().LastError != "" }, waitFor, tick)
			st := s.Status()
			assert.Contains(t, st.LastError, tc.want)
			assert.Equal(t, "manual", st.LastReason)
			assert.Nil(t, st.LastSignal)
			require.Eventually(t, func() bool { return s.State() == StateRunning }, waitFor, tick)
		})
	}
}

func TestScheduler_StopAndRestart(t *testing.T) {
	s := newTestScheduler(holdTask, time.Second)
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	assert.Equal(t, StateStopped, s.State())
	assert.False(t, s.TriggerNow("manual"))
	assert.True(t, s.Status().NextRun.IsZero())

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.Equal(t, StateRunning, s.State())
}

func TestScheduler_RunImmediately(t *testing.T) {
	s := New(Config{Interval: time.Hour, RunImmediately: true}, holdTask, nil, nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	require.Eventually(t, func() bool { return s.Status().LastReason == "startup" }, waitFor, tick)

	_, err := s.ResetMetricsBaseline()
	assert.Error(t, err)
}

func TestScheduler_ResetMetricsBaseline(t *testing.T) {
	b := &baselineStub{}
	s := New(Config{}, holdTask, nil, b)
	perf, err := s.ResetMetricsBaseline()
	require.NoError(t, err)
	assert.Equal(t, 1000.0, perf.BaselineEquity)
	assert.Equal(t, 1, b.calls)
}
