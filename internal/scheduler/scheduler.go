// Package scheduler 驱动决策周期：按对齐的墙钟时间定时运行，支持手动/事件触发、暂停与恢复。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"helmsman/internal/cooldown"
	"helmsman/internal/ledger"
	"helmsman/internal/logger"
	"helmsman/internal/types"
)

// State 是调度器运行状态。
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateAnalyzing State = "analyzing"
	StateExecuting State = "executing"
	StatePaused    State = "paused"
	StateStopped   State = "stopped"
)

var (
	ErrAlreadyStarted = errors.New("scheduler: already started")
	ErrNotRunning     = errors.New("scheduler: not running")
	ErrNotPaused      = errors.New("scheduler: not paused")
)

// Cycle 是正在执行的一次周期；任务进入下单阶段时调用 Executing。
type Cycle struct {
	Number    int64
	Reason    string
	StartedAt time.Time

	s *Scheduler
}

func (c *Cycle) Executing() {
	if c == nil || c.s == nil {
		return
	}
	c.s.transition(StateAnalyzing, StateExecuting)
}

// Task 执行一次决策周期并返回最终信号。
type Task func(ctx context.Context, cycle *Cycle) (types.Signal, error)

// CycleReport 在每个周期结束后发布。
type CycleReport struct {
	Number   int64
	Reason   string
	Started  time.Time
	Duration time.Duration
	Signal   *types.Signal
	Err      error
	TimedOut bool
}

type (
	StateListener func(from, to State)
	CycleListener func(CycleReport)
)

// CooldownView 提供冷却状态。
type CooldownView interface {
	Status() cooldown.Status
}

// BaselineResetter 重置绩效基线。
type BaselineResetter interface {
	ResetBaseline() ledger.Performance
}

type Config struct {
	Interval       time.Duration
	Offset         time.Duration
	CycleTimeout   time.Duration
	RunImmediately bool
}

// Status 是调度器对外展示的状态。
type Status struct {
	State      State           `json:"state"`
	NextRun    time.Time       `json:"next_run"`
	LastRun    time.Time       `json:"last_run"`
	RunCount   int64           `json:"run_count"`
	Cooldown   cooldown.Status `json:"cooldown"`
	LastError  string          `json:"last_error,omitempty"`
	LastSignal *types.Signal   `json:"last_signal,omitempty"`
	LastReason string          `json:"last_reason,omitempty"`
}

// Scheduler 持有唯一的运行状态机。同一时刻最多一个周期在执行，
// 由 flight 锁保证，事件触发与定时触发共用这把锁。
type Scheduler struct {
	cfg      Config
	task     Task
	cooldown CooldownView
	baseline BaselineResetter
	now      func() time.Time

	mu         sync.Mutex
	state      State
	cancel     context.CancelFunc
	done       chan struct{}
	nextRun    time.Time
	lastRun    time.Time
	lastError  string
	lastSignal *types.Signal
	lastReason string

	runCount atomic.Int64
	flight   chan struct{}
	trigger  chan string

	listenerMu     sync.RWMutex
	stateListeners []StateListener
	cycleListeners []CycleListener
}

func New(cfg Config, task Task, cd CooldownView, baseline BaselineResetter) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 4 * time.Hour
	}
	if cfg.Offset < 0 {
		logger.Warnf("Scheduler: negative offset=%s, clamp to 0", cfg.Offset)
		cfg.Offset = 0
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 5 * time.Minute
	}
	return &Scheduler{
		cfg:      cfg,
		task:     task,
		cooldown: cd,
		baseline: baseline,
		now:      time.Now,
		state:    StateIdle,
		flight:   make(chan struct{}, 1),
		trigger:  make(chan string, 1),
	}
}

func (s *Scheduler) OnStateChange(fn StateListener) {
	if fn == nil {
		return
	}
	s.listenerMu.Lock()
	s.stateListeners = append(s.stateListeners, fn)
	s.listenerMu.Unlock()
}

func (s *Scheduler) OnCycle(fn CycleListener) {
	if fn == nil {
		return
	}
	s.listenerMu.Lock()
	s.cycleListeners = append(s.cycleListeners, fn)
	s.listenerMu.Unlock()
}

// Start 启动调度循环（非阻塞）。可在 Stop 之后再次启动。
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.state != StateIdle && s.state != StateStopped {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	from := s.state
	s.state = StateRunning
	s.mu.Unlock()
	s.publishState(from, StateRunning)

	logger.Infof("Scheduler: started interval=%s offset=%s timeout=%s run_immediately=%v",
		s.cfg.Interval, s.cfg.Offset, s.cfg.CycleTimeout, s.cfg.RunImmediately)
	go s.loop(loopCtx, done)
	return nil
}

// Stop 取消循环与正在执行的周期，并等待循环退出。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state == StateIdle || s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	from := s.state
	s.state = StateStopped
	s.nextRun = time.Time{}
	s.mu.Unlock()
	s.publishState(from, StateStopped)

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	logger.Infof("Scheduler: stopped")
}

// Wait 阻塞到当前循环退出。
func (s *Scheduler) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (s *Scheduler) Pause() error {
	if !s.transition(StateRunning, StatePaused) {
		return fmt.Errorf("%w: state=%s", ErrNotRunning, s.State())
	}
	logger.Infof("Scheduler: paused")
	return nil
}

func (s *Scheduler) Resume() error {
	if !s.transition(StatePaused, StateRunning) {
		return fmt.Errorf("%w: state=%s", ErrNotPaused, s.State())
	}
	logger.Infof("Scheduler: resumed")
	return nil
}

// TriggerNow 请求立即运行一次。分析/执行中、冷却中、未启动或已停止时拒绝。
func (s *Scheduler) TriggerNow(reason string) bool {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateRunning && state != StatePaused {
		logger.Infof("Scheduler: trigger %q rejected, state=%s", reason, state)
		return false
	}
	if s.Busy() {
		logger.Infof("Scheduler: trigger %q rejected, cycle in flight", reason)
		return false
	}
	if s.cooldown != nil {
		if cd := s.cooldown.Status(); cd.Active {
			logger.Infof("Scheduler: trigger %q rejected, cooldown active until %s", reason, cd.Until.Format(time.RFC3339))
			return false
		}
	}
	if reason == "" {
		reason = "manual"
	}
	select {
	case s.trigger <- reason:
		logger.Infof("Scheduler: trigger %q accepted", reason)
		return true
	default:
		return false
	}
}

// Busy 报告是否有周期正在执行。
func (s *Scheduler) Busy() bool { return len(s.flight) > 0 }

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := Status{
		State:      s.state,
		NextRun:    s.nextRun,
		LastRun:    s.lastRun,
		RunCount:   s.runCount.Load(),
		LastError:  s.lastError,
		LastSignal: s.lastSignal,
		LastReason: s.lastReason,
	}
	s.mu.Unlock()
	if s.cooldown != nil {
		st.Cooldown = s.cooldown.Status()
	}
	return st
}

// ResetMetricsBaseline 以当前权益重置绩效统计。
func (s *Scheduler) ResetMetricsBaseline() (ledger.Performance, error) {
	if s.baseline == nil {
		return ledger.Performance{}, errors.New("scheduler: no baseline source")
	}
	return s.baseline.ResetBaseline(), nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	if s.cfg.RunImmediately {
		s.runCycle(ctx, "startup")
	}
	for {
		if ctx.Err() != nil {
			return
		}
		now := s.now()
		next := nextRunAt(now, s.cfg.Interval, s.cfg.Offset)
		s.mu.Lock()
		s.nextRun = next
		s.mu.Unlock()

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case reason := <-s.trigger:
			timer.Stop()
			s.runCycle(ctx, reason)
		case <-timer.C:
			// 墙钟回拨时计时器可能提前触发，重新计算截止时间
			if s.now().Before(next) {
				continue
			}
			if s.State() == StatePaused {
				logger.Infof("Scheduler: paused, skip scheduled cycle at %s", next.Format(time.RFC3339))
				continue
			}
			s.runCycle(ctx, "scheduled")
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context, reason string) {
	select {
	case s.flight <- struct{}{}:
	default:
		logger.Warnf("Scheduler: cycle %q skipped, another cycle in flight", reason)
		return
	}
	defer func() { <-s.flight }()

	s.mu.Lock()
	resume := s.state
	if resume != StateRunning && resume != StatePaused {
		s.mu.Unlock()
		return
	}
	s.state = StateAnalyzing
	s.mu.Unlock()
	s.publishState(resume, StateAnalyzing)

	n := s.runCount.Add(1)
	cycle := &Cycle{Number: n, Reason: reason, StartedAt: s.now(), s: s}
	logger.Infof("Scheduler: cycle #%d started reason=%s", n, reason)

	cctx, cancel := context.WithTimeout(ctx, s.cfg.CycleTimeout)
	defer cancel()
	type outcome struct {
		sig types.Signal
		err error
	}
	result := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("Scheduler: cycle #%d panic: %v\n%s", n, r, debug.Stack())
				result <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		sig, err := s.task(cctx, cycle)
		result <- outcome{sig: sig, err: err}
	}()

	report := CycleReport{Number: n, Reason: reason, Started: cycle.StartedAt}
	select {
	case out := <-result:
		report.Err = out.err
		if out.err == nil {
			sig := out.sig
			report.Signal = &sig
		}
	case <-cctx.Done():
		report.TimedOut = ctx.Err() == nil
		report.Err = fmt.Errorf("cycle #%d abandoned: %w", n, cctx.Err())
	}
	report.Duration = s.now().Sub(cycle.StartedAt)

	switch {
	case report.TimedOut:
		logger.Errorf("Scheduler: cycle #%d timed out after %s", n, s.cfg.CycleTimeout)
	case report.Err != nil:
		logger.Errorf("Scheduler: cycle #%d failed: %v", n, report.Err)
	default:
		logger.Infof("Scheduler: cycle #%d finished in %s signal=%s", n, report.Duration.Truncate(time.Millisecond), report.Signal.Direction)
	}

	s.mu.Lock()
	s.lastRun = cycle.StartedAt
	s.lastReason = reason
	if report.Err != nil {
		s.lastError = report.Err.Error()
	} else {
		s.lastError = ""
		s.lastSignal = report.Signal
	}
	from := s.state
	restored := from == StateAnalyzing || from == StateExecuting
	if restored {
		s.state = resume
	}
	s.mu.Unlock()
	if restored {
		s.publishState(from, resume)
	}
	s.publishCycle(report)
}

// transition 仅在当前状态为 from 时切换到 to。
func (s *Scheduler) transition(from, to State) bool {
	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.mu.Unlock()
	s.publishState(from, to)
	return true
}

func (s *Scheduler) publishState(from, to State) {
	if from == to {
		return
	}
	s.listenerMu.RLock()
	listeners := append([]StateListener(nil), s.stateListeners...)
	s.listenerMu.RUnlock()
	for _, fn := range listeners {
		safeCall("state listener", func() { fn(from, to) })
	}
}

func (s *Scheduler) publishCycle(r CycleReport) {
	s.listenerMu.RLock()
	listeners := append([]CycleListener(nil), s.cycleListeners...)
	s.listenerMu.RUnlock()
	for _, fn := range listeners {
		safeCall("cycle listener", func() { fn(r) })
	}
}

func safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Scheduler: %s panic: %v", name, r)
		}
	}()
	fn()
}

// nextRunAt 返回下一个按 interval 对齐（UTC）的时刻加上 offset，
// 与 K 线收盘时间对齐。
func nextRunAt(now time.Time, interval, offset time.Duration) time.Time {
	now = now.UTC()
	next := now.Truncate(interval).Add(offset)
	for !next.After(now) {
		next = next.Add(interval)
	}
	return next
}
