// Package reflection 在平仓后复盘入场投票，并据此调整各 agent 的权重。
package reflection

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"helmsman/internal/gateway/provider"
	"helmsman/internal/logger"
	"helmsman/internal/types"
)

// Store 持久化复盘记录；同一 trade id 只写一次。
type Store interface {
	HasReflection(ctx context.Context, tradeID string) (bool, error)
	SaveReflection(ctx context.Context, r types.Reflection, limit int) error
	ListReflections(ctx context.Context, limit int) ([]types.Reflection, error)
}

// Narrator 可选地把确定性备注改写得更详细，失败时保留原备注。
type Narrator interface {
	Narrate(ctx context.Context, trade types.ClosedTrade, scores []types.VoteScore, note string) (string, error)
}

// Listener 在复盘完成后调用。
type Listener func(types.Reflection)

// Options 中 Cooldown 接收每笔新复盘交易的盈亏。
type Options struct {
	MaxRecords int
	Timeout    time.Duration
	Narrator   Narrator
	Cooldown   func(pnl float64)
}

// Engine 订阅平仓事件，按 trade id 幂等地生成复盘并驱动权重调整。
type Engine struct {
	adjuster *WeightAdjuster
	store    Store
	opts     Options
	now      func() time.Time

	mu        sync.Mutex
	seen      map[string]struct{}
	listeners []Listener
	wg        sync.WaitGroup
}

func NewEngine(adjuster *WeightAdjuster, store Store, opts Options) *Engine {
	if opts.MaxRecords <= 0 {
		opts.MaxRecords = 100
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Engine{
		adjuster: adjuster,
		store:    store,
		opts:     opts,
		now:      time.Now,
		seen:     make(map[string]struct{}),
	}
}

func (e *Engine) OnReflect(fn Listener) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

// Recent 返回最近的复盘记录（新的在前）。
func (e *Engine) Recent(ctx context.Context, limit int) ([]types.Reflection, error) {
	if e.store == nil {
		return nil, nil
	}
	return e.store.ListReflections(ctx, limit)
}

// OnTradeClosed 适配账本的平仓监听：冷却与权重同步更新，
// 叙述与持久化在后台进行，不占用调用方持有的锁。
func (e *Engine) OnTradeClosed(trade types.ClosedTrade) {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.Timeout)
	created, err := e.admit(ctx, trade)
	if err != nil || !created {
		cancel()
		if err != nil {
			logger.Warnf("Reflection: trade %s: %v", trade.TradeID, err)
		}
		return
	}
	scores := e.score(ctx, trade)
	cancel()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				logger.Errorf("Reflection: trade %s panic: %v\n%s", trade.TradeID, rec, debug.Stack())
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.Timeout)
		defer cancel()
		e.complete(ctx, trade, scores)
	}()
}

// Wait 等待所有后台复盘结束。
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Reflect 同步复盘一笔平仓；重复的 trade id 返回 created=false。
func (e *Engine) Reflect(ctx context.Context, trade types.ClosedTrade) (types.Reflection, bool, error) {
	created, err := e.admit(ctx, trade)
	if err != nil || !created {
		return types.Reflection{}, false, err
	}
	return e.complete(ctx, trade, e.score(ctx, trade)), true, nil
}

// admit 按 trade id 去重并把盈亏计入冷却。
func (e *Engine) admit(ctx context.Context, trade types.ClosedTrade) (bool, error) {
	if trade.TradeID == "" {
		return false, fmt.Errorf("trade id is empty")
	}
	e.mu.Lock()
	if _, dup := e.seen[trade.TradeID]; dup {
		e.mu.Unlock()
		return false, nil
	}
	e.seen[trade.TradeID] = struct{}{}
	e.mu.Unlock()

	if e.store != nil {
		exists, err := e.store.HasReflection(ctx, trade.TradeID)
		if err != nil {
			logger.Warnf("Reflection: lookup %s failed: %v", trade.TradeID, err)
		} else if exists {
			return false, nil
		}
	}

	if e.opts.Cooldown != nil {
		e.opts.Cooldown(trade.PnL)
	}
	return true, nil
}

func (e *Engine) score(ctx context.Context, trade types.ClosedTrade) []types.VoteScore {
	scores := Score(trade)
	if e.adjuster != nil {
		scores = e.adjuster.Apply(ctx, scores)
	}
	return scores
}

func (e *Engine) complete(ctx context.Context, trade types.ClosedTrade, scores []types.VoteScore) types.Reflection {
	note := Note(trade, scores)
	if e.opts.Narrator != nil {
		if rich, err := e.opts.Narrator.Narrate(ctx, trade, scores, note); err != nil {
			logger.Warnf("Reflection: narrator failed for %s, keeping plain note: %v", trade.TradeID, err)
		} else if strings.TrimSpace(rich) != "" {
			note = strings.TrimSpace(rich)
		}
	}
	r := types.Reflection{
		TradeID:   trade.TradeID,
		Symbol:    trade.Symbol,
		Direction: trade.Direction,
		PnL:       trade.PnL,
		Reason:    trade.Reason,
		Scores:    scores,
		Note:      note,
		CreatedAt: e.now(),
	}
	if e.store != nil {
		if err := e.store.SaveReflection(ctx, r, e.opts.MaxRecords); err != nil {
			logger.Warnf("Reflection: persist %s failed: %v", trade.TradeID, err)
		}
	}
	logger.Infof("Reflection: %s %s accuracy=%.0f%% %s", trade.TradeID, r.Outcome(), r.Accuracy()*100, note)

	e.mu.Lock()
	listeners := append([]Listener(nil), e.listeners...)
	e.mu.Unlock()
	for _, fn := range listeners {
		notify(fn, r)
	}
	return r
}

func notify(fn Listener, r types.Reflection) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("Reflection: listener panic: %v\n%s", rec, debug.Stack())
		}
	}()
	fn(r)
}

// Score 给入场时的每张非观望票打分：同向且盈利、或反向且亏损算正确。
func Score(trade types.ClosedTrade) []types.VoteScore {
	win := trade.Profitable()
	out := make([]types.VoteScore, 0, len(trade.Votes))
	for _, v := range trade.Votes {
		if !v.Direction.Tradable() {
			continue
		}
		same := v.Direction == trade.Direction
		out = append(out, types.VoteScore{
			AgentID:    v.AgentID,
			Direction:  v.Direction,
			Confidence: v.Confidence,
			Correct:    same == win,
		})
	}
	return out
}

// Note 生成确定性的复盘备注。
func Note(trade types.ClosedTrade, scores []types.VoteScore) string {
	outcome := "lost"
	if trade.Profitable() {
		outcome = "won"
	}
	var right, wrong []string
	for _, s := range scores {
		if s.Correct {
			right = append(right, s.AgentID)
		} else {
			wrong = append(wrong, s.AgentID)
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s %.2f (%.2f%%) via %s after %s.",
		trade.Symbol, trade.Direction, outcome, trade.PnL, trade.PnLPercent, trade.Reason,
		trade.HoldingTime().Truncate(time.Minute))
	switch {
	case len(scores) == 0:
		b.WriteString(" No directional votes to score.")
	default:
		if len(right) > 0 {
			fmt.Fprintf(&b, " Read it right: %s.", strings.Join(right, ", "))
		}
		if len(wrong) > 0 {
			fmt.Fprintf(&b, " Read it wrong: %s.", strings.Join(wrong, ", "))
		}
	}
	return b.String()
}

// LLMNarrator 用模型把复盘备注扩写成一两句总结。
type LLMNarrator struct {
	Provider provider.ModelProvider
}

func (n LLMNarrator) Narrate(ctx context.Context, trade types.ClosedTrade, scores []types.VoteScore, note string) (string, error) {
	if n.Provider == nil {
		return note, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Closed trade: %s %dx entry %.4f exit %.4f pnl %.2f (%.2f%%) reason %s.\n",
		trade.Direction, trade.Leverage, trade.EntryPrice, trade.ExitPrice, trade.PnL, trade.PnLPercent, trade.Reason)
	for _, s := range scores {
		fmt.Fprintf(&b, "- %s voted %s at %.0f, correct=%v\n", s.AgentID, s.Direction, s.Confidence, s.Correct)
	}
	b.WriteString("Baseline note: ")
	b.WriteString(note)
	const system = "You review closed trades. Reply with at most two plain sentences on what the votes got right or wrong."
	logger.LogLLMRequest("reflection", n.Provider.ID(), trade.TradeID, system, b.String())
	out, err := n.Provider.Call(ctx, provider.ChatPayload{System: system, User: b.String(), MaxTokens: 200})
	if err != nil {
		return "", err
	}
	logger.LogLLMResponse("reflection", n.Provider.ID(), trade.TradeID, out)
	return out, nil
}
