package app

import (
	"context"

	"helmsman/internal/cooldown"
	"helmsman/internal/gateway/notifier"
	"helmsman/internal/ledger"
	"helmsman/internal/metrics"
	"helmsman/internal/reflection"
	"helmsman/internal/scheduler"
	"helmsman/internal/types"
	"helmsman/internal/workflow"
)

// cycleRunner 把一次工作流运行包装成调度任务。
type cycleRunner struct {
	workflow *workflow.Workflow
	ledger   *ledger.Ledger
	metrics  *metrics.Metrics
	notifier *notifier.Notifier
}

func (r *cycleRunner) Run(ctx context.Context, c *scheduler.Cycle) (types.Signal, error) {
	st := r.workflow.Run(ctx, workflow.WithStageHook(func(stage string) {
		if stage == workflow.StageExecution {
			c.Executing()
		}
	}))
	r.metrics.ObserveVerdict(st.Verdict)
	r.metrics.ObserveVoteErrors(st.VoteErrors)

	sig := st.FinalSignal()
	if sig.Executed {
		if pos, ok := r.ledger.Position(); ok {
			r.notifier.TradeOpened(pos)
		}
	}
	r.metrics.SetAccount(r.ledger.Account(), r.ledger.HasPosition())
	return sig, nil
}

type listenerSet struct {
	ledger   *ledger.Ledger
	cooldown *cooldown.Manager
	engine   *reflection.Engine
	weights  *reflection.WeightAdjuster
	sched    *scheduler.Scheduler
	events   *scheduler.EventWatcher
	metrics  *metrics.Metrics
	notifier *notifier.Notifier
}

// wireListeners 连接组件之间的事件：平仓→复盘→权重/冷却，调度状态→指标/通知。
func wireListeners(l listenerSet) {
	l.ledger.OnClose(func(trade types.ClosedTrade) {
		l.metrics.ObserveTrade(trade)
		l.metrics.SetAccount(l.ledger.Account(), l.ledger.HasPosition())
		l.notifier.TradeClosed(trade)
		l.engine.OnTradeClosed(trade)
	})
	l.engine.OnReflect(func(r types.Reflection) {
		l.metrics.SetWeights(l.weights.All())
		l.notifier.Reflected(r)
	})
	l.cooldown.OnChange(func(st cooldown.Status) {
		l.metrics.SetCooldown(st)
		l.notifier.CooldownChanged(st)
	})
	l.sched.OnStateChange(func(from, to scheduler.State) {
		l.metrics.SetState(to)
		l.notifier.StateChanged(string(from), string(to))
	})
	l.sched.OnCycle(func(rep scheduler.CycleReport) {
		l.metrics.ObserveCycle(rep)
		if l.events != nil {
			l.events.ResetReference()
		}
		if rep.Err != nil {
			l.notifier.CycleFailed(rep.Number, rep.Reason, rep.Err, rep.TimedOut)
		}
	})
}
