package notifier

import (
	"context"
	"fmt"
	"time"

	"helmsman/internal/cooldown"
	"helmsman/internal/logger"
	"helmsman/internal/types"
)

// Notifier 把交易与调度事件格式化后排队推送；队列满时丢弃并告警，不阻塞交易路径。
type Notifier struct {
	sender  TextNotifier
	symbol  string
	timeout time.Duration
	queue   chan Message
	now     func() time.Time
}

func New(sender TextNotifier, symbol string) *Notifier {
	if sender == nil {
		sender = Nop{}
	}
	return &Notifier{
		sender:  sender,
		symbol:  symbol,
		timeout: 20 * time.Second,
		queue:   make(chan Message, 64),
		now:     time.Now,
	}
}

// Run 顺序发送队列中的消息，直到 ctx 结束。
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-n.queue:
			sctx, cancel := context.WithTimeout(ctx, n.timeout)
			if err := n.sender.SendText(sctx, msg.Render()); err != nil {
				logger.Warnf("Notifier: send %q failed: %v", msg.Title, err)
			}
			cancel()
		}
	}
}

func (n *Notifier) enqueue(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = n.now()
	}
	select {
	case n.queue <- msg:
	default:
		logger.Warnf("Notifier: queue full, dropping %q", msg.Title)
	}
}

func (n *Notifier) TradeOpened(pos types.Position) {
	n.enqueue(Message{
		Icon:  "🟢",
		Title: fmt.Sprintf("开仓 %s %s", pos.Symbol, pos.Direction),
		Sections: []Section{{
			Title: "仓位",
			Lines: []string{
				fmt.Sprintf("入场价 %.4f  数量 %.6f", pos.EntryPrice, pos.Size),
				fmt.Sprintf("杠杆 %dx  保证金 %.2f", pos.Leverage, pos.Margin),
				priceLine("止盈", pos.TakeProfit),
				priceLine("止损", pos.StopLoss),
				fmt.Sprintf("强平价 %.4f", pos.LiquidationPrice),
			},
		}, votesSection(pos.Votes)},
		Footer: "trade " + pos.TradeID,
	})
}

func (n *Notifier) TradeClosed(trade types.ClosedTrade) {
	icon := "🔴"
	if trade.Profitable() {
		icon = "✅"
	}
	n.enqueue(Message{
		Icon:  icon,
		Title: fmt.Sprintf("平仓 %s %s (%s)", trade.Symbol, trade.Direction, trade.Reason),
		Sections: []Section{{
			Title: "结果",
			Lines: []string{
				fmt.Sprintf("入场 %.4f → 出场 %.4f", trade.EntryPrice, trade.ExitPrice),
				fmt.Sprintf("盈亏 %.2f (%.2f%%)", trade.PnL, trade.PnLPercent),
				fmt.Sprintf("持仓 %s", trade.HoldingTime().Truncate(time.Minute)),
			},
		}},
		Footer: "trade " + trade.TradeID,
	})
}

func (n *Notifier) CooldownChanged(st cooldown.Status) {
	if st.Active {
		n.enqueue(Message{
			Icon:  "⏸",
			Title: fmt.Sprintf("%s 进入冷却", n.symbol),
			Sections: []Section{{Lines: []string{
				fmt.Sprintf("连续亏损 %d/%d", st.ConsecutiveLosses, st.Threshold),
				"恢复时间 " + st.Until.UTC().Format(time.RFC3339),
			}}},
		})
		return
	}
	n.enqueue(Message{Icon: "▶️", Title: fmt.Sprintf("%s 冷却结束", n.symbol)})
}

// StateChanged 只推送运维关心的状态（暂停/恢复/停止）。
func (n *Notifier) StateChanged(from, to string) {
	switch to {
	case "paused", "stopped":
	case "running":
		if from != "paused" && from != "idle" && from != "stopped" {
			return
		}
	default:
		return
	}
	n.enqueue(Message{Icon: "⚙️", Title: fmt.Sprintf("调度器 %s → %s", from, to)})
}

func (n *Notifier) CycleFailed(number int64, reason string, err error, timedOut bool) {
	title := fmt.Sprintf("周期 #%d 失败", number)
	if timedOut {
		title = fmt.Sprintf("周期 #%d 超时", number)
	}
	lines := []string{"触发 " + reason}
	if err != nil {
		lines = append(lines, err.Error())
	}
	n.enqueue(Message{Icon: "⚠️", Title: title, Sections: []Section{{Lines: lines}}})
}

func (n *Notifier) Reflected(r types.Reflection) {
	n.enqueue(Message{
		Icon:     "📝",
		Title:    fmt.Sprintf("复盘 %s %s", r.Symbol, r.Outcome()),
		Sections: []Section{{Lines: []string{fmt.Sprintf("准确率 %.0f%%", r.Accuracy()*100), r.Note}}},
		Footer:   "trade " + r.TradeID,
	})
}

func priceLine(label string, v float64) string {
	if v <= 0 {
		return label + " 未设置"
	}
	return fmt.Sprintf("%s %.4f", label, v)
}

func votesSection(votes []types.AgentVote) Section {
	sec := Section{Title: "投票"}
	for _, v := range votes {
		sec.Lines = append(sec.Lines, fmt.Sprintf("%s %s %.0f (w=%.2f)", v.AgentID, v.Direction, v.Confidence, v.Weight))
	}
	return sec
}
