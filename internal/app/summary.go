package app

import (
	"fmt"
	"strings"

	"helmsman/internal/config"
)

// StartupSummary 在启动时打印关键配置，便于核对运行模式。
type StartupSummary struct {
	Symbol    string
	Exchange  string
	Storage   string
	Journal   bool
	Agents    []string
	Interval  string
	Timeframe string
	HTTPAddr  string
	Notify    bool
}

func newStartupSummary(cfg *config.Config, exchangeName string, agents []string, journal bool) *StartupSummary {
	return &StartupSummary{
		Symbol:    cfg.App.Symbol,
		Exchange:  exchangeName,
		Storage:   cfg.Storage.Driver,
		Journal:   journal,
		Agents:    agents,
		Interval:  cfg.Scheduler.Interval().String(),
		Timeframe: cfg.Workflow.Timeframe,
		HTTPAddr:  cfg.App.HTTPAddr,
		Notify:    cfg.Notify.Telegram.Enabled,
	}
}

func (s *StartupSummary) Print() {
	fmt.Println(s.String())
}

func (s *StartupSummary) String() string {
	var b strings.Builder
	title := "启动配置摘要 (STARTUP SUMMARY)"
	b.WriteString(strings.Repeat("=", 80) + "\n")
	fmt.Fprintf(&b, "%*s\n", 40+len(title)/2, title)
	b.WriteString(strings.Repeat("=", 80) + "\n")
	fmt.Fprintf(&b, "  交易品种: %s\n", s.Symbol)
	fmt.Fprintf(&b, "  下单通道: %s\n", s.Exchange)
	fmt.Fprintf(&b, "  持久化:   %s (周期日志: %s)\n", s.Storage, onOff(s.Journal))
	fmt.Fprintf(&b, "  决策周期: %s / K线 %s\n", s.Interval, s.Timeframe)
	fmt.Fprintf(&b, "  Agents:   %s\n", formatList(s.Agents))
	fmt.Fprintf(&b, "  控制面:   %s\n", s.HTTPAddr)
	fmt.Fprintf(&b, "  Telegram: %s\n", onOff(s.Notify))
	b.WriteString(strings.Repeat("=", 80))
	return b.String()
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
