package config

import (
	"fmt"
	"strings"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Exchange.validate(); err != nil {
		return err
	}
	if err := c.Ledger.validate(); err != nil {
		return err
	}
	if err := c.Guard.validate(); err != nil {
		return err
	}
	if err := c.Scheduler.validate(); err != nil {
		return err
	}
	if err := c.Cooldown.validate(); err != nil {
		return err
	}
	if err := c.Workflow.validate(c.Ledger.MaxLeverage); err != nil {
		return err
	}
	if err := c.Reflection.validate(); err != nil {
		return err
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	return nil
}

func (a *AppConfig) validate() error {
	if strings.TrimSpace(a.Symbol) == "" {
		return fmt.Errorf("app.symbol cannot be empty")
	}
	switch strings.ToLower(a.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("app.log_format only supports text|json, got %s", a.LogFormat)
	}
	return nil
}

func (e *ExchangeConfig) validate() error {
	switch e.Name {
	case "paper":
	case "binance":
		if strings.TrimSpace(e.APIKey) == "" || strings.TrimSpace(e.SecretKey) == "" {
			return fmt.Errorf("exchange.api_key/secret_key are required for binance")
		}
	default:
		return fmt.Errorf("exchange.name only supports paper|binance, got %s", e.Name)
	}
	if e.RetryMaxAttempts < 1 {
		return fmt.Errorf("exchange.retry_max_attempts must be >= 1")
	}
	if e.RetryMaxMillis < e.RetryBaseMillis {
		return fmt.Errorf("exchange.retry_max_millis must be >= retry_base_millis")
	}
	if e.PaperSlippageBps < 0 {
		return fmt.Errorf("exchange.paper_slippage_bps must be >= 0")
	}
	return nil
}

func (l *LedgerConfig) validate() error {
	if l.InitialBalance <= 0 {
		return fmt.Errorf("ledger.initial_balance must be > 0")
	}
	if l.MaxLeverage < 1 {
		return fmt.Errorf("ledger.max_leverage must be >= 1")
	}
	if l.LiquidationMarginFraction <= 0 || l.LiquidationMarginFraction > 1 {
		return fmt.Errorf("ledger.liquidation_margin_fraction must be in (0, 1]")
	}
	if l.DefaultStopLossPct <= 0 || l.DefaultTakeProfitPct <= 0 {
		return fmt.Errorf("ledger.default_take_profit_pct/default_stop_loss_pct must be > 0")
	}
	return nil
}

func (g *GuardConfig) validate() error {
	if g.StartupProtectionMinutes < 0 {
		return fmt.Errorf("guard.startup_protection_minutes must be >= 0")
	}
	if g.DailyLossLimitPct < 0 || g.DailyLossLimitPct > 100 {
		return fmt.Errorf("guard.daily_loss_limit_pct must be in [0, 100]")
	}
	if g.MinCloseConfidence > g.MinOpenConfidence {
		return fmt.Errorf("guard.min_close_confidence must be <= min_open_confidence")
	}
	if g.MaxMarginFraction <= 0 || g.MaxMarginFraction > 1 {
		return fmt.Errorf("guard.max_margin_fraction must be in (0, 1]")
	}
	return nil
}

func (s *SchedulerConfig) validate() error {
	if s.IntervalMinutes <= 0 {
		return fmt.Errorf("scheduler.interval_minutes must be > 0")
	}
	if s.OffsetSeconds < 0 {
		return fmt.Errorf("scheduler.offset_seconds must be >= 0")
	}
	if s.CycleTimeoutSeconds <= 0 {
		return fmt.Errorf("scheduler.cycle_timeout_seconds must be > 0")
	}
	if s.MonitorIntervalSeconds <= 0 {
		return fmt.Errorf("scheduler.monitor_interval_seconds must be > 0")
	}
	return nil
}

func (c *CooldownConfig) validate() error {
	if c.MaxConsecutiveLosses < 1 {
		return fmt.Errorf("cooldown.max_consecutive_losses must be >= 1")
	}
	if c.DurationMinutes < 0 {
		return fmt.Errorf("cooldown.duration_minutes must be >= 0")
	}
	return nil
}

func (w *WorkflowConfig) validate(maxLeverage int) error {
	if !IsValidInterval(w.Timeframe) {
		return fmt.Errorf("workflow.timeframe invalid: %s", w.Timeframe)
	}
	if w.FallbackMaxIterations < 1 {
		return fmt.Errorf("workflow.fallback_max_iterations must be >= 1")
	}
	if w.MinConfidence < 0 || w.MinConfidence > 100 {
		return fmt.Errorf("workflow.min_confidence must be in [0, 100]")
	}
	for _, t := range w.LeverageTiers {
		if t.Value < 1 || int(t.Value) > maxLeverage {
			return fmt.Errorf("workflow.leverage_tiers value %.0f out of [1, %d]", t.Value, maxLeverage)
		}
	}
	for _, t := range w.SizeTiers {
		if t.Value <= 0 || t.Value > 1 {
			return fmt.Errorf("workflow.size_tiers value must be in (0, 1]")
		}
	}
	return nil
}

func (r *ReflectionConfig) validate() error {
	if r.MinWeight <= 0 {
		return fmt.Errorf("reflection.min_weight must be > 0")
	}
	if r.MaxWeight < r.MinWeight {
		return fmt.Errorf("reflection.max_weight must be >= min_weight")
	}
	if r.MinWeight > 1 || r.MaxWeight < 1 {
		return fmt.Errorf("reflection weight bounds must contain the default weight 1.0")
	}
	if r.Narrator.Enabled() && strings.TrimSpace(r.Narrator.BaseURL) == "" {
		return fmt.Errorf("reflection.narrator.base_url is required when a model is set")
	}
	return nil
}

func (s *StorageConfig) validate() error {
	switch s.Driver {
	case "sqlite", "memory":
		return nil
	default:
		return fmt.Errorf("storage.driver only supports sqlite|memory, got %s", s.Driver)
	}
}

func (n *NotifyConfig) validate() error {
	if !n.Telegram.Enabled {
		return nil
	}
	if strings.TrimSpace(n.Telegram.BotToken) == "" || strings.TrimSpace(n.Telegram.ChatID) == "" {
		return fmt.Errorf("notify.telegram requires bot_token and chat_id when enabled")
	}
	return nil
}

// IsValidInterval 简易校验：以数字开头，以 m/h/d/w 结尾
func IsValidInterval(s string) bool {
	if len(s) < 2 {
		return false
	}
	suf := s[len(s)-1]
	if suf != 'm' && suf != 'h' && suf != 'd' && suf != 'w' {
		return false
	}
	for i := 0; i < len(s)-1; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
