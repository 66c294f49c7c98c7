package config

import (
	"strings"
	"time"
)

// Config 是 helmsman 的主配置载体。
type Config struct {
	App        AppConfig        `toml:"app"`
	Exchange   ExchangeConfig   `toml:"exchange"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Guard      GuardConfig      `toml:"guard"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	Cooldown   CooldownConfig   `toml:"cooldown"`
	Workflow   WorkflowConfig   `toml:"workflow"`
	Reflection ReflectionConfig `toml:"reflection"`
	Agents     AgentsConfig     `toml:"agents"`
	Storage    StorageConfig    `toml:"storage"`
	Notify     NotifyConfig     `toml:"notify"`
}

type AppConfig struct {
	Env        string `toml:"env"`
	LogLevel   string `toml:"log_level"`
	LogFormat  string `toml:"log_format"`
	HTTPAddr   string `toml:"http_addr"`
	LogPath    string `toml:"log_path"`
	LLMLogPath string `toml:"llm_log_path"`
	Symbol     string `toml:"symbol"`
}

// ExchangeConfig 选择下单通道（paper/binance）以及重试、成交确认参数。
type ExchangeConfig struct {
	Name               string  `toml:"name"`
	APIKey             string  `toml:"api_key"`
	SecretKey          string  `toml:"secret_key"`
	RESTBaseURL        string  `toml:"rest_base_url"`
	HTTPTimeoutSeconds int     `toml:"http_timeout_seconds"`
	RetryMaxAttempts   int     `toml:"retry_max_attempts"`
	RetryBaseMillis    int     `toml:"retry_base_millis"`
	RetryMaxMillis     int     `toml:"retry_max_millis"`
	FillTimeoutSeconds int     `toml:"fill_timeout_seconds"`
	FillPollMillis     int     `toml:"fill_poll_millis"`
	BreakerThreshold   int     `toml:"breaker_threshold"`
	BreakerCooldownSec int     `toml:"breaker_cooldown_seconds"`
	PaperSlippageBps   float64 `toml:"paper_slippage_bps"`
}

func (e ExchangeConfig) HTTPTimeout() time.Duration {
	return time.Duration(e.HTTPTimeoutSeconds) * time.Second
}

func (e ExchangeConfig) FillTimeout() time.Duration {
	return time.Duration(e.FillTimeoutSeconds) * time.Second
}

func (e ExchangeConfig) FillPollInterval() time.Duration {
	return time.Duration(e.FillPollMillis) * time.Millisecond
}

func (e ExchangeConfig) IsPaper() bool {
	return strings.EqualFold(strings.TrimSpace(e.Name), "paper")
}

// LedgerConfig 控制模拟账户与仓位记账。
type LedgerConfig struct {
	InitialBalance            float64 `toml:"initial_balance"`
	MaxLeverage               int     `toml:"max_leverage"`
	DefaultTakeProfitPct      float64 `toml:"default_take_profit_pct"`
	DefaultStopLossPct        float64 `toml:"default_stop_loss_pct"`
	LiquidationMarginFraction float64 `toml:"liquidation_margin_fraction"`
	MaxTradeHistory           int     `toml:"max_trade_history"`
	MaxEquityPoints           int     `toml:"max_equity_points"`
	EquitySampleSeconds       int     `toml:"equity_sample_seconds"`
}

func (l LedgerConfig) EquitySampleInterval() time.Duration {
	return time.Duration(l.EquitySampleSeconds) * time.Second
}

// GuardConfig 是执行前安全检查的阈值。HedgeMode 开启后启用对冲冲突检查。
type GuardConfig struct {
	StartupProtectionMinutes int     `toml:"startup_protection_minutes"`
	DailyLossLimitPct        float64 `toml:"daily_loss_limit_pct"`
	MinOpenConfidence        float64 `toml:"min_open_confidence"`
	MinCloseConfidence       float64 `toml:"min_close_confidence"`
	HedgeMode                bool    `toml:"hedge_mode"`
	MaxMarginFraction        float64 `toml:"max_margin_fraction"`
}

func (g GuardConfig) StartupProtection() time.Duration {
	return time.Duration(g.StartupProtectionMinutes) * time.Minute
}

type SchedulerConfig struct {
	IntervalMinutes        int     `toml:"interval_minutes"`
	OffsetSeconds          int     `toml:"offset_seconds"`
	RunImmediately         bool    `toml:"run_immediately"`
	CycleTimeoutSeconds    int     `toml:"cycle_timeout_seconds"`
	MonitorIntervalSeconds int     `toml:"monitor_interval_seconds"`
	EventWatchEnabled      bool    `toml:"event_watch_enabled"`
	EventIntervalSeconds   int     `toml:"event_interval_seconds"`
	EventPriceMovePct      float64 `toml:"event_price_move_pct"`
	EventLiquidationPct    float64 `toml:"event_liquidation_buffer_pct"`
}

func (s SchedulerConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMinutes) * time.Minute
}

func (s SchedulerConfig) Offset() time.Duration {
	return time.Duration(s.OffsetSeconds) * time.Second
}

func (s SchedulerConfig) CycleTimeout() time.Duration {
	return time.Duration(s.CycleTimeoutSeconds) * time.Second
}

func (s SchedulerConfig) MonitorInterval() time.Duration {
	return time.Duration(s.MonitorIntervalSeconds) * time.Second
}

func (s SchedulerConfig) EventInterval() time.Duration {
	return time.Duration(s.EventIntervalSeconds) * time.Second
}

type CooldownConfig struct {
	MaxConsecutiveLosses int `toml:"max_consecutive_losses"`
	DurationMinutes      int `toml:"duration_minutes"`
}

func (c CooldownConfig) Duration() time.Duration {
	return time.Duration(c.DurationMinutes) * time.Minute
}

// Tier 是按置信度分段的阶梯值（杠杆或仓位比例）。
type Tier struct {
	MinConfidence float64 `toml:"min_confidence"`
	Value         float64 `toml:"value"`
}

type WorkflowConfig struct {
	Timeframe             string  `toml:"timeframe"`
	KlineLimit            int     `toml:"kline_limit"`
	MinConfidence         float64 `toml:"min_confidence"`
	AgentTimeoutSeconds   int     `toml:"agent_timeout_seconds"`
	FallbackMaxIterations int     `toml:"fallback_max_iterations"`
	TakeProfitPct         float64 `toml:"take_profit_pct"`
	StopLossPct           float64 `toml:"stop_loss_pct"`
	LeverageTiers         []Tier  `toml:"leverage_tiers"`
	SizeTiers             []Tier  `toml:"size_tiers"`
}

func (w WorkflowConfig) AgentTimeout() time.Duration {
	return time.Duration(w.AgentTimeoutSeconds) * time.Second
}

type ReflectionConfig struct {
	Bonus      float64        `toml:"bonus"`
	Penalty    float64        `toml:"penalty"`
	MinWeight  float64        `toml:"min_weight"`
	MaxWeight  float64        `toml:"max_weight"`
	MaxRecords int            `toml:"max_records"`
	Narrator   NarratorConfig `toml:"narrator"`
}

// NarratorConfig 配置可选的复盘扩写模型；Model 为空时只保留确定性备注。
type NarratorConfig struct {
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	APIKeyEnv      string `toml:"api_key_env"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

func (n NarratorConfig) Enabled() bool { return strings.TrimSpace(n.Model) != "" }

// AgentsConfig 指向 agent 名册文件，Watch 开启后热加载。
type AgentsConfig struct {
	RosterPath string `toml:"roster_path"`
	Watch      bool   `toml:"watch"`
}

// StorageConfig 持久化配置；Driver=memory 时完全不落盘。
type StorageConfig struct {
	Driver             string `toml:"driver"`
	Path               string `toml:"path"`
	CycleLogPath       string `toml:"cycle_log_path"`
	CycleLogMaxRecords int    `toml:"cycle_log_max_records"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
