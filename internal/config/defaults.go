package config

import (
	"sort"
	"strings"
)

// 默认值常量
const (
	defaultAppEnv              = "dev"
	defaultAppLogLevel         = "info"
	defaultAppLogFormat        = "text"
	defaultAppHTTPAddr         = ":9991"
	defaultAppSymbol           = "BTCUSDT"
	defaultExchangeName        = "paper"
	defaultExchangeREST        = "https://fapi.binance.com"
	defaultExchangeHTTPTimeout = 15
	defaultRetryMaxAttempts    = 5
	defaultRetryBaseMillis     = 800
	defaultRetryMaxMillis      = 8000
	defaultFillTimeout         = 20
	defaultFillPollMillis      = 500
	defaultBreakerThreshold    = 5
	defaultBreakerCooldown     = 60
	defaultPaperSlippageBps    = 2
	defaultInitialBalance      = 10000
	defaultMaxLeverage         = 20
	defaultTakeProfitPct       = 3
	defaultStopLossPct         = 1.5
	defaultLiquidationFraction = 0.8
	defaultMaxTradeHistory     = 200
	defaultMaxEquityPoints     = 2000
	defaultEquitySampleSeconds = 60
	defaultStartupProtection   = 30
	defaultDailyLossLimitPct   = 5
	defaultMinOpenConfidence   = 60
	defaultMinCloseConfidence  = 40
	defaultMaxMarginFraction   = 0.5
	defaultIntervalMinutes     = 240
	defaultOffsetSeconds       = 10
	defaultCycleTimeout        = 300
	defaultMonitorInterval     = 10
	defaultEventInterval       = 60
	defaultEventPriceMovePct   = 2
	defaultEventLiquidationPct = 1.5
	defaultMaxLosses           = 3
	defaultCooldownMinutes     = 120
	defaultTimeframe           = "1h"
	defaultKlineLimit          = 200
	defaultMinConfidence       = 60
	defaultAgentTimeout        = 60
	defaultFallbackIterations  = 3
	defaultReflectionBonus     = 0.05
	defaultReflectionPenalty   = 0.03
	defaultMinWeight           = 0.2
	defaultMaxWeight           = 3.0
	defaultMaxReflections      = 100
	defaultRosterPath          = "configs/agents.yaml"
	defaultStorageDriver       = "sqlite"
	defaultStoragePath         = "data/helmsman.db"
	defaultCycleLogPath        = "data/cycles.db"
	defaultCycleLogMaxRecords  = 5000
	defaultNarratorBaseURL     = "https://api.openai.com/v1"
	defaultNarratorKeyEnv      = "OPENAI_API_KEY"
	defaultNarratorTimeout     = 30
)

func defaultLeverageTiers() []Tier {
	return []Tier{{MinConfidence: 60, Value: 2}, {MinConfidence: 70, Value: 3}, {MinConfidence: 80, Value: 5}, {MinConfidence: 90, Value: 8}}
}

func defaultSizeTiers() []Tier {
	return []Tier{{MinConfidence: 60, Value: 0.1}, {MinConfidence: 70, Value: 0.15}, {MinConfidence: 80, Value: 0.2}, {MinConfidence: 90, Value: 0.3}}
}

// Default 返回全部取默认值的配置，测试与无配置文件启动时使用。
func Default() *Config {
	var cfg Config
	cfg.applyDefaults(make(keySet))
	return &cfg
}

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Exchange.applyDefaults(keys)
	c.Ledger.applyDefaults(keys)
	c.Guard.applyDefaults(keys)
	c.Scheduler.applyDefaults(keys)
	c.Cooldown.applyDefaults(keys)
	c.Workflow.applyDefaults(keys)
	c.Reflection.applyDefaults(keys)
	c.Agents.applyDefaults(keys)
	c.Storage.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.symbol", &a.Symbol, defaultAppSymbol),
	)
	a.Symbol = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(a.Symbol), "/", ""))
}

func (e *ExchangeConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("exchange.name", &e.Name, defaultExchangeName),
		stringFieldDefault("exchange.rest_base_url", &e.RESTBaseURL, defaultExchangeREST),
		intFieldDefault("exchange.http_timeout_seconds", &e.HTTPTimeoutSeconds, defaultExchangeHTTPTimeout),
		intFieldDefault("exchange.retry_max_attempts", &e.RetryMaxAttempts, defaultRetryMaxAttempts),
		intFieldDefault("exchange.retry_base_millis", &e.RetryBaseMillis, defaultRetryBaseMillis),
		intFieldDefault("exchange.retry_max_millis", &e.RetryMaxMillis, defaultRetryMaxMillis),
		intFieldDefault("exchange.fill_timeout_seconds", &e.FillTimeoutSeconds, defaultFillTimeout),
		intFieldDefault("exchange.fill_poll_millis", &e.FillPollMillis, defaultFillPollMillis),
		intFieldDefault("exchange.breaker_threshold", &e.BreakerThreshold, defaultBreakerThreshold),
		intFieldDefault("exchange.breaker_cooldown_seconds", &e.BreakerCooldownSec, defaultBreakerCooldown),
		floatFieldDefault("exchange.paper_slippage_bps", &e.PaperSlippageBps, defaultPaperSlippageBps),
	)
	e.Name = strings.ToLower(strings.TrimSpace(e.Name))
}

func (l *LedgerConfig) applyDefaults(keys keySet) {
	if l == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("ledger.initial_balance", &l.InitialBalance, defaultInitialBalance),
		intFieldDefault("ledger.max_leverage", &l.MaxLeverage, defaultMaxLeverage),
		floatFieldDefault("ledger.default_take_profit_pct", &l.DefaultTakeProfitPct, defaultTakeProfitPct),
		floatFieldDefault("ledger.default_stop_loss_pct", &l.DefaultStopLossPct, defaultStopLossPct),
		floatFieldDefault("ledger.liquidation_margin_fraction", &l.LiquidationMarginFraction, defaultLiquidationFraction),
		intFieldDefault("ledger.max_trade_history", &l.MaxTradeHistory, defaultMaxTradeHistory),
		intFieldDefault("ledger.max_equity_points", &l.MaxEquityPoints, defaultMaxEquityPoints),
		intFieldDefault("ledger.equity_sample_seconds", &l.EquitySampleSeconds, defaultEquitySampleSeconds),
	)
}

func (g *GuardConfig) applyDefaults(keys keySet) {
	if g == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("guard.startup_protection_minutes", &g.StartupProtectionMinutes, defaultStartupProtection),
		floatFieldDefault("guard.daily_loss_limit_pct", &g.DailyLossLimitPct, defaultDailyLossLimitPct),
		floatFieldDefault("guard.min_open_confidence", &g.MinOpenConfidence, defaultMinOpenConfidence),
		floatFieldDefault("guard.min_close_confidence", &g.MinCloseConfidence, defaultMinCloseConfidence),
		floatFieldDefault("guard.max_margin_fraction", &g.MaxMarginFraction, defaultMaxMarginFraction),
	)
}

func (s *SchedulerConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("scheduler.interval_minutes", &s.IntervalMinutes, defaultIntervalMinutes),
		intFieldDefault("scheduler.offset_seconds", &s.OffsetSeconds, defaultOffsetSeconds),
		boolFieldDefault("scheduler.run_immediately", &s.RunImmediately, true),
		intFieldDefault("scheduler.cycle_timeout_seconds", &s.CycleTimeoutSeconds, defaultCycleTimeout),
		intFieldDefault("scheduler.monitor_interval_seconds", &s.MonitorIntervalSeconds, defaultMonitorInterval),
		boolFieldDefault("scheduler.event_watch_enabled", &s.EventWatchEnabled, true),
		intFieldDefault("scheduler.event_interval_seconds", &s.EventIntervalSeconds, defaultEventInterval),
		floatFieldDefault("scheduler.event_price_move_pct", &s.EventPriceMovePct, defaultEventPriceMovePct),
		floatFieldDefault("scheduler.event_liquidation_buffer_pct", &s.EventLiquidationPct, defaultEventLiquidationPct),
	)
}

func (c *CooldownConfig) applyDefaults(keys keySet) {
	if c == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("cooldown.max_consecutive_losses", &c.MaxConsecutiveLosses, defaultMaxLosses),
		intFieldDefault("cooldown.duration_minutes", &c.DurationMinutes, defaultCooldownMinutes),
	)
}

func (w *WorkflowConfig) applyDefaults(keys keySet) {
	if w == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("workflow.timeframe", &w.Timeframe, defaultTimeframe),
		intFieldDefault("workflow.kline_limit", &w.KlineLimit, defaultKlineLimit),
		floatFieldDefault("workflow.min_confidence", &w.MinConfidence, defaultMinConfidence),
		intFieldDefault("workflow.agent_timeout_seconds", &w.AgentTimeoutSeconds, defaultAgentTimeout),
		intFieldDefault("workflow.fallback_max_iterations", &w.FallbackMaxIterations, defaultFallbackIterations),
		floatFieldDefault("workflow.take_profit_pct", &w.TakeProfitPct, defaultTakeProfitPct),
		floatFieldDefault("workflow.stop_loss_pct", &w.StopLossPct, defaultStopLossPct),
		fieldDefault{
			key:   "workflow.leverage_tiers",
			need:  func() bool { return len(w.LeverageTiers) == 0 },
			apply: func() { w.LeverageTiers = defaultLeverageTiers() },
		},
		fieldDefault{
			key:   "workflow.size_tiers",
			need:  func() bool { return len(w.SizeTiers) == 0 },
			apply: func() { w.SizeTiers = defaultSizeTiers() },
		},
	)
	sortTiers(w.LeverageTiers)
	sortTiers(w.SizeTiers)
}

func (r *ReflectionConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("reflection.bonus", &r.Bonus, defaultReflectionBonus),
		floatFieldDefault("reflection.penalty", &r.Penalty, defaultReflectionPenalty),
		floatFieldDefault("reflection.min_weight", &r.MinWeight, defaultMinWeight),
		floatFieldDefault("reflection.max_weight", &r.MaxWeight, defaultMaxWeight),
		intFieldDefault("reflection.max_records", &r.MaxRecords, defaultMaxReflections),
		stringFieldDefault("reflection.narrator.base_url", &r.Narrator.BaseURL, defaultNarratorBaseURL),
		stringFieldDefault("reflection.narrator.api_key_env", &r.Narrator.APIKeyEnv, defaultNarratorKeyEnv),
		intFieldDefault("reflection.narrator.timeout_seconds", &r.Narrator.TimeoutSeconds, defaultNarratorTimeout),
	)
}

func (a *AgentsConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("agents.roster_path", &a.RosterPath, defaultRosterPath),
		boolFieldDefault("agents.watch", &a.Watch, true),
	)
}

func (s *StorageConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("storage.driver", &s.Driver, defaultStorageDriver),
		stringFieldDefault("storage.path", &s.Path, defaultStoragePath),
		stringFieldDefault("storage.cycle_log_path", &s.CycleLogPath, defaultCycleLogPath),
		intFieldDefault("storage.cycle_log_max_records", &s.CycleLogMaxRecords, defaultCycleLogMaxRecords),
	)
	s.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func sortTiers(tiers []Tier) {
	sort.SliceStable(tiers, func(i, j int) bool {
		return tiers[i].MinConfidence < tiers[j].MinConfidence
	})
}
