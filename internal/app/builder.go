package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"helmsman/internal/agent"
	"helmsman/internal/config"
	"helmsman/internal/cooldown"
	"helmsman/internal/gateway/binance"
	"helmsman/internal/gateway/exchange"
	"helmsman/internal/gateway/notifier"
	"helmsman/internal/gateway/paper"
	"helmsman/internal/gateway/provider"
	"helmsman/internal/guard"
	"helmsman/internal/ledger"
	"helmsman/internal/logger"
	"helmsman/internal/market"
	"helmsman/internal/metrics"
	"helmsman/internal/pkg/circuit"
	"helmsman/internal/reflection"
	"helmsman/internal/scheduler"
	"helmsman/internal/store"
	"helmsman/internal/store/cyclelog"
	"helmsman/internal/store/gormstore"
	"helmsman/internal/store/memory"
	"helmsman/internal/trader"
	controlhttp "helmsman/internal/transport/http/control"
	"helmsman/internal/workflow"
)

// AppBuilder 按配置组装全部组件；各 *Fn 字段可在测试中替换。
type AppBuilder struct {
	cfg *config.Config

	storeFn   func(config.StorageConfig) store.Store
	journalFn func(config.StorageConfig) *cyclelog.Store
	gatewayFn func(config.ExchangeConfig, float64) (exchange.Gateway, error)
	rosterFn  func(config.AgentsConfig) *agent.Roster
	senderFn  func(config.NotifyConfig) notifier.TextNotifier
	getenv    func(string) string
	now       func() time.Time
}

type AppBuilderOption func(*AppBuilder)

// WithGateway 替换交易所网关（同时作为行情源）。
func WithGateway(gw exchange.Gateway) AppBuilderOption {
	return func(b *AppBuilder) {
		b.gatewayFn = func(config.ExchangeConfig, float64) (exchange.Gateway, error) { return gw, nil }
	}
}

func WithStore(st store.Store) AppBuilderOption {
	return func(b *AppBuilder) {
		b.storeFn = func(config.StorageConfig) store.Store { return st }
	}
}

func WithAnalysts(analysts ...agent.Analyst) AppBuilderOption {
	return func(b *AppBuilder) {
		b.rosterFn = func(config.AgentsConfig) *agent.Roster { return agent.NewStaticRoster(analysts...) }
	}
}

func WithSender(sender notifier.TextNotifier) AppBuilderOption {
	return func(b *AppBuilder) {
		b.senderFn = func(config.NotifyConfig) notifier.TextNotifier { return sender }
	}
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:       cfg,
		storeFn:   buildStore,
		journalFn: buildJournal,
		gatewayFn: buildGateway,
		senderFn:  buildSender,
		getenv:    os.Getenv,
		now:       time.Now,
	}
	b.rosterFn = func(c config.AgentsConfig) *agent.Roster { return buildRoster(c, b.getenv) }
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	symbol := cfg.App.Symbol
	startedAt := b.now()

	st := b.storeFn(cfg.Storage)
	journal := b.journalFn(cfg.Storage)

	gw, err := b.gatewayFn(cfg.Exchange, cfg.Ledger.InitialBalance)
	if err != nil {
		closeQuietly(st)
		return nil, err
	}
	breaker := circuit.NewCircuitBreaker("exchange", cfg.Exchange.BreakerThreshold,
		time.Duration(cfg.Exchange.BreakerCooldownSec)*time.Second)
	retrying := exchange.NewRetrying(gw, exchange.RetryConfig{
		MaxAttempts: cfg.Exchange.RetryMaxAttempts,
		Min:         time.Duration(cfg.Exchange.RetryBaseMillis) * time.Millisecond,
		Max:         time.Duration(cfg.Exchange.RetryMaxMillis) * time.Millisecond,
	}, breaker)

	book := ledger.New(ledger.Config{
		Symbol:                    symbol,
		InitialBalance:            cfg.Ledger.InitialBalance,
		MaxLeverage:               cfg.Ledger.MaxLeverage,
		DefaultTakeProfitPct:      cfg.Ledger.DefaultTakeProfitPct,
		DefaultStopLossPct:        cfg.Ledger.DefaultStopLossPct,
		LiquidationMarginFraction: cfg.Ledger.LiquidationMarginFraction,
		MaxTradeHistory:           cfg.Ledger.MaxTradeHistory,
		MaxEquityPoints:           cfg.Ledger.MaxEquityPoints,
		EquitySampleInterval:      cfg.Ledger.EquitySampleInterval(),
	}, ledger.WithRepository(st))
	if state, found, err := st.LoadLedger(ctx, symbol, cfg.Ledger.MaxTradeHistory, cfg.Ledger.MaxEquityPoints); err != nil {
		logger.Warnf("App: load ledger failed, starting fresh: %v", err)
	} else if found {
		book.Restore(state)
	}

	cd := cooldown.NewManager(cfg.Cooldown.MaxConsecutiveLosses, cfg.Cooldown.Duration())
	cd.Replay(book.ClosedTrades(0))

	weights := reflection.NewWeightAdjuster(reflection.WeightConfig{
		Bonus:     cfg.Reflection.Bonus,
		Penalty:   cfg.Reflection.Penalty,
		MinWeight: cfg.Reflection.MinWeight,
		MaxWeight: cfg.Reflection.MaxWeight,
	}, st)
	if err := weights.Load(ctx); err != nil {
		logger.Warnf("App: load agent weights failed, using defaults: %v", err)
	}
	engine := reflection.NewEngine(weights, st, reflection.Options{
		MaxRecords: cfg.Reflection.MaxRecords,
		Narrator:   buildNarrator(cfg.Reflection.Narrator, b.getenv),
		Cooldown:   func(pnl float64) { cd.RecordTrade(pnl) },
	})

	roster := b.rosterFn(cfg.Agents)
	exec := trader.NewExecutor(trader.Config{
		Symbol:      symbol,
		FillTimeout: cfg.Exchange.FillTimeout(),
		FillPoll:    cfg.Exchange.FillPollInterval(),
	}, retrying, book)

	sources := guard.Sources{Ledger: book, Cooldown: cd, Lock: exec, StartedAt: startedAt}
	wcfg := workflow.Config{
		Symbol:                symbol,
		Timeframe:             cfg.Workflow.Timeframe,
		KlineLimit:            cfg.Workflow.KlineLimit,
		AgentTimeout:          cfg.Workflow.AgentTimeout(),
		FallbackMaxIterations: cfg.Workflow.FallbackMaxIterations,
		StartupProtection:     cfg.Guard.StartupProtection(),
		Analysis:              market.DefaultAnalysisOptions(),
		Execution: workflow.ExecutionConfig{
			MinConfidence: cfg.Workflow.MinConfidence,
			MaxLeverage:   cfg.Ledger.MaxLeverage,
			TakeProfitPct: cfg.Workflow.TakeProfitPct,
			StopLossPct:   cfg.Workflow.StopLossPct,
			LeverageTiers: toTiers(cfg.Workflow.LeverageTiers),
			SizeTiers:     toTiers(cfg.Workflow.SizeTiers),
		},
	}
	deps := workflow.Deps{
		Market:   retrying,
		Analysts: roster,
		Weights:  weights,
		Ledger:   book,
		Trader:   exec,
		Guard: guard.New(guard.Config{
			StartupProtection:  cfg.Guard.StartupProtection(),
			DailyLossLimitPct:  cfg.Guard.DailyLossLimitPct,
			MinOpenConfidence:  cfg.Guard.MinOpenConfidence,
			MinCloseConfidence: cfg.Guard.MinCloseConfidence,
			HedgeMode:          cfg.Guard.HedgeMode,
		}),
		Sources: sources,
		Limits:  guard.ParamLimits{MaxLeverage: cfg.Ledger.MaxLeverage, MaxMarginFraction: cfg.Guard.MaxMarginFraction},
	}
	if journal != nil {
		deps.Journal = journal
	}
	wf := workflow.New(wcfg, deps)

	mx := metrics.New()
	notify := notifier.New(b.senderFn(cfg.Notify), symbol)

	cycles := &cycleRunner{workflow: wf, ledger: book, metrics: mx, notifier: notify}
	sched := scheduler.New(scheduler.Config{
		Interval:       cfg.Scheduler.Interval(),
		Offset:         cfg.Scheduler.Offset(),
		CycleTimeout:   cfg.Scheduler.CycleTimeout(),
		RunImmediately: cfg.Scheduler.RunImmediately,
	}, cycles.Run, cd, book)

	monitor := scheduler.NewPositionMonitor(symbol, cfg.Scheduler.MonitorInterval(), retrying, book, exec)
	var events *scheduler.EventWatcher
	if cfg.Scheduler.EventWatchEnabled {
		events = scheduler.NewEventWatcher(scheduler.EventConfig{
			Symbol:         symbol,
			Interval:       cfg.Scheduler.EventInterval(),
			PriceMovePct:   cfg.Scheduler.EventPriceMovePct,
			LiquidationPct: cfg.Scheduler.EventLiquidationPct,
		}, retrying, book, sched)
	}

	wireListeners(listenerSet{
		ledger:   book,
		cooldown: cd,
		engine:   engine,
		weights:  weights,
		sched:    sched,
		events:   events,
		metrics:  mx,
		notifier: notify,
	})
	mx.SetAccount(book.Account(), book.HasPosition())
	mx.SetWeights(weights.All())
	mx.SetCooldown(cd.Status())
	mx.SetState(sched.State())

	exec.Reconcile(ctx)

	a := &App{
		cfg:      cfg,
		store:    st,
		journal:  journal,
		ledger:   book,
		sched:    sched,
		monitor:  monitor,
		events:   events,
		notifier: notify,
		metrics:  mx,
		engine:   engine,
		Summary:  newStartupSummary(cfg, gw.Name(), roster.IDs(), journal != nil),
	}
	a.baseCtx, a.cancelBase = context.WithCancel(context.Background())
	srvCfg := controlhttp.ServerConfig{
		Addr:        cfg.App.HTTPAddr,
		BaseContext: a.baseCtx,
		Scheduler:   sched,
		Cooldown:    cd,
		Ledger:      book,
		Positions:   exec,
		Weights:     weights,
		Reflections: engine,
		Metrics:     mx.Handler(),
	}
	if journal != nil {
		srvCfg.Cycles = journal
	}
	if a.http, err = controlhttp.NewServer(srvCfg); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func toTiers(in []config.Tier) []workflow.Tier {
	out := make([]workflow.Tier, len(in))
	for i, t := range in {
		out[i] = workflow.Tier{MinConfidence: t.MinConfidence, Value: t.Value}
	}
	return out
}

// buildStore 打开持久化存储；SQLite 不可用时降级为内存存储。
func buildStore(cfg config.StorageConfig) store.Store {
	if cfg.Driver == "memory" {
		logger.Infof("App: storage driver=memory, state will not survive restarts")
		return memory.New()
	}
	st, err := gormstore.NewGormStore(cfg.Path)
	if err != nil {
		logger.Warnf("App: sqlite store unavailable (%v), falling back to in-memory state", err)
		return memory.New()
	}
	logger.Infof("App: sqlite store ready at %s", cfg.Path)
	return st
}

func buildJournal(cfg config.StorageConfig) *cyclelog.Store {
	if cfg.Driver == "memory" || cfg.CycleLogPath == "" {
		return nil
	}
	j, err := cyclelog.NewStore(cfg.CycleLogPath, cfg.CycleLogMaxRecords)
	if err != nil {
		logger.Warnf("App: cycle journal disabled: %v", err)
		return nil
	}
	return j
}

// buildGateway 选择下单通道；paper 模式使用 Binance 公共行情作为成交价来源。
func buildGateway(cfg config.ExchangeConfig, initialBalance float64) (exchange.Gateway, error) {
	feed := binance.New(binance.Config{
		APIKey:      cfg.APIKey,
		SecretKey:   cfg.SecretKey,
		RESTBaseURL: cfg.RESTBaseURL,
		HTTPTimeout: cfg.HTTPTimeout(),
	})
	switch cfg.Name {
	case "paper":
		return paper.New(feed, paper.Config{InitialBalance: initialBalance, SlippageBps: cfg.PaperSlippageBps}), nil
	case "binance":
		return feed, nil
	default:
		return nil, fmt.Errorf("unsupported exchange %q", cfg.Name)
	}
}

// buildRoster 加载 agent 名册；文件缺失时退回内置的指标 agent。
func buildRoster(cfg config.AgentsConfig, getenv func(string) string) *agent.Roster {
	if _, err := os.Stat(cfg.RosterPath); errors.Is(err, os.ErrNotExist) {
		logger.Warnf("App: agent roster %s not found, using built-in indicator agents", cfg.RosterPath)
		return agent.NewStaticRoster(agent.BuildAll(agent.DefaultSpecs(), getenv)...)
	}
	roster, err := agent.LoadRoster(cfg.RosterPath, cfg.Watch, getenv)
	if err != nil {
		logger.Errorf("App: agent roster %s invalid (%v), using built-in indicator agents", cfg.RosterPath, err)
		return agent.NewStaticRoster(agent.BuildAll(agent.DefaultSpecs(), getenv)...)
	}
	roster.OnChange(func(snap agent.RosterSnapshot) {
		logger.Infof("App: agent roster reloaded v%d agents=%d", snap.Version, len(snap.Analysts))
	})
	return roster
}

// buildNarrator 返回 nil 接口值时复盘只使用确定性备注。
func buildNarrator(cfg config.NarratorConfig, getenv func(string) string) reflection.Narrator {
	if !cfg.Enabled() {
		return nil
	}
	var key string
	if env := strings.TrimSpace(cfg.APIKeyEnv); env != "" {
		key = getenv(env)
	}
	return reflection.LLMNarrator{Provider: &provider.OpenAIChatClient{
		ProviderID: "narrator",
		BaseURL:    cfg.BaseURL,
		APIKey:     key,
		Model:      cfg.Model,
		Timeout:    time.Duration(cfg.TimeoutSeconds) * time.Second,
	}}
}

func buildSender(cfg config.NotifyConfig) notifier.TextNotifier {
	if !cfg.Telegram.Enabled {
		return notifier.Nop{}
	}
	return notifier.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
}

func closeQuietly(st store.Store) {
	if st == nil {
		return
	}
	if err := st.Close(); err != nil {
		logger.Warnf("App: close store: %v", err)
	}
}
