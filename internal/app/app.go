package app

import (
	"context"
	"fmt"

	"helmsman/internal/config"
	"helmsman/internal/gateway/notifier"
	"helmsman/internal/ledger"
	"helmsman/internal/logger"
	"helmsman/internal/metrics"
	"helmsman/internal/reflection"
	"helmsman/internal/scheduler"
	"helmsman/internal/store"
	"helmsman/internal/store/cyclelog"
	controlhttp "helmsman/internal/transport/http/control"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→启动调度、监控与控制面。
type App struct {
	cfg      *config.Config
	store    store.Store
	journal  *cyclelog.Store
	ledger   *ledger.Ledger
	sched    *scheduler.Scheduler
	monitor  *scheduler.PositionMonitor
	events   *scheduler.EventWatcher
	notifier *notifier.Notifier
	metrics  *metrics.Metrics
	engine   *reflection.Engine
	http     *controlhttp.Server

	// baseCtx 是调度循环的父 context，控制面重新 Start 时同样使用它。
	baseCtx    context.Context
	cancelBase context.CancelFunc

	Summary *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动全部后台循环，直到 ctx 取消或某个服务返回错误。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil || a.sched == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.Close()

	if a.Summary != nil {
		a.Summary.Print()
	}

	group, ctx := errgroup.WithContext(ctx)

	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(ctx); err != nil {
				return fmt.Errorf("control http server error: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error { return a.notifier.Run(ctx) })
	group.Go(func() error { return a.monitor.Run(ctx) })
	if a.events != nil {
		group.Go(func() error { return a.events.Run(ctx) })
	}
	group.Go(func() error {
		if err := a.sched.Start(a.baseCtx); err != nil {
			return err
		}
		<-ctx.Done()
		a.sched.Stop()
		return nil
	})

	err := group.Wait()
	logger.Infof("App: stopped")
	return err
}

// Scheduler 暴露调度器，供测试与 CLI 使用。
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

func (a *App) Ledger() *ledger.Ledger { return a.ledger }

// Close 停止调度并释放存储。可重复调用。
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.sched != nil {
		a.sched.Stop()
	}
	if a.cancelBase != nil {
		a.cancelBase()
	}
	if a.engine != nil {
		a.engine.Wait()
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			logger.Warnf("App: close cycle journal: %v", err)
		}
		a.journal = nil
	}
	if a.store != nil {
		closeQuietly(a.store)
		a.store = nil
	}
}
