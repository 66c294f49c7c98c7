package controlhttp

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"helmsman/internal/cooldown"
	"helmsman/internal/ledger"
	"helmsman/internal/logger"
	"helmsman/internal/scheduler"
	"helmsman/internal/store/cyclelog"
	"helmsman/internal/types"
	"helmsman/internal/workflow"

	"github.com/gin-gonic/gin"
)

// Controller 是调度器的控制面视图。
type Controller interface {
	Start(ctx context.Context) error
	Stop()
	Pause() error
	Resume() error
	TriggerNow(reason string) bool
	Status() scheduler.Status
	ResetMetricsBaseline() (ledger.Performance, error)
}

type Cooldowns interface {
	ForceEnd() bool
	Status() cooldown.Status
}

type LedgerReader interface {
	Account() types.Account
	Position() (types.Position, bool)
	ClosedTrades(limit int) []types.ClosedTrade
	EquityCurve(limit int) []types.EquityPoint
	Performance() ledger.Performance
}

// PositionCloser 用于人工平仓，必须同时作用于交易所与账本。
type PositionCloser interface {
	Close(ctx context.Context, reason types.CloseReason) (types.ClosedTrade, error)
}

type WeightReader interface {
	All() []types.AgentWeight
}

type ReflectionReader interface {
	Recent(ctx context.Context, limit int) ([]types.Reflection, error)
}

type CycleReader interface {
	List(ctx context.Context, q cyclelog.Query) ([]workflow.Record, error)
	Count(ctx context.Context, q cyclelog.Query) (int, error)
	Get(ctx context.Context, traceID string) (workflow.Record, error)
}

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Router 挂载 /api/control 下的控制与查询接口。
type Router struct {
	cfg ServerConfig
}

func NewRouter(cfg ServerConfig) *Router {
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	return &Router{cfg: cfg}
}

func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/pause", r.handlePause)
	group.POST("/resume", r.handleResume)
	group.POST("/trigger", r.handleTrigger)
	group.GET("/status", r.handleStatus)
	group.POST("/metrics/reset", r.handleResetMetrics)
	group.GET("/performance", r.handlePerformance)

	group.GET("/account", r.handleAccount)
	group.GET("/position", r.handlePosition)
	group.GET("/trades", r.handleTrades)
	group.GET("/equity", r.handleEquity)

	if r.cfg.Cooldown != nil {
		group.GET("/cooldown", r.handleCooldown)
		group.POST("/cooldown/end", r.handleCooldownEnd)
	}
	if r.cfg.Positions != nil {
		group.POST("/position/close", r.handleClosePosition)
	}
	if r.cfg.Weights != nil {
		group.GET("/weights", r.handleWeights)
	}
	if r.cfg.Reflections != nil {
		group.GET("/reflections", r.handleReflections)
	}
	if r.cfg.Cycles != nil {
		group.GET("/cycles", r.handleCycles)
		group.GET("/cycles/:id", r.handleCycleByID)
	}
}

func (r *Router) handleStart(c *gin.Context) {
	if err := r.cfg.Scheduler.Start(r.cfg.BaseContext); err != nil {
		writeSchedulerError(c, err)
		return
	}
	logger.Infof("HTTP: scheduler started by %s", c.ClientIP())
	c.JSON(http.StatusOK, r.cfg.Scheduler.Status())
}

func (r *Router) handleStop(c *gin.Context) {
	r.cfg.Scheduler.Stop()
	logger.Infof("HTTP: scheduler stopped by %s", c.ClientIP())
	c.JSON(http.StatusOK, r.cfg.Scheduler.Status())
}

func (r *Router) handlePause(c *gin.Context) {
	if err := r.cfg.Scheduler.Pause(); err != nil {
		writeSchedulerError(c, err)
		return
	}
	c.JSON(http.StatusOK, r.cfg.Scheduler.Status())
}

func (r *Router) handleResume(c *gin.Context) {
	if err := r.cfg.Scheduler.Resume(); err != nil {
		writeSchedulerError(c, err)
		return
	}
	c.JSON(http.StatusOK, r.cfg.Scheduler.Status())
}

type triggerRequest struct {
	Reason string `json:"reason"`
}

func (r *Router) handleTrigger(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	accepted := r.cfg.Scheduler.TriggerNow(strings.TrimSpace(req.Reason))
	logger.Infof("HTTP: manual trigger reason=%q accepted=%v ip=%s", req.Reason, accepted, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"accepted": accepted})
}

func (r *Router) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.cfg.Scheduler.Status())
}

func (r *Router) handleResetMetrics(c *gin.Context) {
	perf, err := r.cfg.Scheduler.ResetMetricsBaseline()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, perf)
}

func (r *Router) handlePerformance(c *gin.Context) {
	c.JSON(http.StatusOK, r.cfg.Ledger.Performance())
}

func (r *Router) handleAccount(c *gin.Context) {
	c.JSON(http.StatusOK, r.cfg.Ledger.Account())
}

func (r *Router) handlePosition(c *gin.Context) {
	pos, ok := r.cfg.Ledger.Position()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"open": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"open": true, "position": pos})
}

func (r *Router) handleTrades(c *gin.Context) {
	trades := r.cfg.Ledger.ClosedTrades(parseLimit(c))
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

func (r *Router) handleEquity(c *gin.Context) {
	points := r.cfg.Ledger.EquityCurve(parseLimit(c))
	c.JSON(http.StatusOK, gin.H{"points": points, "count": len(points)})
}

func (r *Router) handleCooldown(c *gin.Context) {
	c.JSON(http.StatusOK, r.cfg.Cooldown.Status())
}

func (r *Router) handleCooldownEnd(c *gin.Context) {
	ended := r.cfg.Cooldown.ForceEnd()
	logger.Infof("HTTP: cooldown end requested ended=%v ip=%s", ended, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"ended": ended, "cooldown": r.cfg.Cooldown.Status()})
}

func (r *Router) handleClosePosition(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	trade, err := r.cfg.Positions.Close(ctx, types.CloseManual)
	if errors.Is(err, ledger.ErrNoPosition) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		logger.Errorf("HTTP: manual close failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, trade)
}

func (r *Router) handleWeights(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"weights": r.cfg.Weights.All()})
}

func (r *Router) handleReflections(c *gin.Context) {
	list, err := r.cfg.Reflections.Recent(c.Request.Context(), parseLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reflections": list, "count": len(list)})
}

func (r *Router) handleCycles(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}
	q := cyclelog.Query{
		Symbol:       c.Query("symbol"),
		ExecutedOnly: parseBool(c.Query("executed")),
		Limit:        parseLimit(c),
		Offset:       offset,
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	records, err := r.cfg.Cycles.List(ctx, q)
	if err != nil {
		logger.Errorf("HTTP: cycle list failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	total, err := r.cfg.Cycles.Count(ctx, q)
	if err != nil {
		// 计数失败不影响列表返回
		logger.Warnf("HTTP: cycle count failed ip=%s err=%v", c.ClientIP(), err)
		total = -1
	}
	c.JSON(http.StatusOK, gin.H{"cycles": records, "total_count": total, "limit": q.Limit, "offset": q.Offset})
}

func (r *Router) handleCycleByID(c *gin.Context) {
	rec, err := r.cfg.Cycles.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "cycle not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func writeSchedulerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, scheduler.ErrAlreadyStarted),
		errors.Is(err, scheduler.ErrNotRunning),
		errors.Is(err, scheduler.ErrNotPaused):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func parseLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(strings.TrimSpace(c.DefaultQuery("limit", "")))
	if err != nil || limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
