package controlhttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"helmsman/internal/logger"

	"github.com/gin-gonic/gin"
)

// Server 提供控制面 HTTP 服务（调度控制 + 状态查询 + /metrics）。
type Server struct {
	addr   string
	router *gin.Engine
}

// ServerConfig 描述控制面依赖。Scheduler 与 Ledger 必填，其余可选。
type ServerConfig struct {
	Addr string
	// BaseContext 作为调度器 Start 的父 context，请求结束不会影响已启动的调度循环。
	BaseContext context.Context

	Scheduler   Controller
	Cooldown    Cooldowns
	Ledger      LedgerReader
	Positions   PositionCloser
	Weights     WeightReader
	Reflections ReflectionReader
	Cycles      CycleReader
	Metrics     http.Handler
}

// NewServer 构建控制面 HTTP server。
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Scheduler == nil || cfg.Ledger == nil {
		return nil, errors.New("control http server requires scheduler and ledger")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}
	NewRouter(cfg).Register(router.Group("/api/control"))

	return &Server{addr: cfg.Addr, router: router}, nil
}

// requestLogger 记录控制面的人工操作。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if q := c.Request.URL.RawQuery; q != "" {
			path += "?" + q
		}
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s", c.Request.Method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Handler 暴露底层路由，测试用。
func (s *Server) Handler() http.Handler { return s.router }

// Start 启动 HTTP 服务，直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("HTTP: control surface listening on %s", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
