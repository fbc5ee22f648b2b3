package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/durableflow/api/handlers"
	"github.com/BaSui01/durableflow/config"
	"github.com/BaSui01/durableflow/internal/server"
	"github.com/BaSui01/durableflow/workflow"
)

// poolStatsInterval 数据库连接池指标刷新周期
const poolStatsInterval = 15 * time.Second

// Server 组合 API 服务、指标服务与定义目录监听
type Server struct {
	cfg     *config.Config
	rt      *Runtime
	logger  *zap.Logger
	catalog atomic.Pointer[workflow.DefinitionCatalog]
	watcher *config.DirWatcher
	health  *handlers.HealthHandler
}

// NewServer loads the workflow catalog and prepares the watcher when
// workflows.watch is set.
func NewServer(cfg *config.Config, rt *Runtime, logger *zap.Logger) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		rt:     rt,
		logger: logger.With(zap.String("component", "server")),
		health: handlers.NewHealthHandler(logger),
	}

	catalog, err := loadCatalog(cfg, logger)
	if err != nil {
		return nil, err
	}
	s.catalog.Store(catalog)

	if cfg.Workflows.Watch && cfg.Workflows.Dir != "" {
		w, err := config.NewDirWatcher(cfg.Workflows.Dir, cfg.Workflows.PollInterval, config.WithWatcherLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("create workflow watcher: %w", err)
		}
		w.OnChange(s.reloadCatalog)
		s.watcher = w
	}

	if rt.Pool != nil {
		s.health.RegisterCheck(handlers.CheckFunc{CheckName: "database", Ping: rt.Pool.Ping})
	}
	if rt.Redis != nil {
		s.health.RegisterCheck(handlers.CheckFunc{CheckName: "redis", Ping: func(ctx context.Context) error {
			return rt.Redis.Ping(ctx).Err()
		}})
	}
	return s, nil
}

// Catalog returns the current definitions.
func (s *Server) Catalog() *workflow.DefinitionCatalog {
	return s.catalog.Load()
}

func (s *Server) reloadCatalog() {
	err := config.ReloadCatalog(s.cfg.Workflows.Dir, func(c *workflow.DefinitionCatalog) {
		s.catalog.Store(c)
		s.logger.Info("workflow definitions reloaded", zap.Strings("workflows", c.Names()))
	})
	if err != nil {
		s.logger.Error("workflow reload failed, keeping previous definitions", zap.Error(err))
	}
}

// Handler builds the API mux wrapped in the middleware chain. ctx bounds the
// rate limiter's cleanup goroutine.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health.HandleHealthz)
	mux.HandleFunc("GET /healthz", s.health.HandleHealthz)
	mux.HandleFunc("GET /ready", s.health.HandleReady(s.readyDetails))
	mux.HandleFunc("GET /version", s.health.HandleVersion(Version, BuildTime, GitCommit))

	var events handlers.EventReader
	if s.rt.Events != nil {
		events = s.rt.Events
	}
	handlers.NewExecutionHandler(s.rt.Engine, s.Catalog, events, s.logger).Register(mux)

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RequestLogger(s.logger),
		OTelTracing(),
	}
	if s.rt.Collector != nil {
		middlewares = append(middlewares, MetricsMiddleware(s.rt.Collector))
	}
	if s.cfg.Server.RateLimitRPS > 0 {
		middlewares = append(middlewares, RateLimiter(ctx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger))
	}
	if len(s.cfg.Server.APIKeys) > 0 {
		skip := []string{"/health", "/healthz", "/ready", "/version"}
		middlewares = append(middlewares, APIKeyAuth(s.cfg.Server.APIKeys, skip, s.logger))
	}
	return Chain(mux, middlewares...)
}

func (s *Server) readyDetails() map[string]any {
	details := map[string]any{"workflows": len(s.Catalog().Names())}
	if s.rt.Pool != nil {
		stats := s.rt.Pool.GetStats()
		details["database"] = stats
		if s.rt.Collector != nil {
			s.rt.Collector.RecordDBConnections(stats.OpenConnections, stats.InUse, stats.Idle)
		}
	}
	details["redis"] = s.rt.Redis != nil
	return details
}

func (s *Server) reportPoolStats(ctx context.Context) error {
	if s.rt.Pool == nil || s.rt.Collector == nil {
		return nil
	}
	ticker := time.NewTicker(poolStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats := s.rt.Pool.GetStats()
			s.rt.Collector.RecordDBConnections(stats.OpenConnections, stats.InUse, stats.Idle)
		}
	}
}

func (s *Server) managerConfig(port int) server.Config {
	mc := server.DefaultConfig()
	mc.Addr = fmt.Sprintf(":%d", port)
	mc.ReadTimeout = s.cfg.Server.ReadTimeout
	mc.WriteTimeout = s.cfg.Server.WriteTimeout
	mc.ShutdownTimeout = s.cfg.Server.ShutdownTimeout
	return mc
}

// Run serves until ctx is done or a listener fails.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	api := server.NewManager("api", s.Handler(gctx), s.managerConfig(s.cfg.Server.HTTPPort), s.logger)
	g.Go(func() error { return api.Serve(gctx) })

	if s.cfg.Server.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.rt.Registry, promhttp.HandlerOpts{Registry: s.rt.Registry}))
		metricsSrv := server.NewManager("metrics", mux, s.managerConfig(s.cfg.Server.MetricsPort), s.logger)
		g.Go(func() error { return metricsSrv.Serve(gctx) })
	}

	if s.watcher != nil {
		if err := s.watcher.Start(gctx); err != nil {
			s.logger.Error("workflow watcher failed to start", zap.Error(err))
		} else {
			defer s.watcher.Stop()
		}
	}
	g.Go(func() error { return s.reportPoolStats(gctx) })

	return g.Wait()
}

// =============================================================================
// serve 命令
// =============================================================================

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting durableflow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	rt, err := NewRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := rt.Close(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	srv, err := NewServer(cfg, rt, logger)
	if err != nil {
		return err
	}
	if err := srv.Run(ctx); err != nil {
		return err
	}
	logger.Info("durableflow stopped")
	return nil
}
