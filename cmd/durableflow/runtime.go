package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/durableflow/config"
	"github.com/BaSui01/durableflow/internal/database"
	"github.com/BaSui01/durableflow/internal/metrics"
	"github.com/BaSui01/durableflow/internal/migration"
	"github.com/BaSui01/durableflow/internal/telemetry"
	"github.com/BaSui01/durableflow/internal/tlsutil"
	"github.com/BaSui01/durableflow/workflow"
	"github.com/BaSui01/durableflow/workflow/executors"
	"github.com/BaSui01/durableflow/workflow/persistence"
)

const workflowTracerName = "github.com/BaSui01/durableflow/workflow"

// Runtime holds the engine and every backing connection. serve and the
// one-shot commands share it.
type Runtime struct {
	Config    *config.Config
	Engine    *workflow.Engine
	Pool      *database.PoolManager
	Redis     *redis.Client
	Events    *persistence.RedisEventSink
	Collector *metrics.Collector
	Registry  *prometheus.Registry
	Telemetry *telemetry.Providers

	logger *zap.Logger
}

// NewRuntime opens the database, optionally migrates it, connects Redis when
// enabled and builds the engine with the built-in executors.
func NewRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *Runtime, err error) {
	rt := &Runtime{Config: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = rt.Close(context.WithoutCancel(ctx))
		}
	}()

	rt.Telemetry, err = telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
		rt.Telemetry, err = nil, nil
	}

	if cfg.Database.AutoMigrate {
		if err = migrateUp(ctx, cfg, logger); err != nil {
			return nil, err
		}
	}

	rt.Pool, err = database.Open(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	logger.Info("Database connected", zap.String("driver", cfg.Database.Driver))
	store := persistence.NewGormStore(rt.Pool.DB(), logger)

	rt.Registry = prometheus.NewRegistry()
	rt.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rt.Collector = metrics.NewCollector("durableflow", rt.Registry, logger)
	recorder := workflow.MetricsRecorder(rt.Collector)
	if otelRec, recErr := telemetry.NewEngineRecorder(rt.Telemetry.Meter(workflowTracerName)); recErr != nil {
		logger.Warn("otel engine metrics unavailable", zap.Error(recErr))
	} else {
		recorder = workflow.MultiMetrics(rt.Collector, otelRec)
	}

	opts := []workflow.Option{
		workflow.WithLogger(logger),
		workflow.WithEngineConfig(cfg.Engine.Workflow()),
		workflow.WithMetrics(recorder),
		workflow.WithTracer(rt.Telemetry.Tracer(workflowTracerName)),
	}

	if cfg.Redis.Enabled {
		rt.Redis, err = persistence.NewRedisClient(ctx, persistence.RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			TLS:       cfg.Redis.TLS,
			PoolSize:  cfg.Redis.PoolSize,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		rt.Events = persistence.NewRedisEventSink(rt.Redis, cfg.Redis.KeyPrefix, cfg.Redis.StreamMaxLen, logger)
		opts = append(opts,
			workflow.WithRunLock(persistence.NewRedisRunLock(rt.Redis, cfg.Redis.KeyPrefix, cfg.Redis.LockTTL, logger)),
			workflow.WithEventAppenders(rt.Events),
		)
		logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))
	}

	registry := workflow.NewExecutorRegistry(logger)
	executors.RegisterDefaults(registry, executors.Dependencies{
		DB: rt.Pool.DB(),
		HTTPClient: tlsutil.OutboundClient(tlsutil.OutboundOptions{
			Timeout:            cfg.Outbound.HTTPTimeout,
			MaxRedirects:       cfg.Outbound.MaxRedirects,
			InsecureSkipVerify: cfg.Outbound.InsecureSkipVerify,
		}),
		FunctionTimeout: cfg.Sandbox.FunctionTimeout,
		Logger:          logger,
	})
	rt.Engine = workflow.NewEngine(store, registry, opts...)
	return rt, nil
}

// Close drains queued events and closes every connection.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.Engine != nil {
		if err := rt.Engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close engine: %w", err))
		}
	}
	if rt.Redis != nil {
		if err := rt.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if rt.Pool != nil {
		if err := rt.Pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	if err := rt.Telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func migrateUp(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	m, err := migration.NewMigratorFromConfig(cfg, logger)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()
	if err := m.Up(ctx); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	version, _, err := m.Version(ctx)
	if err == nil {
		logger.Info("Database schema up to date", zap.Uint("version", version))
	}
	return nil
}

// loadCatalog reads the configured workflow directory. A missing directory
// yields an empty catalog.
func loadCatalog(cfg *config.Config, logger *zap.Logger) (*workflow.DefinitionCatalog, error) {
	catalog := workflow.NewDefinitionCatalog()
	if cfg.Workflows.Dir == "" {
		return catalog, nil
	}
	if err := catalog.LoadDir(cfg.Workflows.Dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("workflow directory not found", zap.String("dir", cfg.Workflows.Dir))
			return catalog, nil
		}
		return nil, err
	}
	logger.Info("Workflow definitions loaded",
		zap.String("dir", cfg.Workflows.Dir),
		zap.Strings("workflows", catalog.Names()),
	)
	return catalog, nil
}
