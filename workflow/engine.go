package workflow

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/BaSui01/durableflow/workflow"

// EngineConfig is the unified engine configuration. Checkpointing and retry
// are settings of the one engine, not separate code paths.
type EngineConfig struct {
	MaxParallelNodes int                  `json:"max_parallel_nodes" yaml:"max_parallel_nodes"`
	Checkpointing    bool                 `json:"checkpointing" yaml:"checkpointing"`
	Checkpoint       CheckpointConfig     `json:"checkpoint" yaml:"checkpoint"`
	Retry            RetryConfig          `json:"retry" yaml:"retry"`
	CircuitBreaker   CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	EventBufferSize  int                  `json:"event_buffer_size" yaml:"event_buffer_size"`
	// JoinPollInterval caps how long the loop sleeps while only join timers
	// can make progress.
	JoinPollInterval time.Duration `json:"join_poll_interval" yaml:"join_poll_interval"`
}

// DefaultEngineConfig returns the engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxParallelNodes: 4,
		Checkpointing:    true,
		Checkpoint:       DefaultCheckpointConfig(),
		Retry:            DefaultRetryConfig(),
		CircuitBreaker:   DefaultCircuitBreakerConfig(),
		EventBufferSize:  256,
		JoinPollInterval: 50 * time.Millisecond,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithTracer sets the tracer used for run and node spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithRunLock replaces the process-local run lock.
func WithRunLock(l RunLock) Option {
	return func(e *Engine) {
		if l != nil {
			e.lock = l
		}
	}
}

// WithEventAppenders adds audit event destinations next to the store.
func WithEventAppenders(appenders ...EventAppender) Option {
	return func(e *Engine) {
		e.extraAppenders = append(e.extraAppenders, appenders...)
	}
}

// WithEngineConfig replaces the engine configuration.
func WithEngineConfig(cfg EngineConfig) Option {
	return func(e *Engine) {
		e.config = cfg
	}
}

// Engine holds what is shared by every run: store, executors, event
// recorder, run lock and observability. Each run gets its own Orchestrator.
type Engine struct {
	store          Store
	registry       *ExecutorRegistry
	config         EngineConfig
	logger         *zap.Logger
	metrics        MetricsRecorder
	tracer         trace.Tracer
	lock           RunLock
	extraAppenders []EventAppender
	recorder       *AsyncEventRecorder
	builder        *GraphBuilder
}

// NewEngine creates an engine and starts its event recorder.
func NewEngine(store Store, registry *ExecutorRegistry, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		registry: registry,
		config:   DefaultEngineConfig(),
		logger:   zap.NewNop(),
		metrics:  nopMetrics{},
		tracer:   otel.Tracer(tracerName),
		lock:     NewMemoryRunLock(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.config.MaxParallelNodes <= 0 {
		e.config.MaxParallelNodes = 1
	}
	if e.config.JoinPollInterval <= 0 {
		e.config.JoinPollInterval = DefaultEngineConfig().JoinPollInterval
	}
	if e.config.CircuitBreaker.Enabled {
		registry.WithCircuitBreakers(NewCircuitBreakerRegistry(e.config.CircuitBreaker, e.logger))
	}
	e.logger = e.logger.With(zap.String("component", "workflow_engine"))
	appenders := append([]EventAppender{store}, e.extraAppenders...)
	e.recorder = NewAsyncEventRecorder(e.config.EventBufferSize, e.logger, appenders...)
	e.builder = NewGraphBuilder(e.logger)
	return e
}

// Store returns the engine store.
func (e *Engine) Store() Store {
	return e.store
}

// Registry returns the executor registry.
func (e *Engine) Registry() *ExecutorRegistry {
	return e.registry
}

// NewOrchestrator creates an orchestrator for one run.
func (e *Engine) NewOrchestrator() *Orchestrator {
	return &Orchestrator{engine: e, now: time.Now}
}

// Start initializes and executes a new run of def.
func (e *Engine) Start(ctx context.Context, def *Definition, input map[string]any) (*RunResult, error) {
	o := e.NewOrchestrator()
	if _, err := o.Initialize(ctx, def, input); err != nil {
		return nil, err
	}
	return o.Execute(ctx)
}

// Resume attaches to executionID and resumes nodeID with data.
func (e *Engine) Resume(ctx context.Context, def *Definition, executionID, nodeID string, data map[string]any) (*RunResult, error) {
	o := e.NewOrchestrator()
	if err := o.Attach(ctx, def, executionID); err != nil {
		return nil, err
	}
	return o.Resume(ctx, nodeID, data)
}

// RetryNode attaches to executionID and re-runs the failed node nodeID.
func (e *Engine) RetryNode(ctx context.Context, def *Definition, executionID, nodeID string) (*RunResult, error) {
	o := e.NewOrchestrator()
	if err := o.Attach(ctx, def, executionID); err != nil {
		return nil, err
	}
	return o.RetryNode(ctx, nodeID)
}

// FlushEvents waits for queued audit events to be written.
func (e *Engine) FlushEvents(ctx context.Context) error {
	return e.recorder.Flush(ctx)
}

// Close drains the event recorder.
func (e *Engine) Close() error {
	return e.recorder.Close()
}
