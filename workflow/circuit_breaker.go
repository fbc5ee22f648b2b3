package workflow

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen 熔断器打开时拒绝派发
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitState 熔断器状态
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // 正常放行
	CircuitOpen                         // 拒绝派发
	CircuitHalfOpen                     // 允许少量探测
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig 熔断器配置（按节点类型生效）
type CircuitBreakerConfig struct {
	Enabled          bool          `json:"enabled" yaml:"enabled"`
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"` // 连续失败多少次后熔断
	RecoveryTimeout  time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`   // 熔断后多久进入半开
	HalfOpenProbes   int           `json:"half_open_probes" yaml:"half_open_probes"`   // 半开状态允许的探测数
}

// DefaultCircuitBreakerConfig 默认熔断器配置
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenProbes:   1,
	}
}

// CircuitBreaker 保护一种节点类型的执行器。重试的每次尝试都计数，
// 连续失败达到阈值后后续派发直接失败，直到恢复时间过去。
type CircuitBreaker struct {
	key      string
	config   CircuitBreakerConfig
	state    CircuitState
	failures int
	openedAt time.Time
	probes   int
	now      func() time.Time
	logger   *zap.Logger
	mu       sync.Mutex
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(key string, config CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = DefaultCircuitBreakerConfig().RecoveryTimeout
	}
	if config.HalfOpenProbes <= 0 {
		config.HalfOpenProbes = 1
	}
	return &CircuitBreaker{
		key:    key,
		config: config,
		now:    time.Now,
		logger: logger.With(zap.String("component", "circuit_breaker"), zap.String("node_type", key)),
	}
}

// Allow 检查是否允许派发；拒绝时返回包装了 ErrCircuitOpen 的错误
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		wait := cb.config.RecoveryTimeout - cb.now().Sub(cb.openedAt)
		if wait > 0 {
			return fmt.Errorf("%w for %s: retry after %v", ErrCircuitOpen, cb.key, wait)
		}
		cb.transition(CircuitHalfOpen, "recovery timeout elapsed")
		cb.probes = 1
		return nil
	case CircuitHalfOpen:
		if cb.probes >= cb.config.HalfOpenProbes {
			return fmt.Errorf("%w for %s: probe in flight", ErrCircuitOpen, cb.key)
		}
		cb.probes++
		return nil
	default:
		return nil
	}
}

// RecordSuccess 成功后关闭熔断器并清零计数
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	if cb.state != CircuitClosed {
		cb.transition(CircuitClosed, "probe succeeded")
	}
}

// RecordFailure 记录失败；半开状态下任何失败立即重新熔断
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.openedAt = cb.now()
			cb.transition(CircuitOpen, fmt.Sprintf("%d consecutive failures", cb.failures))
		}
	case CircuitHalfOpen:
		cb.openedAt = cb.now()
		cb.transition(CircuitOpen, "probe failed")
	}
}

// State 返回当前状态
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// transition 必须在锁内调用
func (cb *CircuitBreaker) transition(to CircuitState, reason string) {
	from := cb.state
	cb.state = to
	cb.probes = 0
	cb.logger.Warn("circuit breaker state change",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("reason", reason),
		zap.Int("failures", cb.failures))
}

// CircuitBreakerRegistry 按节点类型懒加载熔断器
type CircuitBreakerRegistry struct {
	config   CircuitBreakerConfig
	breakers map[string]*CircuitBreaker
	logger   *zap.Logger
	mu       sync.Mutex
}

// NewCircuitBreakerRegistry 创建熔断器注册表
func NewCircuitBreakerRegistry(config CircuitBreakerConfig, logger *zap.Logger) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		config:   config,
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger,
	}
}

// GetOrCreate 获取或创建 key 对应的熔断器
func (r *CircuitBreakerRegistry) GetOrCreate(key string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[key]; ok {
		return cb
	}
	cb := NewCircuitBreaker(key, r.config, r.logger)
	r.breakers[key] = cb
	return cb
}

// States 返回所有熔断器状态
func (r *CircuitBreakerRegistry) States() map[string]CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]CircuitState, len(r.breakers))
	for k, cb := range r.breakers {
		out[k] = cb.State()
	}
	return out
}
