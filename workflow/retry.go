package workflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RetryConfig 定义节点执行的重试策略
type RetryConfig struct {
	MaxAttempts  int           `json:"max_attempts" yaml:"max_attempts"`   // 总尝试次数（含首次）
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"` // 第二次尝试前的延迟
	MaxDelay     time.Duration `json:"max_delay" yaml:"max_delay"`         // 抖动前的延迟上限
	Multiplier   float64       `json:"multiplier" yaml:"multiplier"`       // 指数退避倍数
	JitterFactor float64       `json:"jitter_factor" yaml:"jitter_factor"` // 抖动比例（±）
	// UseClassifier 为 true 时，IsRetryable 判定为终止性的错误不再重试
	UseClassifier bool `json:"use_classifier" yaml:"use_classifier"`
}

// DefaultRetryConfig 返回默认重试配置
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.10,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier < 1.0 {
		c.Multiplier = def.Multiplier
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	if c.JitterFactor > 1 {
		c.JitterFactor = 1
	}
	return c
}

// AttemptRecord 记录单次失败尝试
type AttemptRecord struct {
	Attempt   int           `json:"attempt"`
	Delay     time.Duration `json:"delay"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// RetryMetrics 汇总一个节点的重试情况
type RetryMetrics struct {
	NodeID     string          `json:"node_id"`
	Attempts   int             `json:"attempts"`
	Records    []AttemptRecord `json:"records"`
	TotalDelay time.Duration   `json:"total_delay"`
}

// RetryExhaustedError 重试耗尽后返回，携带最后一次错误与累计指标
type RetryExhaustedError struct {
	Err     error
	Metrics *RetryMetrics
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("node %s failed after %d attempts: %v", e.Metrics.NodeID, e.Metrics.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// RetryStrategy 指数退避 + 抖动的重试执行器
type RetryStrategy struct {
	config RetryConfig
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewRetryStrategy 创建重试执行器
func NewRetryStrategy(config RetryConfig, logger *zap.Logger) *RetryStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryStrategy{
		config: config.normalized(),
		logger: logger.With(zap.String("component", "retry")),
		sleep:  sleepContext,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Config 返回规范化后的配置
func (r *RetryStrategy) Config() RetryConfig {
	return r.config
}

// BaseDelay 返回第 attempt 次尝试（attempt≥2）抖动前的延迟：
// min(initial × multiplier^(attempt-2), max)
func (r *RetryStrategy) BaseDelay(attempt int) time.Duration {
	if attempt < 2 {
		return 0
	}
	d := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-2))
	if d > float64(r.config.MaxDelay) || math.IsInf(d, 0) {
		d = float64(r.config.MaxDelay)
	}
	return time.Duration(d)
}

// Delay 返回第 attempt 次尝试前的实际等待时间（含 ±JitterFactor 抖动）
func (r *RetryStrategy) Delay(attempt int) time.Duration {
	base := float64(r.BaseDelay(attempt))
	if base == 0 || r.config.JitterFactor == 0 {
		return time.Duration(base)
	}
	r.rngMu.Lock()
	f := r.rng.Float64()*2 - 1
	r.rngMu.Unlock()
	return time.Duration(base + f*base*r.config.JitterFactor)
}

// Execute 执行 fn，失败时按策略重试。第一次执行不延迟。
// 重试耗尽返回 *RetryExhaustedError；不可重试错误（UseClassifier）直接返回原错误。
func (r *RetryStrategy) Execute(ctx context.Context, nodeID string, fn func(ctx context.Context, attempt int) error) (*RetryMetrics, error) {
	metrics := &RetryMetrics{NodeID: nodeID}
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		var delay time.Duration
		if attempt > 1 {
			delay = r.Delay(attempt)
			r.logger.Debug("retrying node",
				zap.String("node_id", nodeID),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", r.config.MaxAttempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if err := r.sleep(ctx, delay); err != nil {
				return metrics, fmt.Errorf("retry of node %s cancelled: %w", nodeID, err)
			}
			metrics.TotalDelay += delay
		}

		metrics.Attempts = attempt
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			if attempt > 1 {
				r.logger.Info("node succeeded after retry",
					zap.String("node_id", nodeID),
					zap.Int("attempt", attempt))
			}
			return metrics, nil
		}

		metrics.Records = append(metrics.Records, AttemptRecord{
			Attempt:   attempt,
			Delay:     delay,
			Timestamp: time.Now(),
			Error:     lastErr.Error(),
		})

		if r.config.UseClassifier && !IsRetryable(lastErr) {
			r.logger.Debug("terminal error, not retrying",
				zap.String("node_id", nodeID),
				zap.Error(lastErr))
			return metrics, lastErr
		}
		if ctx.Err() != nil {
			return metrics, lastErr
		}
	}

	r.logger.Warn("retries exhausted",
		zap.String("node_id", nodeID),
		zap.Int("attempts", metrics.Attempts),
		zap.Duration("total_delay", metrics.TotalDelay),
		zap.Error(lastErr))
	return metrics, &RetryExhaustedError{Err: lastErr, Metrics: metrics}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ====== 错误分类 ======

// RetryableError 显式标记可重试的错误
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// TerminalError 显式标记不可重试的错误（如校验失败）
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// StatusCoder 由携带 HTTP 状态码的错误实现
type StatusCoder interface {
	StatusCode() int
}

// IsRetryable 静态分类：网络错误、超时、5xx、429 可重试；校验类错误为终止性
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var terminal *TerminalError
	if errors.As(err, &terminal) {
		return false
	}
	var retryable *RetryableError
	if errors.As(err, &retryable) {
		return true
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		return code == 429 || code >= 500
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, word := range []string{"validation", "invalid", "required", "not found", "unauthorized", "forbidden"} {
		if strings.Contains(msg, word) {
			return false
		}
	}
	for _, word := range []string{"timeout", "timed out", "connection reset", "connection refused", "econnreset", "econnrefused", "temporarily unavailable", "too many requests"} {
		if strings.Contains(msg, word) {
			return true
		}
	}
	return false
}
