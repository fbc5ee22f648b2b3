package config

import (
	"time"

	"github.com/BaSui01/durableflow/workflow"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Engine:    DefaultEngineConfig(),
		Sandbox:   SandboxConfig{FunctionTimeout: 5 * time.Second},
		Outbound:  OutboundConfig{HTTPTimeout: 30 * time.Second, MaxRedirects: 5},
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Workflows: WorkflowsConfig{Dir: "workflows", PollInterval: 2 * time.Second},
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultEngineConfig derives from workflow.DefaultEngineConfig so the two
// never drift.
func DefaultEngineConfig() EngineConfig {
	w := workflow.DefaultEngineConfig()
	return EngineConfig{
		MaxParallelNodes: w.MaxParallelNodes,
		Checkpointing:    w.Checkpointing,
		EventBufferSize:  w.EventBufferSize,
		JoinPollInterval: w.JoinPollInterval,
		Checkpoint: CheckpointConfig{
			MaxPayloadBytes:    w.Checkpoint.MaxPayloadBytes,
			SlowWriteThreshold: w.Checkpoint.SlowWriteThreshold,
		},
		Retry: RetryConfig{
			MaxAttempts:   w.Retry.MaxAttempts,
			InitialDelay:  w.Retry.InitialDelay,
			MaxDelay:      w.Retry.MaxDelay,
			Multiplier:    w.Retry.Multiplier,
			JitterFactor:  w.Retry.JitterFactor,
			UseClassifier: w.Retry.UseClassifier,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          w.CircuitBreaker.Enabled,
			FailureThreshold: w.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:  w.CircuitBreaker.RecoveryTimeout,
			HalfOpenProbes:   w.CircuitBreaker.HalfOpenProbes,
		},
	}
}

// DefaultRedisConfig 返回默认 Redis 配置（默认关闭）
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		PoolSize:     10,
		KeyPrefix:    "durableflow:",
		LockTTL:      30 * time.Second,
		StreamMaxLen: 10000,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "durableflow",
		Name:            "durableflow",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "durableflow",
		SampleRate:   0.1,
	}
}
