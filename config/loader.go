// =============================================================================
// DurableFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("durableflow.yaml").
//	    WithEnvPrefix("DURABLEFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/durableflow/workflow"
)

// =============================================================================
// 核心配置结构
// =============================================================================

// Config is the complete DurableFlow configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Engine    EngineConfig    `yaml:"engine" env:"ENGINE"`
	Sandbox   SandboxConfig   `yaml:"sandbox" env:"SANDBOX"`
	Outbound  OutboundConfig  `yaml:"outbound" env:"OUTBOUND"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Database  DatabaseConfig  `yaml:"database" env:"DATABASE"`
	Workflows WorkflowsConfig `yaml:"workflows" env:"WORKFLOWS"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每秒请求数限制，0 表示不限流
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// 非空时 /v1 路由要求 X-API-Key
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// 为空时拒绝跨域请求
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
}

// EngineConfig mirrors workflow.EngineConfig with env bindings.
type EngineConfig struct {
	MaxParallelNodes int           `yaml:"max_parallel_nodes" env:"MAX_PARALLEL_NODES"`
	Checkpointing    bool          `yaml:"checkpointing" env:"CHECKPOINTING"`
	EventBufferSize  int           `yaml:"event_buffer_size" env:"EVENT_BUFFER_SIZE"`
	JoinPollInterval time.Duration `yaml:"join_poll_interval" env:"JOIN_POLL_INTERVAL"`

	Checkpoint     CheckpointConfig     `yaml:"checkpoint" env:"CHECKPOINT"`
	Retry          RetryConfig          `yaml:"retry" env:"RETRY"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" env:"CIRCUIT_BREAKER"`
}

// CheckpointConfig 检查点写入告警阈值与脱敏键
type CheckpointConfig struct {
	MaxPayloadBytes    int           `yaml:"max_payload_bytes" env:"MAX_PAYLOAD_BYTES"`
	SlowWriteThreshold time.Duration `yaml:"slow_write_threshold" env:"SLOW_WRITE_THRESHOLD"`
	SensitiveKeys      []string      `yaml:"sensitive_keys" env:"SENSITIVE_KEYS"`
}

// RetryConfig 节点重试配置
type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialDelay  time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	MaxDelay      time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	Multiplier    float64       `yaml:"multiplier" env:"MULTIPLIER"`
	JitterFactor  float64       `yaml:"jitter_factor" env:"JITTER_FACTOR"`
	UseClassifier bool          `yaml:"use_classifier" env:"USE_CLASSIFIER"`
}

// CircuitBreakerConfig 按节点类型的熔断配置
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" env:"ENABLED"`
	FailureThreshold int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" env:"RECOVERY_TIMEOUT"`
	HalfOpenProbes   int           `yaml:"half_open_probes" env:"HALF_OPEN_PROBES"`
}

// Workflow converts to the engine's configuration type.
func (c EngineConfig) Workflow() workflow.EngineConfig {
	return workflow.EngineConfig{
		MaxParallelNodes: c.MaxParallelNodes,
		Checkpointing:    c.Checkpointing,
		EventBufferSize:  c.EventBufferSize,
		JoinPollInterval: c.JoinPollInterval,
		Checkpoint: workflow.CheckpointConfig{
			MaxPayloadBytes:    c.Checkpoint.MaxPayloadBytes,
			SlowWriteThreshold: c.Checkpoint.SlowWriteThreshold,
			SensitiveKeys:      c.Checkpoint.SensitiveKeys,
		},
		Retry: workflow.RetryConfig{
			MaxAttempts:   c.Retry.MaxAttempts,
			InitialDelay:  c.Retry.InitialDelay,
			MaxDelay:      c.Retry.MaxDelay,
			Multiplier:    c.Retry.Multiplier,
			JitterFactor:  c.Retry.JitterFactor,
			UseClassifier: c.Retry.UseClassifier,
		},
		CircuitBreaker: workflow.CircuitBreakerConfig{
			Enabled:          c.CircuitBreaker.Enabled,
			FailureThreshold: c.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:  c.CircuitBreaker.RecoveryTimeout,
			HalfOpenProbes:   c.CircuitBreaker.HalfOpenProbes,
		},
	}
}

// SandboxConfig function 节点沙箱配置
type SandboxConfig struct {
	FunctionTimeout time.Duration `yaml:"function_timeout" env:"FUNCTION_TIMEOUT"`
}

// OutboundConfig webhook/http 节点的出站 HTTP 配置
type OutboundConfig struct {
	HTTPTimeout  time.Duration `yaml:"http_timeout" env:"HTTP_TIMEOUT"`
	MaxRedirects int           `yaml:"max_redirects" env:"MAX_REDIRECTS"`
	// 跳过证书校验，仅用于本地联调
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// RedisConfig Redis 配置（分布式运行锁与事件流）
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled" env:"ENABLED"`
	Addr         string        `yaml:"addr" env:"ADDR"`
	Password     string        `yaml:"password" env:"PASSWORD"`
	DB           int           `yaml:"db" env:"DB"`
	TLS          bool          `yaml:"tls" env:"TLS"`
	PoolSize     int           `yaml:"pool_size" env:"POOL_SIZE"`
	KeyPrefix    string        `yaml:"key_prefix" env:"KEY_PREFIX"`
	LockTTL      time.Duration `yaml:"lock_ttl" env:"LOCK_TTL"`
	StreamMaxLen int64         `yaml:"stream_max_len" env:"STREAM_MAX_LEN"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver          string        `yaml:"driver" env:"DRIVER"`
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// 启动时自动执行迁移
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// WorkflowsConfig 工作流定义目录
type WorkflowsConfig struct {
	Dir string `yaml:"dir" env:"DIR"`
	// 定义文件变更后自动重新加载
	Watch        bool          `yaml:"watch" env:"WATCH"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{envPrefix: "DURABLEFLOW"}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}
	if err := setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置，文件不存在时保留默认值
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// setFieldsFromEnv 递归设置结构体字段, 键名为 PREFIX_SECTION_FIELD
func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		envTag := t.Field(i).Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}
		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// =============================================================================
// 辅助函数
// =============================================================================

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Engine.MaxParallelNodes <= 0 {
		errs = append(errs, "engine.max_parallel_nodes must be positive")
	}
	if c.Engine.Retry.MaxAttempts <= 0 {
		errs = append(errs, "engine.retry.max_attempts must be positive")
	}
	if c.Engine.Retry.JitterFactor < 0 || c.Engine.Retry.JitterFactor > 1 {
		errs = append(errs, "engine.retry.jitter_factor must be between 0 and 1")
	}
	switch c.Database.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}
	if c.Outbound.HTTPTimeout < 0 {
		errs = append(errs, "outbound.http_timeout must not be negative")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required when redis is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
