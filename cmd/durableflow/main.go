// =============================================================================
// durableflow 主入口
// =============================================================================
// 持久化工作流引擎服务入口：HTTP API、健康检查、Prometheus 指标与运维命令
//
// 使用方法:
//
//	durableflow serve --config config.yaml       # 启动服务
//	durableflow run onboarding --input '{...}'   # 同步执行一次工作流
//	durableflow resume --execution <id> --node <id> --data '{...}'
//	durableflow retry --execution <id> --node <id>
//	durableflow validate workflows/*.yaml        # 校验定义文件
//	durableflow migrate up                       # 运行数据库迁移
//	durableflow health --addr http://localhost:8080
//	durableflow version
// =============================================================================

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/durableflow/config"
)

// 版本信息（构建时注入）
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// errUsage 表示参数错误，已打印用法
var errUsage = errors.New("invalid usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := dispatch(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 {
		printUsage(out)
		return errUsage
	}
	switch args[0] {
	case "serve":
		return runServe(ctx, args[1:])
	case "run":
		return runWorkflow(ctx, args[1:], out)
	case "resume":
		return runResume(ctx, args[1:], out)
	case "retry":
		return runRetry(ctx, args[1:], out)
	case "validate":
		return runValidate(args[1:], out)
	case "migrate":
		return runMigrate(ctx, args[1:], out)
	case "health":
		return runHealthCheck(ctx, args[1:], out)
	case "version":
		printVersion(out)
		return nil
	case "help", "-h", "--help":
		printUsage(out)
		return nil
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		printUsage(out)
		return errUsage
	}
}

// loadConfig 加载并校验配置，path 为空时只使用默认值与环境变量
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func printVersion(out io.Writer) {
	fmt.Fprintf(out, "durableflow %s\n", Version)
	fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, `durableflow - durable workflow engine

Usage:
  durableflow <command> [options]

Commands:
  serve      Start the HTTP API and metrics servers
  run        Start a workflow and wait until it completes, pauses or fails
  resume     Resume a paused node with external data
  retry      Re-run a failed node
  validate   Check workflow definition files
  migrate    Database migration commands
  health     Check server health
  version    Show version information
  help       Show this help message

Common options:
  --config <path>   Path to configuration file (YAML)

Examples:
  durableflow serve --config /etc/durableflow/config.yaml
  durableflow run onboarding --input '{"name":"Ada"}'
  durableflow run ./workflows/onboarding.hcl
  durableflow resume --execution 6f1c... --node collect_info --data '{"email":"a@b.c"}'
  durableflow validate workflows/
  durableflow migrate status
  durableflow health --addr http://localhost:8080`)
}

// initLogger 按配置构建 zap logger，失败时回退到 production 配置
func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}
	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       encoding == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
