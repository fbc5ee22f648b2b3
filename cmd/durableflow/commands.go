package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/durableflow/internal/migration"
	"github.com/BaSui01/durableflow/workflow"
)

// errRunFailed 工作流执行以失败结束
var errRunFailed = errors.New("workflow execution failed")

// =============================================================================
// run / resume / retry
// =============================================================================

// oneShot loads config, builds a runtime and hands it to fn. Logs go to
// stderr so stdout carries only the JSON result.
func oneShot(ctx context.Context, configPath string, fn func(*Runtime, *workflow.DefinitionCatalog) (*workflow.RunResult, error), out io.Writer) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	cfg.Log.OutputPaths = []string{"stderr"}
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	rt, err := NewRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("close runtime", zap.Error(err))
		}
	}()

	catalog, err := loadCatalog(cfg, logger)
	if err != nil {
		return err
	}
	result, err := fn(rt, catalog)
	if err != nil {
		return err
	}
	if err := writeResult(out, result); err != nil {
		return err
	}
	if result.Status == workflow.ExecutionFailed {
		return errRunFailed
	}
	return nil
}

func writeResult(out io.Writer, result *workflow.RunResult) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// resolveDefinition treats ref as a file path when it has a definition
// extension and exists, otherwise as a catalog name.
func resolveDefinition(ref string, catalog *workflow.DefinitionCatalog) (*workflow.Definition, error) {
	if _, err := workflow.FormatFromPath(ref); err == nil {
		if _, statErr := os.Stat(ref); statErr == nil {
			return workflow.LoadDefinitionFile(ref)
		}
	}
	if def, ok := catalog.Get(ref); ok {
		return def, nil
	}
	return nil, fmt.Errorf("workflow %q not found in catalog", ref)
}

// parseJSONArg decodes an inline JSON object, or reads it from a file when
// raw starts with @.
func parseJSONArg(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	data := []byte(raw)
	if strings.HasPrefix(raw, "@") {
		var err error
		if data, err = os.ReadFile(raw[1:]); err != nil {
			return nil, fmt.Errorf("read %s: %w", raw[1:], err)
		}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("invalid JSON object: %w", err)
	}
	return out, nil
}

func runWorkflow(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	input := fs.String("input", "", "Input JSON object, or @file")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: durableflow run [--config path] [--input json] <workflow-name|file>")
		return errUsage
	}
	data, err := parseJSONArg(*input)
	if err != nil {
		return err
	}
	return oneShot(ctx, *configPath, func(rt *Runtime, catalog *workflow.DefinitionCatalog) (*workflow.RunResult, error) {
		def, err := resolveDefinition(fs.Arg(0), catalog)
		if err != nil {
			return nil, err
		}
		return rt.Engine.Start(ctx, def, data)
	}, out)
}

// attachFlags are shared by resume and retry.
type attachFlags struct {
	configPath  *string
	workflowRef *string
	execution   *string
	node        *string
}

func newAttachFlags(fs *flag.FlagSet) attachFlags {
	return attachFlags{
		configPath:  fs.String("config", "", "Path to config file"),
		workflowRef: fs.String("workflow", "", "Workflow name or definition file (default: the execution's workflow)"),
		execution:   fs.String("execution", "", "Execution id"),
		node:        fs.String("node", "", "Node id"),
	}
}

func (f attachFlags) definition(ctx context.Context, rt *Runtime, catalog *workflow.DefinitionCatalog) (*workflow.Definition, error) {
	ref := *f.workflowRef
	if ref == "" {
		rec, err := rt.Engine.Store().GetExecution(ctx, *f.execution)
		if err != nil {
			return nil, err
		}
		ref = rec.WorkflowName
	}
	return resolveDefinition(ref, catalog)
}

func runResume(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	f := newAttachFlags(fs)
	data := fs.String("data", "", "Resume data JSON object, or @file")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *f.execution == "" || *f.node == "" {
		fmt.Fprintln(os.Stderr, "usage: durableflow resume --execution id --node id [--data json]")
		return errUsage
	}
	payload, err := parseJSONArg(*data)
	if err != nil {
		return err
	}
	return oneShot(ctx, *f.configPath, func(rt *Runtime, catalog *workflow.DefinitionCatalog) (*workflow.RunResult, error) {
		def, err := f.definition(ctx, rt, catalog)
		if err != nil {
			return nil, err
		}
		return rt.Engine.Resume(ctx, def, *f.execution, *f.node, payload)
	}, out)
}

func runRetry(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("retry", flag.ContinueOnError)
	f := newAttachFlags(fs)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *f.execution == "" || *f.node == "" {
		fmt.Fprintln(os.Stderr, "usage: durableflow retry --execution id --node id")
		return errUsage
	}
	return oneShot(ctx, *f.configPath, func(rt *Runtime, catalog *workflow.DefinitionCatalog) (*workflow.RunResult, error) {
		def, err := f.definition(ctx, rt, catalog)
		if err != nil {
			return nil, err
		}
		return rt.Engine.RetryNode(ctx, def, *f.execution, *f.node)
	}, out)
}

// =============================================================================
// validate
// =============================================================================

// runValidate parses every given file, or every definition file inside a
// given directory, and reports one line per definition.
func runValidate(args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: durableflow validate <file|dir>...")
		return errUsage
	}
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return err
		}
		for _, e := range entries {
			p := filepath.Join(arg, e.Name())
			if _, err := workflow.FormatFromPath(p); err == nil && !e.IsDir() {
				paths = append(paths, p)
			}
		}
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	failed := 0
	for _, p := range paths {
		def, err := workflow.LoadDefinitionFile(p)
		if err != nil {
			failed++
			fmt.Fprintf(tw, "%s\tINVALID\t%v\n", p, err)
			continue
		}
		fmt.Fprintf(tw, "%s\tOK\t%s (%d nodes, %d edges)\n", p, def.Name, len(def.Nodes), len(def.Edges))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d definitions invalid", failed, len(paths))
	}
	return nil
}

// =============================================================================
// migrate
// =============================================================================

func runMigrate(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type: postgres, mysql, sqlite (default: from config)")
	dbURL := fs.String("db-url", "", "Database connection URL (default: from config)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	var (
		m      *migration.DefaultMigrator
		logger = zap.NewNop()
		err    error
	)
	if *dbURL != "" {
		if *dbType == "" {
			return fmt.Errorf("--db-type is required with --db-url")
		}
		m, err = migration.NewMigratorFromURL(*dbType, *dbURL, logger)
	} else {
		cfg, loadErr := loadConfig(*configPath)
		if loadErr != nil {
			return loadErr
		}
		logger = initLogger(cfg.Log)
		m, err = migration.NewMigratorFromConfig(cfg, logger)
	}
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()

	cli := migration.NewCLI(m)
	cli.SetOutput(out)
	return cli.Run(ctx, fs.Args())
}

// =============================================================================
// health
// =============================================================================

func runHealthCheck(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	ready := fs.Bool("ready", false, "Check readiness instead of liveness")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	path := "/healthz"
	if *ready {
		path = "/ready"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(*addr, "/")+path, nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	fmt.Fprintln(out, "OK")
	return nil
}
