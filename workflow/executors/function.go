package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"go.uber.org/zap"

	"github.com/BaSui01/durableflow/workflow"
)

// DefaultFunctionTimeout bounds a function node when neither the executor
// nor the node sets a timeout.
const DefaultFunctionTimeout = 5 * time.Second

const errorKey = "__error"

// deniedWords are rejected anywhere in function code as whole words.
var deniedWords = []string{
	"require", "import", "eval", "Function", "__proto__", "constructor", "process",
	"os", "syscall", "unsafe", "reflect", "exec", "runtime", "plugin", "cgo",
	"go", "net", "http", "ioutil", "io",
}

// deniedFragments are rejected anywhere in function code.
var deniedFragments = []string{"//go:", "//export", "package "}

var identPattern = regexp.MustCompile(`[A-Za-z_$][A-Za-z0-9_$]*`)

// SecurityError reports function code rejected before execution.
type SecurityError struct {
	NodeID string
	Token  string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("function node %s rejected: disallowed token %q", e.NodeID, e.Token)
}

// CheckCode applies the denylist to function code.
func CheckCode(nodeID, code string) error {
	for _, frag := range deniedFragments {
		if strings.Contains(code, frag) {
			return &SecurityError{NodeID: nodeID, Token: strings.TrimSpace(frag)}
		}
	}
	for _, word := range identPattern.FindAllString(code, -1) {
		for _, bad := range deniedWords {
			if word == bad {
				return &SecurityError{NodeID: nodeID, Token: bad}
			}
		}
	}
	return nil
}

// FunctionExecutor runs user code in a yaegi interpreter that only sees the
// curated sandbox package. "code" is the body of
//
//	func Run(input map[string]any) (map[string]any, error)
//
// input is the sanitized global context plus the resolved "params" config
// under "params". The denylist runs before the interpreter is created, and
// execution races the timeout.
type FunctionExecutor struct {
	timeout time.Duration
	logger  *zap.Logger
}

// NewFunctionExecutor creates a function executor.
func NewFunctionExecutor(timeout time.Duration, logger *zap.Logger) *FunctionExecutor {
	if timeout <= 0 {
		timeout = DefaultFunctionTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FunctionExecutor{timeout: timeout, logger: logger.With(zap.String("component", "function_executor"))}
}

const functionTemplate = `package main

import "sandbox"

var _ = sandbox.Sprintf

func Run(input map[string]interface{}) (map[string]interface{}, error) {
%s
}

func runSandboxed() map[string]interface{} {
	out, err := Run(sandbox.Input())
	if err != nil {
		return map[string]interface{}{%q: err.Error()}
	}
	if out == nil {
		out = map[string]interface{}{}
	}
	return out
}
`

func (e *FunctionExecutor) Execute(ctx context.Context, _ workflow.Store, _, _ string, node *workflow.Node, execCtx *workflow.ExecutionContext) (*workflow.NodeResult, error) {
	code := node.ConfigString("code", "")
	if strings.TrimSpace(code) == "" {
		return nil, terminal(fmt.Errorf("function node %s has no code", node.ID))
	}
	if err := CheckCode(node.ID, code); err != nil {
		e.logger.Warn("function code rejected", zap.String("node_id", node.ID), zap.Error(err))
		return nil, terminal(err)
	}

	input := workflow.SanitizeMap(execCtx.Global())
	if raw, ok := node.ConfigValue("params"); ok {
		input["params"] = execCtx.ResolveValue(raw)
	}

	timeout := node.ConfigMillis("timeoutMs", e.timeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := e.run(ctx, code, input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("function node %s timed out after %v: %w", node.ID, timeout, ctx.Err())
		}
		return nil, terminal(fmt.Errorf("function node %s: %w", node.ID, err))
	}
	if msg, ok := out[errorKey].(string); ok {
		return nil, fmt.Errorf("function node %s: %s", node.ID, msg)
	}
	if key := node.ConfigString("resultKey", ""); key != "" {
		return &workflow.NodeResult{Output: map[string]any{key: out}}, nil
	}
	return &workflow.NodeResult{Output: out}, nil
}

func (e *FunctionExecutor) run(ctx context.Context, code string, input map[string]any) (map[string]any, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(sandboxExports(input)); err != nil {
		return nil, fmt.Errorf("load sandbox: %w", err)
	}
	src := fmt.Sprintf(functionTemplate, code, errorKey)
	if _, err := i.EvalWithContext(ctx, src); err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	v, err := i.EvalWithContext(ctx, "runSandboxed()")
	if err != nil {
		return nil, err
	}
	if !v.IsValid() {
		return nil, fmt.Errorf("function returned no value")
	}
	out, ok := v.Interface().(map[string]any)
	if !ok {
		return nil, fmt.Errorf("function must return map[string]any, got %T", v.Interface())
	}
	return out, nil
}

// ====== sandbox package ======

// sandboxExports is the only package visible to function code. Input hands
// out a private copy of the sanitized input.
func sandboxExports(input map[string]any) interp.Exports {
	encoded, _ := json.Marshal(input)
	return interp.Exports{
		"sandbox/sandbox": {
			"Input": reflect.ValueOf(func() map[string]any {
				var cp map[string]any
				if err := json.Unmarshal(encoded, &cp); err != nil || cp == nil {
					cp = map[string]any{}
				}
				return cp
			}),

			"Sprintf":    reflect.ValueOf(fmt.Sprintf),
			"Errorf":     reflect.ValueOf(fmt.Errorf),
			"Upper":      reflect.ValueOf(strings.ToUpper),
			"Lower":      reflect.ValueOf(strings.ToLower),
			"TrimSpace":  reflect.ValueOf(strings.TrimSpace),
			"Contains":   reflect.ValueOf(strings.Contains),
			"HasPrefix":  reflect.ValueOf(strings.HasPrefix),
			"HasSuffix":  reflect.ValueOf(strings.HasSuffix),
			"Split":      reflect.ValueOf(strings.Split),
			"Join":       reflect.ValueOf(strings.Join),
			"ReplaceAll": reflect.ValueOf(strings.ReplaceAll),
			"Atoi":       reflect.ValueOf(strconv.Atoi),
			"Itoa":       reflect.ValueOf(strconv.Itoa),
			"ParseFloat": reflect.ValueOf(func(s string) (float64, error) { return strconv.ParseFloat(s, 64) }),
			"Abs":        reflect.ValueOf(math.Abs),
			"Round":      reflect.ValueOf(math.Round),
			"Floor":      reflect.ValueOf(math.Floor),
			"Ceil":       reflect.ValueOf(math.Ceil),
			"Max":        reflect.ValueOf(math.Max),
			"Min":        reflect.ValueOf(math.Min),
			"Now":        reflect.ValueOf(func() string { return time.Now().UTC().Format(time.RFC3339) }),
			"ToFloat":    reflect.ValueOf(sandboxToFloat),
			"JSONEncode": reflect.ValueOf(func(v any) (string, error) {
				b, err := json.Marshal(v)
				return string(b), err
			}),
			"JSONDecode": reflect.ValueOf(func(s string) (any, error) {
				var v any
				err := json.Unmarshal([]byte(s), &v)
				return v, err
			}),
		},
	}
}

func sandboxToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
