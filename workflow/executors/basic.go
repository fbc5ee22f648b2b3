package executors

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/durableflow/workflow"
	"github.com/BaSui01/durableflow/workflow/expr"
)

// resolved returns a copy of node whose config has every template resolved
// against execCtx.
func resolved(node *workflow.Node, execCtx *workflow.ExecutionContext) *workflow.Node {
	return &workflow.Node{
		ID:     node.ID,
		Type:   node.Type,
		Name:   node.Name,
		Config: execCtx.ResolveConfig(node),
	}
}

// ============================================================
// start
// ============================================================

// StartExecutor marks the beginning of a run. Values under config "set" are
// resolved and written to the context.
type StartExecutor struct{}

func (e *StartExecutor) Execute(_ context.Context, _ workflow.Store, _, _ string, node *workflow.Node, execCtx *workflow.ExecutionContext) (*workflow.NodeResult, error) {
	n := resolved(node, execCtx)
	out := map[string]any{"startedAt": time.Now().UTC().Format(time.RFC3339Nano)}
	for k, v := range n.ConfigMap("set") {
		out[k] = v
	}
	return &workflow.NodeResult{Output: out}, nil
}

// ============================================================
// end
// ============================================================

// EndExecutor collects the final output. With "outputKeys" only those paths
// are collected; otherwise the sanitized global context is.
type EndExecutor struct {
	logger *zap.Logger
}

func (e *EndExecutor) Execute(_ context.Context, _ workflow.Store, _, _ string, node *workflow.Node, execCtx *workflow.ExecutionContext) (*workflow.NodeResult, error) {
	keys := node.ConfigStrings("outputKeys")
	if len(keys) == 0 {
		return &workflow.NodeResult{Output: workflow.SanitizeMap(execCtx.Global())}, nil
	}
	out := make(map[string]any, len(keys))
	for _, key := range keys {
		v, ok := execCtx.Lookup(key)
		if !ok {
			if e.logger != nil {
				e.logger.Debug("output key not found in context",
					zap.String("node_id", node.ID),
					zap.String("key", key))
			}
			continue
		}
		out[key] = v
	}
	return &workflow.NodeResult{Output: out}, nil
}

// ============================================================
// condition
// ============================================================

// ConditionExecutor evaluates "expression" with the guard grammar and
// outputs "result". With "haltOnFalse" a false result stops the branch.
type ConditionExecutor struct{}

func (e *ConditionExecutor) Execute(_ context.Context, _ workflow.Store, _, _ string, node *workflow.Node, execCtx *workflow.ExecutionContext) (*workflow.NodeResult, error) {
	expression := node.ConfigString("expression", "")
	if expression == "" {
		return nil, terminal(fmt.Errorf("condition node %s has no expression", node.ID))
	}
	ok, err := expr.EvaluateTemplate(expression, execCtx.Lookup)
	if err != nil {
		return nil, terminal(fmt.Errorf("condition node %s: %w", node.ID, err))
	}
	key := node.ConfigString("resultKey", "result")
	return &workflow.NodeResult{
		Output:     map[string]any{key: ok},
		HaltBranch: !ok && node.ConfigBool("haltOnFalse", false),
	}, nil
}
