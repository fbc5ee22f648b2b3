package executors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/durableflow/workflow"
)

// loopRegistry returns a registry whose function executor doubles the
// current item and fails on the items listed in failOn.
func loopRegistry(failOn ...int) (*workflow.ExecutorRegistry, *int32) {
	var calls int32
	registry := workflow.NewExecutorRegistry(nil)
	registry.Register(workflow.NodeTypeFunction, workflow.NodeExecutorFunc(
		func(_ context.Context, _ workflow.Store, _, _ string, _ *workflow.Node, execCtx *workflow.ExecutionContext) (*workflow.NodeResult, error) {
			atomic.AddInt32(&calls, 1)
			item, _ := execCtx.Get("item")
			n, _ := item.(int)
			for _, bad := range failOn {
				if n == bad {
					return nil, fmt.Errorf("item %d rejected", n)
				}
			}
			return &workflow.NodeResult{Output: map[string]any{"doubled": n * 2}}, nil
		}))
	return registry, &calls
}

func loopNode(config map[string]any) *workflow.Node {
	if _, ok := config["body"]; !ok {
		config["body"] = map[string]any{"type": "function"}
	}
	return &workflow.Node{ID: "each", Type: workflow.NodeTypeLoop, Config: config}
}

func TestLoopExecutor_SequentialStopsAtFirstFailure(t *testing.T) {
	registry, calls := loopRegistry(2)
	loop := NewLoopExecutor(registry, nil)

	res, err := loop.Execute(context.Background(), nil, "exec", "step", loopNode(map[string]any{
		"items": []any{1, 2, 3},
	}), workflow.NewExecutionContext("exec", nil, nil))
	require.NoError(t, err)

	out := res.Output
	assert.Equal(t, 1, out["successCount"])
	assert.Equal(t, 1, out["failureCount"])
	assert.Equal(t, 3, out["totalCount"])
	assert.Equal(t, 2, out["processed"])
	assert.EqualValues(t, 2, atomic.LoadInt32(calls), "item 3 never runs")

	failures := out["errors"].([]any)
	require.Len(t, failures, 1)
	assert.Equal(t, 1, failures[0].(map[string]any)["index"])
	assert.Contains(t, failures[0].(map[string]any)["error"], "item 2 rejected")
}

func TestLoopExecutor_ContinueOnError(t *testing.T) {
	registry, _ := loopRegistry(2)
	res, err := NewLoopExecutor(registry, nil).Execute(context.Background(), nil, "exec", "step", loopNode(map[string]any{
		"items":           []any{1, 2, 3},
		"continueOnError": true,
	}), workflow.NewExecutionContext("exec", nil, nil))
	require.NoError(t, err)

	assert.Equal(t, 2, res.Output["successCount"])
	assert.Equal(t, 1, res.Output["failureCount"])
	results := res.Output["results"].([]any)
	require.Len(t, results, 2)
	last := results[1].(map[string]any)
	assert.Equal(t, 3, last["item"])
	assert.Equal(t, map[string]any{"doubled": 6}, last["output"])
}

func TestLoopExecutor_ItemsFromContextAndLiveContextUntouched(t *testing.T) {
	registry, _ := loopRegistry()
	execCtx := workflow.NewExecutionContext("exec", map[string]any{"orders": []any{4, 5}}, nil)

	res, err := NewLoopExecutor(registry, nil).Execute(context.Background(), nil, "exec", "step", loopNode(map[string]any{
		"items": "{orders}",
	}), execCtx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Output["successCount"])

	_, ok := execCtx.Get("item")
	assert.False(t, ok, "iterations run on a clone")
	_, ok = execCtx.Get("doubled")
	assert.False(t, ok)
}

func TestLoopExecutor_Parallel(t *testing.T) {
	var (
		mu      sync.Mutex
		current int
		peak    int
	)
	registry := workflow.NewExecutorRegistry(nil)
	registry.Register(workflow.NodeTypeFunction, workflow.NodeExecutorFunc(
		func(_ context.Context, _ workflow.Store, _, _ string, _ *workflow.Node, execCtx *workflow.ExecutionContext) (*workflow.NodeResult, error) {
			mu.Lock()
			current++
			peak = max(peak, current)
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			current--
			mu.Unlock()

			item, _ := execCtx.Get("item")
			if item.(int)%2 == 0 {
				return nil, errors.New("even")
			}
			return &workflow.NodeResult{Output: map[string]any{"odd": item}}, nil
		}))

	res, err := NewLoopExecutor(registry, nil).Execute(context.Background(), nil, "exec", "step", loopNode(map[string]any{
		"items":           []any{1, 2, 3, 4, 5, 6},
		"mode":            LoopParallel,
		"maxConcurrency":  2,
		"continueOnError": true,
	}), workflow.NewExecutionContext("exec", nil, nil))
	require.NoError(t, err)

	assert.Equal(t, 3, res.Output["successCount"])
	assert.Equal(t, 3, res.Output["failureCount"])
	assert.Equal(t, 6, res.Output["processed"])
	assert.LessOrEqual(t, peak, 2)

	results := res.Output["results"].([]any)
	for i, r := range results {
		assert.Equal(t, i*2, r.(map[string]any)["index"], "results are ordered by index")
	}
}

func TestLoopExecutor_EdgeCases(t *testing.T) {
	registry, _ := loopRegistry()
	registry.Register(workflow.NodeTypeForm, &FormExecutor{})
	loop := NewLoopExecutor(registry, nil)
	execCtx := workflow.NewExecutionContext("exec", nil, nil)
	ctx := context.Background()

	res, err := loop.Execute(ctx, nil, "exec", "step", loopNode(map[string]any{"items": []any{}}), execCtx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Output["totalCount"])
	assert.Empty(t, res.Output["results"])

	res, err = loop.Execute(ctx, nil, "exec", "step", loopNode(map[string]any{
		"items": []any{"a"},
		"body":  map[string]any{"type": "form", "config": map[string]any{"requiredFields": []any{"x"}}},
	}), execCtx)
	require.NoError(t, err)
	failures := res.Output["errors"].([]any)
	require.Len(t, failures, 1)
	assert.Equal(t, ErrLoopBodyPaused.Error(), failures[0].(map[string]any)["error"])

	var terminalErr *workflow.TerminalError
	_, err = loop.Execute(ctx, nil, "exec", "step", loopNode(map[string]any{
		"items": []any{1},
		"body":  map[string]any{"type": "loop"},
	}), execCtx)
	assert.ErrorAs(t, err, &terminalErr)

	_, err = loop.Execute(ctx, nil, "exec", "step", loopNode(map[string]any{
		"items": []any{1},
		"body":  map[string]any{"type": "ocr"},
	}), execCtx)
	assert.ErrorIs(t, err, workflow.ErrExecutorNotFound)

	_, err = loop.Execute(ctx, nil, "exec", "step", loopNode(map[string]any{"items": 42}), execCtx)
	assert.ErrorContains(t, err, "items must be a list")
}

func TestLoopExecutor_IterationTimeout(t *testing.T) {
	registry := workflow.NewExecutorRegistry(nil)
	registry.Register(workflow.NodeTypeFunction, workflow.NodeExecutorFunc(
		func(ctx context.Context, _ workflow.Store, _, _ string, _ *workflow.Node, _ *workflow.ExecutionContext) (*workflow.NodeResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))

	res, err := NewLoopExecutor(registry, nil).Execute(context.Background(), nil, "exec", "step", loopNode(map[string]any{
		"items":              []any{1},
		"iterationTimeoutMs": 10,
	}), workflow.NewExecutionContext("exec", nil, nil))
	require.NoError(t, err)
	failures := res.Output["errors"].([]any)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].(map[string]any)["error"], "deadline exceeded")
}
