package executors

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/durableflow/workflow"
)

// Loop modes.
const (
	LoopSequential = "sequential"
	LoopParallel   = "parallel"
)

// ErrLoopBodyPaused is recorded when a loop body asks to pause; loop bodies
// cannot suspend.
var ErrLoopBodyPaused = errors.New("loop body cannot pause")

// IterationResult is the outcome of one loop iteration.
type IterationResult struct {
	Index  int            `json:"index"`
	Item   any            `json:"item"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// LoopExecutor runs a body node once per element of "items".
//
// Config:
//
//	items               list, or a "{path}" template resolving to one
//	itemKey             context key holding the current item (default "item")
//	indexKey            context key holding the index (default "index")
//	mode                sequential (default) or parallel
//	maxConcurrency      parallel fan-out bound (default 5)
//	continueOnError     keep going after a failed iteration (default false)
//	iterationTimeoutMs  per-iteration timeout, 0 for none
//	body                {"type": ..., "config": {...}} dispatched through the registry
//
// An empty collection yields an empty result. Without continueOnError the
// loop stops at the first failure and reports the counts so far.
type LoopExecutor struct {
	registry *workflow.ExecutorRegistry
	logger   *zap.Logger
}

// NewLoopExecutor creates a loop executor dispatching bodies through registry.
func NewLoopExecutor(registry *workflow.ExecutorRegistry, logger *zap.Logger) *LoopExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoopExecutor{registry: registry, logger: logger.With(zap.String("component", "loop_executor"))}
}

type loopSpec struct {
	items           []any
	itemKey         string
	indexKey        string
	parallel        bool
	maxConcurrency  int
	continueOnError bool
	timeout         time.Duration
	body            *workflow.Node
}

func (e *LoopExecutor) Execute(ctx context.Context, store workflow.Store, executionID, stepID string, node *workflow.Node, execCtx *workflow.ExecutionContext) (*workflow.NodeResult, error) {
	spec, err := e.parse(node, execCtx)
	if err != nil {
		return nil, terminal(err)
	}
	if len(spec.items) == 0 {
		e.logger.Debug("empty loop collection", zap.String("node_id", node.ID))
		return &workflow.NodeResult{Output: loopOutput(nil, 0)}, nil
	}

	run := func(ctx context.Context, index int) IterationResult {
		return e.iterate(ctx, store, executionID, stepID, node.ID, spec, index, execCtx)
	}
	var results []IterationResult
	if spec.parallel {
		results = e.runParallel(ctx, spec, run)
	} else {
		results = e.runSequential(ctx, spec, run)
	}
	return &workflow.NodeResult{Output: loopOutput(results, len(spec.items))}, nil
}

func (e *LoopExecutor) parse(node *workflow.Node, execCtx *workflow.ExecutionContext) (*loopSpec, error) {
	spec := &loopSpec{
		itemKey:         node.ConfigString("itemKey", "item"),
		indexKey:        node.ConfigString("indexKey", "index"),
		parallel:        node.ConfigString("mode", LoopSequential) == LoopParallel,
		maxConcurrency:  node.ConfigInt("maxConcurrency", 5),
		continueOnError: node.ConfigBool("continueOnError", false),
		timeout:         node.ConfigMillis("iterationTimeoutMs", 0),
	}

	raw, _ := node.ConfigValue("items")
	switch items := execCtx.ResolveValue(raw).(type) {
	case nil:
	case []any:
		spec.items = items
	case []string:
		for _, s := range items {
			spec.items = append(spec.items, s)
		}
	case []map[string]any:
		for _, m := range items {
			spec.items = append(spec.items, m)
		}
	default:
		return nil, fmt.Errorf("loop node %s: items must be a list, got %T", node.ID, items)
	}

	body := node.ConfigMap("body")
	bodyType, _ := body["type"].(string)
	if bodyType == "" {
		return nil, fmt.Errorf("loop node %s has no body type", node.ID)
	}
	if bodyType == string(workflow.NodeTypeLoop) {
		return nil, fmt.Errorf("loop node %s: nested loop bodies are not supported", node.ID)
	}
	cfg, _ := body["config"].(map[string]any)
	spec.body = &workflow.Node{ID: node.ID + ".body", Type: workflow.NodeType(bodyType), Config: cfg}
	if !e.registry.Has(spec.body.Type) {
		return nil, fmt.Errorf("loop node %s: %w: %s", node.ID, workflow.ErrExecutorNotFound, bodyType)
	}
	return spec, nil
}

// iterate dispatches the body against a clone of the context carrying the
// current item. The live context is never written.
func (e *LoopExecutor) iterate(ctx context.Context, store workflow.Store, executionID, stepID, loopID string, spec *loopSpec, index int, execCtx *workflow.ExecutionContext) IterationResult {
	res := IterationResult{Index: index, Item: spec.items[index]}
	if spec.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.timeout)
		defer cancel()
	}

	iterCtx := execCtx.Clone()
	iterCtx.Set(spec.itemKey, spec.items[index])
	iterCtx.Set(spec.indexKey, index)
	body := *spec.body
	body.ID = fmt.Sprintf("%s[%d]", loopID, index)

	type dispatched struct {
		result *workflow.NodeResult
		err    error
	}
	done := make(chan dispatched, 1)
	go func() {
		r, err := e.registry.Dispatch(ctx, store, executionID, stepID, &body, iterCtx)
		done <- dispatched{result: r, err: err}
	}()

	select {
	case <-ctx.Done():
		res.Error = fmt.Sprintf("iteration %d: %v", index, ctx.Err())
	case d := <-done:
		switch {
		case d.err != nil:
			res.Error = d.err.Error()
		case d.result.ShouldPause:
			res.Error = ErrLoopBodyPaused.Error()
		default:
			res.Output = d.result.Output
		}
	}
	if res.Error != "" {
		e.logger.Debug("loop iteration failed",
			zap.String("node_id", loopID),
			zap.Int("index", index),
			zap.String("error", res.Error))
	}
	return res
}

func (e *LoopExecutor) runSequential(ctx context.Context, spec *loopSpec, run func(context.Context, int) IterationResult) []IterationResult {
	results := make([]IterationResult, 0, len(spec.items))
	for i := range spec.items {
		if ctx.Err() != nil {
			break
		}
		r := run(ctx, i)
		results = append(results, r)
		if r.Error != "" && !spec.continueOnError {
			break
		}
	}
	return results
}

// runParallel fans out under a Limiter. Without continueOnError the first
// failure cancels iterations that have not started yet.
func (e *LoopExecutor) runParallel(ctx context.Context, spec *loopSpec, run func(context.Context, int) IterationResult) []IterationResult {
	limiter := workflow.NewLimiter(spec.maxConcurrency)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results []IterationResult
	)
	for i := range spec.items {
		if err := limiter.Acquire(ctx); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer limiter.Release()
			r := run(ctx, i)
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
			if r.Error != "" && !spec.continueOnError {
				cancel()
			}
		}()
	}
	wg.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].Index < results[j].Index })
	return results
}

func loopOutput(results []IterationResult, total int) map[string]any {
	outputs := make([]any, 0, len(results))
	failures := make([]any, 0)
	success := 0
	for _, r := range results {
		if r.Error != "" {
			failures = append(failures, map[string]any{"index": r.Index, "item": r.Item, "error": r.Error})
			continue
		}
		success++
		outputs = append(outputs, map[string]any{"index": r.Index, "item": r.Item, "output": r.Output})
	}
	return map[string]any{
		"results":      outputs,
		"errors":       failures,
		"successCount": success,
		"failureCount": len(failures),
		"totalCount":   total,
		"processed":    len(results),
	}
}
