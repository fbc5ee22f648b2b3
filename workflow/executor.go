package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// NodeResult is what an executor hands back to the orchestrator.
type NodeResult struct {
	// Output is merged into the execution context once the batch finished.
	Output map[string]any
	// ShouldPause suspends the node until Resume is called for it.
	ShouldPause bool
	// PauseReason is stored with the pause checkpoint.
	PauseReason string
	// HaltBranch completes the node without activating any outgoing edge.
	HaltBranch bool
}

// NodeExecutor performs the work of one node type. Executors must not write
// to execCtx; their output is merged by the orchestrator.
type NodeExecutor interface {
	Execute(ctx context.Context, store Store, executionID, stepExecutionID string, node *Node, execCtx *ExecutionContext) (*NodeResult, error)
}

// NodeExecutorFunc adapts a function to NodeExecutor.
type NodeExecutorFunc func(ctx context.Context, store Store, executionID, stepExecutionID string, node *Node, execCtx *ExecutionContext) (*NodeResult, error)

// Execute implements NodeExecutor.
func (f NodeExecutorFunc) Execute(ctx context.Context, store Store, executionID, stepExecutionID string, node *Node, execCtx *ExecutionContext) (*NodeResult, error) {
	return f(ctx, store, executionID, stepExecutionID, node, execCtx)
}

// ExecutorRegistry maps node types to executors. It is assembled at startup;
// new node types need no scheduler change.
type ExecutorRegistry struct {
	executors map[NodeType]NodeExecutor
	breakers  *CircuitBreakerRegistry
	logger    *zap.Logger
	mu        sync.RWMutex
}

// NewExecutorRegistry creates an empty registry.
func NewExecutorRegistry(logger *zap.Logger) *ExecutorRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecutorRegistry{
		executors: make(map[NodeType]NodeExecutor),
		logger:    logger.With(zap.String("component", "executor_registry")),
	}
}

// WithCircuitBreakers guards every dispatch with a per-node-type breaker.
func (r *ExecutorRegistry) WithCircuitBreakers(breakers *CircuitBreakerRegistry) *ExecutorRegistry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers = breakers
	return r
}

// Register binds nodeType to exec, replacing any previous binding.
func (r *ExecutorRegistry) Register(nodeType NodeType, exec NodeExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[nodeType]; exists {
		r.logger.Debug("replacing executor", zap.String("node_type", string(nodeType)))
	}
	r.executors[nodeType] = exec
}

// Get returns the executor for nodeType.
func (r *ExecutorRegistry) Get(nodeType NodeType) (NodeExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[nodeType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutorNotFound, nodeType)
	}
	return exec, nil
}

// Has reports whether nodeType is registered.
func (r *ExecutorRegistry) Has(nodeType NodeType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[nodeType]
	return ok
}

// Types returns the registered node types, sorted.
func (r *ExecutorRegistry) Types() []NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]NodeType, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Dispatch routes node to its executor. A nil result is treated as an empty
// one.
func (r *ExecutorRegistry) Dispatch(ctx context.Context, store Store, executionID, stepExecutionID string, node *Node, execCtx *ExecutionContext) (*NodeResult, error) {
	exec, err := r.Get(node.Type)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	breakers := r.breakers
	r.mu.RUnlock()

	var cb *CircuitBreaker
	if breakers != nil {
		cb = breakers.GetOrCreate(string(node.Type))
		if err := cb.Allow(); err != nil {
			return nil, err
		}
	}

	result, err := exec.Execute(ctx, store, executionID, stepExecutionID, node, execCtx)
	if cb != nil {
		if err != nil {
			cb.RecordFailure()
		} else {
			cb.RecordSuccess()
		}
	}
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &NodeResult{}
	}
	return result, nil
}

// ValidateGraph checks that every node type of graph is registered.
func (r *ExecutorRegistry) ValidateGraph(graph *DependencyGraph) error {
	var missing []string
	for _, id := range graph.TopologicalOrder() {
		if !r.Has(graph.Nodes[id].Node.Type) {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return &GraphValidationError{Reason: "nodes without registered executor", NodeIDs: missing, Err: ErrExecutorNotFound}
	}
	return nil
}
