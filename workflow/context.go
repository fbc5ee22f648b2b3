package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/durableflow/workflow/expr"
)

const (
	contextPrefix = "context."
	nodePrefix    = "node."

	defaultMaxSnapshots = 64
)

// ContextSnapshot is a deep copy of the context taken after a node ran.
type ContextSnapshot struct {
	NodeID    string                    `json:"node_id"`
	Timestamp time.Time                 `json:"timestamp"`
	Global    map[string]any            `json:"global"`
	Local     map[string]map[string]any `json:"nodes"`
}

// ExecutionContext holds the key/value state of one run. Global is the
// single source of truth; every merged node output is also kept under the
// node's local map. It is owned by one orchestrator and merged by its loop.
type ExecutionContext struct {
	executionID  string
	global       map[string]any
	local        map[string]map[string]any
	snapshots    []ContextSnapshot
	maxSnapshots int
	logger       *zap.Logger
	mu           sync.RWMutex
}

// NewExecutionContext creates a context seeded with input.
func NewExecutionContext(executionID string, input map[string]any, logger *zap.Logger) *ExecutionContext {
	if logger == nil {
		logger = zap.NewNop()
	}
	global := make(map[string]any, len(input))
	for k, v := range input {
		global[k] = deepCopyValue(v)
	}
	return &ExecutionContext{
		executionID:  executionID,
		global:       global,
		local:        make(map[string]map[string]any),
		maxSnapshots: defaultMaxSnapshots,
		logger: logger.With(
			zap.String("component", "execution_context"),
			zap.String("execution_id", executionID),
		),
	}
}

// ExecutionID returns the owning execution id.
func (c *ExecutionContext) ExecutionID() string {
	return c.executionID
}

// Get returns a top-level global value.
func (c *ExecutionContext) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.global[key]
	return v, ok
}

// Set assigns a top-level global value.
func (c *ExecutionContext) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.global[key] = value
}

// SetLocal assigns a value under a node's local map without touching global.
func (c *ExecutionContext) SetLocal(nodeID, key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local[nodeID] == nil {
		c.local[nodeID] = make(map[string]any)
	}
	c.local[nodeID][key] = value
}

// Global returns a deep copy of the global map.
func (c *ExecutionContext) Global() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return deepCopyMap(c.global)
}

// Local returns a deep copy of a node's local map.
func (c *ExecutionContext) Local(nodeID string) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return deepCopyMap(c.local[nodeID])
}

// Lookup resolves a template path:
//
//	context.a.b   -> global["a"]["b"]
//	node.<id>.a   -> local[<id>]["a"]
//	a.b           -> global["a"]["b"]
func (c *ExecutionContext) Lookup(path string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lookupLocked(path)
}

func (c *ExecutionContext) lookupLocked(path string) (any, bool) {
	switch {
	case strings.HasPrefix(path, contextPrefix):
		return walkPath(c.global, strings.TrimPrefix(path, contextPrefix))
	case strings.HasPrefix(path, nodePrefix):
		rest := strings.TrimPrefix(path, nodePrefix)
		nodeID, sub, _ := strings.Cut(rest, ".")
		local, ok := c.local[nodeID]
		if !ok {
			return nil, false
		}
		if sub == "" {
			return local, true
		}
		return walkPath(local, sub)
	default:
		return walkPath(c.global, path)
	}
}

func walkPath(root map[string]any, path string) (any, bool) {
	var current any = root
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Resolve rewrites every {path} token in template. Unresolved tokens are
// left untouched.
func (c *ExecutionContext) Resolve(template string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resolveLocked(template)
}

func (c *ExecutionContext) resolveLocked(template string) string {
	return expr.ReplaceTokens(template, func(path string) (string, bool) {
		v, ok := c.lookupLocked(path)
		if !ok {
			c.logger.Debug("unresolved template variable", zap.String("path", path))
			return "", false
		}
		return stringify(v), true
	})
}

// ResolveValue resolves string leaves inside maps and slices. A string made
// of a single token resolves to the referenced value itself, keeping its type.
func (c *ExecutionContext) ResolveValue(v any) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resolveValueLocked(v)
}

func (c *ExecutionContext) resolveValueLocked(v any) any {
	switch val := v.(type) {
	case string:
		if path, ok := expr.SingleToken(val); ok {
			if resolved, found := c.lookupLocked(path); found {
				return deepCopyValue(resolved)
			}
			c.logger.Debug("unresolved template variable", zap.String("path", path))
			return val
		}
		return c.resolveLocked(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = c.resolveValueLocked(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = c.resolveValueLocked(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = c.resolveValueLocked(item)
		}
		return out
	default:
		return v
	}
}

// ResolveConfig returns a copy of a node config with templates resolved.
func (c *ExecutionContext) ResolveConfig(node *Node) map[string]any {
	if node == nil || node.Config == nil {
		return map[string]any{}
	}
	resolved, _ := c.ResolveValue(node.Config).(map[string]any)
	return resolved
}

// MergeNodeOutput assigns output into global and records it under the
// node's local map.
func (c *ExecutionContext) MergeNodeOutput(nodeID string, output map[string]any) {
	if len(output) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local[nodeID] == nil {
		c.local[nodeID] = make(map[string]any, len(output))
	}
	for k, v := range output {
		c.global[k] = deepCopyValue(v)
		c.local[nodeID][k] = deepCopyValue(v)
	}
}

// Snapshot appends a deep copy of the context to the retained list. The
// oldest snapshot is dropped once the list is full.
func (c *ExecutionContext) Snapshot(nodeID string) ContextSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := ContextSnapshot{
		NodeID:    nodeID,
		Timestamp: time.Now(),
		Global:    deepCopyMap(c.global),
		Local:     deepCopyLocal(c.local),
	}
	c.snapshots = append(c.snapshots, snap)
	if c.maxSnapshots > 0 && len(c.snapshots) > c.maxSnapshots {
		c.snapshots = c.snapshots[len(c.snapshots)-c.maxSnapshots:]
	}
	return snap
}

// Snapshots returns the retained snapshots, oldest first.
func (c *ExecutionContext) Snapshots() []ContextSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ContextSnapshot(nil), c.snapshots...)
}

// RestoreSnapshot replaces the live state with a retained snapshot. It is a
// manual recovery tool; the orchestrator never calls it.
func (c *ExecutionContext) RestoreSnapshot(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.snapshots) {
		return fmt.Errorf("snapshot index %d out of range [0,%d)", index, len(c.snapshots))
	}
	snap := c.snapshots[index]
	c.global = deepCopyMap(snap.Global)
	c.local = deepCopyLocal(snap.Local)
	c.logger.Info("context restored from snapshot",
		zap.Int("index", index),
		zap.String("node_id", snap.NodeID))
	return nil
}

// Clone returns an independent copy without snapshots.
func (c *ExecutionContext) Clone() *ExecutionContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &ExecutionContext{
		executionID:  c.executionID,
		global:       deepCopyMap(c.global),
		local:        deepCopyLocal(c.local),
		maxSnapshots: c.maxSnapshots,
		logger:       c.logger,
	}
}

type contextDocument struct {
	Global map[string]any            `json:"global"`
	Nodes  map[string]map[string]any `json:"nodes"`
}

// Export returns the serialisable form {"global": ..., "nodes": ...}.
func (c *ExecutionContext) Export() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	nodes := make(map[string]any, len(c.local))
	for id, m := range c.local {
		nodes[id] = deepCopyMap(m)
	}
	return map[string]any{
		"global": deepCopyMap(c.global),
		"nodes":  nodes,
	}
}

// MarshalJSON implements json.Marshaler.
func (c *ExecutionContext) MarshalJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(contextDocument{Global: c.global, Nodes: c.local})
}

// Restore replaces global and local state from a serialised context.
func (c *ExecutionContext) Restore(data []byte) error {
	var doc contextDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode execution context: %w", err)
	}
	if doc.Global == nil {
		doc.Global = make(map[string]any)
	}
	if doc.Nodes == nil {
		doc.Nodes = make(map[string]map[string]any)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.global = doc.Global
	c.local = doc.Nodes
	return nil
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case map[string]any, []any:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyLocal(local map[string]map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(local))
	for id, m := range local {
		out[id] = deepCopyMap(m)
	}
	return out
}
