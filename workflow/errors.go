package workflow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoEntryNode is returned when a graph has no node without dependencies.
	ErrNoEntryNode = errors.New("workflow graph has no entry node")
	// ErrExecutorNotFound is returned when no executor is registered for a node type.
	ErrExecutorNotFound = errors.New("no executor registered for node type")
	// ErrExecutionNotFound is returned by stores for unknown execution ids.
	ErrExecutionNotFound = errors.New("workflow execution not found")
	// ErrCheckpointVersionConflict is returned when a checkpoint version already exists.
	ErrCheckpointVersionConflict = errors.New("checkpoint version already exists")
	// ErrNotInitialized is returned by the orchestrator before Initialize or Attach.
	ErrNotInitialized = errors.New("orchestrator not initialized")
	// ErrNodeNotFound is returned for node ids that are not part of the graph.
	ErrNodeNotFound = errors.New("node not found in graph")
	// ErrRunLocked is returned when another caller holds the run lock.
	ErrRunLocked = errors.New("execution is locked by another runner")
)

// CycleError reports a cycle found while building a graph. Path starts and
// ends with the same node id.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected in workflow graph: %s", strings.Join(e.Path, " -> "))
}

// GraphValidationError reports a structurally invalid graph.
type GraphValidationError struct {
	Reason  string
	NodeIDs []string
	Err     error
}

func (e *GraphValidationError) Error() string {
	msg := "invalid workflow graph: " + e.Reason
	if len(e.NodeIDs) > 0 {
		msg += fmt.Sprintf(" %v", e.NodeIDs)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GraphValidationError) Unwrap() error {
	return e.Err
}

// InvalidTransitionError is returned for a (status, event) pair missing from
// the transition table. The node state is left untouched.
type InvalidTransitionError struct {
	ExecutionID string
	NodeID      string
	From        NodeStatus
	Event       NodeEvent
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for node %s in execution %s: %s --%s--> ?",
		e.NodeID, e.ExecutionID, e.From, e.Event)
}

// CheckpointError wraps a checkpoint persistence failure.
type CheckpointError struct {
	ExecutionID string
	NodeID      string
	Op          string
	Err         error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint %s failed for node %s in execution %s: %v", e.Op, e.NodeID, e.ExecutionID, e.Err)
}

func (e *CheckpointError) Unwrap() error {
	return e.Err
}

// NodeExecutionError reports the failure of one node.
type NodeExecutionError struct {
	NodeID   string
	NodeType NodeType
	Err      error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %s (%s) failed: %v", e.NodeID, e.NodeType, e.Err)
}

func (e *NodeExecutionError) Unwrap() error {
	return e.Err
}
