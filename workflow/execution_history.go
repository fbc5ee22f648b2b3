package workflow

import (
	"sync"
	"time"
)

// NodeExecution records one dispatch of a node within the current process.
type NodeExecution struct {
	NodeID    string        `json:"node_id"`
	NodeType  NodeType      `json:"node_type"`
	StepID    string        `json:"step_id"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Status    NodeStatus    `json:"status"`
	Attempts  int           `json:"attempts"`
	Error     string        `json:"error,omitempty"`
}

// ExecutionHistory is the in-process execution path of a run, returned with
// every RunResult. The durable trail lives in the step and event tables.
type ExecutionHistory struct {
	ExecutionID  string           `json:"execution_id"`
	WorkflowName string           `json:"workflow_name"`
	Nodes        []*NodeExecution `json:"nodes"`
	mu           sync.RWMutex
}

// NewExecutionHistory creates an empty history.
func NewExecutionHistory(executionID, workflowName string) *ExecutionHistory {
	return &ExecutionHistory{
		ExecutionID:  executionID,
		WorkflowName: workflowName,
		Nodes:        make([]*NodeExecution, 0),
	}
}

// RecordNodeStart appends a running entry.
func (h *ExecutionHistory) RecordNodeStart(nodeID string, nodeType NodeType, stepID string) *NodeExecution {
	h.mu.Lock()
	defer h.mu.Unlock()
	ne := &NodeExecution{
		NodeID:    nodeID,
		NodeType:  nodeType,
		StepID:    stepID,
		StartTime: time.Now(),
		Status:    StatusRunning,
	}
	h.Nodes = append(h.Nodes, ne)
	return ne
}

// RecordNodeEnd closes an entry.
func (h *ExecutionHistory) RecordNodeEnd(ne *NodeExecution, status NodeStatus, attempts int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ne.EndTime = time.Now()
	ne.Duration = ne.EndTime.Sub(ne.StartTime)
	ne.Status = status
	ne.Attempts = attempts
	if err != nil {
		ne.Error = err.Error()
	}
}

// GetNodes returns a copy of the entries.
func (h *ExecutionHistory) GetNodes() []NodeExecution {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]NodeExecution, len(h.Nodes))
	for i, ne := range h.Nodes {
		out[i] = *ne
	}
	return out
}

// GetNodeByID returns the latest entry for nodeID.
func (h *ExecutionHistory) GetNodeByID(nodeID string) (NodeExecution, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for i := len(h.Nodes) - 1; i >= 0; i-- {
		if h.Nodes[i].NodeID == nodeID {
			return *h.Nodes[i], true
		}
	}
	return NodeExecution{}, false
}
