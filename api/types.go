package api

import (
	"github.com/BaSui01/durableflow/workflow"
)

// =============================================================================
// 执行请求
// =============================================================================

// StartExecutionRequest starts a run of the workflow named in the path.
type StartExecutionRequest struct {
	Input map[string]any `json:"input,omitempty"`
}

// ResumeRequest delivers data to a paused node.
type ResumeRequest struct {
	NodeID string         `json:"node_id"`
	Data   map[string]any `json:"data,omitempty"`
}

// RetryRequest re-runs a failed node.
type RetryRequest struct {
	NodeID string `json:"node_id"`
}

// =============================================================================
// 响应
// =============================================================================

// WorkflowSummary describes a loaded definition.
type WorkflowSummary struct {
	Name        string `json:"name"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
	Nodes       int    `json:"nodes"`
	Edges       int    `json:"edges"`
}

// ExecutionDetail is an execution record with its step rows.
type ExecutionDetail struct {
	Execution *workflow.ExecutionRecord `json:"execution"`
	Steps     []*workflow.StepRecord    `json:"steps"`
}

// EventPage is one page of audit events. Cursor is set when events come
// from the Redis stream and can be passed back as after.
type EventPage struct {
	Events []*workflow.EventRecord `json:"events"`
	Cursor string                  `json:"cursor,omitempty"`
}

// Summarize builds the summary of def.
func Summarize(def *workflow.Definition) WorkflowSummary {
	return WorkflowSummary{
		Name:        def.Name,
		Version:     def.Version,
		Description: def.Description,
		Nodes:       len(def.Nodes),
		Edges:       len(def.Edges),
	}
}
