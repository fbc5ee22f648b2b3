package workflow

import (
	"context"
	"encoding/json"
	"time"
)

// ExecutionStatus is the status of a whole run.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// IsFinal reports whether the run can no longer make progress.
func (s ExecutionStatus) IsFinal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// ExecutionRecord is a row of workflow_executions.
type ExecutionRecord struct {
	ID           string          `json:"id"`
	WorkflowName string          `json:"workflow_name"`
	Status       ExecutionStatus `json:"status"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	InputData    map[string]any  `json:"input_data,omitempty"`
	OutputData   map[string]any  `json:"output_data,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// StepRecord is a row of workflow_step_executions.
type StepRecord struct {
	ID           string         `json:"id"`
	ExecutionID  string         `json:"execution_id"`
	NodeID       string         `json:"node_id"`
	NodeType     NodeType       `json:"node_type"`
	Status       NodeStatus     `json:"status"`
	InputData    map[string]any `json:"input_data,omitempty"`
	OutputData   map[string]any `json:"output_data,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// Checkpoint is a row of workflow_checkpoints. Rows are never updated; the
// highest version per (execution, node) is authoritative.
type Checkpoint struct {
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id"`
	Version     int             `json:"version"`
	State       NodeStatus      `json:"state"`
	Context     json.RawMessage `json:"context"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// EventRecord is a row of workflow_events.
type EventRecord struct {
	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id,omitempty"`
	EventType   EventType      `json:"event_type"`
	FromState   string         `json:"from_state,omitempty"`
	ToState     string         `json:"to_state,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// MetricRecord is a row of workflow_metrics.
type MetricRecord struct {
	ExecutionID  string         `json:"execution_id"`
	NodeID       string         `json:"node_id"`
	NodeType     NodeType       `json:"node_type"`
	DurationMs   int64          `json:"duration_ms"`
	Status       NodeStatus     `json:"status"`
	RetryCount   int            `json:"retry_count"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// ====== store ports ======

// ExecutionStore persists run records.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, rec *ExecutionRecord) error
	UpdateExecution(ctx context.Context, rec *ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*ExecutionRecord, error)
}

// ExecutionLister is implemented by stores that can enumerate runs.
type ExecutionLister interface {
	ListExecutions(ctx context.Context, status ExecutionStatus, limit int) ([]*ExecutionRecord, error)
}

// StepStore persists step execution records.
type StepStore interface {
	CreateStep(ctx context.Context, rec *StepRecord) error
	UpdateStep(ctx context.Context, rec *StepRecord) error
	ListSteps(ctx context.Context, executionID string) ([]*StepRecord, error)
}

// CheckpointStore persists append-only checkpoints. SaveCheckpoint must
// return ErrCheckpointVersionConflict when the version already exists.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	LatestCheckpointVersion(ctx context.Context, executionID, nodeID string) (int, error)
	ListCheckpoints(ctx context.Context, executionID, nodeID string) ([]*Checkpoint, error)
	ListExecutionCheckpoints(ctx context.Context, executionID string) ([]*Checkpoint, error)
}

// EventStore persists the audit trail.
type EventStore interface {
	EventAppender
	ListEvents(ctx context.Context, executionID string) ([]*EventRecord, error)
}

// MetricsStore persists per-node metric rows.
type MetricsStore interface {
	RecordMetric(ctx context.Context, rec *MetricRecord) error
	ListMetrics(ctx context.Context, executionID string) ([]*MetricRecord, error)
}

// Store is the durable store the engine runs against. It is also the handle
// passed to node executors.
type Store interface {
	ExecutionStore
	StepStore
	CheckpointStore
	EventStore
	MetricsStore
}
