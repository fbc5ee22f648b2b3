package persistence

import (
	"encoding/json"
	"time"

	"github.com/BaSui01/durableflow/workflow"
)

// ============================================================
// Table models
// ============================================================

type executionModel struct {
	ID           string         `gorm:"primaryKey;size:64"`
	WorkflowName string         `gorm:"size:255;index"`
	Status       string         `gorm:"size:32;not null;index"`
	StartedAt    time.Time      `gorm:"not null"`
	CompletedAt  *time.Time     ``
	InputData    map[string]any `gorm:"serializer:json;type:text"`
	OutputData   map[string]any `gorm:"serializer:json;type:text"`
	ErrorMessage string         `gorm:"type:text"`
}

func (executionModel) TableName() string { return "workflow_executions" }

type stepModel struct {
	ID           string         `gorm:"primaryKey;size:64"`
	ExecutionID  string         `gorm:"size:64;not null;index"`
	NodeID       string         `gorm:"size:255;not null"`
	NodeType     string         `gorm:"size:64;not null"`
	Status       string         `gorm:"size:32;not null"`
	InputData    map[string]any `gorm:"serializer:json;type:text"`
	OutputData   map[string]any `gorm:"serializer:json;type:text"`
	StartedAt    time.Time      `gorm:"not null"`
	CompletedAt  *time.Time     ``
	ErrorMessage string         `gorm:"type:text"`
}

func (stepModel) TableName() string { return "workflow_step_executions" }

type checkpointModel struct {
	ID          uint           `gorm:"primaryKey;autoIncrement"`
	ExecutionID string         `gorm:"size:64;not null;uniqueIndex:idx_checkpoint_version,priority:1"`
	NodeID      string         `gorm:"size:255;not null;uniqueIndex:idx_checkpoint_version,priority:2"`
	Version     int            `gorm:"not null;uniqueIndex:idx_checkpoint_version,priority:3"`
	State       string         `gorm:"size:32;not null"`
	Context     string         `gorm:"type:text;not null"`
	Metadata    map[string]any `gorm:"serializer:json;type:text"`
	CreatedAt   time.Time      `gorm:"not null"`
}

func (checkpointModel) TableName() string { return "workflow_checkpoints" }

type eventModel struct {
	ID          uint           `gorm:"primaryKey;autoIncrement"`
	ExecutionID string         `gorm:"size:64;not null;index"`
	NodeID      string         `gorm:"size:255"`
	EventType   string         `gorm:"size:64;not null"`
	FromState   string         `gorm:"size:32"`
	ToState     string         `gorm:"size:32"`
	Payload     map[string]any `gorm:"serializer:json;type:text"`
	CreatedAt   time.Time      `gorm:"not null"`
}

func (eventModel) TableName() string { return "workflow_events" }

type metricModel struct {
	ID           uint           `gorm:"primaryKey;autoIncrement"`
	ExecutionID  string         `gorm:"size:64;not null;index"`
	NodeID       string         `gorm:"size:255;not null"`
	NodeType     string         `gorm:"size:64;not null"`
	DurationMs   int64          `gorm:"not null"`
	Status       string         `gorm:"size:32;not null"`
	RetryCount   int            `gorm:"not null;default:0"`
	ErrorMessage string         `gorm:"type:text"`
	Metadata     map[string]any `gorm:"serializer:json;type:text"`
	CreatedAt    time.Time      `gorm:"not null"`
}

func (metricModel) TableName() string { return "workflow_metrics" }

// ============================================================
// Conversions
// ============================================================

func toExecutionModel(r *workflow.ExecutionRecord) *executionModel {
	return &executionModel{
		ID:           r.ID,
		WorkflowName: r.WorkflowName,
		Status:       string(r.Status),
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
		InputData:    r.InputData,
		OutputData:   r.OutputData,
		ErrorMessage: r.ErrorMessage,
	}
}

func (m *executionModel) record() *workflow.ExecutionRecord {
	return &workflow.ExecutionRecord{
		ID:           m.ID,
		WorkflowName: m.WorkflowName,
		Status:       workflow.ExecutionStatus(m.Status),
		StartedAt:    m.StartedAt,
		CompletedAt:  m.CompletedAt,
		InputData:    m.InputData,
		OutputData:   m.OutputData,
		ErrorMessage: m.ErrorMessage,
	}
}

func toStepModel(r *workflow.StepRecord) *stepModel {
	return &stepModel{
		ID:           r.ID,
		ExecutionID:  r.ExecutionID,
		NodeID:       r.NodeID,
		NodeType:     string(r.NodeType),
		Status:       string(r.Status),
		InputData:    r.InputData,
		OutputData:   r.OutputData,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
		ErrorMessage: r.ErrorMessage,
	}
}

func (m *stepModel) record() *workflow.StepRecord {
	return &workflow.StepRecord{
		ID:           m.ID,
		ExecutionID:  m.ExecutionID,
		NodeID:       m.NodeID,
		NodeType:     workflow.NodeType(m.NodeType),
		Status:       workflow.NodeStatus(m.Status),
		InputData:    m.InputData,
		OutputData:   m.OutputData,
		StartedAt:    m.StartedAt,
		CompletedAt:  m.CompletedAt,
		ErrorMessage: m.ErrorMessage,
	}
}

func toCheckpointModel(cp *workflow.Checkpoint) *checkpointModel {
	return &checkpointModel{
		ExecutionID: cp.ExecutionID,
		NodeID:      cp.NodeID,
		Version:     cp.Version,
		State:       string(cp.State),
		Context:     string(cp.Context),
		Metadata:    cp.Metadata,
		CreatedAt:   cp.CreatedAt,
	}
}

func (m *checkpointModel) record() *workflow.Checkpoint {
	return &workflow.Checkpoint{
		ExecutionID: m.ExecutionID,
		NodeID:      m.NodeID,
		Version:     m.Version,
		State:       workflow.NodeStatus(m.State),
		Context:     json.RawMessage(m.Context),
		Metadata:    m.Metadata,
		CreatedAt:   m.CreatedAt,
	}
}

func toEventModel(ev *workflow.EventRecord) *eventModel {
	return &eventModel{
		ExecutionID: ev.ExecutionID,
		NodeID:      ev.NodeID,
		EventType:   string(ev.EventType),
		FromState:   ev.FromState,
		ToState:     ev.ToState,
		Payload:     ev.Payload,
		CreatedAt:   ev.CreatedAt,
	}
}

func (m *eventModel) record() *workflow.EventRecord {
	return &workflow.EventRecord{
		ExecutionID: m.ExecutionID,
		NodeID:      m.NodeID,
		EventType:   workflow.EventType(m.EventType),
		FromState:   m.FromState,
		ToState:     m.ToState,
		Payload:     m.Payload,
		CreatedAt:   m.CreatedAt,
	}
}

func toMetricModel(r *workflow.MetricRecord) *metricModel {
	return &metricModel{
		ExecutionID:  r.ExecutionID,
		NodeID:       r.NodeID,
		NodeType:     string(r.NodeType),
		DurationMs:   r.DurationMs,
		Status:       string(r.Status),
		RetryCount:   r.RetryCount,
		ErrorMessage: r.ErrorMessage,
		Metadata:     r.Metadata,
		CreatedAt:    r.CreatedAt,
	}
}

func (m *metricModel) record() *workflow.MetricRecord {
	return &workflow.MetricRecord{
		ExecutionID:  m.ExecutionID,
		NodeID:       m.NodeID,
		NodeType:     workflow.NodeType(m.NodeType),
		DurationMs:   m.DurationMs,
		Status:       workflow.NodeStatus(m.Status),
		RetryCount:   m.RetryCount,
		ErrorMessage: m.ErrorMessage,
		Metadata:     m.Metadata,
		CreatedAt:    m.CreatedAt,
	}
}
