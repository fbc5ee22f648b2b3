package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/BaSui01/durableflow/workflow"
)

// EngineRecorder exports engine measurements through an OTel meter. It sits
// next to the Prometheus collector so OTLP backends see the same counters.
type EngineRecorder struct {
	executions  metric.Int64Counter
	execLatency metric.Float64Histogram
	nodes       metric.Int64Counter
	nodeLatency metric.Float64Histogram
	retries     metric.Int64Counter
	checkpoints metric.Int64Counter
	cpLatency   metric.Float64Histogram
	cpBytes     metric.Int64Histogram
	transitions metric.Int64Counter
}

var _ workflow.MetricsRecorder = (*EngineRecorder)(nil)

// NewEngineRecorder creates the instruments on meter.
func NewEngineRecorder(meter metric.Meter) (*EngineRecorder, error) {
	r := &EngineRecorder{}
	var err error
	if r.executions, err = meter.Int64Counter("durableflow.executions",
		metric.WithDescription("Workflow runs that reached a terminal or paused state")); err != nil {
		return nil, err
	}
	if r.execLatency, err = meter.Float64Histogram("durableflow.execution.duration",
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if r.nodes, err = meter.Int64Counter("durableflow.nodes",
		metric.WithDescription("Node executions by type and outcome")); err != nil {
		return nil, err
	}
	if r.nodeLatency, err = meter.Float64Histogram("durableflow.node.duration",
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if r.retries, err = meter.Int64Counter("durableflow.node.retries"); err != nil {
		return nil, err
	}
	if r.checkpoints, err = meter.Int64Counter("durableflow.checkpoints"); err != nil {
		return nil, err
	}
	if r.cpLatency, err = meter.Float64Histogram("durableflow.checkpoint.duration",
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if r.cpBytes, err = meter.Int64Histogram("durableflow.checkpoint.size",
		metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if r.transitions, err = meter.Int64Counter("durableflow.transitions"); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *EngineRecorder) RecordExecution(workflowName string, status workflow.ExecutionStatus, duration time.Duration) {
	ctx := context.Background()
	r.executions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", workflowName),
		attribute.String("status", string(status))))
	r.execLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("workflow", workflowName)))
}

func (r *EngineRecorder) RecordNode(nodeType workflow.NodeType, status workflow.NodeStatus, duration time.Duration) {
	ctx := context.Background()
	r.nodes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("node_type", string(nodeType)),
		attribute.String("status", string(status))))
	r.nodeLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("node_type", string(nodeType))))
}

func (r *EngineRecorder) RecordRetry(nodeType workflow.NodeType) {
	r.retries.Add(context.Background(), 1, metric.WithAttributes(attribute.String("node_type", string(nodeType))))
}

func (r *EngineRecorder) RecordCheckpoint(duration time.Duration, sizeBytes int, err error) {
	ctx := context.Background()
	r.checkpoints.Add(ctx, 1, metric.WithAttributes(attribute.Bool("error", err != nil)))
	r.cpLatency.Record(ctx, duration.Seconds())
	if err == nil {
		r.cpBytes.Record(ctx, int64(sizeBytes))
	}
}

func (r *EngineRecorder) RecordTransition(from, to workflow.NodeStatus) {
	r.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to))))
}
