package workflow

import "time"

// MetricsRecorder receives engine measurements. internal/metrics provides
// the Prometheus implementation, internal/telemetry the OTel one.
type MetricsRecorder interface {
	RecordExecution(workflowName string, status ExecutionStatus, duration time.Duration)
	RecordNode(nodeType NodeType, status NodeStatus, duration time.Duration)
	RecordRetry(nodeType NodeType)
	RecordCheckpoint(duration time.Duration, sizeBytes int, err error)
	RecordTransition(from, to NodeStatus)
}

type nopMetrics struct{}

func (nopMetrics) RecordExecution(string, ExecutionStatus, time.Duration) {}
func (nopMetrics) RecordNode(NodeType, NodeStatus, time.Duration)         {}
func (nopMetrics) RecordRetry(NodeType)                                   {}
func (nopMetrics) RecordCheckpoint(time.Duration, int, error)             {}
func (nopMetrics) RecordTransition(NodeStatus, NodeStatus)                {}

// MultiMetrics fans every measurement out to each non-nil recorder.
func MultiMetrics(recorders ...MetricsRecorder) MetricsRecorder {
	var live multiMetrics
	for _, r := range recorders {
		if r != nil {
			live = append(live, r)
		}
	}
	switch len(live) {
	case 0:
		return nopMetrics{}
	case 1:
		return live[0]
	}
	return live
}

type multiMetrics []MetricsRecorder

func (m multiMetrics) RecordExecution(name string, status ExecutionStatus, d time.Duration) {
	for _, r := range m {
		r.RecordExecution(name, status, d)
	}
}

func (m multiMetrics) RecordNode(nodeType NodeType, status NodeStatus, d time.Duration) {
	for _, r := range m {
		r.RecordNode(nodeType, status, d)
	}
}

func (m multiMetrics) RecordRetry(nodeType NodeType) {
	for _, r := range m {
		r.RecordRetry(nodeType)
	}
}

func (m multiMetrics) RecordCheckpoint(d time.Duration, sizeBytes int, err error) {
	for _, r := range m {
		r.RecordCheckpoint(d, sizeBytes, err)
	}
}

func (m multiMetrics) RecordTransition(from, to NodeStatus) {
	for _, r := range m {
		r.RecordTransition(from, to)
	}
}
