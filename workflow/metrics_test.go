package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type multiCountingMetrics struct {
	nopMetrics
	nodes, retries int
}

func (c *multiCountingMetrics) RecordNode(NodeType, NodeStatus, time.Duration) { c.nodes++ }
func (c *multiCountingMetrics) RecordRetry(NodeType)                           { c.retries++ }

func TestMultiMetrics(t *testing.T) {
	assert.IsType(t, nopMetrics{}, MultiMetrics())
	assert.IsType(t, nopMetrics{}, MultiMetrics(nil, nil))

	a := &multiCountingMetrics{}
	assert.Same(t, a, MultiMetrics(nil, a))

	b := &multiCountingMetrics{}
	m := MultiMetrics(a, nil, b)
	m.RecordNode(NodeTypeHTTP, StatusCompleted, time.Millisecond)
	m.RecordRetry(NodeTypeHTTP)
	m.RecordTransition(StatusPending, StatusRunning)
	assert.Equal(t, 1, a.nodes)
	assert.Equal(t, 1, b.nodes)
	assert.Equal(t, 1, b.retries)
}
