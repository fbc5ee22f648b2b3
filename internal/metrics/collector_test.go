package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/durableflow/workflow"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector("test", reg, zap.NewNop()), reg
}

func TestCollector_RecordExecution(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordExecution("onboarding", workflow.ExecutionCompleted, 2*time.Second)
	c.RecordExecution("onboarding", workflow.ExecutionCompleted, time.Second)
	c.RecordExecution("onboarding", workflow.ExecutionPaused, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.executionsTotal.WithLabelValues("onboarding", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.executionsTotal.WithLabelValues("onboarding", "paused")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.executionDuration))
}

func TestCollector_RecordNodeAndRetry(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordNode(workflow.NodeTypeWebhook, workflow.StatusFailed, 10*time.Millisecond)
	c.RecordRetry(workflow.NodeTypeWebhook)
	c.RecordRetry(workflow.NodeTypeWebhook)
	c.RecordTransition(workflow.StatusReady, workflow.StatusRunning)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.nodesTotal.WithLabelValues("webhook", "failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.retriesTotal.WithLabelValues("webhook")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitionsTotal.WithLabelValues("ready", "running")))
}

func TestCollector_RecordCheckpoint(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordCheckpoint(time.Millisecond, 512, nil)
	c.RecordCheckpoint(time.Millisecond, 0, errors.New("conflict"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.checkpointErrors))
	assert.Equal(t, 1, testutil.CollectAndCount(c.checkpointBytes))
}

func TestCollector_HTTPAndPool(t *testing.T) {
	c, reg := newTestCollector(t)

	c.RecordHTTPRequest("GET", "/v1/executions", 200, 5*time.Millisecond)
	c.RecordHTTPRequest("POST", "/v1/executions", 503, 5*time.Millisecond)
	c.RecordDBConnections(4, 1, 3)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("POST", "/v1/executions", "5xx")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.dbConnectionsIdle))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["test_http_requests_total"])
	assert.True(t, names["test_db_connections_open"])
}

func TestCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector("dup", reg, nil)
	assert.Panics(t, func() { NewCollector("dup", reg, nil) })
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, "2xx", statusCode(204))
	assert.Equal(t, "3xx", statusCode(302))
	assert.Equal(t, "4xx", statusCode(429))
	assert.Equal(t, "5xx", statusCode(500))
	assert.Equal(t, "unknown", statusCode(0))
}
