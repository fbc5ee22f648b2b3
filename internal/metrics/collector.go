package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/durableflow/workflow"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector records engine and HTTP metrics. It satisfies
// workflow.MetricsRecorder.
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 执行指标
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	nodesTotal        *prometheus.CounterVec
	nodeDuration      *prometheus.HistogramVec
	retriesTotal      *prometheus.CounterVec
	transitionsTotal  *prometheus.CounterVec

	// 检查点指标
	checkpointDuration prometheus.Histogram
	checkpointBytes    prometheus.Histogram
	checkpointErrors   prometheus.Counter

	// 数据库连接池
	dbConnectionsOpen  prometheus.Gauge
	dbConnectionsInUse prometheus.Gauge
	dbConnectionsIdle  prometheus.Gauge

	logger *zap.Logger
}

var _ workflow.MetricsRecorder = (*Collector)(nil)

// NewCollector registers the metrics on reg. A nil reg uses the default
// Prometheus registerer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.httpRequestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	c.httpRequestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	c.executionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflow_executions_total",
		Help:      "Workflow runs that reached a terminal or paused state",
	}, []string{"workflow", "status"})
	c.executionDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "workflow_execution_duration_seconds",
		Help:      "Wall time of one Execute or Resume call",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"workflow"})
	c.nodesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflow_nodes_total",
		Help:      "Node executions by type and resulting status",
	}, []string{"node_type", "status"})
	c.nodeDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "workflow_node_duration_seconds",
		Help:      "Node execution duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"node_type"})
	c.retriesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflow_node_retries_total",
		Help:      "Retry attempts by node type",
	}, []string{"node_type"})
	c.transitionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflow_state_transitions_total",
		Help:      "Node state machine transitions",
	}, []string{"from_state", "to_state"})

	c.checkpointDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "workflow_checkpoint_duration_seconds",
		Help:      "Checkpoint write latency",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})
	c.checkpointBytes = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "workflow_checkpoint_size_bytes",
		Help:      "Serialized checkpoint context size",
		Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
	})
	c.checkpointErrors = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflow_checkpoint_errors_total",
		Help:      "Checkpoint writes that failed",
	})

	c.dbConnectionsOpen = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_open",
		Help:      "Number of open database connections",
	})
	c.dbConnectionsInUse = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_in_use",
		Help:      "Number of database connections in use",
	})
	c.dbConnectionsIdle = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_idle",
		Help:      "Number of idle database connections",
	})

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// ⚙️ 引擎指标记录
// =============================================================================

func (c *Collector) RecordExecution(workflowName string, status workflow.ExecutionStatus, duration time.Duration) {
	c.executionsTotal.WithLabelValues(workflowName, string(status)).Inc()
	c.executionDuration.WithLabelValues(workflowName).Observe(duration.Seconds())
}

func (c *Collector) RecordNode(nodeType workflow.NodeType, status workflow.NodeStatus, duration time.Duration) {
	c.nodesTotal.WithLabelValues(string(nodeType), string(status)).Inc()
	c.nodeDuration.WithLabelValues(string(nodeType)).Observe(duration.Seconds())
}

func (c *Collector) RecordRetry(nodeType workflow.NodeType) {
	c.retriesTotal.WithLabelValues(string(nodeType)).Inc()
}

// RecordCheckpoint counts failures separately; failed writes have no size.
func (c *Collector) RecordCheckpoint(duration time.Duration, sizeBytes int, err error) {
	c.checkpointDuration.Observe(duration.Seconds())
	if err != nil {
		c.checkpointErrors.Inc()
		return
	}
	c.checkpointBytes.Observe(float64(sizeBytes))
}

func (c *Collector) RecordTransition(from, to workflow.NodeStatus) {
	c.transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(open, inUse, idle int) {
	c.dbConnectionsOpen.Set(float64(open))
	c.dbConnectionsInUse.Set(float64(inUse))
	c.dbConnectionsIdle.Set(float64(idle))
}

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
