package workflow

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// JoinDecision is the outcome of evaluating a join node.
type JoinDecision struct {
	Ready    bool
	TimedOut bool
	// Partial is set when the node proceeds with fewer inputs than total.
	Partial bool
	// Fail is set when the join timed out and must fail the node.
	Fail      bool
	Completed int
	Total     int
}

// JoinHandler tracks fan-in readiness. The timeout clock of a join starts the
// first time it is evaluated with at least one completed dependency.
type JoinHandler struct {
	graph   *DependencyGraph
	started map[string]time.Time
	logger  *zap.Logger
	mu      sync.Mutex
}

// NewJoinHandler creates a join handler.
func NewJoinHandler(graph *DependencyGraph, logger *zap.Logger) *JoinHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JoinHandler{
		graph:   graph,
		started: make(map[string]time.Time),
		logger:  logger.With(zap.String("component", "join_handler")),
	}
}

// Evaluate decides whether nodeID may start. total is the number of
// dependencies that can still deliver input; skipped or inactive branches are
// excluded by the caller.
func (h *JoinHandler) Evaluate(nodeID string, completed, total int, now time.Time) JoinDecision {
	d := JoinDecision{Completed: completed, Total: total}
	n, ok := h.graph.Node(nodeID)
	if !ok {
		return d
	}

	d.Ready = JoinReady(n.JoinStrategy, completed, total)
	if d.Ready {
		d.Partial = completed < total
		return d
	}

	if n.JoinTimeout <= 0 || completed == 0 {
		return d
	}

	h.mu.Lock()
	start, ok := h.started[nodeID]
	if !ok {
		start = now
		h.started[nodeID] = now
	}
	h.mu.Unlock()

	if now.Sub(start) < n.JoinTimeout {
		return d
	}

	d.TimedOut = true
	if n.OnJoinTimeout == JoinTimeoutContinue {
		d.Ready = true
		d.Partial = true
	} else {
		d.Fail = true
	}
	h.logger.Warn("join timeout elapsed",
		zap.String("node_id", nodeID),
		zap.Int("completed", completed),
		zap.Int("total", total),
		zap.String("action", string(n.OnJoinTimeout)))
	return d
}

// Deadline returns when the pending join nodeID times out, if it has a clock.
func (h *JoinHandler) Deadline(nodeID string) (time.Time, bool) {
	n, ok := h.graph.Node(nodeID)
	if !ok || n.JoinTimeout <= 0 {
		return time.Time{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	start, ok := h.started[nodeID]
	if !ok {
		return time.Time{}, false
	}
	return start.Add(n.JoinTimeout), true
}

// JoinReady applies the strategy without timeouts. wait_all needs every
// dependency; wait_any and first_complete need one.
func JoinReady(strategy JoinStrategy, completed, total int) bool {
	switch strategy {
	case JoinWaitAny, JoinFirstComplete:
		return completed >= 1
	default:
		return completed == total
	}
}
