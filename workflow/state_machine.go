package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// NodeStatus is the lifecycle status of one node in one run.
type NodeStatus string

const (
	StatusPending   NodeStatus = "pending"
	StatusReady     NodeStatus = "ready"
	StatusRunning   NodeStatus = "running"
	StatusPaused    NodeStatus = "paused"
	StatusCompleted NodeStatus = "completed"
	StatusFailed    NodeStatus = "failed"
	StatusSkipped   NodeStatus = "skipped"
	StatusBlocked   NodeStatus = "blocked"
)

// AllNodeStatuses lists every status.
var AllNodeStatuses = []NodeStatus{
	StatusPending, StatusReady, StatusRunning, StatusPaused,
	StatusCompleted, StatusFailed, StatusSkipped, StatusBlocked,
}

// IsTerminal reports whether no event leaves the status.
func (s NodeStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusSkipped
}

// Valid reports whether s is a known status.
func (s NodeStatus) Valid() bool {
	_, ok := transitionTable[s]
	return ok
}

// NodeEvent drives node status changes.
type NodeEvent string

const (
	EventMarkReady NodeEvent = "mark_ready"
	EventBlock     NodeEvent = "block"
	EventStart     NodeEvent = "start"
	EventComplete  NodeEvent = "complete"
	EventFail      NodeEvent = "fail"
	EventPause     NodeEvent = "pause"
	EventResume    NodeEvent = "resume"
	EventSkip      NodeEvent = "skip"
	EventRetry     NodeEvent = "retry"
	EventTimeout   NodeEvent = "timeout"
)

// AllNodeEvents lists every event.
var AllNodeEvents = []NodeEvent{
	EventMarkReady, EventBlock, EventStart, EventComplete, EventFail,
	EventPause, EventResume, EventSkip, EventRetry, EventTimeout,
}

// transitionTable is the only path to a status change.
var transitionTable = map[NodeStatus]map[NodeEvent]NodeStatus{
	StatusPending: {
		EventMarkReady: StatusReady,
		EventBlock:     StatusBlocked,
		EventSkip:      StatusSkipped,
		EventTimeout:   StatusFailed,
	},
	StatusBlocked: {
		EventMarkReady: StatusReady,
		EventSkip:      StatusSkipped,
		EventTimeout:   StatusFailed,
	},
	StatusReady: {
		EventStart: StatusRunning,
		EventSkip:  StatusSkipped,
	},
	StatusRunning: {
		EventComplete: StatusCompleted,
		EventFail:     StatusFailed,
		EventPause:    StatusPaused,
	},
	StatusPaused: {
		EventResume: StatusRunning,
		EventFail:   StatusFailed,
	},
	StatusFailed: {
		EventRetry: StatusPending,
	},
	StatusCompleted: {},
	StatusSkipped:   {},
}

// NextStatus looks up the table.
func NextStatus(from NodeStatus, event NodeEvent) (NodeStatus, bool) {
	to, ok := transitionTable[from][event]
	return to, ok
}

// StateTransition is one accepted transition.
type StateTransition struct {
	From      NodeStatus     `json:"from"`
	To        NodeStatus     `json:"to"`
	Event     NodeEvent      `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// NodeState is the lifecycle record of one node.
type NodeState struct {
	NodeID      string            `json:"node_id"`
	Status      NodeStatus        `json:"status"`
	History     []StateTransition `json:"history,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Progress    float64           `json:"progress"`
	RetryCount  int               `json:"retry_count"`
	BlockedBy   []string          `json:"blocked_by,omitempty"`
	Error       string            `json:"error,omitempty"`
}

func (s *NodeState) clone() NodeState {
	out := *s
	out.History = append([]StateTransition(nil), s.History...)
	out.BlockedBy = append([]string(nil), s.BlockedBy...)
	return out
}

// Payload keys understood by StateMachine.Apply.
const (
	PayloadError      = "error"
	PayloadProgress   = "progress"
	PayloadBlockedBy  = "blockedBy"
	PayloadRetryCount = "retryCount"
)

// StateMachine validates every node transition of one run against the
// fixed table and records accepted ones.
type StateMachine struct {
	executionID string
	states      map[string]*NodeState
	recorder    EventRecorder
	logger      *zap.Logger
	now         func() time.Time
	mu          sync.Mutex
}

// NewStateMachine creates a state machine with every node pending. recorder
// may be nil.
func NewStateMachine(executionID string, nodeIDs []string, recorder EventRecorder, logger *zap.Logger) *StateMachine {
	if logger == nil {
		logger = zap.NewNop()
	}
	sm := &StateMachine{
		executionID: executionID,
		states:      make(map[string]*NodeState, len(nodeIDs)),
		recorder:    recorder,
		logger: logger.With(
			zap.String("component", "state_machine"),
			zap.String("execution_id", executionID),
		),
		now: time.Now,
	}
	now := sm.now()
	for _, id := range nodeIDs {
		sm.states[id] = &NodeState{NodeID: id, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	}
	return sm
}

// Apply moves nodeID along the table. Pairs missing from the table return
// *InvalidTransitionError and leave the state untouched.
func (sm *StateMachine) Apply(ctx context.Context, nodeID string, event NodeEvent, payload map[string]any) (NodeState, error) {
	sm.mu.Lock()
	state, ok := sm.states[nodeID]
	if !ok {
		sm.mu.Unlock()
		return NodeState{}, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	from := state.Status
	to, ok := NextStatus(from, event)
	if !ok {
		sm.mu.Unlock()
		return NodeState{}, &InvalidTransitionError{
			ExecutionID: sm.executionID,
			NodeID:      nodeID,
			From:        from,
			Event:       event,
		}
	}

	now := sm.now()
	state.Status = to
	state.UpdatedAt = now
	state.History = append(state.History, StateTransition{
		From:      from,
		To:        to,
		Event:     event,
		Timestamp: now,
		Payload:   payload,
	})
	switch to {
	case StatusRunning:
		if state.StartedAt == nil {
			state.StartedAt = &now
		}
	case StatusCompleted, StatusSkipped, StatusFailed:
		state.CompletedAt = &now
	case StatusPending:
		state.CompletedAt = nil
		state.Error = ""
	}
	if to == StatusCompleted {
		state.Progress = 1
	}
	if event == EventRetry {
		state.RetryCount++
	}
	applyPayload(state, payload)
	snapshot := state.clone()
	sm.mu.Unlock()

	sm.logger.Debug("node transition",
		zap.String("node_id", nodeID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("event", string(event)),
	)

	if sm.recorder != nil {
		sm.recorder.Record(&EventRecord{
			ExecutionID: sm.executionID,
			NodeID:      nodeID,
			EventType:   stepEventType(from, event),
			FromState:   string(from),
			ToState:     string(to),
			Payload:     payload,
			CreatedAt:   now,
		})
	}
	return snapshot, nil
}

func applyPayload(state *NodeState, payload map[string]any) {
	if payload == nil {
		return
	}
	if msg, ok := payload[PayloadError].(string); ok {
		state.Error = msg
	}
	if p, ok := payload[PayloadProgress].(float64); ok {
		state.Progress = p
	}
	if ids, ok := payload[PayloadBlockedBy].([]string); ok {
		state.BlockedBy = append([]string(nil), ids...)
	}
	if n, ok := toInt(payload[PayloadRetryCount]); ok {
		state.RetryCount = n
	}
}

// CanApply reports whether event is legal for the node's current status.
func (sm *StateMachine) CanApply(nodeID string, event NodeEvent) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	state, ok := sm.states[nodeID]
	if !ok {
		return false
	}
	_, ok = NextStatus(state.Status, event)
	return ok
}

// Status returns the node's current status.
func (sm *StateMachine) Status(nodeID string) (NodeStatus, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	state, ok := sm.states[nodeID]
	if !ok {
		return "", false
	}
	return state.Status, true
}

// State returns a copy of the node's state.
func (sm *StateMachine) State(nodeID string) (NodeState, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	state, ok := sm.states[nodeID]
	if !ok {
		return NodeState{}, false
	}
	return state.clone(), true
}

// States returns copies of every node state.
func (sm *StateMachine) States() map[string]NodeState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make(map[string]NodeState, len(sm.states))
	for id, s := range sm.states {
		out[id] = s.clone()
	}
	return out
}

// NodesIn returns the sorted ids of nodes currently in status.
func (sm *StateMachine) NodesIn(status NodeStatus) []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	var ids []string
	for id, s := range sm.states {
		if s.Status == status {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Restore sets a status directly while rehydrating from checkpoints. It
// bypasses the table and records no event.
func (sm *StateMachine) Restore(nodeID string, status NodeStatus) error {
	if !status.Valid() {
		return fmt.Errorf("restore node %s: unknown status %q", nodeID, status)
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	state, ok := sm.states[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	state.Status = status
	state.UpdatedAt = sm.now()
	return nil
}
