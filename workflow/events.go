package workflow

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType names an audit event.
type EventType string

const (
	EventStepStarted   EventType = "STEP_STARTED"
	EventStepCompleted EventType = "STEP_COMPLETED"
	EventStepFailed    EventType = "STEP_FAILED"
	EventStepPaused    EventType = "STEP_PAUSED"
	EventStepResumed   EventType = "STEP_RESUMED"
	EventStepSkipped   EventType = "STEP_SKIPPED"
	EventStepReady     EventType = "STEP_READY"
	EventStepBlocked   EventType = "STEP_BLOCKED"
	EventStepRetry     EventType = "STEP_RETRY"

	EventWorkflowStarted   EventType = "WORKFLOW_STARTED"
	EventWorkflowPaused    EventType = "WORKFLOW_PAUSED"
	EventWorkflowResumed   EventType = "WORKFLOW_RESUMED"
	EventWorkflowCompleted EventType = "WORKFLOW_COMPLETED"
	EventWorkflowFailed    EventType = "WORKFLOW_FAILED"
)

func stepEventType(from NodeStatus, event NodeEvent) EventType {
	switch event {
	case EventMarkReady:
		return EventStepReady
	case EventBlock:
		return EventStepBlocked
	case EventStart:
		return EventStepStarted
	case EventComplete:
		return EventStepCompleted
	case EventFail, EventTimeout:
		return EventStepFailed
	case EventPause:
		return EventStepPaused
	case EventResume:
		return EventStepResumed
	case EventSkip:
		return EventStepSkipped
	case EventRetry:
		return EventStepRetry
	}
	return EventType("STEP_" + string(from))
}

// EventAppender is anything that can persist an audit event.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *EventRecord) error
}

// EventRecorder records audit events without blocking the caller.
type EventRecorder interface {
	Record(event *EventRecord)
}

type eventItem struct {
	event *EventRecord
	done  chan struct{}
}

// AsyncEventRecorder fans events out to its appenders from one background
// goroutine. Append failures are logged and dropped; a full buffer drops
// the event. Checkpoints never go through here.
type AsyncEventRecorder struct {
	appenders []EventAppender
	queue     chan eventItem
	timeout   time.Duration
	logger    *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewAsyncEventRecorder starts the background writer.
func NewAsyncEventRecorder(bufferSize int, logger *zap.Logger, appenders ...EventAppender) *AsyncEventRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}
	r := &AsyncEventRecorder{
		appenders: appenders,
		queue:     make(chan eventItem, bufferSize),
		timeout:   5 * time.Second,
		logger:    logger.With(zap.String("component", "event_recorder")),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// Record enqueues event. It never blocks.
func (r *AsyncEventRecorder) Record(event *EventRecord) {
	if event == nil {
		return
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- eventItem{event: event}:
	default:
		r.logger.Warn("event buffer full, dropping event",
			zap.String("execution_id", event.ExecutionID),
			zap.String("node_id", event.NodeID),
			zap.String("event_type", string(event.EventType)))
	}
}

// Flush waits until every event enqueued before the call was handled.
func (r *AsyncEventRecorder) Flush(ctx context.Context) error {
	done := make(chan struct{})
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil
	}
	select {
	case r.queue <- eventItem{done: done}:
		r.mu.RUnlock()
	case <-ctx.Done():
		r.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and stops the writer.
func (r *AsyncEventRecorder) Close() error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	r.wg.Wait()
	return nil
}

func (r *AsyncEventRecorder) loop() {
	defer r.wg.Done()
	for item := range r.queue {
		if item.done != nil {
			close(item.done)
			continue
		}
		r.write(item.event)
	}
}

func (r *AsyncEventRecorder) write(event *EventRecord) {
	for _, a := range r.appenders {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := a.AppendEvent(ctx, event); err != nil {
			r.logger.Warn("failed to persist workflow event",
				zap.String("execution_id", event.ExecutionID),
				zap.String("node_id", event.NodeID),
				zap.String("event_type", string(event.EventType)),
				zap.Error(err))
		}
		cancel()
	}
}
