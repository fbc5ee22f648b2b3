package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store. Records are copied on the way in and
// out so callers never share memory with it.
type MemoryStore struct {
	executions  map[string]*ExecutionRecord
	steps       map[string][]*StepRecord
	checkpoints map[string][]*Checkpoint
	events      map[string][]*EventRecord
	metrics     map[string][]*MetricRecord
	mu          sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions:  make(map[string]*ExecutionRecord),
		steps:       make(map[string][]*StepRecord),
		checkpoints: make(map[string][]*Checkpoint),
		events:      make(map[string][]*EventRecord),
		metrics:     make(map[string][]*MetricRecord),
	}
}

func (s *MemoryStore) CreateExecution(_ context.Context, rec *ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[rec.ID]; exists {
		return fmt.Errorf("execution %s already exists", rec.ID)
	}
	cp := copyExecution(rec)
	s.executions[rec.ID] = cp
	return nil
}

func (s *MemoryStore) UpdateExecution(_ context.Context, rec *ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[rec.ID]; !exists {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, rec.ID)
	}
	s.executions[rec.ID] = copyExecution(rec)
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	return copyExecution(rec), nil
}

// ListExecutions returns the newest executions first, optionally filtered by
// status. limit <= 0 means no limit.
func (s *MemoryStore) ListExecutions(_ context.Context, status ExecutionStatus, limit int) ([]*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ExecutionRecord, 0, len(s.executions))
	for _, rec := range s.executions {
		if status == "" || rec.Status == status {
			out = append(out, copyExecution(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateStep(_ context.Context, rec *StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.steps[rec.ExecutionID] = append(s.steps[rec.ExecutionID], &cp)
	return nil
}

func (s *MemoryStore) UpdateStep(_ context.Context, rec *StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.steps[rec.ExecutionID] {
		if existing.ID == rec.ID {
			cp := *rec
			s.steps[rec.ExecutionID][i] = &cp
			return nil
		}
	}
	return fmt.Errorf("step %s not found in execution %s", rec.ID, rec.ExecutionID)
}

func (s *MemoryStore) ListSteps(_ context.Context, executionID string) ([]*StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*StepRecord, 0, len(s.steps[executionID]))
	for _, rec := range s.steps[executionID] {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.checkpoints[cp.ExecutionID] {
		if existing.NodeID == cp.NodeID && existing.Version == cp.Version {
			return fmt.Errorf("%w: %s/%s v%d", ErrCheckpointVersionConflict, cp.ExecutionID, cp.NodeID, cp.Version)
		}
	}
	s.checkpoints[cp.ExecutionID] = append(s.checkpoints[cp.ExecutionID], copyCheckpoint(cp))
	return nil
}

func (s *MemoryStore) LatestCheckpointVersion(_ context.Context, executionID, nodeID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	latest := 0
	for _, cp := range s.checkpoints[executionID] {
		if cp.NodeID == nodeID && cp.Version > latest {
			latest = cp.Version
		}
	}
	return latest, nil
}

func (s *MemoryStore) ListCheckpoints(_ context.Context, executionID, nodeID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Checkpoint
	for _, cp := range s.checkpoints[executionID] {
		if cp.NodeID == nodeID {
			out = append(out, copyCheckpoint(cp))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *MemoryStore) ListExecutionCheckpoints(_ context.Context, executionID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Checkpoint, 0, len(s.checkpoints[executionID]))
	for _, cp := range s.checkpoints[executionID] {
		out = append(out, copyCheckpoint(cp))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].NodeID != out[j].NodeID {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, ev *EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.events[ev.ExecutionID] = append(s.events[ev.ExecutionID], &cp)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, executionID string) ([]*EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*EventRecord, 0, len(s.events[executionID]))
	for _, ev := range s.events[executionID] {
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) RecordMetric(_ context.Context, rec *MetricRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.metrics[rec.ExecutionID] = append(s.metrics[rec.ExecutionID], &cp)
	return nil
}

func (s *MemoryStore) ListMetrics(_ context.Context, executionID string) ([]*MetricRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*MetricRecord, 0, len(s.metrics[executionID]))
	for _, rec := range s.metrics[executionID] {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func copyExecution(rec *ExecutionRecord) *ExecutionRecord {
	cp := *rec
	cp.InputData = deepCopyMap(rec.InputData)
	cp.OutputData = deepCopyMap(rec.OutputData)
	if rec.CompletedAt != nil {
		t := *rec.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func copyCheckpoint(cp *Checkpoint) *Checkpoint {
	out := *cp
	out.Context = append(json.RawMessage(nil), cp.Context...)
	out.Metadata = deepCopyMap(cp.Metadata)
	return &out
}
