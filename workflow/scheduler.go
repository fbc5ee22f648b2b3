package workflow

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// QueueSet names the scheduler set a node is in.
type QueueSet string

const (
	SetWaiting   QueueSet = "waiting"
	SetReady     QueueSet = "ready"
	SetRunning   QueueSet = "running"
	SetPaused    QueueSet = "paused"
	SetCompleted QueueSet = "completed"
	SetFailed    QueueSet = "failed"
	SetSkipped   QueueSet = "skipped"
)

// ReadinessFunc reports whether a waiting node may be promoted to ready.
type ReadinessFunc func(nodeID string) bool

// Scheduler keeps every node in exactly one set and bounds how many nodes
// run at once.
type Scheduler struct {
	maxParallel int
	sets        map[string]QueueSet
	readyOrder  []string
	readiness   ReadinessFunc
	logger      *zap.Logger
	mu          sync.Mutex
}

// NewScheduler places every node in the waiting set.
func NewScheduler(nodeIDs []string, maxParallel int, readiness ReadinessFunc, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxParallel <= 0 {
		maxParallel = 1
	}
	s := &Scheduler{
		maxParallel: maxParallel,
		sets:        make(map[string]QueueSet, len(nodeIDs)),
		readiness:   readiness,
		logger:      logger.With(zap.String("component", "scheduler")),
	}
	for _, id := range nodeIDs {
		s.sets[id] = SetWaiting
	}
	return s
}

// MaxParallel returns the concurrency bound.
func (s *Scheduler) MaxParallel() int {
	return s.maxParallel
}

// GetNextNodes promotes waiting nodes whose readiness holds, then returns up
// to maxParallel minus running ready ids in promotion order. Returned ids stay
// ready until MarkRunning.
func (s *Scheduler) GetNextNodes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.idsInLocked(SetWaiting) {
		if s.readiness == nil || s.readiness(id) {
			s.sets[id] = SetReady
			s.readyOrder = append(s.readyOrder, id)
		}
	}

	slots := s.maxParallel - s.countLocked(SetRunning)
	if slots <= 0 {
		return nil
	}
	if slots > len(s.readyOrder) {
		slots = len(s.readyOrder)
	}
	return append([]string(nil), s.readyOrder[:slots]...)
}

// MarkReady moves a waiting node straight to ready.
func (s *Scheduler) MarkReady(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.moveLocked(id, SetReady, SetWaiting); err != nil {
		return err
	}
	s.readyOrder = append(s.readyOrder, id)
	return nil
}

// MarkRunning moves a ready node to running.
func (s *Scheduler) MarkRunning(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moveLocked(id, SetRunning, SetReady)
}

// MarkCompleted moves a running node to completed.
func (s *Scheduler) MarkCompleted(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moveLocked(id, SetCompleted, SetRunning)
}

// MarkFailed moves a node to failed from any non-final set.
func (s *Scheduler) MarkFailed(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moveLocked(id, SetFailed, SetRunning, SetPaused, SetWaiting, SetReady)
}

// MarkPaused moves a running node to paused.
func (s *Scheduler) MarkPaused(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moveLocked(id, SetPaused, SetRunning)
}

// MarkSkipped moves a node that never ran to skipped.
func (s *Scheduler) MarkSkipped(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moveLocked(id, SetSkipped, SetWaiting, SetReady)
}

// Resume moves a paused node back to running.
func (s *Scheduler) Resume(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moveLocked(id, SetRunning, SetPaused)
}

// Restore places a node in set without checking where it was. Used when
// rehydrating a run.
func (s *Scheduler) Restore(id string, set QueueSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeReadyLocked(id)
	s.sets[id] = set
	if set == SetReady {
		s.readyOrder = append(s.readyOrder, id)
	}
}

// Set returns the set id is in.
func (s *Scheduler) Set(id string) (QueueSet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[id]
	return set, ok
}

// IDs returns the sorted ids in set.
func (s *Scheduler) IDs(set QueueSet) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idsInLocked(set)
}

// Counts returns the size of every set.
func (s *Scheduler) Counts() map[QueueSet]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[QueueSet]int, 7)
	for _, set := range s.sets {
		counts[set]++
	}
	return counts
}

// IsBlocked reports a suspended run: something is paused and nothing is
// running or ready.
func (s *Scheduler) IsBlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked(SetPaused) > 0 && s.countLocked(SetRunning) == 0 && s.countLocked(SetReady) == 0
}

// HasFailed reports whether any node failed.
func (s *Scheduler) HasFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked(SetFailed) > 0
}

// IsComplete reports whether every node is completed or skipped.
func (s *Scheduler) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, set := range s.sets {
		if set != SetCompleted && set != SetSkipped {
			return false
		}
	}
	return true
}

// IsIdle reports that nothing is ready, running or paused.
func (s *Scheduler) IsIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked(SetReady) == 0 && s.countLocked(SetRunning) == 0 && s.countLocked(SetPaused) == 0
}

func (s *Scheduler) moveLocked(id string, to QueueSet, from ...QueueSet) error {
	cur, ok := s.sets[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	allowed := false
	for _, f := range from {
		if cur == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("scheduler: node %s cannot move from %s to %s", id, cur, to)
	}
	if cur == SetReady {
		s.removeReadyLocked(id)
	}
	s.sets[id] = to
	s.logger.Debug("node moved", zap.String("node_id", id), zap.String("from", string(cur)), zap.String("to", string(to)))
	return nil
}

func (s *Scheduler) removeReadyLocked(id string) {
	for i, r := range s.readyOrder {
		if r == id {
			s.readyOrder = append(s.readyOrder[:i], s.readyOrder[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) countLocked(set QueueSet) int {
	n := 0
	for _, cur := range s.sets {
		if cur == set {
			n++
		}
	}
	return n
}

func (s *Scheduler) idsInLocked(set QueueSet) []string {
	var ids []string
	for id, cur := range s.sets {
		if cur == set {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
