package workflow

import (
	"context"
	"sync"
)

// RunLock serialises operations on one execution. The Redis implementation
// in workflow/persistence extends this across processes.
type RunLock interface {
	Lock(ctx context.Context, executionID string) (unlock func(), err error)
}

// MemoryRunLock is a process-local RunLock.
type MemoryRunLock struct {
	slots map[string]chan struct{}
	mu    sync.Mutex
}

// NewMemoryRunLock creates a process-local run lock.
func NewMemoryRunLock() *MemoryRunLock {
	return &MemoryRunLock{slots: make(map[string]chan struct{})}
}

// Lock blocks until executionID is free or ctx is done.
func (l *MemoryRunLock) Lock(ctx context.Context, executionID string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[executionID]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[executionID] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-slot })
	}, nil
}
