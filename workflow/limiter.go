package workflow

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds fan-out inside a single node, independently of the
// scheduler's parallelism.
type Limiter struct {
	sem      *semaphore.Weighted
	max      int64
	inFlight atomic.Int64
}

// NewLimiter creates a limiter admitting max concurrent holders.
func NewLimiter(max int) *Limiter {
	if max <= 0 {
		max = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(max)), max: int64(max)}
}

// Acquire blocks until a slot is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	l.inFlight.Add(1)
	return nil
}

// Release frees a slot taken by Acquire.
func (l *Limiter) Release() {
	l.inFlight.Add(-1)
	l.sem.Release(1)
}

// Run executes fn while holding a slot.
func (l *Limiter) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn(ctx)
}

// InFlight returns the number of held slots.
func (l *Limiter) InFlight() int {
	return int(l.inFlight.Load())
}

// Max returns the limit.
func (l *Limiter) Max() int {
	return int(l.max)
}
