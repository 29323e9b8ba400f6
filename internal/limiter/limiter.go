// Package limiter bounds how many subprocess launches may be in flight.
package limiter

import (
	"context"
	"fmt"
	"sync"
)

// Limiter is a counting semaphore. A slot freed by Release is handed to one
// of the waiting callers, if any.
type Limiter struct {
	slots    chan struct{}
	capacity int
}

// New creates a limiter with the given number of slots
func New(capacity int) (*Limiter, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("limiter capacity must be positive, got %d", capacity)
	}

	return &Limiter{
		slots:    make(chan struct{}, capacity),
		capacity: capacity,
	}, nil
}

// Acquire waits for an available slot. The returned release function gives
// the slot back; calling it more than once has no further effect.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to acquire launch slot: %w", ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-l.slots })
	}, nil
}

// InUse returns the number of slots currently held
func (l *Limiter) InUse() int {
	return len(l.slots)
}

// Capacity returns the total number of slots
func (l *Limiter) Capacity() int {
	return l.capacity
}
