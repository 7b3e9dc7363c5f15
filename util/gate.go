// Package util holds small concurrency helpers used by the server.
package util

import (
	"context"
)

// A Gate limits concurrency. Every gate has a maximum number of goroutines
// to allow through at a time. Goroutines enter the gate by calling Enter(),
// and signal that they are done by calling Leave().
type Gate chan struct{}

// NewGate returns a Gate which accepts at most n entries at a time.
func NewGate(n int) Gate {
	if n <= 0 {
		n = 1
	}
	return Gate(make(chan struct{}, n))
}

// Enter blocks the calling goroutine until there are less than n goroutines
// inside, or until ctx is done, in which case the gate is not entered and
// the context's error is returned.
// It is safe to call this from multiple goroutines.
func (g Gate) Enter(ctx context.Context) error {
	select {
	case g <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Leave marks a goroutine outside the critical section. Each successful
// Enter must be balanced by exactly one Leave, not necessarily from the same
// goroutine.
func (g Gate) Leave() {
	<-g
}

// Inside returns the number of goroutines inside the gate.
func (g Gate) Inside() int {
	return len(g)
}
