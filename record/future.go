package record

import (
	"context"
	"sync"
)

// Future is a single-value future resolved exactly once by the store on the next decisive status
// transition of the record it was obtained for.
//
// There is no explicit cancellation: a caller who no longer cares simply stops waiting.
type Future struct {
	done chan struct{}
	once sync.Once
	err  error
}

// NewFuture creates an unresolved Future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve settles the future. Only the first call has any effect.
func (f *Future) Resolve(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Wait blocks until the future resolves or ctx is done, returning the resolution error (nil on
// success) or ctx.Err() if the context ended first.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsResolved reports whether Resolve has already been called.
func (f *Future) IsResolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
