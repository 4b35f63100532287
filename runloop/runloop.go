// Package runloop specifies the run-loop contract consumed by store and windowedquery, and
// provides a minimal concrete implementation of it.
//
// The model is single-threaded and cooperatively scheduled: there are four named queues, drained
// in order on every turn. The store defers auto-commit scheduling to Middle, and windowedquery
// defers its fetch coalescing there. Type events and query update notifications are not deferred:
// they are broadcast synchronously when the change is made, so an observer can see the
// intermediate states of a batch.
//
// This package supplies a runnable default (New) that drains queues on an explicit Tick() call or
// continuously via Run(ctx, interval), grounded on the reference SDK's own ticker-plus-goroutine scheduling
// idiom (internal/datasource/polling_data_source.go's newTickerWithInitialTick / dedicated
// goroutine / sync.Once shutdown), adapted from "poll on an interval" to "drain phase queues".
package runloop

import (
	"context"
	"sync"
	"time"
)

// Queue names one of the four run-loop phases.
type Queue int

const (
	// Before runs first each turn.
	Before Queue = iota
	// Middle runs after Before. Commit scheduling and windowed-query fetch coalescing live here.
	Middle
	// Render runs after Middle. View-layer work (external to this module) belongs here.
	Render
	// After runs last each turn.
	After
)

const queueCount = 4

// RunLoop is the contract this module's components depend on for deferred and delayed work.
type RunLoop interface {
	// Defer schedules fn to run the next time queue is drained.
	Defer(queue Queue, fn func())
	// AfterDelay schedules fn to be deferred onto the Before queue once d has elapsed.
	AfterDelay(d time.Duration, fn func())
}

// Loop is a minimal concrete RunLoop. The zero value is not ready to use; call New.
type Loop struct {
	mu      sync.Mutex
	queues  [queueCount][]func()
	timers  []*time.Timer
	closed  bool
	running bool
	quit    chan struct{}
}

// New creates an empty, ready-to-use Loop.
func New() *Loop {
	return &Loop{quit: make(chan struct{})}
}

// Defer implements RunLoop.
func (l *Loop) Defer(queue Queue, fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.queues[queue] = append(l.queues[queue], fn)
}

// AfterDelay implements RunLoop by scheduling fn onto the Before queue once d elapses.
func (l *Loop) AfterDelay(d time.Duration, fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	timer := time.AfterFunc(d, func() { l.Defer(Before, fn) })
	l.timers = append(l.timers, timer)
	l.mu.Unlock()
}

// Tick drains all four queues once, in order. Work enqueued by a callback onto a queue that has
// not yet been drained this turn still runs this turn; work enqueued onto an already-drained
// queue waits for the next Tick.
func (l *Loop) Tick() {
	for q := Queue(0); q < queueCount; q++ {
		for {
			l.mu.Lock()
			pending := l.queues[q]
			l.queues[q] = nil
			l.mu.Unlock()
			if len(pending) == 0 {
				break
			}
			for _, fn := range pending {
				fn()
			}
		}
	}
}

// Run drains the loop on the given interval until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context, interval time.Duration) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.quit:
			return
		case <-ticker.C:
			l.Tick()
		}
	}
}

// Stop halts a running Run loop and cancels any pending delayed callbacks.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for _, timer := range l.timers {
		timer.Stop()
	}
	close(l.quit)
}
