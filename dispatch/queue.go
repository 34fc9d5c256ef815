// Package dispatch delivers work on a single designated goroutine, in
// submission order, without ever blocking the submitter.
package dispatch

import (
	"bytes"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"

	"micgate/log"
)

const DefaultSize = 256

// Queue runs submitted functions one at a time on its own worker goroutine,
// optionally routed through an executor such as the main thread.
type Queue struct {
	work chan func()
	exec func(func())
	done chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
	owner   atomic.Uint64 // goroutine running the current function, 0 when idle
}

type Option func(*Queue)

// WithExecutor runs every invocation through exec. exec must call its
// argument synchronously.
func WithExecutor(exec func(func())) Option {
	return func(q *Queue) {
		if exec != nil {
			q.exec = exec
		}
	}
}

func New(size int, opts ...Option) *Queue {
	if size <= 0 {
		size = DefaultSize
	}
	q := &Queue{
		work: make(chan func(), size),
		exec: func(fn func()) { fn() },
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	go q.loop()
	return q
}

// Dispatch enqueues fn. It returns false without blocking when the queue is
// full or closed.
func (q *Queue) Dispatch(fn func()) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.work <- fn:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Flush blocks until everything dispatched before the call has run. Called
// from inside a dispatched function it returns immediately.
func (q *Queue) Flush() {
	if q.Running() {
		return
	}
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		<-q.done
		return
	}
	marker := make(chan struct{})
	q.work <- func() { close(marker) }
	q.mu.RUnlock()
	<-marker
}

// Running reports whether the caller is inside a function the queue is
// currently running.
func (q *Queue) Running() bool {
	id := q.owner.Load()
	return id != 0 && id == goroutineID()
}

// Dropped reports how many Dispatch calls found the queue full.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Close stops accepting work, runs what is already queued and waits for the
// worker to exit. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.work)
	}
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) loop() {
	defer close(q.done)
	for fn := range q.work {
		q.run(fn)
	}
}

func (q *Queue) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("dispatch: handler panicked: %v\n%s", r, debug.Stack())
		}
	}()
	q.exec(func() {
		q.owner.Store(goroutineID())
		defer q.owner.Store(0)
		fn()
	})
}

// goroutineID reads the current goroutine's id from its stack header
// ("goroutine 18 [running]:").
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
