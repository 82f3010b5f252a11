// Package loop runs the core's single-threaded event loop.
//
// Every state machine in the core is owned by the loop goroutine. Work from
// other goroutines (bound UI methods, transport responses, PTY callbacks)
// enters through Post or Do and is executed one function at a time.
package loop

import (
	"context"
	"errors"
	"sync"

	"taskhub/internal/logging"
)

// ErrStopped is returned by Do when the loop is no longer running.
var ErrStopped = errors.New("event loop stopped")

const defaultQueueSize = 256

// Loop serializes functions onto a single goroutine.
type Loop struct {
	queue   chan func()
	stopped chan struct{}
	once    sync.Once
}

// New creates a loop. It does nothing until Run is called.
func New() *Loop {
	return &Loop{
		queue:   make(chan func(), defaultQueueSize),
		stopped: make(chan struct{}),
	}
}

// Post schedules fn to run on the loop. It never runs fn inline.
// Posting to a stopped loop drops fn. Post blocks while the queue is full,
// so code running on the loop must not post in a burst; hand the post to a
// goroutine instead.
func (l *Loop) Post(fn func()) {
	select {
	case <-l.stopped:
		return
	default:
	}
	select {
	case l.queue <- fn:
	case <-l.stopped:
	}
}

// Do runs fn on the loop and waits for it to finish. It must not be called
// from the loop goroutine itself.
func (l *Loop) Do(fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case l.queue <- wrapped:
	case <-l.stopped:
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-l.stopped:
		return ErrStopped
	}
}

// Run executes posted functions until ctx is cancelled. A panicking function
// is logged and does not take the loop down.
func (l *Loop) Run(ctx context.Context) error {
	defer l.stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.queue:
			l.exec(fn)
		}
	}
}

// Drain runs everything currently queued on the calling goroutine and
// returns the number of functions executed. Functions posted while draining
// are run too. Intended for tests and for shutdown.
func (l *Loop) Drain() int {
	n := 0
	for {
		select {
		case fn := <-l.queue:
			l.exec(fn)
			n++
		default:
			return n
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Event loop task panicked", "panic", r)
		}
	}()
	fn()
}

func (l *Loop) stop() {
	l.once.Do(func() { close(l.stopped) })
}
