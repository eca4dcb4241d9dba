// Package loop provides the single-goroutine executor a worker runs its
// clients on. Everything a client owns is touched only from inside the loop;
// other goroutines hand work over with Post.
package loop

import (
	"context"
	"sync"
)

// Executor is the part of a Loop that I/O helpers need to deliver results.
type Executor interface {
	Post(fn func())
}

// Loop runs posted functions one at a time, in order, on the goroutine that
// called Run.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}
	once    sync.Once
}

// New returns an idle loop. Call Run to start processing.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post queues fn for execution on the loop. It never blocks and may be called
// from any goroutine. Functions posted after Stop are dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Stop makes Run return after the function currently executing. It is safe
// to call more than once and from any goroutine.
func (l *Loop) Stop() {
	l.once.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
	})
}

// Stopped reports whether Stop has been called.
func (l *Loop) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// Run processes posted functions until Stop is called or ctx is done. The
// returned error is ctx.Err() when the context ended the loop.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		stopped := l.stopped
		l.mu.Unlock()

		if stopped {
			return nil
		}

		for _, fn := range batch {
			fn()
			if l.Stopped() {
				return nil
			}
		}

		if len(batch) > 0 {
			continue
		}

		select {
		case <-l.wake:
		case <-l.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Done is closed once Stop has been called.
func (l *Loop) Done() <-chan struct{} { return l.done }
