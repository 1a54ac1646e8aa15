// Package loop provides the single-threaded scheduler every player component
// runs on. State owned by a component is only touched from functions executed
// by its Scheduler, so the core needs no locking.
package loop

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop cancels the timer. It reports whether the call prevented a run.
	Stop() bool
}

// Scheduler runs functions one at a time, in posting order.
type Scheduler interface {
	Now() time.Time
	// Post queues fn to run on the loop. Safe from any goroutine, including
	// the loop itself, and never blocks.
	Post(fn func())
	// AfterFunc runs fn on the loop once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
	// Every runs fn on the loop each period until stopped.
	Every(d time.Duration, fn func()) Timer
}

// ErrStopped is returned by Call once the loop has exited.
var ErrStopped = errors.New("loop stopped")

// Loop is the production Scheduler: a goroutine draining a function queue.
// The queue is unbounded so that Post never blocks, including when the loop
// posts to itself.
type Loop struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// New creates a loop whose queue starts with room for size functions. Run
// must be called to start it.
func New(size int) *Loop {
	if size <= 0 {
		size = 256
	}
	return &Loop{
		queue: make([]func(), 0, size),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Run executes queued functions until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	defer l.once.Do(func() {
		l.mu.Lock()
		close(l.done)
		l.queue = nil
		l.mu.Unlock()
	})
	var batch []func()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.wake:
		}
		batch = l.take(batch[:0])
		for i, fn := range batch {
			if ctx.Err() != nil {
				return nil
			}
			fn()
			batch[i] = nil
		}
	}
}

// take swaps the pending queue for buf so that posting continues while the
// batch runs.
func (l *Loop) take(buf []func()) []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.queue
	l.queue = buf
	return batch
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) Now() time.Time { return time.Now() }

// Post queues fn without blocking. Functions posted after Run has returned
// are dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	select {
	case <-l.done:
		l.mu.Unlock()
		return
	default:
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &realTimer{}
	t.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped() {
				return
			}
			fn()
		})
	})
	return t
}

func (l *Loop) Every(d time.Duration, fn func()) Timer {
	t := &realTicker{stop: make(chan struct{})}
	tk := time.NewTicker(d)
	go func() {
		defer tk.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-l.done:
				return
			case <-tk.C:
				l.Post(func() {
					if t.stopped() {
						return
					}
					fn()
				})
			}
		}
	}()
	return t
}

type realTimer struct {
	mu   sync.Mutex
	t    *time.Timer
	done bool
}

func (t *realTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	t.t.Stop()
	return true
}

func (t *realTimer) stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return true
	}
	t.done = true
	return false
}

type realTicker struct {
	mu   sync.Mutex
	stop chan struct{}
	done bool
}

func (t *realTicker) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	close(t.stop)
	return true
}

func (t *realTicker) stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Call runs fn on the scheduler and waits for its result. It is used by HTTP
// handlers and other goroutines that need a consistent read of loop state.
func Call[T any](ctx context.Context, s Scheduler, fn func() T) (T, error) {
	var zero T
	res := make(chan T, 1)
	s.Post(func() { res <- fn() })
	if l, ok := s.(*Loop); ok {
		select {
		case v := <-res:
			return v, nil
		case <-l.done:
			return zero, ErrStopped
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	select {
	case v := <-res:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
