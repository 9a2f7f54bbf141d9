package eventloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	// ErrClosed is returned when submitting to a closed loop.
	ErrClosed = errors.New("eventloop: closed")

	// ErrRunning is returned when Run is called on a loop that is already running.
	ErrRunning = errors.New("eventloop: already running")
)

// Loop is a single-goroutine task queue.
//
// Tasks are executed one at a time in submission order on the goroutine
// that calls Run or RunUntilIdle. Any goroutine may Submit; everything a
// task touches is therefore owned by the loop and needs no locking.
//
// The loop also counts outstanding asynchronous operations (see Go) and
// holds taken by live resources (see Hold) so RunUntilIdle can tell when no
// further task can arrive.
type Loop struct {
	logger    *zap.Logger
	wake      chan struct{}
	queue     []func()
	pending   int
	holds     int
	processed atomic.Uint64
	mu        sync.Mutex
	running   bool
	closed    bool
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the loop logger.
func WithLogger(l *zap.Logger) Option {
	return func(lp *Loop) {
		if l != nil {
			lp.logger = l
		}
	}
}

// New creates an idle loop.
func New(opts ...Option) *Loop {
	l := &Loop{
		logger: Logger(),
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Submit queues fn to run on the loop. Safe for concurrent use.
func (l *Loop) Submit(fn func()) error {
	if !l.enqueue(fn) {
		return ErrClosed
	}
	return nil
}

// Defer queues fn behind every task already queued. It is the loop's
// equivalent of a zero-delay timer; tasks on a closed loop are dropped.
func (l *Loop) Defer(fn func()) {
	if !l.enqueue(fn) {
		l.logger.Debug("deferred task dropped on closed loop")
	}
}

// Hold marks a live resource that may still produce tasks. The returned
// release function is idempotent.
func (l *Loop) Hold() (release func()) {
	l.mu.Lock()
	l.holds++
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.holds--
			l.mu.Unlock()
			l.signal()
		})
	}
}

// Run executes tasks until ctx is done or the loop is closed.
func (l *Loop) Run(ctx context.Context) error {
	return l.run(ctx, neverIdle)
}

// RunUntilIdle executes tasks until the queue is empty and no asynchronous
// operation or hold is outstanding.
func (l *Loop) RunUntilIdle(ctx context.Context) error {
	return l.run(ctx, fullyIdle)
}

// Drain executes tasks until the queue is empty and no asynchronous
// operation is outstanding. Unlike RunUntilIdle it ignores holds, so it
// returns while live resources could still produce tasks.
func (l *Loop) Drain(ctx context.Context) error {
	return l.run(ctx, drainIdle)
}

// Close stops the loop. Queued tasks that have not started are discarded
// and completions of outstanding operations are dropped.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	dropped := len(l.queue)
	l.queue = nil
	l.mu.Unlock()
	l.signal()

	if dropped > 0 {
		l.logger.Debug("loop closed with queued tasks", zap.Int("dropped", dropped))
	}
}

// Closed reports whether Close was called.
func (l *Loop) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Stats is a snapshot of loop counters.
type Stats struct {
	Processed uint64
	Queued    int
	Pending   int
	Holds     int
}

// Stats returns current counters. Safe for concurrent use.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Processed: l.processed.Load(),
		Queued:    len(l.queue),
		Pending:   l.pending,
		Holds:     l.holds,
	}
}

type idleMode int

const (
	neverIdle idleMode = iota
	fullyIdle
	drainIdle
)

func (l *Loop) run(ctx context.Context, mode idleMode) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrRunning
	}
	l.running = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return nil
		}
		if len(l.queue) > 0 {
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			fn()
			l.processed.Add(1)
			continue
		}
		if l.idle(mode) {
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		select {
		case <-l.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// idle must be called with mu held.
func (l *Loop) idle(mode idleMode) bool {
	switch mode {
	case fullyIdle:
		return l.pending == 0 && l.holds == 0
	case drainIdle:
		return l.pending == 0
	default:
		return false
	}
}

func (l *Loop) enqueue(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	l.signal()
	return true
}

func (l *Loop) begin() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.pending++
	return true
}

func (l *Loop) end() {
	l.mu.Lock()
	l.pending--
	l.mu.Unlock()
	l.signal()
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Go runs work on a new goroutine and delivers its result to done on the
// loop. The operation counts as pending until done has run. It returns false
// without starting work when the loop is closed.
func Go[T any](l *Loop, work func() (T, error), done func(T, error)) bool {
	if !l.begin() {
		return false
	}
	go func() {
		v, err := work()
		ok := l.enqueue(func() {
			l.end()
			done(v, err)
		})
		if !ok {
			l.end()
		}
	}()
	return true
}
