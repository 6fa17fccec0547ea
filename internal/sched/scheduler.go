// Package sched routes work onto the host's logical execution
// contexts. Render owns GPU/surface resources, Logic owns host state
// mutated by action handlers, Authority owns the relay connection, and
// a free-running worker pool takes anything that may block. Each
// affinity context is a single goroutine draining an unbounded queue,
// so work submitted to one context runs serially in submission order.
package sched

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bridgelabs/webbridge/internal/infrastructure/logging"
	"go.uber.org/zap"
)

// Context identifies a logical execution context.
type Context int

const (
	Render Context = iota
	Logic
	Authority

	contextCount
)

func (c Context) String() string {
	switch c {
	case Render:
		return "render"
	case Logic:
		return "logic"
	case Authority:
		return "authority"
	default:
		return "unknown"
	}
}

var (
	ErrTimeout  = errors.New("scheduled call timed out")
	ErrShutdown = errors.New("scheduler is shut down")
)

// Scheduler owns the affinity loops and the worker pool. Timers created
// through After run on Go runtime timer goroutines, independent of
// every affinity loop, so a wedged loop cannot starve timeout delivery.
type Scheduler struct {
	log    *logging.Logger
	loops  [contextCount]*loop
	work   chan func()
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a scheduler with the given worker pool size.
func New(workers int, log *logging.Logger) *Scheduler {
	if workers <= 0 {
		workers = 4
	}
	s := &Scheduler{
		log:  log.Named("sched"),
		work: make(chan func(), 256),
	}
	for i := range s.loops {
		s.loops[i] = newLoop(Context(i).String(), s.log)
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Run enqueues fn on the given context and returns immediately.
// Work submitted after shutdown is dropped with a warning.
func (s *Scheduler) Run(ctx Context, fn func()) {
	if s.closed.Load() {
		s.log.Warn("work dropped after shutdown", zap.Stringer("context", ctx))
		return
	}
	s.loops[ctx].push(fn)
}

// Call runs fn on the given context and waits for its result, up to
// timeout. Calling into your own context cannot be detected here;
// such a call fails with ErrTimeout rather than deadlocking.
func (s *Scheduler) Call(ctx Context, timeout time.Duration, fn func() (interface{}, error)) (interface{}, error) {
	if s.closed.Load() {
		return nil, ErrShutdown
	}

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)
	s.loops[ctx].push(func() {
		v, err := fn()
		done <- outcome{v, err}
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.value, out.err
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// Submit hands fn to the worker pool. If every worker is busy and the
// backlog is full, a dedicated goroutine is spawned instead; producers
// are never blocked.
func (s *Scheduler) Submit(fn func()) {
	if s.closed.Load() {
		return
	}
	select {
	case s.work <- fn:
	default:
		go guard(s.log, "worker", fn)
	}
}

// After schedules fn after d on a runtime timer, outside all affinity
// loops. The returned timer can be stopped to cancel.
func (s *Scheduler) After(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() {
		guard(s.log, "timer", fn)
	})
}

// Every runs fn on the given context at the given period until the
// returned stop function is called.
func (s *Scheduler) Every(ctx Context, period time.Duration, fn func()) (stop func()) {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.Run(ctx, fn)
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// Shutdown stops intake, then waits for the loops and workers to drain
// or for ctx to expire.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	drained := make(chan struct{})
	go func() {
		for _, l := range s.loops {
			l.stop()
		}
		close(s.work)
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for fn := range s.work {
		guard(s.log, "worker", fn)
	}
}

// loop is a single-goroutine serial executor with an unbounded queue.
// Producers never block; ordering within one loop is FIFO.
type loop struct {
	name string
	log  *logging.Logger

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	stopped bool
}

func newLoop(name string, log *logging.Logger) *loop {
	l := &loop{
		name: name,
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *loop) push(fn func()) {
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

func (l *loop) run() {
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		stopped := l.stopped
		l.mu.Unlock()

		for _, fn := range batch {
			guard(l.log, l.name, fn)
		}

		if stopped && len(batch) == 0 {
			close(l.done)
			return
		}
		if len(batch) > 0 {
			continue
		}

		<-l.wake
	}
}

// stop finishes queued work then terminates the loop goroutine.
func (l *loop) stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.stopped = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
}

// guard runs fn and converts a panic into an error log; one bad work
// unit must not take down an affinity loop.
func guard(log *logging.Logger, where string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in scheduled work",
				zap.String("context", where),
				zap.Any("panic", r))
		}
	}()
	fn()
}
