// Package async is a cooperative runtime for a jsonrpc.Dispatcher.
//
// A Loop owns a single turn. Tasks are handed the turn in FIFO order and keep
// it until they Await, Sleep, Yield or return, so code running on the loop
// never runs in parallel with other loop code. Blocking work belongs in
// Blocking, which runs off the loop and completes a Future the loop can
// await.
//
// Basic Usage:
//
//	rt := async.NewRuntime(d, async.WithInterrupt(stopRequested))
//	go rt.Run(ctx)
//	http.Handle("/rpc", server.Handler(rt))
//
// Methods served by a Runtime receive a context bound to their task, so they
// may call Await, Sleep and Yield themselves.
package async

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

var (
	// ErrStopped is returned for tasks submitted from outside the loop after
	// Stop.
	ErrStopped = errors.New("async: loop stopped")

	// ErrRunning is returned by Run when the loop is already running.
	ErrRunning = errors.New("async: loop already running")
)

// DefaultPollInterval is how often an idle loop checks its interrupt.
const DefaultPollInterval = 500 * time.Millisecond

// Option configures a Loop or a Runtime.
type Option func(*options)

type options struct {
	poll      time.Duration
	interrupt func() bool
	logger    *slog.Logger
}

// WithInterrupt sets a function polled while the loop is idle. The loop
// stops once it returns true.
func WithInterrupt(fn func() bool) Option {
	return func(o *options) {
		o.interrupt = fn
	}
}

// WithPollInterval sets how often an idle loop checks its interrupt and
// context.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.poll = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func buildOptions(opts []Option) options {
	o := options{poll: DefaultPollInterval}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// task is one unit of work holding or waiting for the turn.
type task struct {
	loop   *Loop
	resume chan struct{}
}

type taskKey struct{}

func current(ctx context.Context) *task {
	t, _ := ctx.Value(taskKey{}).(*task)
	return t
}

// park gives the turn back to the loop and waits to be resumed.
func (t *task) park() {
	t.loop.yield <- struct{}{}
	<-t.resume
}

// Loop is a single-turn scheduler.
type Loop struct {
	opts options

	// yield is sent by the task holding the turn when it releases it.
	yield chan struct{}
	// wake nudges an idle loop.
	wake chan struct{}

	mu       sync.Mutex
	ready    []*task
	live     int
	running  bool
	stopping bool
}

// NewLoop creates a loop. It does nothing until Run is called.
func NewLoop(opts ...Option) *Loop {
	o := buildOptions(opts)
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return &Loop{
		opts:  o,
		yield: make(chan struct{}),
		wake:  make(chan struct{}, 1),
	}
}

// Run hands out the turn until the loop is stopped and every task has
// finished. Cancelling ctx or a true interrupt stops the loop.
func (l *Loop) Run(ctx context.Context) error {
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

	ticker := time.NewTicker(l.opts.poll)
	defer ticker.Stop()
	done := ctx.Done()
	for {
		t, finished := l.next()
		if finished {
			return nil
		}
		if t != nil {
			t.resume <- struct{}{}
			<-l.yield
			continue
		}
		select {
		case <-l.wake:
		case <-done:
			done = nil
			l.Stop()
		case <-ticker.C:
			if l.opts.interrupt != nil && l.opts.interrupt() {
				l.opts.logger.Info("async: interrupted")
				l.Stop()
			}
		}
	}
}

// Stop stops the loop. Tasks already admitted run to completion and may
// spawn further tasks; Spawn from outside the loop fails with ErrStopped.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopping = true
	l.mu.Unlock()
	l.nudge()
}

// Stopping reports whether Stop has been called.
func (l *Loop) Stopping() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopping
}

func (l *Loop) next() (*task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.ready) > 0 {
		t := l.ready[0]
		l.ready[0] = nil
		l.ready = l.ready[1:]
		return t, false
	}
	return nil, l.stopping && l.live == 0
}

func (l *Loop) nudge() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) enqueue(t *task) {
	l.mu.Lock()
	l.ready = append(l.ready, t)
	l.mu.Unlock()
	l.nudge()
}

// admit counts a new task. Tasks spawned from outside the loop are refused
// once it is stopping.
func (l *Loop) admit(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopping {
		if t := current(ctx); t == nil || t.loop != l {
			return false
		}
	}
	l.live++
	return true
}

func (l *Loop) finish() {
	l.mu.Lock()
	l.live--
	l.mu.Unlock()
	l.nudge()
}

// Spawn schedules fn as a new task on l and returns its future. fn receives
// a context bound to the task.
func Spawn[T any](ctx context.Context, l *Loop, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()
	if !l.admit(ctx) {
		var zero T
		f.complete(zero, ErrStopped)
		return f
	}
	t := &task{loop: l, resume: make(chan struct{})}
	tctx := context.WithValue(ctx, taskKey{}, t)
	go func() {
		<-t.resume
		v, err := call(tctx, fn, l.opts.logger)
		f.complete(v, err)
		l.finish()
		l.yield <- struct{}{}
	}()
	l.enqueue(t)
	return f
}

// Await returns the outcome of f. On the loop it gives up the turn until f
// completes; elsewhere it blocks like Future.Wait.
func Await[T any](ctx context.Context, f *Future[T]) (T, error) {
	t := current(ctx)
	if t == nil {
		return f.Wait(ctx)
	}
	f.mu.Lock()
	if f.finished {
		f.mu.Unlock()
		return f.val, f.err
	}
	f.waiters = append(f.waiters, t)
	f.mu.Unlock()
	t.park()
	return f.Result()
}

// Sleep pauses the calling task for d, or until ctx is done. Other tasks run
// meanwhile.
func Sleep(ctx context.Context, d time.Duration) error {
	t := current(ctx)
	if t == nil {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	var once sync.Once
	wakeUp := func() { once.Do(func() { t.loop.enqueue(t) }) }
	timer := time.AfterFunc(d, wakeUp)
	stop := context.AfterFunc(ctx, wakeUp)
	t.park()
	timer.Stop()
	stop()
	return ctx.Err()
}

// Yield moves the calling task to the back of the ready queue.
func Yield(ctx context.Context) {
	t := current(ctx)
	if t == nil {
		runtime.Gosched()
		return
	}
	t.loop.enqueue(t)
	t.park()
}

// Blocking runs fn on its own goroutine and returns a future for it. fn
// runs off the loop: Await, Sleep and Yield block it like ordinary calls.
func Blocking[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()
	ctx = context.WithValue(ctx, taskKey{}, (*task)(nil))
	go func() {
		v, err := call(ctx, fn, nil)
		f.complete(v, err)
	}()
	return f
}

func call[T any](ctx context.Context, fn func(ctx context.Context) (T, error), logger *slog.Logger) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			if logger != nil {
				logger.Error("async: task panic", "panic", r, "stack", string(debug.Stack()))
			}
			var zero T
			v, err = zero, fmt.Errorf("async: task panicked: %v", r)
		}
	}()
	return fn(ctx)
}
