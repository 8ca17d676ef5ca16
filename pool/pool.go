// Package pool provides an elastic worker pool with a FIFO task queue.
//
// A pool keeps between a minimum and a maximum number of workers. Submit
// hands a task to an idle worker, spawns a worker while below the maximum,
// or queues the task. Workers idle past the idle timeout exit on their own
// timer, never taking the pool below its minimum.
//
// A nil *Pool is valid: Submit runs the task inline on the caller.
package pool

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
	// ErrStopped is returned by Submit once Stop or Shutdown has been called.
	ErrStopped = errors.New("pool: stopped")
	// ErrTasksCancelled is returned by Shutdown when queued tasks were
	// dropped because its context ended.
	ErrTasksCancelled = errors.New("pool: queued tasks cancelled")
)

// DefaultIdleTimeout is used when WithIdleTimeout is not given.
const DefaultIdleTimeout = 30 * time.Second

// WorkerState is the lifecycle state of one worker.
type WorkerState int

const (
	Starting WorkerState = iota
	Running
	Idling
	Exiting
)

func (s WorkerState) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Idling:
		return "idling"
	case Exiting:
		return "exiting"
	}
	return "unknown"
}

type poolState int

const (
	poolNew poolState = iota
	poolRunning
	poolStopping
)

type worker struct {
	id    int
	state WorkerState
	// wake receives the next task; nil tells an idle worker to exit.
	wake chan func()
}

// Stats is a snapshot of pool accounting.
type Stats struct {
	Name      string
	Min, Max  int
	Live      int
	Starting  int
	Running   int
	Idling    int
	Queued    int
	Completed uint64
	Panicked  uint64
	Cancelled uint64
}

// Pool is an elastic worker pool. Create one with New.
type Pool struct {
	name        string
	min, max    int
	idleTimeout time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	state   poolState
	nextID  int
	workers map[int]*worker
	idle    []*worker // most recently idled last
	queue   []func()
	done    chan struct{}

	completed, panicked, cancelled uint64
}

// Option configures a Pool.
type Option func(*Pool)

// WithMinWorkers sets the number of workers kept alive while idle.
func WithMinWorkers(n int) Option {
	return func(p *Pool) {
		p.min = n
	}
}

// WithMaxWorkers sets the maximum number of live workers.
func WithMaxWorkers(n int) Option {
	return func(p *Pool) {
		p.max = n
	}
}

// WithIdleTimeout sets how long a worker above the minimum waits for work
// before exiting. Zero or less keeps idle workers forever.
func WithIdleTimeout(d time.Duration) Option {
	return func(p *Pool) {
		p.idleTimeout = d
	}
}

// WithName names the pool in logs and stats.
func WithName(name string) Option {
	return func(p *Pool) {
		p.name = name
	}
}

// WithLogger sets the logger. Nil means slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = l
	}
}

// New creates a pool. By default it has no minimum, GOMAXPROCS as maximum
// and DefaultIdleTimeout. Workers are not spawned until Start or the first
// Submit.
func New(opts ...Option) *Pool {
	p := &Pool{
		name:        "pool",
		max:         runtime.GOMAXPROCS(0),
		idleTimeout: DefaultIdleTimeout,
		workers:     make(map[int]*worker),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.min < 0 {
		p.min = 0
	}
	if p.max < 1 {
		p.max = 1
	}
	if p.min > p.max {
		p.min = p.max
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("pool", p.name)
	return p
}

// Start spawns the minimum number of workers. It is called implicitly by
// the first Submit and is a no-op on a started or stopped pool.
func (p *Pool) Start() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startLocked()
}

func (p *Pool) startLocked() {
	if p.state != poolNew {
		return
	}
	p.state = poolRunning
	for i := 0; i < p.min; i++ {
		p.spawnLocked(nil)
	}
}

// Submit schedules task. On a nil pool the task runs inline before Submit
// returns.
func (p *Pool) Submit(task func()) error {
	if task == nil {
		return errors.New("pool: nil task")
	}
	if p == nil {
		task()
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.startLocked()
	if p.state != poolRunning {
		return ErrStopped
	}
	if n := len(p.idle); n > 0 {
		w := p.idle[n-1]
		p.idle = p.idle[:n-1]
		w.state = Running
		w.wake <- task
		return nil
	}
	if len(p.workers) < p.max {
		p.spawnLocked(task)
		return nil
	}
	p.queue = append(p.queue, task)
	return nil
}

func (p *Pool) spawnLocked(task func()) {
	p.nextID++
	w := &worker{id: p.nextID, state: Starting, wake: make(chan func(), 1)}
	p.workers[w.id] = w
	p.logger.Debug("pool: worker started", "worker", w.id, "live", len(p.workers))
	go p.work(w, task)
}

func (p *Pool) work(w *worker, task func()) {
	for {
		if task != nil {
			if !p.run(w, task) {
				return
			}
		}
		task = p.next(w)
		if task == nil {
			return
		}
	}
}

// run executes task and reports whether the worker survived it. A panicking
// task takes its worker down; a replacement is spawned if work remains or
// the pool dropped below its minimum.
func (p *Pool) run(w *worker, task func()) (ok bool) {
	p.mu.Lock()
	w.state = Running
	p.mu.Unlock()

	defer func() {
		r := recover()
		p.mu.Lock()
		defer p.mu.Unlock()
		if r == nil {
			p.completed++
			return
		}
		p.panicked++
		p.logger.Error("pool: task panicked", "worker", w.id, "panic", r, "stack", string(debug.Stack()))
		w.state = Exiting
		delete(p.workers, w.id)
		if len(p.queue) > 0 || (p.state == poolRunning && len(p.workers) < p.min) {
			p.spawnLocked(p.popLocked())
		}
		p.closeIfDoneLocked()
	}()
	task()
	return true
}

func (p *Pool) popLocked() func() {
	if len(p.queue) == 0 {
		return nil
	}
	task := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return task
}

// next blocks until w has another task, or returns nil when w should exit.
func (p *Pool) next(w *worker) func() {
	p.mu.Lock()
	if task := p.popLocked(); task != nil {
		p.mu.Unlock()
		return task
	}
	if p.state == poolStopping {
		p.departLocked(w)
		p.mu.Unlock()
		return nil
	}
	w.state = Idling
	p.idle = append(p.idle, w)
	p.mu.Unlock()

	for {
		var expired <-chan time.Time
		var timer *time.Timer
		if p.idleTimeout > 0 && p.aboveMin() {
			timer = time.NewTimer(p.idleTimeout)
			expired = timer.C
		}
		select {
		case task := <-w.wake:
			if timer != nil {
				timer.Stop()
			}
			if task == nil {
				p.mu.Lock()
				p.departLocked(w)
				p.mu.Unlock()
			}
			return task
		case <-expired:
			p.mu.Lock()
			if w.state != Idling {
				// A task was handed over as the timer fired.
				p.mu.Unlock()
				continue
			}
			if len(p.workers) > p.min {
				p.removeIdleLocked(w)
				p.departLocked(w)
				p.logger.Debug("pool: idle worker exited", "worker", w.id, "live", len(p.workers))
				p.mu.Unlock()
				return nil
			}
			p.mu.Unlock()
		}
	}
}

func (p *Pool) aboveMin() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers) > p.min
}

func (p *Pool) removeIdleLocked(w *worker) {
	for i, iw := range p.idle {
		if iw == w {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return
		}
	}
}

func (p *Pool) departLocked(w *worker) {
	w.state = Exiting
	delete(p.workers, w.id)
	p.closeIfDoneLocked()
}

func (p *Pool) closeIfDoneLocked() {
	if p.state == poolStopping && len(p.workers) == 0 {
		close(p.done)
	}
}

// stop refuses new tasks and dismisses idle workers. It returns the
// channel closed once every worker has exited.
func (p *Pool) stop() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == poolStopping {
		return p.done
	}
	p.state = poolStopping
	for _, w := range p.idle {
		w.state = Exiting
		w.wake <- nil
	}
	p.idle = nil
	p.closeIfDoneLocked()
	return p.done
}

// Stop refuses new tasks, lets running and queued tasks complete, and
// blocks until every worker has exited.
func (p *Pool) Stop() {
	if p == nil {
		return
	}
	<-p.stop()
}

// Shutdown is Stop bounded by ctx. When ctx ends first, still-queued tasks
// are dropped and the returned error wraps ErrTasksCancelled and ctx.Err().
// Tasks already running are not interrupted.
func (p *Pool) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	done := p.stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	p.mu.Lock()
	n := len(p.queue)
	p.queue = nil
	p.cancelled += uint64(n)
	p.mu.Unlock()
	if n == 0 {
		return ctx.Err()
	}
	p.logger.Warn("pool: cancelled queued tasks", "count", n)
	return fmt.Errorf("%w (%d): %w", ErrTasksCancelled, n, ctx.Err())
}

// Stats returns a snapshot of the pool's accounting.
func (p *Pool) Stats() Stats {
	if p == nil {
		return Stats{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Name:      p.name,
		Min:       p.min,
		Max:       p.max,
		Live:      len(p.workers),
		Queued:    len(p.queue),
		Completed: p.completed,
		Panicked:  p.panicked,
		Cancelled: p.cancelled,
	}
	for _, w := range p.workers {
		switch w.state {
		case Starting:
			s.Starting++
		case Running:
			s.Running++
		case Idling:
			s.Idling++
		}
	}
	return s
}
