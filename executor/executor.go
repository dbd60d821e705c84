// Package executor runs exactly one long-running action (promote, restart,
// create-replica) in the background at a time (spec.md §4.5, C5). It is the
// Go rendering of spec.md §9's guidance: "a single worker task + message
// channel; the CriticalTask 'past point of no return' flag is a state field
// on the in-flight action" — grounded on the cancellable Pipeline/Step shape
// in other_examples' stolon-pgbouncer failover.go (Step(...).Defer(...)),
// adapted from a one-shot pipeline into a persistent single-worker queue.
package executor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Action is one schedulable unit of work. It receives a Task through which
// it can observe cancellation and declare itself critical.
type Action func(ctx context.Context, task *Task)

// Task is the in-flight action's handle on its own lifecycle.
type Task struct {
	Name string

	ctx    context.Context
	cancel context.CancelFunc
	critical atomic.Bool
}

// IsCancelled reports whether the executor asked this action to stop.
// Cooperating actions check this at suspension points.
func (t *Task) IsCancelled() bool {
	select {
	case <-t.ctx.Done():
		return true
	default:
		return false
	}
}

// MarkCritical declares this action past its point of no return: further
// Cancel calls are refused (spec.md §4.5 "CriticalTask").
func (t *Task) MarkCritical() {
	t.critical.Store(true)
}

// Executor runs at most one Action at a time on a single dedicated worker
// goroutine. The control loop never blocks on it: Run/Schedule/Cancel are
// all non-blocking.
type Executor struct {
	mu      sync.Mutex
	current *inflight
	queued  *queuedAction

	workCh chan struct{}
	closed chan struct{}
}

type inflight struct {
	task   *Task
	cancel context.CancelFunc
	done   chan struct{}
}

type queuedAction struct {
	name   string
	action Action
	parent context.Context
}

// New starts the executor's worker goroutine.
func New() *Executor {
	e := &Executor{
		workCh: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	go e.loop()
	return e
}

// Run starts action immediately if the executor is idle; returns false
// without running anything if it is busy (spec.md §4.5 "run(action, args)
// -> bool").
func (e *Executor) Run(ctx context.Context, name string, action Action) bool {
	e.mu.Lock()
	if e.current != nil {
		e.mu.Unlock()
		return false
	}
	e.mu.Unlock()

	e.mu.Lock()
	e.queued = &queuedAction{name: name, action: action, parent: ctx}
	e.mu.Unlock()

	select {
	case e.workCh <- struct{}{}:
	default:
	}
	return true
}

// Schedule reserves the slot for action, returning the name of any
// previously scheduled-but-not-yet-running action for cancellation
// bookkeeping (spec.md §4.5 "schedule(action) -> prev | nil").
func (e *Executor) Schedule(name string, action Action) (prev string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.queued != nil {
		prev = e.queued.name
	}
	e.queued = &queuedAction{name: name, action: action, parent: context.Background()}

	select {
	case e.workCh <- struct{}{}:
	default:
	}
	return prev
}

// Busy reports whether an action is currently running.
func (e *Executor) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil
}

// CurrentName returns the name of the running action, if any.
func (e *Executor) CurrentName() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return "", false
	}
	return e.current.task.Name, true
}

// Wait blocks until the currently running action (if any) finishes.
func (e *Executor) Wait() {
	e.mu.Lock()
	cur := e.current
	e.mu.Unlock()
	if cur == nil {
		return
	}
	<-cur.done
}

// Cancel signals the running action's cancellable flag. CriticalTask
// actions past their point of no return refuse cancellation.
func (e *Executor) Cancel() {
	e.mu.Lock()
	cur := e.current
	e.mu.Unlock()
	if cur == nil {
		return
	}
	if cur.task.critical.Load() {
		log.WithField("action", cur.task.Name).Warn("cancel refused: action is past its point of no return")
		return
	}
	cur.cancel()
}

func (e *Executor) loop() {
	for {
		select {
		case <-e.closed:
			return
		case <-e.workCh:
			e.runOne()
		}
	}
}

func (e *Executor) runOne() {
	e.mu.Lock()
	q := e.queued
	e.queued = nil
	e.mu.Unlock()

	if q == nil {
		return
	}

	parent := q.parent
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	task := &Task{Name: q.name, ctx: ctx, cancel: cancel}
	done := make(chan struct{})

	e.mu.Lock()
	e.current = &inflight{task: task, cancel: cancel, done: done}
	e.mu.Unlock()

	func() {
		defer func() {
			e.mu.Lock()
			e.current = nil
			e.mu.Unlock()
			close(done)
		}()
		defer func() {
			if r := recover(); r != nil {
				log.WithField("action", q.name).Errorf("executor: action panicked: %v", r)
			}
		}()
		q.action(ctx, task)
	}()
}

// Close stops the worker goroutine; any in-flight action is left to finish
// on its own (the executor does not force-kill goroutines).
func (e *Executor) Close() {
	close(e.closed)
}

// ErrBusy is returned by callers that want an error instead of a bool from
// Run; kept for callers following the %w-wrapping idiom elsewhere in this
// module.
var ErrBusy = errors.New("executor: busy")
