package pool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"connserve/internal/queue"
	"connserve/util"
)

// DefaultPollInterval bounds each wait on the task queue.
const DefaultPollInterval = time.Second

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	// MaxIdle is how long the worker may go without a task before it
	// exits.  Zero disables idle reaping.
	MaxIdle time.Duration
	// PollInterval bounds a single queue wait (default 1s).
	PollInterval time.Duration
	// Observer receives lifecycle events (optional).
	Observer Observer
	Logger   *util.Logger
}

// Worker pulls tasks from a shared queue and runs them one at a time.
// A failing or panicking task never stops the worker.
type Worker struct {
	id     int
	queue  *queue.BlockingQueue[Task]
	opts   WorkerOptions
	busy   atomic.Bool
	reaped atomic.Bool

	// onTaskDone is invoked after every task; the pool uses it for
	// in-flight accounting.
	onTaskDone func(err error)
}

// NewWorker creates a worker bound to q.  Call Run to start it.
func NewWorker(id int, q *queue.BlockingQueue[Task], opts WorkerOptions) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Worker{id: id, queue: q, opts: opts}
}

// ID returns the worker's pool-local identifier.
func (w *Worker) ID() int { return w.id }

// Busy reports whether the worker is executing a task.
func (w *Worker) Busy() bool { return w.busy.Load() }

// Reaped reports whether the worker exited because it was idle.
func (w *Worker) Reaped() bool { return w.reaped.Load() }

// Run executes tasks until ctx is done or the idle limit is reached.
func (w *Worker) Run(ctx context.Context) {
	w.notify(Event{Kind: ThreadStarted, Worker: w.id})
	defer w.notify(Event{Kind: ThreadFinished, Worker: w.id})

	lastActive := time.Now()
	for ctx.Err() == nil {
		wait := w.opts.PollInterval
		if w.opts.MaxIdle > 0 {
			remaining := w.opts.MaxIdle - time.Since(lastActive)
			if remaining <= 0 {
				w.reaped.Store(true)
				w.notify(Event{Kind: IdleTimeout, Worker: w.id})
				w.opts.Logger.Debug("worker %d: idle for %s, exiting", w.id, w.opts.MaxIdle)
				return
			}
			if remaining < wait {
				wait = remaining
			}
		}

		task, ok := w.queue.PopContext(ctx, wait)
		if !ok {
			continue
		}
		w.execute(ctx, task)
		lastActive = time.Now()
	}
}

func (w *Worker) execute(ctx context.Context, task Task) {
	w.busy.Store(true)
	defer w.busy.Store(false)

	w.notify(Event{Kind: TaskStarted, Worker: w.id, Task: task})
	start := time.Now()
	err := safeExecute(ctx, task)
	if err != nil {
		w.opts.Logger.Warn("worker %d: task failed: %v", w.id, err)
	}
	w.notify(Event{Kind: TaskFinished, Worker: w.id, Task: task, Err: err, Elapsed: time.Since(start)})

	if w.onTaskDone != nil {
		w.onTaskDone(err)
	}
}

func (w *Worker) notify(ev Event) {
	if w.opts.Observer != nil {
		w.opts.Observer.Notify(ev)
	}
}

// safeExecute runs task, converting a panic into an error.
func safeExecute(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return task.Execute(ctx)
}
