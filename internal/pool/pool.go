package pool

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"connserve/internal/queue"
	"connserve/util"
)

// Options configures a Pool.
type Options struct {
	// Size is the number of workers started by New (default NumCPU).
	Size int
	// MaxIdle is the per-worker idle limit; zero keeps workers forever.
	MaxIdle time.Duration
	// PollInterval bounds a single queue wait (default 1s).
	PollInterval time.Duration
	Observer     Observer
	Logger       *util.Logger
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Workers  int   `json:"workers"`
	Pending  int   `json:"pending"`
	Active   int   `json:"active"`
	Executed int64 `json:"executed"`
	Failed   int64 `json:"failed"`
	Stopped  bool  `json:"stopped"`
}

// Pool owns a set of workers and the queue they share.
type Pool struct {
	queue  *queue.BlockingQueue[Task]
	logger *util.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stop   sync.Once

	mu      sync.Mutex
	workers []*Worker
	nextID  int

	live     atomic.Int32
	drained  chan struct{} // closed when the last worker exits
	executed atomic.Int64
	failed   atomic.Int64

	// in-flight accounting for WaitIdle
	flightMu sync.Mutex
	inflight int
	idle     chan struct{}
}

// New starts opts.Size workers and returns the pool.
func New(opts Options) *Pool {
	if opts.Size <= 0 {
		opts.Size = runtime.NumCPU()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:   queue.New[Task](),
		logger:  opts.Logger,
		ctx:     ctx,
		cancel:  cancel,
		drained: make(chan struct{}),
		idle:    make(chan struct{}),
	}
	close(p.idle)

	wopts := WorkerOptions{
		MaxIdle:      opts.MaxIdle,
		PollInterval: opts.PollInterval,
		Observer:     opts.Observer,
		Logger:       opts.Logger,
	}
	for i := 0; i < opts.Size; i++ {
		p.spawn(wopts)
	}
	return p
}

func (p *Pool) spawn(opts WorkerOptions) {
	p.mu.Lock()
	p.nextID++
	w := NewWorker(p.nextID, p.queue, opts)
	w.onTaskDone = p.taskDone
	p.workers = append(p.workers, w)
	p.mu.Unlock()

	p.live.Add(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if p.live.Add(-1) == 0 {
				close(p.drained)
			}
		}()
		w.Run(p.ctx)
	}()
}

// Execute queues task.  It never blocks and never rejects; a task
// queued after Stop is simply never run.
func (p *Pool) Execute(task Task) {
	if p.Stopped() {
		p.queue.Push(task)
		return
	}

	p.flightMu.Lock()
	if p.inflight == 0 {
		p.idle = make(chan struct{})
	}
	p.inflight++
	p.flightMu.Unlock()

	p.queue.Push(task)
}

func (p *Pool) taskDone(err error) {
	p.executed.Add(1)
	if err != nil {
		p.failed.Add(1)
	}

	p.flightMu.Lock()
	p.inflight--
	if p.inflight == 0 {
		close(p.idle)
	}
	p.flightMu.Unlock()
}

// Size returns the number of live workers.
func (p *Pool) Size() int { return int(p.live.Load()) }

// Pending returns the number of queued, not yet started tasks.
func (p *Pool) Pending() int { return p.queue.Len() }

// Active returns the number of tasks currently executing.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, w := range p.workers {
		if w.Busy() {
			n++
		}
	}
	return n
}

// WaitIdle blocks until every submitted task has finished and reports
// true, or returns false as soon as that can no longer happen: the pool
// was stopped, or idle reaping removed the last worker while tasks were
// still queued.  It also returns false when timeout elapses.
func (p *Pool) WaitIdle(timeout time.Duration) bool {
	if p.Stopped() {
		return false
	}
	p.flightMu.Lock()
	ch := p.idle
	p.flightMu.Unlock()

	select {
	case <-ch:
		return true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-p.ctx.Done():
		return false
	case <-p.drained:
		// No worker is left to finish what is still counted.
		select {
		case <-ch:
			return true
		default:
			return false
		}
	case <-timer.C:
		return false
	}
}

// Stop signals every worker to finish its current task and exit, then
// waits for them.  Tasks still queued are discarded: they stay in the
// queue, visible through Pending, and are never executed.
func (p *Pool) Stop() {
	p.stop.Do(func() {
		p.cancel()
		p.wg.Wait()
		if n := p.queue.Len(); n > 0 {
			p.logger.Verbose("pool stopped with %d queued task(s) discarded", n)
		}
		// Discarded tasks will never report back.
		p.flightMu.Lock()
		p.inflight = 0
		p.flightMu.Unlock()
	})
}

// Stopped reports whether Stop has been called.
func (p *Pool) Stopped() bool { return p.ctx.Err() != nil }

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:  p.Size(),
		Pending:  p.Pending(),
		Active:   p.Active(),
		Executed: p.executed.Load(),
		Failed:   p.failed.Load(),
		Stopped:  p.Stopped(),
	}
}
