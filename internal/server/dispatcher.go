package server

import (
	"context"

	cerrors "connserve/internal/errors"
	"connserve/internal/pool"
)

// Dispatcher decides where an accepted Connection runs.
type Dispatcher interface {
	Dispatch(c *Connection) error
}

// GoroutineDispatcher runs every connection on its own goroutine.
type GoroutineDispatcher struct {
	// Context is the parent of every connection's context.  Nil means
	// context.Background.
	Context context.Context
}

// Dispatch starts c.Run on a new goroutine.
func (d GoroutineDispatcher) Dispatch(c *Connection) error {
	ctx := d.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return cerrors.ErrServerClosed
	}
	go c.Run(ctx) //nolint:errcheck
	return nil
}

// PoolDispatcher queues connections on a worker pool.  With a pool of
// N workers at most N handlers run at once; the rest wait in the queue.
type PoolDispatcher struct {
	Pool *pool.Pool
}

// Dispatch queues c.  It fails if the pool has been stopped, or if idle
// reaping has left it without workers, since nothing would ever run c.
func (d PoolDispatcher) Dispatch(c *Connection) error {
	if d.Pool.Stopped() {
		return cerrors.ErrServerClosed
	}
	if d.Pool.Size() == 0 {
		return cerrors.ErrNoWorkers
	}
	d.Pool.Execute(c)
	return nil
}
