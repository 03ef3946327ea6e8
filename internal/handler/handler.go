// Package handler holds the connection behaviours shipped with the
// server: Echo for testing and health checks, Exec for binding a child
// process to each client.
package handler

import (
	"context"
	"errors"
	"io"
	"time"

	cerrors "connserve/internal/errors"
	"connserve/internal/server"
	"connserve/util"
)

// DefaultPoll is how long a single Echo read waits before re-checking
// for termination.
const DefaultPoll = time.Second

// Echo writes back everything it reads.
type Echo struct {
	// Poll bounds each read (default DefaultPoll).
	Poll time.Duration
	// IdleTimeout closes a client that sends nothing for this long.
	// Zero waits forever.
	IdleTimeout time.Duration
}

// Serve implements server.Handler.
func (e *Echo) Serve(ctx context.Context, c *server.Connection) error {
	poll := e.Poll
	if poll <= 0 {
		poll = DefaultPoll
	}

	bufp := util.GetBuf()
	defer util.PutBuf(bufp)
	buf := *bufp

	var idle time.Duration
	for !c.Terminated() && ctx.Err() == nil {
		n, timedOut, err := c.ReadWithin(buf, poll)
		if n > 0 {
			idle = 0
			if _, werr := c.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		case timedOut:
			idle += poll
			if e.IdleTimeout > 0 && idle >= e.IdleTimeout {
				return cerrors.ErrTimeout
			}
		}
	}
	return nil
}
