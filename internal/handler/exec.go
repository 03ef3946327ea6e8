package handler

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"time"

	"connserve/internal/server"
	"connserve/util"
)

// DefaultWaitDelay is how long Exec waits for the connection copiers
// after the child has exited or been killed.
const DefaultWaitDelay = 2 * time.Second

// Exec wires each connection to a fresh child process's stdio.
// Either Program (-e) or Command (-c) must be set.
//
// The child sees CONNSERVE_PEER and CONNSERVE_CONN_ID in its
// environment.  It is killed when the connection is terminated.
type Exec struct {
	Program   string   // -e: execute a program directly
	Args      []string // arguments for Program
	Command   string   // -c: execute via the system shell
	WaitDelay time.Duration
	Logger    *util.Logger
}

// Serve implements server.Handler.
func (e *Exec) Serve(ctx context.Context, c *server.Connection) error {
	var cmd *exec.Cmd

	switch {
	case e.Command != "":
		if runtime.GOOS == "windows" {
			cmd = exec.CommandContext(ctx, "cmd.exe", "/C", e.Command)
		} else {
			cmd = exec.CommandContext(ctx, "/bin/sh", "-c", e.Command)
		}
	case e.Program != "":
		cmd = exec.CommandContext(ctx, e.Program, e.Args...)
	default:
		return fmt.Errorf("no command specified for exec mode")
	}

	cmd.Stdout = c
	cmd.Stderr = c
	cmd.Env = append(os.Environ(),
		"CONNSERVE_PEER="+util.AddrString(c.Peer()),
		"CONNSERVE_CONN_ID="+c.ID(),
	)
	cmd.WaitDelay = e.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}

	// Stdin is fed from our own goroutine so that Wait returns as soon
	// as the child exits instead of waiting for the client to send more.
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("exec %q: %w", cmd.Path, err)
	}

	e.Logger.Debug("exec: %s for %s", cmd.String(), c)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("exec %q: %w", cmd.Path, err)
	}
	go func() {
		io.Copy(stdin, c) //nolint:errcheck
		stdin.Close()
	}()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("exec %q: %w", cmd.Path, err)
	}
	return nil
}
