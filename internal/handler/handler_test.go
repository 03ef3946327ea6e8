package handler

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"runtime"
	"strings"
	"testing"
	"time"

	cerrors "connserve/internal/errors"
	"connserve/internal/server"
)

// tcpPair returns a server-side Connection and the client socket
// connected to it over loopback.
func tcpPair(t *testing.T, h server.Handler) (*server.Connection, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	cli, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cli.Close() })
	raw := <-accepted
	if raw == nil {
		t.Fatal("accept failed")
	}
	return server.NewConnection(raw, h, server.ConnOptions{}), cli
}

func run(c *server.Connection) <-chan error {
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("handler did not return")
		return nil
	}
}

func TestEcho(t *testing.T) {
	c, cli := tcpPair(t, &Echo{Poll: 20 * time.Millisecond})
	done := run(c)

	r := bufio.NewReader(cli)
	for _, line := range []string{"one\n", "two\n", strings.Repeat("x", 10000) + "\n"} {
		if _, err := cli.Write([]byte(line)); err != nil {
			t.Fatal(err)
		}
		got, err := r.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if got != line {
			t.Errorf("echo = %d bytes, want %d", len(got), len(line))
		}
	}

	cli.(*net.TCPConn).CloseWrite() //nolint:errcheck
	if err := wait(t, done); err != nil {
		t.Errorf("Serve = %v, want nil on peer close", err)
	}
}

func TestEcho_Terminate(t *testing.T) {
	c, _ := tcpPair(t, &Echo{Poll: 20 * time.Millisecond})
	done := run(c)
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	c.Terminate()
	if err := wait(t, done); err != nil {
		t.Errorf("Serve = %v, want nil", err)
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("terminate took %s", d)
	}
}

func TestEcho_IdleTimeout(t *testing.T) {
	c, cli := tcpPair(t, &Echo{Poll: 10 * time.Millisecond, IdleTimeout: 50 * time.Millisecond})
	done := run(c)
	if err := wait(t, done); !errors.Is(err, cerrors.ErrTimeout) {
		t.Errorf("Serve = %v, want ErrTimeout", err)
	}
	cli.SetReadDeadline(time.Now().Add(time.Second)) //nolint:errcheck
	if _, err := cli.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("client read = %v, want EOF", err)
	}
}

func TestExec_Command(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	c, cli := tcpPair(t, &Exec{Command: `read line; echo "got:$line"; test -n "$CONNSERVE_CONN_ID" && echo "peer:$CONNSERVE_PEER"`})
	done := run(c)

	if _, err := cli.Write([]byte("hello\n")); err != nil {
		t.Fatal(err)
	}
	cli.SetReadDeadline(time.Now().Add(10 * time.Second)) //nolint:errcheck
	out, err := io.ReadAll(cli)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) != 2 || lines[0] != "got:hello" || !strings.HasPrefix(lines[1], "peer:127.0.0.1:") {
		t.Errorf("output = %q", out)
	}
	if err := wait(t, done); err != nil {
		t.Errorf("Serve = %v", err)
	}
}

func TestExec_ReturnsWithoutClientEOF(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	c, _ := tcpPair(t, &Exec{Command: "echo bye"})
	start := time.Now()
	if err := wait(t, run(c)); err != nil {
		t.Errorf("Serve = %v", err)
	}
	if d := time.Since(start); d > DefaultWaitDelay {
		t.Errorf("exec waited %s for client input", d)
	}
}

func TestExec_KilledOnTerminate(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	c, _ := tcpPair(t, &Exec{Command: "sleep 30", WaitDelay: 100 * time.Millisecond})
	done := run(c)
	time.Sleep(100 * time.Millisecond)
	c.Terminate()
	if err := wait(t, done); err == nil {
		t.Error("expected an error from the killed child")
	}
}

func TestExec_NoCommand(t *testing.T) {
	c, _ := tcpPair(t, &Exec{})
	if err := wait(t, run(c)); err == nil {
		t.Error("expected error without a command")
	}
}
