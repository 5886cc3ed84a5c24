//go:build linux

package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/ja7ad/pidtree_mon/pkg/format"
	"github.com/ja7ad/pidtree_mon/pkg/ipc"
	"github.com/ja7ad/pidtree_mon/pkg/procfs"
)

// Client attaches to a daemon at a rendezvous path, spawning one if none is
// listening yet, and turns the ticks it receives into formatted lines.
type Client struct {
	path        string
	network     string
	roots       []procfs.PID
	spawn       func() error
	dialTimeout time.Duration
	maxWait     time.Duration
	logger      *slog.Logger
}

// NewClient builds a Client. spawn is invoked at most once, the first time
// a dial fails, to start a daemon that isn't running yet; pass
// DefaultSpawn to re-exec the current binary in its hidden daemon mode.
func NewClient(path string, roots []procfs.PID, spawn func() error, logger *slog.Logger) (*Client, error) {
	if len(roots) == 0 {
		return nil, ErrNoRoots
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		path:        path,
		network:     "unix",
		roots:       roots,
		spawn:       spawn,
		dialTimeout: time.Second,
		maxWait:     5 * time.Second,
		logger:      logger,
	}, nil
}

// DefaultSpawn re-execs the running binary with extraArgs, detached from
// the client's session so a client exit (or its own -t timeout) does not
// take the daemon down with it.
func DefaultSpawn(extraArgs ...string) func() error {
	return func() error {
		exe, err := os.Executable()
		if err != nil {
			return err
		}
		cmd := exec.Command(exe, extraArgs...)
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		return cmd.Start()
	}
}

// Attach connects to the daemon, spawning one on the first failed dial,
// and retries with bounded backoff until it succeeds or maxWait elapses.
// On success it returns the live connection and the daemon's logical CPU
// count, sent once as part of registration.
func (c *Client) Attach(ctx context.Context) (net.Conn, int32, error) {
	deadline := time.Now().Add(c.maxWait)
	backoff := 50 * time.Millisecond
	spawned := false

	for {
		conn, cpuCount, dialErr := c.dialOnce()
		if dialErr == nil {
			return conn, cpuCount, nil
		}

		if !spawned && c.spawn != nil {
			if err := c.spawn(); err != nil {
				c.logf("spawn failed: %v", err)
			}
			spawned = true
		}

		if time.Now().After(deadline) {
			return nil, 0, fmt.Errorf("%w: %v", ErrUnreachable, dialErr)
		}
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < time.Second {
			backoff *= 2
		}
	}
}

// dialOnce makes a single connection attempt and, if it succeeds, performs
// the registration handshake (send roots, receive CPU count).
func (c *Client) dialOnce() (net.Conn, int32, error) {
	conn, err := net.DialTimeout(c.network, c.path, c.dialTimeout)
	if err != nil {
		return nil, 0, err
	}
	cpuCount, err := c.register(conn)
	if err != nil {
		_ = conn.Close()
		return nil, 0, err
	}
	return conn, cpuCount, nil
}

func (c *Client) register(conn net.Conn) (int32, error) {
	if err := ipc.WriteRoots(conn, c.roots); err != nil {
		return 0, err
	}
	return ipc.ReadCPUCount(conn)
}

func (c *Client) logf(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Debug(fmt.Sprintf(msg, args...))
	}
}

// Watch reads ticks from conn until ctx is canceled, a read error ends the
// connection, or timeout elapses with no tick received, and writes one
// formatted line per tick to out. timeout <= 0 disables the watchdog.
func (c *Client) Watch(ctx context.Context, conn net.Conn, cpuCount int32, fields []format.Field, sep string, timeout time.Duration, out io.Writer) error {
	ticks := make(chan []float64)
	errs := make(chan error, 1)

	go func() {
		for {
			loads, err := ipc.ReadTick(conn)
			if err != nil {
				errs <- err
				return
			}
			select {
			case ticks <- loads:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var deadline <-chan time.Time
		if timeout > 0 {
			deadline = time.After(timeout)
		}
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case loads := <-ticks:
			line := format.Line(fields, loads, cpuCount, sep)
			if _, err := fmt.Fprintln(out, line); err != nil {
				return err
			}
		case <-deadline:
			return nil
		}
	}
}
