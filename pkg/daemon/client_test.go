//go:build linux

package daemon

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ja7ad/pidtree_mon/pkg/format"
	"github.com/ja7ad/pidtree_mon/pkg/ipc"
	"github.com/ja7ad/pidtree_mon/pkg/procfs"
)

func TestNewClient_RejectsNoRoots(t *testing.T) {
	_, err := NewClient("/tmp/doesnotmatter.sock", nil, nil, nil)
	assert.ErrorIs(t, err, ErrNoRoots)
}

func TestClient_AttachRegistersAndReadsCPUCount(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "d.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		roots, err := ipc.ReadRoots(conn)
		if err != nil || len(roots) != 2 {
			return
		}
		_ = ipc.WriteCPUCount(conn, 8)
	}()

	c, err := NewClient(sockPath, []procfs.PID{1, 2}, nil, nil)
	require.NoError(t, err)

	conn, cpuCount, err := c.Attach(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, int32(8), cpuCount)
}

func TestClient_AttachSpawnsOnFirstFailedDial(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "d.sock")
	spawned := make(chan struct{}, 1)

	c, err := NewClient(sockPath, []procfs.PID{1}, func() error {
		// Simulate the daemon coming up in response to being spawned.
		ln, err := net.Listen("unix", sockPath)
		if err != nil {
			return err
		}
		select {
		case spawned <- struct{}{}:
		default:
		}
		go func() {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer ln.Close()
			defer conn.Close()
			if _, err := ipc.ReadRoots(conn); err != nil {
				return
			}
			_ = ipc.WriteCPUCount(conn, 4)
		}()
		return nil
	}, nil)
	require.NoError(t, err)
	c.dialTimeout = 50 * time.Millisecond
	c.maxWait = time.Second

	conn, cpuCount, err := c.Attach(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, int32(4), cpuCount)

	select {
	case <-spawned:
	default:
		t.Fatal("spawn was never invoked after a failed dial")
	}
}

func TestClient_AttachGivesUpAfterMaxWait(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "nobody-home.sock")
	c, err := NewClient(sockPath, []procfs.PID{1}, func() error { return nil }, nil)
	require.NoError(t, err)
	c.dialTimeout = 10 * time.Millisecond
	c.maxWait = 30 * time.Millisecond

	_, _, err = c.Attach(context.Background())
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestClient_WatchFormatsEachTick(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	go func() {
		_ = ipc.WriteTick(serverConn, []float64{1.5})
		_ = ipc.WriteTick(serverConn, []float64{2.0})
	}()

	f, err := format.Parse("sum:.1")
	require.NoError(t, err)

	var buf bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	c, err := NewClient("unused", []procfs.PID{1}, nil, nil)
	require.NoError(t, err)
	err = c.Watch(ctx, clientConn, 4, []format.Field{f}, " ", 0, &buf)
	assert.NoError(t, err)
	assert.Contains(t, buf.String(), "1.5")
	assert.Contains(t, buf.String(), "2.0")
}

func TestClient_WatchTreatsCleanEOFAsSuccess(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	go func() {
		_ = ipc.WriteTick(serverConn, []float64{1.0})
		serverConn.Close() // daemon hangs up cleanly mid-tick stream
	}()

	f, err := format.Parse("sum")
	require.NoError(t, err)

	var buf bytes.Buffer
	c, err := NewClient("unused", []procfs.PID{1}, nil, nil)
	require.NoError(t, err)

	err = c.Watch(context.Background(), clientConn, 1, []format.Field{f}, " ", 0, &buf)
	assert.NoError(t, err)
	assert.Contains(t, buf.String(), "1")
}

func TestClient_AttachReturnsDeadlineExceededOnCallerTimeout(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "nobody-home.sock")
	c, err := NewClient(sockPath, []procfs.PID{1}, func() error { return nil }, nil)
	require.NoError(t, err)
	c.dialTimeout = 10 * time.Millisecond
	c.maxWait = time.Hour // would otherwise keep retrying well past the caller's own deadline

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, _, err = c.Attach(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrUnreachable)
}

func TestClient_WatchStopsOnIdleTimeout(t *testing.T) {
	_, clientConn := net.Pipe()
	defer clientConn.Close()

	f, err := format.Parse("sum")
	require.NoError(t, err)

	var buf bytes.Buffer
	c, err := NewClient("unused", []procfs.PID{1}, nil, nil)
	require.NoError(t, err)

	start := time.Now()
	err = c.Watch(context.Background(), clientConn, 1, []format.Field{f}, " ", 30*time.Millisecond, &buf)
	assert.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
