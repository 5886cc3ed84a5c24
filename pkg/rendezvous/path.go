//go:build linux

// Package rendezvous locates and binds the per-user filesystem socket the
// Daemon listens on and Clients connect to, so unrelated users never share
// daemon state.
package rendezvous

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// Path returns the host-local rendezvous socket path for the invoking
// user, under the runtime directory when available (matching XDG_RUNTIME_DIR
// conventions for per-user sockets) and falling back to /tmp otherwise.
func Path() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = filepath.Join(os.TempDir(), fmt.Sprintf("pidtree_mon-%d", os.Getuid()))
	}
	return filepath.Join(dir, "pidtree_mon.sock")
}

// ErrInUse indicates another daemon already owns the rendezvous point; the
// caller should connect as a client instead of retrying the bind.
var ErrInUse = errors.New("rendezvous: address in use")

// Listen binds the rendezvous socket exclusively: the first binder wins,
// and later binders get ErrInUse rather than silently stealing the socket
// out from under a live daemon. A stale socket file (left by a daemon that
// crashed without cleanup) is detected by a failed connect-then-unlink and
// is reclaimed automatically.
func Listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		if !isAddrInUse(err) {
			return nil, err
		}
		if reclaimStale(path) {
			l, err = net.Listen("unix", path)
		}
		if err != nil {
			return nil, ErrInUse
		}
	}

	if ul, ok := l.(*net.UnixListener); ok {
		if f, err := ul.File(); err == nil {
			_ = unix.Fchmod(int(f.Fd()), 0o600)
			_ = f.Close()
		}
	}
	return l, nil
}

// reclaimStale removes a rendezvous socket file nothing is listening on
// anymore, so a new daemon can bind in its place. Returns whether the path
// was removed.
func reclaimStale(path string) bool {
	conn, err := net.Dial("unix", path)
	if err == nil {
		_ = conn.Close()
		return false // someone is still listening; genuinely in use
	}
	return os.Remove(path) == nil
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
