//go:build linux

package daemon

import "errors"

var (
	// ErrNoRoots is returned by a Client that registered with zero root PIDs.
	ErrNoRoots = errors.New("daemon: no root PIDs given")

	// ErrUnreachable means a Client could not connect to, or successfully
	// spawn, a daemon within its configured wait window.
	ErrUnreachable = errors.New("daemon: could not reach or start a daemon")

	// ErrWorkerFailure means the sampling loop failed too many ticks in a
	// row; the daemon shuts down rather than spin forever against a /proc
	// that never recovers.
	ErrWorkerFailure = errors.New("daemon: sampling worker failed")
)
