//go:build linux

// Package ipc implements the wire frames exchanged between a Client and
// the Daemon over their host-local byte-stream connection: a one-time root
// PID vector and CPU count at registration, then a length-prefixed vector
// of per-root loads on every tick. The layout is a fixed little-endian
// binary encoding rather than a general-purpose serialization format,
// since both ends are the same binary and the message sequence never
// changes shape.
package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/ja7ad/pidtree_mon/pkg/procfs"
)

// maxRoots bounds the registration vector so a corrupt or hostile peer
// can't make the daemon allocate an unbounded slice from a length prefix.
const maxRoots = 1 << 16

// WriteRoots sends the client's root-PID vector: a 32-bit count prefix
// followed by that many little-endian 32-bit PIDs.
func WriteRoots(w io.Writer, roots []procfs.PID) error {
	if err := writeU32(w, uint32(len(roots))); err != nil {
		return err
	}
	for _, r := range roots {
		if err := writeU32(w, uint32(int32(r))); err != nil {
			return err
		}
	}
	return nil
}

// ReadRoots receives the client's root-PID vector.
func ReadRoots(r io.Reader) ([]procfs.PID, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if n > maxRoots {
		return nil, fmt.Errorf("ipc: root vector too large: %d", n)
	}
	out := make([]procfs.PID, n)
	for i := range out {
		v, err := readU32(r)
		if err != nil {
			return nil, err
		}
		out[i] = procfs.PID(int32(v))
	}
	return out, nil
}

// WriteCPUCount sends the logical CPU count, once per connection,
// immediately after registration and before any TickResult.
func WriteCPUCount(w io.Writer, n int32) error {
	return writeU32(w, uint32(n))
}

// ReadCPUCount receives the logical CPU count.
func ReadCPUCount(r io.Reader) (int32, error) {
	v, err := readU32(r)
	return int32(v), err
}

// WriteTick sends one TickResult: a 32-bit count prefix followed by that
// many little-endian IEEE-754 float64 loads, in root order.
func WriteTick(w io.Writer, loads []float64) error {
	if err := writeU32(w, uint32(len(loads))); err != nil {
		return err
	}
	buf := make([]byte, 8)
	for _, v := range loads {
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

// ReadTick receives one TickResult.
func ReadTick(r io.Reader) ([]float64, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if n > maxRoots {
		return nil, fmt.Errorf("ipc: tick vector too large: %d", n)
	}
	out := make([]float64, n)
	buf := make([]byte, 8)
	for i := range out {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf))
	}
	return out, nil
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}
