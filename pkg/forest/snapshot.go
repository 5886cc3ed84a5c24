//go:build linux

// Package forest turns raw per-process accounting into per-subtree CPU
// loads: one immutable snapshot per tick, a stateful delta sampler, and a
// cycle-safe aggregator that sums a root and its descendants.
package forest

import "github.com/ja7ad/pidtree_mon/pkg/procfs"

// PID aliases the procfs identifier so callers of this package don't need
// to import procfs just to name a root.
type PID = procfs.PID

// Entry is one process's parent PID and accumulated CPU ticks, as captured
// by one tick's snapshot.
type Entry = procfs.Entry

// Snapshot maps every PID observed during one tick to its Entry. It is
// immutable once produced and may be incomplete: processes that exit
// mid-enumeration are silently absent, never an error.
type Snapshot map[PID]Entry

// Snapshotter produces one Snapshot per call by enumerating every live PID
// and reading each one's accounting entry, tolerating per-PID races.
type Snapshotter struct {
	reader procfs.Reader
}

// NewSnapshotter wraps a Reader.
func NewSnapshotter(reader procfs.Reader) *Snapshotter {
	return &Snapshotter{reader: reader}
}

// Snapshot walks every live PID and reads its accounting entry. A PID that
// disappears between ListPIDs and ReadOne is skipped, not reported as an
// error — the resulting snapshot may be slightly torn, which is tolerated
// because the sampling interval dominates any such skew.
func (s *Snapshotter) Snapshot() (Snapshot, error) {
	pids, err := s.reader.ListPIDs()
	if err != nil {
		return nil, err
	}

	snap := make(Snapshot, len(pids))
	for _, pid := range pids {
		e, err := s.reader.ReadOne(pid)
		if err != nil {
			continue
		}
		snap[pid] = e
	}
	return snap, nil
}
