//go:build linux

package forest

import (
	"time"

	"github.com/ja7ad/pidtree_mon/pkg/procfs"
)

// PerProcessLoad maps a PID present in the current snapshot to a
// non-negative number of CPU cores it consumed over the last interval.
type PerProcessLoad map[PID]float64

// Sampler is a stateful wrapper over a Snapshotter: it retains the previous
// snapshot and the wall-clock time it was taken, and turns consecutive
// snapshots into per-process core-normalized load. It has two states,
// Uninitialized and Running; the first tick always emits zero load for
// every PID and transitions to Running.
type Sampler struct {
	snapshotter *Snapshotter
	clkTck      int64

	running bool
	prev    Snapshot
	prevAt  time.Time

	now func() time.Time
}

// NewSampler constructs a Sampler over reader, starting Uninitialized.
func NewSampler(reader procfs.Reader) *Sampler {
	return &Sampler{
		snapshotter: NewSnapshotter(reader),
		clkTck:      reader.ClockTicksPerSec(),
		now:         time.Now,
	}
}

// Tick takes a new snapshot and returns it along with the per-process load
// computed against the previous tick. On the very first call, load is zero
// for every PID and no delta is attempted. If the snapshot itself fails
// wholesale, the previous state is retained and the error is returned so
// the caller can skip this tick.
func (s *Sampler) Tick() (Snapshot, PerProcessLoad, error) {
	cur, err := s.snapshotter.Snapshot()
	if err != nil {
		return nil, nil, ErrSnapshotFailed
	}

	now := s.now()
	loads := make(PerProcessLoad, len(cur))

	if !s.running {
		for pid := range cur {
			loads[pid] = 0
		}
		s.prev = cur
		s.prevAt = now
		s.running = true
		return cur, loads, nil
	}

	elapsed := now.Sub(s.prevAt).Seconds()
	if elapsed > 0 && s.clkTck > 0 {
		// Extract the division to a single scale factor, computed once per
		// tick, and multiply it into each PID's delta — avoids a per-PID
		// division in the hot path.
		scale := 1.0 / (float64(s.clkTck) * elapsed)
		for pid, e := range cur {
			old, ok := s.prev[pid]
			if !ok {
				loads[pid] = 0
				continue
			}
			loads[pid] = float64(deltaU64(e.Ticks, old.Ticks)) * scale
		}
	} else {
		for pid := range cur {
			loads[pid] = 0
		}
	}

	s.prev = cur
	s.prevAt = now
	return cur, loads, nil
}
