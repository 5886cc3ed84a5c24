//go:build linux

package forest

import "github.com/ja7ad/pidtree_mon/pkg/procfs"

// fakeReader is an in-memory procfs.Reader for deterministic tests: the
// sampling and aggregation logic here must not depend on a real /proc.
type fakeReader struct {
	entries map[procfs.PID]procfs.Entry
	clkTck  int64
	nproc   int32
}

func newFakeReader(clkTck int64, nproc int32) *fakeReader {
	return &fakeReader{entries: map[procfs.PID]procfs.Entry{}, clkTck: clkTck, nproc: nproc}
}

func (f *fakeReader) set(pid procfs.PID, parent procfs.PID, ticks uint64) {
	f.entries[pid] = procfs.Entry{Parent: parent, Ticks: ticks}
}

func (f *fakeReader) remove(pid procfs.PID) {
	delete(f.entries, pid)
}

func (f *fakeReader) ListPIDs() ([]procfs.PID, error) {
	out := make([]procfs.PID, 0, len(f.entries))
	for pid := range f.entries {
		out = append(out, pid)
	}
	return out, nil
}

func (f *fakeReader) ReadOne(pid procfs.PID) (procfs.Entry, error) {
	e, ok := f.entries[pid]
	if !ok {
		return procfs.Entry{}, procfs.ErrNoStat
	}
	return e, nil
}

func (f *fakeReader) ClockTicksPerSec() int64 { return f.clkTck }
func (f *fakeReader) LogicalCPUCount() int32  { return f.nproc }
