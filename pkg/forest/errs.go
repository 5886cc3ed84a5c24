//go:build linux

package forest

import "errors"

// ErrSnapshotFailed indicates the whole-forest snapshot failed (not a
// single-PID race, but e.g. /proc becoming unreadable). The sampler's
// previous state is retained and the tick is skipped.
var ErrSnapshotFailed = errors.New("forest: snapshot failed")
