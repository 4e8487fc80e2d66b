package tms_robot

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
)

// FilterConfig tunes the pose filter.
type FilterConfig struct {
	// SmoothingFactor in (0, 1] blends each new pose with the previous one. 1 disables smoothing.
	SmoothingFactor float64
	// FrozenUpdateCount is the number of identical consecutive visible poses after which the
	// tracker is considered frozen. 0 disables the check.
	FrozenUpdateCount int
}

// FilteredTarget is the snapshot published by the pose filter.
type FilteredTarget struct {
	Pose       spatialmath.Pose
	Visible    bool
	Frozen     bool
	Timestamp  time.Time // tracker time of the sample
	ReceivedAt time.Time // local time the sample was accepted
	Seq        uint64
}

// PoseFilter accepts tracker updates and publishes the most recent valid target.
// Push is called from the ingestion side, Latest from the control loop; readers always see
// a complete snapshot.
type PoseFilter struct {
	cfg    FilterConfig
	clock  clock.Clock
	logger logging.Logger

	mu           sync.Mutex
	lastAccepted time.Time
	lastRaw      spatialmath.Pose
	smoothed     spatialmath.Pose
	identical    int
	seq          uint64

	latest atomic.Pointer[FilteredTarget]
}

// NewPoseFilter creates an empty filter.
func NewPoseFilter(cfg FilterConfig, clk clock.Clock, logger logging.Logger) *PoseFilter {
	if cfg.SmoothingFactor <= 0 || cfg.SmoothingFactor > 1 {
		cfg.SmoothingFactor = 1
	}
	return &PoseFilter{cfg: cfg, clock: clk, logger: logger}
}

// Push offers an update to the filter. It returns false when the update was discarded
// because its timestamp is not newer than the last accepted one, or because it claims
// visibility without a usable pose.
func (f *PoseFilter) Push(u TargetUpdate) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !u.Timestamp.After(f.lastAccepted) {
		f.logger.Debugf("discarding stale target update (ts=%v, last=%v)", u.Timestamp, f.lastAccepted)
		return false
	}
	if u.Visible && (u.Pose == nil || !poseIsFinite(u.Pose)) {
		f.logger.Warnf("discarding visible target update without a valid pose")
		return false
	}
	f.lastAccepted = u.Timestamp
	f.seq++

	out := FilteredTarget{
		Visible:    u.Visible,
		Timestamp:  u.Timestamp,
		ReceivedAt: f.clock.Now(),
		Seq:        f.seq,
	}

	if !u.Visible {
		// keep the last reliable pose, but do not blend it into the next acquisition
		out.Pose = f.smoothed
		f.lastRaw = nil
		f.identical = 0
		if prev := f.latest.Load(); prev != nil {
			out.Frozen = prev.Frozen
		}
		f.latest.Store(&out)
		return true
	}

	if f.lastRaw != nil && poseIdentical(f.lastRaw, u.Pose) {
		f.identical++
	} else {
		f.identical = 0
	}
	f.lastRaw = u.Pose
	// identical counts repeats, so the first of the run is one more sample
	if f.cfg.FrozenUpdateCount > 0 && f.identical+1 >= f.cfg.FrozenUpdateCount {
		// a frozen tracker is as good as a lost head
		out.Frozen = true
		out.Visible = false
	}

	if f.smoothed == nil || f.cfg.SmoothingFactor >= 1 {
		f.smoothed = u.Pose
	} else {
		f.smoothed = spatialmath.Interpolate(f.smoothed, u.Pose, f.cfg.SmoothingFactor)
	}
	out.Pose = f.smoothed
	f.latest.Store(&out)
	return true
}

// Latest returns the most recent snapshot; ok is false until the first update is accepted.
func (f *PoseFilter) Latest() (FilteredTarget, bool) {
	t := f.latest.Load()
	if t == nil {
		return FilteredTarget{}, false
	}
	return *t, true
}

// Reset clears smoothing and frozen-detection state. The staleness watermark is kept so
// replayed updates are still rejected.
func (f *PoseFilter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.smoothed = nil
	f.lastRaw = nil
	f.identical = 0
	if prev := f.latest.Load(); prev != nil && prev.Frozen {
		cleared := *prev
		cleared.Frozen = false
		f.latest.Store(&cleared)
	}
}
