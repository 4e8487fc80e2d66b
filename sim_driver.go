package tms_robot

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
)

// SimulatedMove is one MoveTo call seen by the simulated driver.
type SimulatedMove struct {
	Pose       spatialmath.Pose
	SpeedRatio float64
	Err        error
}

// SimulatedDriver is an in-memory robot. It records every command, tracks how many moves
// ran at once, and can be told to hang, fail, or drop off the bus.
type SimulatedDriver struct {
	clock   clock.Clock
	latency time.Duration

	mu           sync.Mutex
	pose         spatialmath.Pose
	moves        []SimulatedMove
	stops        int
	active       int
	maxActive    int
	hang         bool
	failNext     error
	disconnected bool
}

// NewSimulatedDriver starts the robot at start. Each move takes latency on clk.
func NewSimulatedDriver(start spatialmath.Pose, clk clock.Clock, latency time.Duration) *SimulatedDriver {
	if start == nil {
		start = spatialmath.NewZeroPose()
	}
	return &SimulatedDriver{clock: clk, latency: latency, pose: start}
}

func (d *SimulatedDriver) MoveTo(ctx context.Context, pose spatialmath.Pose, speedRatio float64) (err error) {
	d.mu.Lock()
	d.active++
	if d.active > d.maxActive {
		d.maxActive = d.active
	}
	hang, latency := d.hang, d.latency
	if d.disconnected {
		err = ErrDriverDisconnected
	} else if d.failNext != nil {
		err, d.failNext = d.failNext, nil
	}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.active--
		if err == nil {
			d.pose = pose
		}
		d.moves = append(d.moves, SimulatedMove{Pose: pose, SpeedRatio: speedRatio, Err: err})
	}()

	if err != nil {
		return err
	}
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if latency > 0 {
		select {
		case <-d.clock.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}

func (d *SimulatedDriver) CurrentPose(ctx context.Context) (spatialmath.Pose, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disconnected {
		return nil, ErrDriverDisconnected
	}
	return d.pose, nil
}

func (d *SimulatedDriver) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	if d.disconnected {
		return ErrDriverDisconnected
	}
	return nil
}

// SetHang makes subsequent moves block until their context ends.
func (d *SimulatedDriver) SetHang(hang bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hang = hang
}

// FailNext makes the next move return err.
func (d *SimulatedDriver) FailNext(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = err
}

// Disconnect makes every later call fail with ErrDriverDisconnected.
func (d *SimulatedDriver) Disconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnected = true
}

// Moves returns a copy of the recorded moves.
func (d *SimulatedDriver) Moves() []SimulatedMove {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]SimulatedMove(nil), d.moves...)
}

// Stops returns how many times Stop was called.
func (d *SimulatedDriver) Stops() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stops
}

// MaxConcurrentMoves is the highest number of moves that were in flight at once.
func (d *SimulatedDriver) MaxConcurrentMoves() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxActive
}

// SetPose teleports the simulated robot.
func (d *SimulatedDriver) SetPose(p spatialmath.Pose) error {
	if p == nil {
		return errors.New("nil pose")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pose = p
	return nil
}
