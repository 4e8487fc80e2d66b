package tms_robot

import (
	"github.com/pkg/errors"
)

// Error taxonomy of the control loop. Only ErrConfiguration and ErrDriverDisconnected
// terminate the loop; everything else is recoverable.
var (
	// ErrConfiguration is returned at startup when a parameter required by the selected
	// movement algorithm is missing or invalid.
	ErrConfiguration = errors.New("configuration error")

	// ErrTargetUnavailable means the head (or coil) is not visible to the tracker.
	ErrTargetUnavailable = errors.New("target unavailable")

	// ErrMotionTimeout means the robot did not report completion of a move in time.
	ErrMotionTimeout = errors.New("motion timeout")

	// ErrSensorStale means an enabled sensor has not reported within its freshness window.
	ErrSensorStale = errors.New("sensor reading stale")

	// ErrSensorFault means an enabled sensor reported an error instead of a value.
	ErrSensorFault = errors.New("sensor fault")

	// ErrSafetyEnvelope means a sensor reading is beyond the configured limit.
	ErrSafetyEnvelope = errors.New("sensor reading outside safety envelope")

	// ErrUnreachable means the strategy could not plan a path to the target.
	ErrUnreachable = errors.New("target unreachable")

	// ErrDriverDisconnected means communication with the robot driver is lost.
	ErrDriverDisconnected = errors.New("robot driver disconnected")
)

func configErrorf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrConfiguration, format, args...)
}
