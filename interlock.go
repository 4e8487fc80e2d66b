package tms_robot

import (
	"github.com/pkg/errors"
)

// InterlockConfig configures the safety interlock.
type InterlockConfig struct {
	StopIfHeadNotVisible bool
	WaitForConfirmation  bool
	// AttenuationFactor scales the speed ratio while a sensor is in its warning band.
	AttenuationFactor float64
}

// Authorization is the interlock's verdict on a planned command.
type Authorization struct {
	Authorized bool
	Reason     error
	SpeedRatio float64
}

// SafetyInterlock gates every command before it reaches the robot driver.
type SafetyInterlock struct {
	cfg     InterlockConfig
	monitor *SensorMonitor
}

// NewSafetyInterlock creates an interlock. monitor may be nil when no sensors are enabled.
func NewSafetyInterlock(cfg InterlockConfig, monitor *SensorMonitor) *SafetyInterlock {
	if cfg.AttenuationFactor <= 0 || cfg.AttenuationFactor > 1 {
		cfg.AttenuationFactor = 1
	}
	return &SafetyInterlock{cfg: cfg, monitor: monitor}
}

// RequiresConfirmation reports whether authorized commands must be confirmed by the operator.
func (i *SafetyInterlock) RequiresConfirmation() bool {
	return i.cfg.WaitForConfirmation
}

// Authorize checks visibility and the sensor envelope. An unknown sensor state denies.
func (i *SafetyInterlock) Authorize(cmd *MotionCommand, visible bool) Authorization {
	if cmd == nil {
		return Authorization{Reason: errors.New("no command")}
	}
	if i.cfg.StopIfHeadNotVisible && !visible {
		return Authorization{Reason: errors.Wrap(ErrTargetUnavailable, "head not visible")}
	}
	speed := cmd.SpeedRatio
	if i.monitor != nil {
		st := i.monitor.Status()
		switch st.Level {
		case LevelUnknown, LevelExceeded:
			return Authorization{Reason: st.Reason}
		case LevelAttenuate:
			speed *= i.cfg.AttenuationFactor
		}
	}
	return Authorization{Authorized: true, SpeedRatio: speed}
}

// AuthorizeRetreat approves a move away from the head. Retreating is allowed without
// visibility and regardless of the sensor envelope.
func (i *SafetyInterlock) AuthorizeRetreat(cmd *MotionCommand) Authorization {
	if cmd == nil || cmd.Reason != TriggerRetreat {
		return Authorization{Reason: errors.New("not a retreat command")}
	}
	return Authorization{Authorized: true, SpeedRatio: cmd.SpeedRatio}
}
