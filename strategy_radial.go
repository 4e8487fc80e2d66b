package tms_robot

import (
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
)

// radiallyOutward retracts along the coil's approach axis, moves to the same standoff in
// front of the target, then approaches the target along the target's axis.
type radiallyOutward struct {
	cfg AlgorithmConfig
}

func newRadiallyOutward(cfg AlgorithmConfig) (*radiallyOutward, error) {
	if cfg.RetractDistance < 0 {
		return nil, configErrorf("retract distance must be non-negative, got %v", cfg.RetractDistance)
	}
	return &radiallyOutward{cfg: cfg}, nil
}

func (s *radiallyOutward) Algorithm() Algorithm        { return AlgorithmRadiallyOutward }
func (s *radiallyOutward) HasDiscreteCompletion() bool { return true }
func (s *radiallyOutward) Reset()                      {}

func (s *radiallyOutward) Plan(req PlanRequest) (*MotionCommand, error) {
	if err := s.cfg.checkReachable(req.Target); err != nil {
		return nil, err
	}
	// tuning corrections are small enough to go straight there
	if req.Reason == TriggerTuning || s.cfg.RetractDistance == 0 {
		return s.cfg.newCommand(req.Reason, req.Target), nil
	}

	curAxis := approachAxis(req.Current)
	tgtAxis := approachAxis(req.Target)
	if curAxis.Norm() == 0 || tgtAxis.Norm() == 0 {
		return nil, errors.Wrap(ErrUnreachable, "coil approach axis is undefined")
	}

	retract := offsetAlong(req.Current, curAxis, -s.cfg.RetractDistance)
	standoff := offsetAlong(req.Target, tgtAxis, -s.cfg.RetractDistance)
	if err := s.cfg.checkReachable(standoff); err != nil {
		return nil, errors.Wrap(err, "standoff in front of target")
	}
	return s.cfg.newCommand(req.Reason, retract, standoff, req.Target), nil
}

func (s *radiallyOutward) Retreat(current spatialmath.Pose) (*MotionCommand, error) {
	return s.cfg.retreatAlongAxis(current)
}
