package tms_robot

import (
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
)

// directlyUpward rises to a safe transit height, travels there, then descends onto the target.
type directlyUpward struct {
	cfg        AlgorithmConfig
	safeHeight float64
}

func newDirectlyUpward(cfg AlgorithmConfig) (*directlyUpward, error) {
	if cfg.SafeHeight == nil {
		return nil, configErrorf("algorithm %s requires safe_height_mm", AlgorithmDirectlyUpward)
	}
	return &directlyUpward{cfg: cfg, safeHeight: *cfg.SafeHeight}, nil
}

func (s *directlyUpward) Algorithm() Algorithm        { return AlgorithmDirectlyUpward }
func (s *directlyUpward) HasDiscreteCompletion() bool { return true }
func (s *directlyUpward) Reset()                      {}

// transitHeight never moves the coil down on the way up.
func (s *directlyUpward) transitHeight(current spatialmath.Pose) float64 {
	return math.Max(s.safeHeight, current.Point().Z)
}

func (s *directlyUpward) Plan(req PlanRequest) (*MotionCommand, error) {
	if err := s.cfg.checkReachable(req.Target); err != nil {
		return nil, err
	}
	if req.Reason == TriggerTuning {
		return s.cfg.newCommand(req.Reason, req.Target), nil
	}

	z := s.transitHeight(req.Current)
	cur, tgt := req.Current.Point(), req.Target.Point()
	up := spatialmath.NewPose(r3.Vector{X: cur.X, Y: cur.Y, Z: z}, req.Current.Orientation())
	over := spatialmath.NewPose(r3.Vector{X: tgt.X, Y: tgt.Y, Z: z}, req.Target.Orientation())
	return s.cfg.newCommand(req.Reason, up, over, req.Target), nil
}

func (s *directlyUpward) Retreat(current spatialmath.Pose) (*MotionCommand, error) {
	cur := current.Point()
	up := spatialmath.NewPose(r3.Vector{X: cur.X, Y: cur.Y, Z: s.transitHeight(current)}, current.Orientation())
	if spatialmath.PoseAlmostEqual(up, current) {
		// already at or above transit height
		up = spatialmath.NewPose(cur.Add(r3.Vector{Z: s.cfg.RetreatDistance}), current.Orientation())
	}
	return s.cfg.newCommand(TriggerRetreat, up), nil
}
