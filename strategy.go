package tms_robot

import (
	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
)

// Algorithm names a movement strategy.
type Algorithm string

const (
	AlgorithmRadiallyOutward Algorithm = "radially_outward"
	AlgorithmDirectlyUpward  Algorithm = "directly_upward"
	AlgorithmDirectlyPID     Algorithm = "directly_PID"
)

// PIDGains configures the continuous PID strategy. Translation gains act on millimetres,
// rotation gains on degrees.
type PIDGains struct {
	Kp, Ki, Kd float64

	MaxTranslationStepMM float64
	MaxRotationStepDeg   float64
	DeadbandMM           float64
	DeadbandDeg          float64
	IntegralLimit        float64

	// ForceSetpoint enables force tracking along Z when set.
	ForceSetpoint *float64
	ForceGain     float64
}

// AlgorithmConfig is everything a strategy needs to plan.
type AlgorithmConfig struct {
	Algorithm Algorithm

	DefaultSpeedRatio float64
	TuningSpeedRatio  float64
	RetreatSpeedRatio float64

	// SafeHeight is the transit height in mm. Required by directly_upward.
	SafeHeight *float64
	// RetractDistance is how far radially_outward backs off along the approach axis.
	RetractDistance float64
	// RetreatDistance is how far the robot backs away from the head when told to move away.
	RetreatDistance float64
	// WorkingSpaceRadius bounds target positions, measured from the robot base. 0 disables.
	WorkingSpaceRadius float64

	PID PIDGains
}

// MotionCommand is a planned movement: an ordered list of poses executed one after another.
type MotionCommand struct {
	ID        uuid.UUID
	Algorithm Algorithm
	Reason    TriggerReason
	Segments  []spatialmath.Pose
	// Target is the pose the command is working towards. For discrete moves it is the last
	// segment; for PID increments it is the tracked target.
	Target     spatialmath.Pose
	SpeedRatio float64
	// Discrete is true when the command completes on its own; PID increments are not.
	Discrete bool
}

// PlanRequest carries the inputs for one planning call.
type PlanRequest struct {
	Current spatialmath.Pose
	Target  spatialmath.Pose
	Reason  TriggerReason
	// Force is the latest fresh force reading, if any.
	Force *float64
}

// MovementStrategy plans robot motion toward a target.
type MovementStrategy interface {
	Algorithm() Algorithm
	// HasDiscreteCompletion is true when a planned move finishes and the robot settles.
	HasDiscreteCompletion() bool
	// Plan returns the next command. A nil command with a nil error means no motion is needed.
	Plan(req PlanRequest) (*MotionCommand, error)
	// Retreat plans a move away from the head starting at current.
	Retreat(current spatialmath.Pose) (*MotionCommand, error)
	// Reset clears any internal state (PID integrators).
	Reset()
}

// NewMovementStrategy builds the strategy named by cfg, failing with ErrConfiguration if a
// required parameter is missing.
func NewMovementStrategy(cfg AlgorithmConfig) (MovementStrategy, error) {
	switch cfg.Algorithm {
	case AlgorithmRadiallyOutward:
		return newRadiallyOutward(cfg)
	case AlgorithmDirectlyUpward:
		return newDirectlyUpward(cfg)
	case AlgorithmDirectlyPID:
		return newDirectlyPID(cfg)
	default:
		return nil, configErrorf("unknown movement algorithm %q", cfg.Algorithm)
	}
}

func (cfg AlgorithmConfig) speedFor(reason TriggerReason) float64 {
	switch reason {
	case TriggerTuning:
		return cfg.TuningSpeedRatio
	case TriggerRetreat:
		return cfg.RetreatSpeedRatio
	default:
		return cfg.DefaultSpeedRatio
	}
}

// checkReachable rejects targets the robot cannot get to.
func (cfg AlgorithmConfig) checkReachable(target spatialmath.Pose) error {
	if target == nil || !poseIsFinite(target) {
		return errors.Wrap(ErrUnreachable, "target pose is not finite")
	}
	if cfg.WorkingSpaceRadius > 0 {
		if d := target.Point().Norm(); d > cfg.WorkingSpaceRadius {
			return errors.Wrapf(ErrUnreachable, "target is %.1fmm from base, working space radius is %.1fmm", d, cfg.WorkingSpaceRadius)
		}
	}
	return nil
}

func (cfg AlgorithmConfig) newCommand(reason TriggerReason, segments ...spatialmath.Pose) *MotionCommand {
	segments = dedupeSegments(segments)
	return &MotionCommand{
		ID:         uuid.New(),
		Algorithm:  cfg.Algorithm,
		Reason:     reason,
		Segments:   segments,
		Target:     segments[len(segments)-1],
		SpeedRatio: cfg.speedFor(reason),
		Discrete:   true,
	}
}

// dedupeSegments drops waypoints that repeat the previous one.
func dedupeSegments(in []spatialmath.Pose) []spatialmath.Pose {
	out := make([]spatialmath.Pose, 0, len(in))
	for _, p := range in {
		if len(out) > 0 && spatialmath.PoseAlmostEqual(out[len(out)-1], p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// retreatAlongAxis backs the coil away from the head along its approach axis.
func (cfg AlgorithmConfig) retreatAlongAxis(current spatialmath.Pose) (*MotionCommand, error) {
	axis := approachAxis(current)
	if axis.Norm() == 0 {
		return nil, errors.Wrap(ErrUnreachable, "coil approach axis is undefined")
	}
	back := spatialmath.NewPose(current.Point().Sub(axis.Normalize().Mul(cfg.RetreatDistance)), current.Orientation())
	return cfg.newCommand(TriggerRetreat, back), nil
}

func offsetAlong(p spatialmath.Pose, axis r3.Vector, distance float64) spatialmath.Pose {
	return spatialmath.NewPose(p.Point().Add(axis.Normalize().Mul(distance)), p.Orientation())
}
