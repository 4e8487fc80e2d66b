package tms_robot

import (
	"math"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/floats"
)

// directlyPID issues a small corrective increment toward the target on every control tick.
// The error vector is [dx dy dz rx ry rz] in mm and degrees.
type directlyPID struct {
	cfg  AlgorithmConfig
	gain PIDGains
	dt   float64

	integral []float64
	previous []float64
	primed   bool
}

func newDirectlyPID(cfg AlgorithmConfig) (*directlyPID, error) {
	g := cfg.PID
	if g.Kp <= 0 {
		return nil, configErrorf("algorithm %s requires a positive kp", AlgorithmDirectlyPID)
	}
	if g.MaxTranslationStepMM <= 0 || g.MaxRotationStepDeg <= 0 {
		return nil, configErrorf("algorithm %s requires positive max step sizes", AlgorithmDirectlyPID)
	}
	if g.ForceSetpoint != nil && g.ForceGain == 0 {
		return nil, configErrorf("force setpoint requires a non-zero force gain")
	}
	return &directlyPID{
		cfg:      cfg,
		gain:     g,
		dt:       defaultControlTick.Seconds(),
		integral: make([]float64, 6),
		previous: make([]float64, 6),
	}, nil
}

// setTick sets the control period the derivative and integral terms integrate over.
func (s *directlyPID) setTick(tick time.Duration) {
	if tick > 0 {
		s.dt = tick.Seconds()
	}
}

func (s *directlyPID) Algorithm() Algorithm        { return AlgorithmDirectlyPID }
func (s *directlyPID) HasDiscreteCompletion() bool { return false }

func (s *directlyPID) Reset() {
	for i := range s.integral {
		s.integral[i] = 0
		s.previous[i] = 0
	}
	s.primed = false
}

func (s *directlyPID) Plan(req PlanRequest) (*MotionCommand, error) {
	if err := s.cfg.checkReachable(req.Target); err != nil {
		return nil, err
	}

	dp := req.Target.Point().Sub(req.Current.Point())
	rot := rotationVector(req.Current.Orientation().Quaternion(), req.Target.Orientation().Quaternion()).Mul(180 / math.Pi)
	if s.gain.ForceSetpoint != nil && req.Force != nil {
		dp.Z = s.gain.ForceGain * (*s.gain.ForceSetpoint - *req.Force)
	}

	if dp.Norm() <= s.gain.DeadbandMM && rot.Norm() <= s.gain.DeadbandDeg {
		// within deadband
		s.Reset()
		return nil, nil
	}

	e := []float64{dp.X, dp.Y, dp.Z, rot.X, rot.Y, rot.Z}
	floats.AddScaled(s.integral, s.dt, e)
	if lim := s.gain.IntegralLimit; lim > 0 {
		for i, v := range s.integral {
			s.integral[i] = math.Max(-lim, math.Min(lim, v))
		}
	}

	u := make([]float64, 6)
	floats.AddScaled(u, s.gain.Kp, e)
	floats.AddScaled(u, s.gain.Ki, s.integral)
	if s.primed {
		d := make([]float64, 6)
		floats.SubTo(d, e, s.previous)
		floats.AddScaled(u, s.gain.Kd/s.dt, d)
	}
	copy(s.previous, e)
	s.primed = true

	step := clampNorm(r3.Vector{X: u[0], Y: u[1], Z: u[2]}, s.gain.MaxTranslationStepMM)
	turn := clampNorm(r3.Vector{X: u[3], Y: u[4], Z: u[5]}, s.gain.MaxRotationStepDeg).Mul(math.Pi / 180)

	next := rotatePose(req.Current, step, turn)
	return &MotionCommand{
		ID:         uuid.New(),
		Algorithm:  AlgorithmDirectlyPID,
		Reason:     req.Reason,
		Segments:   []spatialmath.Pose{next},
		Target:     req.Target,
		SpeedRatio: s.cfg.speedFor(req.Reason),
		Discrete:   false,
	}, nil
}

// Retreat is a discrete move even for PID; the sequencer waits for it to finish.
func (s *directlyPID) Retreat(current spatialmath.Pose) (*MotionCommand, error) {
	s.Reset()
	return s.cfg.retreatAlongAxis(current)
}

func clampNorm(v r3.Vector, limit float64) r3.Vector {
	if n := v.Norm(); n > limit && n > 0 {
		return v.Mul(limit / n)
	}
	return v
}
