package tms_robot

import (
	"time"

	"go.viam.com/rdk/spatialmath"
)

// TriggerReason says why a movement was started.
type TriggerReason int

const (
	TriggerNone TriggerReason = iota
	TriggerThreshold
	TriggerTuning
	TriggerRetreat
)

func (r TriggerReason) String() string {
	switch r {
	case TriggerNone:
		return "none"
	case TriggerThreshold:
		return "threshold"
	case TriggerTuning:
		return "tuning"
	case TriggerRetreat:
		return "retreat"
	default:
		return "unknown"
	}
}

// Thresholds bound how far the target may drift from the commanded pose before the robot
// is moved again.
type Thresholds struct {
	TranslationMM float64
	RotationDeg   float64
}

// Evaluation is the outcome of comparing a target against the commanded pose.
type Evaluation struct {
	Trigger          TriggerReason
	TranslationError float64
	RotationError    float64
}

// ThresholdEvaluator decides whether a filtered target warrants a new movement.
type ThresholdEvaluator struct {
	thresholds     Thresholds
	tuningInterval time.Duration

	triggered    bool
	triggeredSeq uint64
}

// NewThresholdEvaluator creates an evaluator. A zero tuning interval disables tuning.
func NewThresholdEvaluator(thresholds Thresholds, tuningInterval time.Duration) *ThresholdEvaluator {
	return &ThresholdEvaluator{thresholds: thresholds, tuningInterval: tuningInterval}
}

// Exceeds reports whether candidate is strictly beyond either threshold from reference.
func (e *ThresholdEvaluator) Exceeds(reference, candidate spatialmath.Pose) (bool, float64, float64) {
	dt := TranslationError(reference, candidate)
	dr := RotationError(reference, candidate)
	return dt > e.thresholds.TranslationMM || dr > e.thresholds.RotationDeg, dt, dr
}

// Evaluate compares target against reference. A threshold trigger fires at most once per
// accepted target update; a tuning trigger fires when the target is within thresholds and
// sinceLastMove has reached the tuning interval.
func (e *ThresholdEvaluator) Evaluate(reference spatialmath.Pose, target FilteredTarget, sinceLastMove time.Duration) Evaluation {
	exceeded, dt, dr := e.Exceeds(reference, target.Pose)
	ev := Evaluation{TranslationError: dt, RotationError: dr}
	switch {
	case exceeded:
		if e.triggered && e.triggeredSeq == target.Seq {
			return ev
		}
		e.triggered = true
		e.triggeredSeq = target.Seq
		ev.Trigger = TriggerThreshold
	case e.TuningDue(sinceLastMove):
		ev.Trigger = TriggerTuning
	}
	return ev
}

// TuningDue reports whether enough time has passed since the last move for a tuning move.
func (e *ThresholdEvaluator) TuningDue(sinceLastMove time.Duration) bool {
	return e.tuningInterval > 0 && sinceLastMove >= e.tuningInterval
}

// Reset forgets which update last triggered.
func (e *ThresholdEvaluator) Reset() {
	e.triggered = false
	e.triggeredSeq = 0
}
