package tms_robot

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"go.viam.com/rdk/spatialmath"
)

func TestWirePoseRoundTrip(t *testing.T) {
	w := WirePose{X: 10, Y: -20, Z: 300, OX: 0, OY: 0, OZ: 1, Theta: 45}
	p := w.Pose()
	assert.Equal(t, r3.Vector{X: 10, Y: -20, Z: 300}, p.Point())

	back := NewWirePose(p)
	assert.InDelta(t, 10.0, back.X, 1e-9)
	assert.InDelta(t, 1.0, back.OZ, 1e-9)
	assert.InDelta(t, 45.0, back.Theta, 1e-9)
}

func TestWirePoseZeroOrientationDefaultsToZAxis(t *testing.T) {
	p := WirePose{X: 1}.Pose()
	assert.InDelta(t, 0.0, RotationError(spatialmath.NewZeroPose(), p), 1e-9)
}

func TestTranslationError(t *testing.T) {
	assert.InDelta(t, 5.0, TranslationError(pointPose(0, 0, 0), pointPose(3, 4, 0)), 1e-9)
}

func TestRotationVectorRoundTrip(t *testing.T) {
	from := spatialmath.NewZeroPose().Orientation().Quaternion()
	to := (&spatialmath.OrientationVectorDegrees{OX: 1, Theta: 30}).Quaternion()

	v := rotationVector(from, to)
	assert.InDelta(t, quatAngle(from, to), v.Norm(), 1e-9)

	moved := rotatePose(spatialmath.NewZeroPose(), r3.Vector{X: 1}, v)
	assert.InDelta(t, 0.0, quatAngle(moved.Orientation().Quaternion(), to), 1e-6)
	assert.Equal(t, 1.0, moved.Point().X)
}

func TestPoseIsFinite(t *testing.T) {
	assert.True(t, poseIsFinite(pointPose(1, 2, 3)))
	assert.False(t, poseIsFinite(pointPose(math.NaN(), 2, 3)))
	assert.False(t, poseIsFinite(pointPose(1, math.Inf(-1), 3)))
}
