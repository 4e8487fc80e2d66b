package tms_robot

import (
	"math"
	"time"

	"github.com/golang/geo/r3"
	commonpb "go.viam.com/api/common/v1"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/num/quat"
)

// TargetUpdate is one sample from the neuronavigation tracker: where the coil should be,
// whether the head is currently visible, and when the sample was taken.
type TargetUpdate struct {
	Pose      spatialmath.Pose
	Visible   bool
	Timestamp time.Time
}

// WirePose is the pose encoding used on the navigation link and in DoCommand payloads.
// Position is in millimetres, orientation is an orientation vector with theta in degrees.
type WirePose struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	OX    float64 `json:"o_x"`
	OY    float64 `json:"o_y"`
	OZ    float64 `json:"o_z"`
	Theta float64 `json:"theta"`
}

// Pose converts the wire encoding into a spatialmath pose. A zero orientation vector
// is read as the default approach axis (+Z).
func (w WirePose) Pose() spatialmath.Pose {
	pb := &commonpb.Pose{X: w.X, Y: w.Y, Z: w.Z, OX: w.OX, OY: w.OY, OZ: w.OZ, Theta: w.Theta}
	if w.OX == 0 && w.OY == 0 && w.OZ == 0 {
		pb.OZ = 1
	}
	return spatialmath.NewPoseFromProtobuf(pb)
}

// NewWirePose encodes a spatialmath pose for the wire.
func NewWirePose(p spatialmath.Pose) WirePose {
	pb := spatialmath.PoseToProtobuf(p)
	return WirePose{X: pb.X, Y: pb.Y, Z: pb.Z, OX: pb.OX, OY: pb.OY, OZ: pb.OZ, Theta: pb.Theta}
}

// Map returns the pose as a DoCommand-friendly map.
func (w WirePose) Map() map[string]interface{} {
	return map[string]interface{}{
		"x": w.X, "y": w.Y, "z": w.Z,
		"o_x": w.OX, "o_y": w.OY, "o_z": w.OZ,
		"theta": w.Theta,
	}
}

// TranslationError is the euclidean distance between two poses in millimetres.
func TranslationError(a, b spatialmath.Pose) float64 {
	return a.Point().Distance(b.Point())
}

// RotationError is the angle in degrees of the rotation taking a onto b.
func RotationError(a, b spatialmath.Pose) float64 {
	return quatAngle(a.Orientation().Quaternion(), b.Orientation().Quaternion()) * 180 / math.Pi
}

// quatAngle returns the rotation angle between two orientations in radians, in [0, pi].
func quatAngle(a, b quat.Number) float64 {
	d := quat.Mul(quat.Conj(a), b)
	n := quat.Abs(d)
	if n == 0 {
		return 0
	}
	w := math.Abs(d.Real) / n
	if w > 1 {
		w = 1
	}
	return 2 * math.Acos(w)
}

// rotationVector returns the world-frame axis-angle vector (radians) rotating from onto to,
// taking the short way around.
func rotationVector(from, to quat.Number) r3.Vector {
	d := quat.Mul(to, quat.Conj(from))
	n := quat.Abs(d)
	if n == 0 {
		return r3.Vector{}
	}
	d = quat.Scale(1/n, d)
	if d.Real < 0 {
		d = quat.Scale(-1, d)
	}
	w := math.Min(d.Real, 1)
	s := math.Sqrt(1 - w*w)
	if s < 1e-9 {
		return r3.Vector{}
	}
	angle := 2 * math.Acos(w)
	return r3.Vector{X: d.Imag / s, Y: d.Jmag / s, Z: d.Kmag / s}.Mul(angle)
}

// quatFromRotationVector is the inverse of rotationVector.
func quatFromRotationVector(v r3.Vector) quat.Number {
	angle := v.Norm()
	if angle < 1e-12 {
		return quat.Number{Real: 1}
	}
	axis := v.Mul(1 / angle)
	s := math.Sin(angle / 2)
	return quat.Number{Real: math.Cos(angle / 2), Imag: axis.X * s, Jmag: axis.Y * s, Kmag: axis.Z * s}
}

// rotatePose applies a world-frame rotation vector (radians) to the orientation of p and
// moves its point by delta.
func rotatePose(p spatialmath.Pose, delta, rot r3.Vector) spatialmath.Pose {
	q := spatialmath.Quaternion(quat.Mul(quatFromRotationVector(rot), p.Orientation().Quaternion()))
	return spatialmath.NewPose(p.Point().Add(delta), &q)
}

// approachAxis is the unit vector the coil faces along (the tool Z axis).
func approachAxis(p spatialmath.Pose) r3.Vector {
	ov := p.Orientation().OrientationVectorRadians()
	return r3.Vector{X: ov.OX, Y: ov.OY, Z: ov.OZ}
}

// poseIdentical reports whether two poses match exactly, without tolerance.
func poseIdentical(a, b spatialmath.Pose) bool {
	return a.Point() == b.Point() && a.Orientation().Quaternion() == b.Orientation().Quaternion()
}

func poseIsFinite(p spatialmath.Pose) bool {
	pt := p.Point()
	q := p.Orientation().Quaternion()
	for _, v := range []float64{pt.X, pt.Y, pt.Z, q.Real, q.Imag, q.Jmag, q.Kmag} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
