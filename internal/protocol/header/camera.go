package header

import "fmt"

// CameraModel is the discriminant of the intrinsic union.
type CameraModel int32

const (
	CameraModelNone    CameraModel = 0
	CameraModelPinhole CameraModel = 1 // OpenCV pinhole with k1,k2,p1,p2,k3 distortion
	CameraModelFisheye CameraModel = 2 // OpenCV fisheye with k1..k4 distortion
)

func (m CameraModel) String() string {
	switch m {
	case CameraModelNone:
		return "none"
	case CameraModelPinhole:
		return "pinhole"
	case CameraModelFisheye:
		return "fisheye"
	default:
		return fmt.Sprintf("camera_model(%d)", int32(m))
	}
}

// Intrinsic is the tagged intrinsic variant. Only Pinhole and Fisheye implement it.
type Intrinsic interface {
	Model() CameraModel
	isIntrinsic()
}

// Pinhole holds OpenCV pinhole intrinsics.
type Pinhole struct {
	Fx, Fy, Cx, Cy float64
	K1, K2, P1, P2 float64
	K3             float64
}

func (Pinhole) Model() CameraModel { return CameraModelPinhole }
func (Pinhole) isIntrinsic()        {}

// Fisheye holds OpenCV fisheye intrinsics.
type Fisheye struct {
	Fx, Fy, Cx, Cy float64
	K1, K2, K3, K4 float64
}

func (Fisheye) Model() CameraModel { return CameraModelFisheye }
func (Fisheye) isIntrinsic()        {}

// Extrinsic is the camera pose.
type Extrinsic struct {
	Rvec     [3]float64
	Tvec     [3]float64
	Reserved [4]uint64
}

// CameraParameter carries optional calibration. A nil Intrinsic means CameraModelNone.
type CameraParameter struct {
	Reserved0   uint32
	IntrinsicID uint64
	ExtrinsicID uint64
	Intrinsic   Intrinsic
	Extrinsic   Extrinsic
	Reserved1   [3]uint64
}

// Model returns the discriminant written to the wire.
func (p CameraParameter) Model() CameraModel {
	if p.Intrinsic == nil {
		return CameraModelNone
	}
	return p.Intrinsic.Model()
}

// Pinhole returns the pinhole intrinsics when they are the active variant.
func (p CameraParameter) Pinhole() (Pinhole, bool) {
	v, ok := p.Intrinsic.(Pinhole)
	return v, ok
}

// Fisheye returns the fisheye intrinsics when they are the active variant.
func (p CameraParameter) Fisheye() (Fisheye, bool) {
	v, ok := p.Intrinsic.(Fisheye)
	return v, ok
}

// HasIntrinsic reports whether an intrinsic calibration is present (id 0 means absent).
func (p CameraParameter) HasIntrinsic() bool {
	return p.IntrinsicID != 0 && p.Intrinsic != nil
}

// HasExtrinsic reports whether an extrinsic calibration is present.
func (p CameraParameter) HasExtrinsic() bool {
	return p.ExtrinsicID != 0
}

// Clone returns a full structural copy of p.
func (p CameraParameter) Clone() CameraParameter {
	out := p
	switch v := p.Intrinsic.(type) {
	case Pinhole:
		out.Intrinsic = v
	case Fisheye:
		out.Intrinsic = v
	default:
		out.Intrinsic = nil
	}
	return out
}

func (v Pinhole) values() []float64 {
	return []float64{v.Fx, v.Fy, v.Cx, v.Cy, v.K1, v.K2, v.P1, v.P2, v.K3}
}

func pinholeFrom(f []float64) Pinhole {
	return Pinhole{Fx: f[0], Fy: f[1], Cx: f[2], Cy: f[3], K1: f[4], K2: f[5], P1: f[6], P2: f[7], K3: f[8]}
}

func (v Fisheye) values() []float64 {
	return []float64{v.Fx, v.Fy, v.Cx, v.Cy, v.K1, v.K2, v.K3, v.K4}
}

func fisheyeFrom(f []float64) Fisheye {
	return Fisheye{Fx: f[0], Fy: f[1], Cx: f[2], Cy: f[3], K1: f[4], K2: f[5], K3: f[6], K4: f[7]}
}

// IntrinsicValueCount returns the number of packed f64 values for a model.
func IntrinsicValueCount(m CameraModel) int {
	switch m {
	case CameraModelPinhole:
		return 9
	case CameraModelFisheye:
		return 8
	default:
		return 0
	}
}

// IntrinsicValues flattens an intrinsic variant into its packed order.
func IntrinsicValues(in Intrinsic) []float64 {
	switch v := in.(type) {
	case Pinhole:
		return v.values()
	case Fisheye:
		return v.values()
	default:
		return nil
	}
}

// IntrinsicFromValues builds the variant for m from packed values.
func IntrinsicFromValues(m CameraModel, values []float64) (Intrinsic, error) {
	want := IntrinsicValueCount(m)
	if want == 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCameraModel, m)
	}
	if len(values) != want {
		return nil, fmt.Errorf("header: %s intrinsic needs %d values, got %d", m, want, len(values))
	}
	if m == CameraModelPinhole {
		return pinholeFrom(values), nil
	}
	return fisheyeFrom(values), nil
}
