package metadata

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/danmuck/framegrab/internal/protocol/header"
)

const (
	IntrinsicPinhole = "pinhole"
	IntrinsicFisheye = "fisheye"
	ExtrinsicOpenCV  = "ocv"
)

// Calib is the optional calibration block. An id of 0 means the part is absent.
type Calib struct {
	IntrinsicID   uint64 `json:"intr_id"`
	IntrinsicType string `json:"intr_ty,omitempty"`
	Intrinsic     string `json:"intr,omitempty"`
	ExtrinsicID   uint64 `json:"extr_id"`
	ExtrinsicType string `json:"extr_ty,omitempty"`
	Extrinsic     string `json:"extr,omitempty"`
}

// NewCalib encodes p, or returns nil when p carries no calibration.
func NewCalib(p header.CameraParameter) *Calib {
	if !p.HasIntrinsic() && !p.HasExtrinsic() {
		return nil
	}
	c := &Calib{}
	if p.HasIntrinsic() {
		c.IntrinsicID = p.IntrinsicID
		c.IntrinsicType = p.Model().String()
		c.Intrinsic = packF64(header.IntrinsicValues(p.Intrinsic))
	}
	if p.HasExtrinsic() {
		c.ExtrinsicID = p.ExtrinsicID
		c.ExtrinsicType = ExtrinsicOpenCV
		ex := p.Extrinsic
		c.Extrinsic = packF64([]float64{ex.Rvec[0], ex.Rvec[1], ex.Rvec[2], ex.Tvec[0], ex.Tvec[1], ex.Tvec[2]})
	}
	return c
}

// CameraParameter decodes the calibration blobs.
func (c Calib) CameraParameter() (header.CameraParameter, error) {
	var p header.CameraParameter
	if c.IntrinsicID != 0 {
		var model header.CameraModel
		switch c.IntrinsicType {
		case IntrinsicPinhole:
			model = header.CameraModelPinhole
		case IntrinsicFisheye:
			model = header.CameraModelFisheye
		default:
			return header.CameraParameter{}, fmt.Errorf("%w: intrinsic type %q", ErrCalibEncoding, c.IntrinsicType)
		}
		values, err := unpackF64(c.Intrinsic, header.IntrinsicValueCount(model))
		if err != nil {
			return header.CameraParameter{}, fmt.Errorf("intrinsic: %w", err)
		}
		in, err := header.IntrinsicFromValues(model, values)
		if err != nil {
			return header.CameraParameter{}, fmt.Errorf("%w: %v", ErrCalibEncoding, err)
		}
		p.IntrinsicID = c.IntrinsicID
		p.Intrinsic = in
	}
	if c.ExtrinsicID != 0 {
		if c.ExtrinsicType != ExtrinsicOpenCV {
			return header.CameraParameter{}, fmt.Errorf("%w: extrinsic type %q", ErrCalibEncoding, c.ExtrinsicType)
		}
		values, err := unpackF64(c.Extrinsic, 6)
		if err != nil {
			return header.CameraParameter{}, fmt.Errorf("extrinsic: %w", err)
		}
		p.ExtrinsicID = c.ExtrinsicID
		copy(p.Extrinsic.Rvec[:], values[0:3])
		copy(p.Extrinsic.Tvec[:], values[3:6])
	}
	return p, nil
}

func packF64(values []float64) string {
	b := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(b[8*i:], math.Float64bits(v))
	}
	return base64.StdEncoding.EncodeToString(b)
}

func unpackF64(s string, n int) ([]float64, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCalibEncoding, err)
	}
	if len(b) != 8*n {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrCalibEncoding, len(b), 8*n)
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
	}
	return out, nil
}
