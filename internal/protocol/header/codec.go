package header

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
)

const (
	offStartCode  = 0
	offHeaderSize = 4
	offVersion    = 8
	offFrameNum   = 12
	offHWFrameNum = 20
	offUTC        = 28
	offHWTime     = 36
	offOffsetX    = 44
	offOffsetY    = 48
	offDevice     = 52
	offLost       = 372
	offFrameLen   = 380

	devWidth    = 0
	devHeight   = 4
	devChannel  = 8
	devNameHash = 24
	devVendor   = 32
	devPixel    = 48
	devFPS      = 56
	devCamera   = 64

	camModel       = 0
	camReserved0   = 4
	camIntrinsicID = 8
	camExtrinsicID = 16
	camIntrinsic   = 24
	camRvec        = 152
	camTvec        = 176
	camExtReserved = 200
	camReserved1   = 232
)

// minPrefix covers start code, header_size and version.
const minPrefix = 12

var le = binary.LittleEndian

// Encode serializes h into a new Size byte slice. Fields are written as given.
func Encode(h Header) []byte {
	return AppendEncode(make([]byte, 0, Size), h)
}

// AppendEncode appends the serialized header to dst.
func AppendEncode(dst []byte, h Header) []byte {
	start := len(dst)
	dst = slices.Grow(dst, Size)[:start+Size]
	b := dst[start:]
	clear(b)

	copy(b[offStartCode:], h.StartCode[:])
	le.PutUint32(b[offHeaderSize:], h.HeaderSize)
	le.PutUint32(b[offVersion:], h.Version)
	le.PutUint64(b[offFrameNum:], h.FrameNum)
	le.PutUint64(b[offHWFrameNum:], h.HWFrameNum)
	le.PutUint64(b[offUTC:], h.UTCTimestampUS)
	le.PutUint64(b[offHWTime:], h.HWTimestampUS)
	le.PutUint32(b[offOffsetX:], uint32(h.OffsetX))
	le.PutUint32(b[offOffsetY:], uint32(h.OffsetY))
	putDevice(b[offDevice:offDevice+DeviceInfoSize], h.Device)
	le.PutUint64(b[offLost:], h.LostPacket)
	le.PutUint32(b[offFrameLen:], uint32(h.FrameLen))
	return dst
}

func putDevice(b []byte, d DeviceInfo) {
	le.PutUint32(b[devWidth:], uint32(d.Width))
	le.PutUint32(b[devHeight:], uint32(d.Height))
	copy(b[devChannel:devChannel+NameCap], d.ChannelName[:])
	le.PutUint64(b[devNameHash:], d.NameHash)
	copy(b[devVendor:devVendor+NameCap], d.Vendor[:])
	le.PutUint32(b[devPixel:], uint32(d.PixelType))
	putF64(b[devFPS:], d.FPS)
	putCamera(b[devCamera:devCamera+CameraParameterSize], d.Camera)
}

func putCamera(b []byte, p CameraParameter) {
	le.PutUint32(b[camModel:], uint32(p.Model()))
	le.PutUint32(b[camReserved0:], p.Reserved0)
	le.PutUint64(b[camIntrinsicID:], p.IntrinsicID)
	le.PutUint64(b[camExtrinsicID:], p.ExtrinsicID)
	for i, v := range IntrinsicValues(p.Intrinsic) {
		putF64(b[camIntrinsic+8*i:], v)
	}
	for i := range 3 {
		putF64(b[camRvec+8*i:], p.Extrinsic.Rvec[i])
		putF64(b[camTvec+8*i:], p.Extrinsic.Tvec[i])
		le.PutUint64(b[camReserved1+8*i:], p.Reserved1[i])
	}
	for i := range 4 {
		le.PutUint64(b[camExtReserved+8*i:], p.Extrinsic.Reserved[i])
	}
}

func putF64(b []byte, v float64) { le.PutUint64(b, math.Float64bits(v)) }
func getF64(b []byte) float64    { return math.Float64frombits(le.Uint64(b)) }

// Decoder validates and decodes serialized headers.
type Decoder struct {
	// AcceptVersions lists the layout versions this decoder will parse. Versions absent
	// from the layout table are rejected even when listed. Empty means Version only.
	AcceptVersions []uint32
}

// Decode parses b with the default decoder, which accepts only the current version.
func Decode(b []byte) (Header, error) {
	return Decoder{}.Decode(b)
}

// Peek validates the prefix of b and reports the declared header size without decoding
// the rest. It lets stream readers size their next read.
func (d Decoder) Peek(b []byte) (int, error) {
	if len(b) < minPrefix {
		return 0, fmt.Errorf("%w: have %d bytes, need %d", ErrTruncated, len(b), minPrefix)
	}
	if [4]byte(b[offStartCode:offStartCode+4]) != StartCode {
		return 0, fmt.Errorf("%w: % x", ErrBadMagic, b[offStartCode:offStartCode+4])
	}
	version := le.Uint32(b[offVersion:])
	size, ok := LayoutSize(version)
	if !ok || !d.accepts(version) {
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	declared := le.Uint32(b[offHeaderSize:])
	if int(declared) != size {
		return 0, fmt.Errorf("%w: declared %d, layout v%d is %d", ErrSizeMismatch, declared, version, size)
	}
	return size, nil
}

// Decode parses one header from the front of b. Trailing bytes are ignored.
func (d Decoder) Decode(b []byte) (Header, error) {
	size, err := d.Peek(b)
	if err != nil {
		return Header{}, err
	}
	if len(b) < size {
		return Header{}, fmt.Errorf("%w: have %d bytes, need %d", ErrTruncated, len(b), size)
	}

	var h Header
	copy(h.StartCode[:], b[offStartCode:])
	h.HeaderSize = le.Uint32(b[offHeaderSize:])
	h.Version = le.Uint32(b[offVersion:])
	h.FrameNum = le.Uint64(b[offFrameNum:])
	h.HWFrameNum = le.Uint64(b[offHWFrameNum:])
	h.UTCTimestampUS = le.Uint64(b[offUTC:])
	h.HWTimestampUS = le.Uint64(b[offHWTime:])
	h.OffsetX = int32(le.Uint32(b[offOffsetX:]))
	h.OffsetY = int32(le.Uint32(b[offOffsetY:]))
	dev, err := decodeDevice(b[offDevice : offDevice+DeviceInfoSize])
	if err != nil {
		return Header{}, err
	}
	h.Device = dev
	h.LostPacket = le.Uint64(b[offLost:])
	h.FrameLen = int32(le.Uint32(b[offFrameLen:]))
	return h, nil
}

func (d Decoder) accepts(version uint32) bool {
	if len(d.AcceptVersions) == 0 {
		return version == Version
	}
	return slices.Contains(d.AcceptVersions, version)
}

func decodeDevice(b []byte) (DeviceInfo, error) {
	var d DeviceInfo
	d.Width = int32(le.Uint32(b[devWidth:]))
	d.Height = int32(le.Uint32(b[devHeight:]))
	copy(d.ChannelName[:], b[devChannel:devChannel+NameCap])
	d.NameHash = le.Uint64(b[devNameHash:])
	copy(d.Vendor[:], b[devVendor:devVendor+NameCap])
	d.PixelType = PixelType(le.Uint32(b[devPixel:]))
	d.FPS = getF64(b[devFPS:])
	cam, err := decodeCamera(b[devCamera : devCamera+CameraParameterSize])
	if err != nil {
		return DeviceInfo{}, err
	}
	d.Camera = cam
	return d, nil
}

func decodeCamera(b []byte) (CameraParameter, error) {
	var p CameraParameter
	model := CameraModel(int32(le.Uint32(b[camModel:])))
	p.Reserved0 = le.Uint32(b[camReserved0:])
	p.IntrinsicID = le.Uint64(b[camIntrinsicID:])
	p.ExtrinsicID = le.Uint64(b[camExtrinsicID:])

	switch model {
	case CameraModelNone:
	case CameraModelPinhole, CameraModelFisheye:
		values := make([]float64, IntrinsicValueCount(model))
		for i := range values {
			values[i] = getF64(b[camIntrinsic+8*i:])
		}
		in, err := IntrinsicFromValues(model, values)
		if err != nil {
			return CameraParameter{}, err
		}
		p.Intrinsic = in
	default:
		return CameraParameter{}, fmt.Errorf("%w: %d", ErrInvalidCameraModel, int32(model))
	}

	for i := range 3 {
		p.Extrinsic.Rvec[i] = getF64(b[camRvec+8*i:])
		p.Extrinsic.Tvec[i] = getF64(b[camTvec+8*i:])
		p.Reserved1[i] = le.Uint64(b[camReserved1+8*i:])
	}
	for i := range 4 {
		p.Extrinsic.Reserved[i] = le.Uint64(b[camExtReserved+8*i:])
	}
	return p, nil
}
