package header

const (
	// Version is the current MV frame header layout version.
	Version uint32 = 1

	// Size is the serialized size of the version 1 header.
	Size = 384

	DeviceInfoSize      = 320
	CameraParameterSize = 256
	IntrinsicUnionSize  = 128
)

// StartCode prefixes every serialized frame header.
var StartCode = [4]byte{0x3F, 0xA7, 0xA4, 0x42}

// layoutSizes maps each known header version to its serialized size.
var layoutSizes = map[uint32]int{
	1: Size,
}

// LayoutSize reports the serialized size for a known header version.
func LayoutSize(version uint32) (int, bool) {
	n, ok := layoutSizes[version]
	return n, ok
}

// Header is one decoded MV frame header.
type Header struct {
	StartCode      [4]byte
	HeaderSize     uint32
	Version        uint32
	FrameNum       uint64
	HWFrameNum     uint64
	UTCTimestampUS uint64
	HWTimestampUS  uint64
	OffsetX        int32
	OffsetY        int32
	Device         DeviceInfo
	LostPacket     uint64
	FrameLen       int32
}

// New returns a header with the start code, size and version of the current layout.
func New() Header {
	return Header{
		StartCode:  StartCode,
		HeaderSize: Size,
		Version:    Version,
	}
}

// Clone returns a full structural copy of h, nested device and camera records included.
func (h Header) Clone() Header {
	out := h
	out.Device = h.Device.Clone()
	return out
}

// DeviceInfo describes the sensor that produced a frame.
type DeviceInfo struct {
	Width       int32
	Height      int32
	ChannelName Name
	NameHash    uint64
	Vendor      Name
	PixelType   PixelType
	FPS         float64
	Camera      CameraParameter
}

// Clone returns a full structural copy of d.
func (d DeviceInfo) Clone() DeviceInfo {
	out := d
	out.Camera = d.Camera.Clone()
	return out
}

// SetChannelName stores name, truncating to NameMaxLen bytes, and refreshes NameHash.
func (d *DeviceInfo) SetChannelName(name string) {
	d.ChannelName = TruncateName(name)
	d.NameHash = HashName(d.ChannelName.String())
}

// SetVendor stores vendor, truncating to NameMaxLen bytes.
func (d *DeviceInfo) SetVendor(vendor string) {
	d.Vendor = TruncateName(vendor)
}
