package header

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

func sampleHeader() Header {
	h := New()
	h.FrameNum = 7
	h.HWFrameNum = 11
	h.UTCTimestampUS = 1_700_000_000_000_000
	h.HWTimestampUS = 123456
	h.OffsetX = -4
	h.OffsetY = 9
	h.LostPacket = 3
	h.FrameLen = 640 * 480
	h.Device.Width = 640
	h.Device.Height = 480
	h.Device.SetChannelName("front-left")
	h.Device.SetVendor("acme")
	h.Device.PixelType = PixelMono8
	h.Device.FPS = 29.97
	h.Device.Camera = CameraParameter{
		IntrinsicID: 5,
		ExtrinsicID: 6,
		Intrinsic:   Pinhole{Fx: 500, Fy: 501, Cx: 320, Cy: 240, K1: 0.1, K2: -0.01, P1: 0.001, P2: 0.002, K3: 0.0001},
		Extrinsic: Extrinsic{
			Rvec: [3]float64{0.1, 0.2, 0.3},
			Tvec: [3]float64{1, 2, 3},
		},
	}
	return h
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := sampleHeader()
	b := Encode(in)
	if len(b) != Size {
		t.Fatalf("encoded size: got=%d want=%d", len(b), Size)
	}
	out, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch:\n got=%+v\nwant=%+v", out, in)
	}
	if !bytes.Equal(Encode(out), b) {
		t.Fatalf("re-encode mismatch")
	}
}

func TestEncodeDecodeRoundTripVariants(t *testing.T) {
	long, err := NewName("cam-0123456789a")
	if err != nil {
		t.Fatalf("new name: %v", err)
	}
	cases := []struct {
		name   string
		mutate func(*Header)
	}{
		{"fisheye", func(h *Header) {
			h.Device.Camera.Intrinsic = Fisheye{Fx: 610, Fy: 611, Cx: 330, Cy: 250, K1: -0.02, K2: 0.003, K3: -0.0004, K4: 0.00005}
		}},
		{"no model with ids", func(h *Header) {
			h.Device.Camera = CameraParameter{
				IntrinsicID: 42,
				ExtrinsicID: 43,
				Extrinsic:   Extrinsic{Rvec: [3]float64{-1, 0, 1}, Reserved: [4]uint64{1, 2, 3, 4}},
				Reserved0:   9,
				Reserved1:   [3]uint64{5, 6, 7},
			}
		}},
		{"negative offsets", func(h *Header) {
			h.OffsetX = -2048
			h.OffsetY = -1
			h.FrameLen = 0
		}},
		{"full length names", func(h *Header) {
			h.Device.ChannelName = long
			h.Device.NameHash = HashName(long.String())
			h.Device.Vendor = TruncateName("vendor-truncated-here")
			h.Device.PixelType = PixelBayerRG8
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := sampleHeader()
			tc.mutate(&in)
			b := Encode(in)
			out, err := Decode(b)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if out != in {
				t.Fatalf("round trip mismatch:\n got=%+v\nwant=%+v", out, in)
			}
			if !bytes.Equal(Encode(out), b) {
				t.Fatalf("re-encode mismatch")
			}
		})
	}

	out, err := Decode(Encode(func() Header {
		h := sampleHeader()
		h.Device.Camera.Intrinsic = nil
		return h
	}()))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Device.Camera.Model() != CameraModelNone || out.Device.Camera.HasIntrinsic() || !out.Device.Camera.HasExtrinsic() {
		t.Fatalf("model none should keep ids but report no intrinsic: %+v", out.Device.Camera)
	}
	if got := out.Device.ChannelName.String(); got != "front-left" {
		t.Fatalf("channel name: %q", got)
	}
	if got := TruncateName("vendor-truncated-here").String(); len(got) != NameMaxLen {
		t.Fatalf("truncated vendor length %d", len(got))
	}
}

func TestEncodeFieldOffsets(t *testing.T) {
	h := sampleHeader()
	h.Device.Camera.Intrinsic = Fisheye{Fx: 1, Fy: 2, Cx: 3, Cy: 4, K1: 5, K2: 6, K3: 7, K4: 8}
	b := Encode(h)
	le := binary.LittleEndian

	if !bytes.Equal(b[0:4], []byte{0x3F, 0xA7, 0xA4, 0x42}) {
		t.Fatalf("start code: % x", b[0:4])
	}
	if got := le.Uint32(b[4:]); got != 384 {
		t.Fatalf("header_size: %d", got)
	}
	if got := le.Uint64(b[12:]); got != 7 {
		t.Fatalf("frame_num at 12: %d", got)
	}
	if got := int32(le.Uint32(b[44:])); got != -4 {
		t.Fatalf("offset_x at 44: %d", got)
	}
	if got := le.Uint32(b[52:]); got != 640 {
		t.Fatalf("width at 52: %d", got)
	}
	if got := string(b[60:70]); got != "front-left" {
		t.Fatalf("channel at 60: %q", got)
	}
	if got := PixelType(le.Uint32(b[100:])); got != PixelMono8 {
		t.Fatalf("pixel_type at 100: %v", got)
	}
	if got := le.Uint32(b[104:]); got != 0 {
		t.Fatalf("pad at 104 not zero: %d", got)
	}
	if got := CameraModel(le.Uint32(b[116:])); got != CameraModelFisheye {
		t.Fatalf("camera_model at 116: %v", got)
	}
	if got := getF64(b[116+24+7*8:]); got != 8 {
		t.Fatalf("fisheye k4: %v", got)
	}
	if got := getF64(b[116+176:]); got != 1 {
		t.Fatalf("tvec[0]: %v", got)
	}
	if got := le.Uint64(b[372:]); got != 3 {
		t.Fatalf("lost_packet at 372: %d", got)
	}
	if got := int32(le.Uint32(b[380:])); got != 640*480 {
		t.Fatalf("frame_len at 380: %d", got)
	}
}

func TestDecodeZeroStartCodeIsBadMagic(t *testing.T) {
	b := Encode(sampleHeader())
	copy(b[0:4], []byte{0, 0, 0, 0})
	if _, err := Decode(b); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestDecodeSizeMismatch(t *testing.T) {
	b := Encode(sampleHeader())
	binary.LittleEndian.PutUint32(b[4:], 383)
	if _, err := Decode(b); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	b := Encode(sampleHeader())
	for _, n := range []int{0, 3, 11, 12, 200, Size - 1} {
		if _, err := Decode(b[:n]); !errors.Is(err, ErrTruncated) {
			t.Fatalf("len=%d expected ErrTruncated, got %v", n, err)
		}
	}
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	b := Encode(sampleHeader())
	binary.LittleEndian.PutUint32(b[8:], 2)
	if _, err := Decode(b); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
	d := Decoder{AcceptVersions: []uint32{1, 2}}
	if _, err := d.Decode(b); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("version absent from layout table must stay rejected, got %v", err)
	}
}

func TestDecoderAcceptVersionsCanExcludeCurrent(t *testing.T) {
	b := Encode(sampleHeader())
	d := Decoder{AcceptVersions: []uint32{0}}
	if _, err := d.Decode(b); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestDecodeInvalidCameraModel(t *testing.T) {
	b := Encode(sampleHeader())
	binary.LittleEndian.PutUint32(b[offDevice+devCamera:], 9)
	if _, err := Decode(b); !errors.Is(err, ErrInvalidCameraModel) {
		t.Fatalf("expected ErrInvalidCameraModel, got %v", err)
	}
}

func TestDecodeIgnoresTrailingBytes(t *testing.T) {
	b := append(Encode(sampleHeader()), 1, 2, 3)
	if _, err := Decode(b); err != nil {
		t.Fatalf("decode with trailing payload: %v", err)
	}
}

func TestAppendEncodeKeepsPrefix(t *testing.T) {
	dst := []byte("prefix")
	out := AppendEncode(dst, sampleHeader())
	if string(out[:6]) != "prefix" || len(out) != 6+Size {
		t.Fatalf("append encode: len=%d prefix=%q", len(out), out[:6])
	}
	if _, err := Decode(out[6:]); err != nil {
		t.Fatalf("decode appended: %v", err)
	}
}

func TestNameConstructorAndSetters(t *testing.T) {
	if _, err := NewName(strings.Repeat("x", 16)); !errors.Is(err, ErrNameTooLong) {
		t.Fatalf("expected ErrNameTooLong, got %v", err)
	}
	n, err := NewName(strings.Repeat("x", 15))
	if err != nil {
		t.Fatalf("15 byte name: %v", err)
	}
	if n[15] != 0 {
		t.Fatalf("name not NUL-terminated")
	}

	var d DeviceInfo
	d.SetChannelName("a-very-long-channel-name")
	if got := d.ChannelName.String(); got != "a-very-long-cha" {
		t.Fatalf("truncated channel: %q", got)
	}
	if d.NameHash != HashName("a-very-long-cha") {
		t.Fatalf("name hash not refreshed")
	}
	d.SetVendor("v")
	if got := d.Vendor.String(); got != "v" {
		t.Fatalf("vendor: %q", got)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	h := sampleHeader()
	c := h.Clone()
	c.Device.SetChannelName("other")
	c.Device.Camera.Extrinsic.Rvec[0] = 42
	c.Device.Camera.Intrinsic = Fisheye{}
	if h.Device.ChannelName.String() != "front-left" {
		t.Fatalf("clone aliased channel name")
	}
	if h.Device.Camera.Extrinsic.Rvec[0] != 0.1 {
		t.Fatalf("clone aliased extrinsic")
	}
	if _, ok := h.Device.Camera.Pinhole(); !ok {
		t.Fatalf("clone aliased intrinsic variant")
	}
}

func TestCameraModelSelectsVariant(t *testing.T) {
	var p CameraParameter
	if p.Model() != CameraModelNone || p.HasIntrinsic() {
		t.Fatalf("zero camera should be none")
	}
	p.Intrinsic = Fisheye{Fx: 1}
	if _, ok := p.Pinhole(); ok {
		t.Fatalf("pinhole accessor on fisheye")
	}
	if f, ok := p.Fisheye(); !ok || f.Fx != 1 {
		t.Fatalf("fisheye accessor: %+v %v", f, ok)
	}
}

func TestPixelTypeHelpers(t *testing.T) {
	if uint32(PixelMono8) != 0x01080001 || uint32(PixelBGR8) != 0x02180015 {
		t.Fatalf("pixel codes drifted: mono8=%#x bgr8=%#x", uint32(PixelMono8), uint32(PixelBGR8))
	}
	if uint32(PixelH264YUV420P) != 0x82400052 || uint32(PixelJPEG) != 0x82400053 {
		t.Fatalf("custom codes drifted")
	}
	if !PixelMono8.IsMono() || PixelRGB8.IsMono() {
		t.Fatalf("IsMono mismatch")
	}
	if PixelRGB8.BitsPerPixel() != 24 || PixelRGBA8.BitsPerPixel() != 32 {
		t.Fatalf("BitsPerPixel mismatch")
	}
	if PixelBGR8.RawFrameLen(4, 2) != 24 || PixelJPEG.RawFrameLen(4, 2) != -1 {
		t.Fatalf("RawFrameLen mismatch")
	}
	if PixelType(0x12345678).Known() {
		t.Fatalf("unexpected known pixel type")
	}
}

func TestParsePixelType(t *testing.T) {
	for name, want := range map[string]PixelType{"Mono8": PixelMono8, " bgr8 ": PixelBGR8, "JPEG": PixelJPEG} {
		got, err := ParsePixelType(name)
		if err != nil || got != want {
			t.Fatalf("%q: got %v err %v", name, got, err)
		}
	}
	for _, name := range []string{"", "undefined", "yuv420"} {
		if _, err := ParsePixelType(name); err == nil {
			t.Fatalf("%q: expected error", name)
		}
	}
}
