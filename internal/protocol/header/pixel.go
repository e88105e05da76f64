package header

import (
	"fmt"
	"strings"
)

// PixelType is a GigE Vision style pixel format code.
type PixelType uint32

const (
	pixMono      uint32 = 0x01000000
	pixColor     uint32 = 0x02000000
	pixCustom    uint32 = 0x80000000
	pixColorMask uint32 = 0xFF000000
	pixBitsMask  uint32 = 0x00FF0000
	pixBitsShift        = 16
)

const (
	PixelUndefined PixelType = 0xFFFFFFFF

	PixelMono8    = PixelType(pixMono | 8<<pixBitsShift | 0x0001)
	PixelMono10   = PixelType(pixMono | 16<<pixBitsShift | 0x0003)
	PixelMono12   = PixelType(pixMono | 16<<pixBitsShift | 0x0005)
	PixelMono16   = PixelType(pixMono | 16<<pixBitsShift | 0x0007)
	PixelBayerGR8 = PixelType(pixMono | 8<<pixBitsShift | 0x0008)
	PixelBayerRG8 = PixelType(pixMono | 8<<pixBitsShift | 0x0009)
	PixelBayerGB8 = PixelType(pixMono | 8<<pixBitsShift | 0x000A)
	PixelBayerBG8 = PixelType(pixMono | 8<<pixBitsShift | 0x000B)

	PixelRGB8   = PixelType(pixColor | 24<<pixBitsShift | 0x0014)
	PixelBGR8   = PixelType(pixColor | 24<<pixBitsShift | 0x0015)
	PixelRGBA8  = PixelType(pixColor | 32<<pixBitsShift | 0x0016)
	PixelBGRA8  = PixelType(pixColor | 32<<pixBitsShift | 0x0017)
	PixelYUV422 = PixelType(pixColor | 16<<pixBitsShift | 0x0032)

	PixelJpegCustom  = PixelType(pixCustom | 24<<pixBitsShift | 0x0001)
	PixelH264YUV420P = PixelType(pixCustom | pixColor | 64<<pixBitsShift | 0x0052)
	PixelJPEG        = PixelType(pixCustom | pixColor | 64<<pixBitsShift | 0x0053)
)

var pixelNames = map[PixelType]string{
	PixelUndefined:   "undefined",
	PixelMono8:       "mono8",
	PixelMono10:      "mono10",
	PixelMono12:      "mono12",
	PixelMono16:      "mono16",
	PixelBayerGR8:    "bayer_gr8",
	PixelBayerRG8:    "bayer_rg8",
	PixelBayerGB8:    "bayer_gb8",
	PixelBayerBG8:    "bayer_bg8",
	PixelRGB8:        "rgb8",
	PixelBGR8:        "bgr8",
	PixelRGBA8:       "rgba8",
	PixelBGRA8:       "bgra8",
	PixelYUV422:      "yuv422",
	PixelJpegCustom:  "jpeg_custom",
	PixelH264YUV420P: "h264_yuv420p",
	PixelJPEG:        "jpeg",
}

func (p PixelType) String() string {
	if s, ok := pixelNames[p]; ok {
		return s
	}
	return fmt.Sprintf("pixel(0x%08x)", uint32(p))
}

// Known reports whether p is in the pixel table.
func (p PixelType) Known() bool {
	_, ok := pixelNames[p]
	return ok
}

// IsMono reports whether p carries the mono flag.
func (p PixelType) IsMono() bool {
	return p != PixelUndefined && uint32(p)&pixColorMask == pixMono
}

// IsCustom reports whether p is a vendor custom (usually compressed) code.
func (p PixelType) IsCustom() bool {
	return p != PixelUndefined && uint32(p)&pixCustom != 0
}

// BitsPerPixel returns the occupied bit count encoded in p.
func (p PixelType) BitsPerPixel() int {
	if p == PixelUndefined {
		return 0
	}
	return int((uint32(p) & pixBitsMask) >> pixBitsShift)
}

// RawFrameLen returns the packed payload size of an uncompressed w*h frame, or -1 for
// custom and undefined codes.
func (p PixelType) RawFrameLen(w, h int) int {
	if p == PixelUndefined || p.IsCustom() || w < 0 || h < 0 {
		return -1
	}
	return w * h * p.BitsPerPixel() / 8
}

// ParsePixelType resolves a pixel table name, ignoring case.
func ParsePixelType(name string) (PixelType, error) {
	want := strings.ToLower(strings.TrimSpace(name))
	for p, s := range pixelNames {
		if s == want && p != PixelUndefined {
			return p, nil
		}
	}
	return PixelUndefined, fmt.Errorf("unknown pixel type %q", name)
}
