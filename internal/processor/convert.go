package processor

import (
	"image"
	"image/color"

	"github.com/danmuck/framegrab/internal/protocol/header"
)

// rawLayout describes an uncompressed 8-bit source: bytes per pixel and the channel
// offsets of red, green and blue. Mono sources have stride 1 and all offsets 0.
type rawLayout struct {
	stride  int
	r, g, b int
}

var rawLayouts = map[header.PixelType]rawLayout{
	header.PixelMono8: {stride: 1},
	header.PixelRGB8:  {stride: 3, r: 0, g: 1, b: 2},
	header.PixelBGR8:  {stride: 3, r: 2, g: 1, b: 0},
	header.PixelRGBA8: {stride: 4, r: 0, g: 1, b: 2},
	header.PixelBGRA8: {stride: 4, r: 2, g: 1, b: 0},
}

// CanConvert reports whether raw frames of pt can be converted without a decoder.
func CanConvert(pt header.PixelType) bool {
	_, ok := rawLayouts[pt]
	return ok
}

func luma(r, g, b uint8) uint8 {
	return uint8((299*uint32(r) + 587*uint32(g) + 114*uint32(b) + 500) / 1000)
}

// convertRaw writes pixels from src (layout in) into dst in format out.
func convertRaw(dst, src []byte, in rawLayout, out PixelFormat, pixels int) {
	ob := out.bytesPerPixel()
	for i := range pixels {
		s := src[i*in.stride : i*in.stride+in.stride]
		d := dst[i*ob : i*ob+ob]
		if in.stride == 1 {
			v := s[0]
			for j := range d {
				d[j] = v
			}
			continue
		}
		r, g, b := s[in.r], s[in.g], s[in.b]
		switch out {
		case FormatMono:
			d[0] = luma(r, g, b)
		case FormatRGB24:
			d[0], d[1], d[2] = r, g, b
		case FormatBGR24:
			d[0], d[1], d[2] = b, g, r
		}
	}
}

// convertImage writes a decoded image into dst in format out.
func convertImage(dst []byte, img image.Image, out PixelFormat) {
	bounds := img.Bounds()
	ob := out.bytesPerPixel()
	i := 0
	if gray, ok := img.(*image.Gray); ok && out == FormatMono {
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			row := gray.Pix[gray.PixOffset(bounds.Min.X, y):]
			i += copy(dst[i:], row[:bounds.Dx()])
		}
		return
	}
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
			d := dst[i : i+ob]
			switch out {
			case FormatMono:
				d[0] = luma(c.R, c.G, c.B)
			case FormatRGB24:
				d[0], d[1], d[2] = c.R, c.G, c.B
			case FormatBGR24:
				d[0], d[1], d[2] = c.B, c.G, c.R
			}
			i += ob
		}
	}
}
