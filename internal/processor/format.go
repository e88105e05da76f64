package processor

import (
	"fmt"
	"strings"

	"github.com/danmuck/framegrab/internal/protocol/header"
)

// PixelFormat is the layout frames are converted to before delivery.
type PixelFormat int

const (
	// FormatNone delivers payloads as received.
	FormatNone PixelFormat = iota
	FormatMono
	FormatRGB24
	FormatBGR24
)

func (f PixelFormat) String() string {
	switch f {
	case FormatNone:
		return "none"
	case FormatMono:
		return "mono"
	case FormatRGB24:
		return "rgb24"
	case FormatBGR24:
		return "bgr24"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// ParsePixelFormat accepts none, mono, rgb24 and bgr24. Empty means none.
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return FormatNone, nil
	case "mono", "mono8", "gray":
		return FormatMono, nil
	case "rgb24", "rgb":
		return FormatRGB24, nil
	case "bgr24", "bgr":
		return FormatBGR24, nil
	default:
		return FormatNone, fmt.Errorf("%w: unknown pixel format %q", ErrInitProcessor, s)
	}
}

func (f PixelFormat) valid() bool { return f >= FormatNone && f <= FormatBGR24 }

// PixelType is the header code stamped on converted frames.
func (f PixelFormat) PixelType() header.PixelType {
	switch f {
	case FormatMono:
		return header.PixelMono8
	case FormatRGB24:
		return header.PixelRGB8
	case FormatBGR24:
		return header.PixelBGR8
	default:
		return header.PixelUndefined
	}
}

func (f PixelFormat) bytesPerPixel() int {
	if f == FormatMono {
		return 1
	}
	return 3
}

// MarshalText lets formats appear by name in config files.
func (f PixelFormat) MarshalText() ([]byte, error) {
	if !f.valid() {
		return nil, fmt.Errorf("%w: %s", ErrInitProcessor, f)
	}
	return []byte(f.String()), nil
}

func (f *PixelFormat) UnmarshalText(b []byte) error {
	v, err := ParsePixelFormat(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}
