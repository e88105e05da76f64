// Package producer is a synthetic frame source serving tcp, ws and shared memory.
//
// Ownership boundary:
// - stream.open handshake on the producer side
// - synthetic frame and side-channel metadata generation
// - pacing records at the configured fps
package producer

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/framegrab/internal/protocol/header"
	"github.com/danmuck/framegrab/internal/protocol/metadata"
	"github.com/danmuck/framegrab/internal/protocol/session"
	"github.com/danmuck/framegrab/internal/protocol/stream"
	"github.com/rs/zerolog"
)

var ErrInvalidConfig = errors.New("producer: invalid config")

type Config struct {
	Device    string
	Vendor    string
	Width     int32
	Height    int32
	PixelType header.PixelType
	FPS       float64
	Camera    header.CameraParameter

	// KeyFrameInterval emits a key-frame document before every Nth frame. Zero disables it.
	KeyFrameInterval int
	// FrameMetadata emits a frame-ex document before every frame.
	FrameMetadata bool
	// MaxFrames closes each stream after this many frames. Zero streams until stopped.
	MaxFrames int
	// CorruptEvery damages the stream before every Nth frame: junk bytes on byte
	// streams, a truncated frame record on ws and shm.
	CorruptEvery int

	// RejectCode, when non-zero, rejects every stream.open with this code.
	RejectCode uint32

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Device:           "cam0",
		Vendor:           "framesim",
		Width:            64,
		Height:           48,
		PixelType:        header.PixelMono8,
		FPS:              30,
		KeyFrameInterval: 30,
		FrameMetadata:    true,
		HandshakeTimeout: 2 * time.Second,
		WriteTimeout:     2 * time.Second,
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Device) == "" {
		return fmt.Errorf("%w: missing device", ErrInvalidConfig)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("%w: bad geometry %dx%d", ErrInvalidConfig, c.Width, c.Height)
	}
	if c.FPS <= 0 {
		return fmt.Errorf("%w: fps must be positive", ErrInvalidConfig)
	}
	if c.PixelType == header.PixelUndefined || !c.PixelType.Known() {
		return fmt.Errorf("%w: unsupported pixel type %s", ErrInvalidConfig, c.PixelType)
	}
	return nil
}

// Producer generates one synthetic stream. Each connected client gets its own frame
// sequence.
type Producer struct {
	cfg      Config
	log      zerolog.Logger
	jpegBody []byte

	streams atomic.Int64
	frames  atomic.Uint64
}

func New(cfg Config, logger zerolog.Logger) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Producer{cfg: cfg, log: logger.With().Str("component", "producer").Str("device", cfg.Device).Logger()}
	if cfg.PixelType == header.PixelJPEG || cfg.PixelType == header.PixelJpegCustom {
		body, err := encodeJPEG(int(cfg.Width), int(cfg.Height))
		if err != nil {
			return nil, err
		}
		p.jpegBody = body
	}
	return p, nil
}

func (p *Producer) Config() Config { return p.cfg }

// FramesSent counts frames written across all streams.
func (p *Producer) FramesSent() uint64 { return p.frames.Load() }

// ActiveStreams counts currently open client streams.
func (p *Producer) ActiveStreams() int64 { return p.streams.Load() }

// StreamInfo is what the producer advertises in its ack or ring descriptor.
func (p *Producer) StreamInfo() session.StreamInfo {
	return session.StreamInfo{
		Device:    p.cfg.Device,
		Vendor:    p.cfg.Vendor,
		Width:     p.cfg.Width,
		Height:    p.cfg.Height,
		PixelType: p.cfg.PixelType,
		FPS:       p.cfg.FPS,
	}
}

// answer validates a stream.open and builds the ack.
func (p *Producer) answer(req session.OpenRequest) session.OpenAck {
	ack := session.OpenAck{TimestampMS: uint64(time.Now().UnixMilli())}
	switch {
	case p.cfg.RejectCode != 0:
		ack.Status = session.AckStatusRejected
		ack.Code = p.cfg.RejectCode
		ack.Message = "producer rejects all streams"
	case req.Device != p.cfg.Device:
		ack.Status = session.AckStatusRejected
		ack.Code = session.CodeUnknownDevice
		ack.Message = fmt.Sprintf("unknown device %q", req.Device)
	case req.Version != session.ProtocolVersion:
		ack.Status = session.AckStatusRejected
		ack.Code = session.CodeVersionMismatch
		ack.Message = fmt.Sprintf("protocol version %d not supported", req.Version)
	default:
		info := p.StreamInfo()
		ack.Status = session.AckStatusAccepted
		ack.Message = "ok"
		ack.Stream = &info
	}
	return ack
}

// Records returns the records for frame n (1-based): optional key-frame and frame-ex
// documents followed by the frame itself. Each element is one complete record.
func (p *Producer) Records(n uint64) ([][]byte, error) {
	now := time.Now()
	var out [][]byte
	if p.cfg.KeyFrameInterval > 0 && (n-1)%uint64(p.cfg.KeyFrameInterval) == 0 {
		doc, err := metadata.Marshal(metadata.KeyFrame{
			Version:    metadata.DocumentVersion,
			DeviceName: p.cfg.Device,
			Vendor:     p.cfg.Vendor,
			Calib:      metadata.NewCalib(p.cfg.Camera),
		})
		if err != nil {
			return nil, err
		}
		out = append(out, stream.AppendMetadata(nil, metadata.KindKeyFrame, doc))
	}
	if p.cfg.FrameMetadata {
		doc, err := metadata.Marshal(metadata.FrameEx{
			Version:     metadata.DocumentVersion,
			HostUTCUS:   uint64(now.UnixMicro()),
			DevTSUS:     n * uint64(1e6/p.cfg.FPS),
			DevUTCUS:    uint64(now.UnixMicro()),
			FrameNumber: n,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, stream.AppendMetadata(nil, metadata.KindFrameEx, doc))
	}
	h, payload := p.Frame(n, now)
	out = append(out, stream.AppendFrame(nil, h, payload))
	return out, nil
}

// Frame builds header and payload for frame n.
func (p *Producer) Frame(n uint64, now time.Time) (header.Header, []byte) {
	h := header.New()
	h.FrameNum = n
	h.HWFrameNum = n
	h.UTCTimestampUS = uint64(now.UnixMicro())
	h.HWTimestampUS = n * uint64(1e6/p.cfg.FPS)
	h.Device.Width = p.cfg.Width
	h.Device.Height = p.cfg.Height
	h.Device.SetChannelName(p.cfg.Device)
	h.Device.SetVendor(p.cfg.Vendor)
	h.Device.PixelType = p.cfg.PixelType
	h.Device.FPS = p.cfg.FPS
	h.Device.Camera = p.cfg.Camera.Clone()
	payload := p.payload(n)
	h.FrameLen = int32(len(payload))
	return h, payload
}

func (p *Producer) payload(n uint64) []byte {
	w, h := int(p.cfg.Width), int(p.cfg.Height)
	switch {
	case p.jpegBody != nil:
		return p.jpegBody
	case p.cfg.PixelType.IsCustom():
		// Opaque compressed bitstream stand-in.
		body := make([]byte, w*h/4+16)
		for i := range body {
			body[i] = byte(uint64(i) + n)
		}
		return body
	}
	size := p.cfg.PixelType.RawFrameLen(w, h)
	body := make([]byte, size)
	for i := range body {
		body[i] = byte(uint64(i) + n)
	}
	return body
}

func encodeJPEG(w, h int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / max(w-1, 1)), G: uint8(y * 255 / max(h-1, 1)), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *Producer) interval() time.Duration {
	return time.Duration(float64(time.Second) / p.cfg.FPS)
}

var junk = []byte{0xde, 0xad, 0x3f, 0xa7, 0xbe, 0xef}
