// Package processor prepares received frames for the consumer.
//
// Ownership boundary:
// - processing device selection and gpu index validation
// - decoder lookup for compressed pixel types
// - conversion to the target pixel format
// - target fps throttling
//
// The processor never owns frame memory: output buffers come from the caller's
// allocator, and releasing the input stays with the caller.
package processor

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/danmuck/framegrab/internal/protocol/header"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	ErrInvalidGPUIndex = errors.New("processor: invalid gpu index")
	ErrInitProcessor   = errors.New("processor: init failed")
	ErrInitDecoder     = errors.New("processor: no decoder for stream")
	ErrBadFrame        = errors.New("processor: frame does not match its header")
)

type Config struct {
	// GPUIndex selects the processing device. Negative values are rejected.
	GPUIndex     int         `toml:"gpu_index"`
	TargetFormat PixelFormat `toml:"target_format"`
	// TargetFPS caps delivered frames per second. Zero delivers every frame.
	TargetFPS float64 `toml:"target_fps"`
}

func DefaultConfig() Config {
	return Config{}
}

// Device is one processing device.
type Device struct {
	Index int
	Name  string
}

// DeviceProvider lists the devices a processor may run on.
type DeviceProvider interface {
	Devices() []Device
}

// CPUProvider offers a single host device at index 0.
type CPUProvider struct{}

func (CPUProvider) Devices() []Device { return []Device{{Index: 0, Name: "cpu0"}} }

type Options struct {
	Devices  DeviceProvider
	Registry *Registry
	Logger   zerolog.Logger
}

func DefaultOptions() Options {
	return Options{Devices: CPUProvider{}, Registry: DefaultRegistry(), Logger: zerolog.Nop()}
}

// Allocator returns an output buffer of exactly size bytes.
type Allocator func(size int) ([]byte, error)

// Processor converts frames of one stream. It is used from the dispatch goroutine only.
type Processor struct {
	cfg      Config
	device   Device
	source   header.PixelType
	registry *Registry
	decoders map[header.PixelType]Decoder
	limiter  *rate.Limiter
	log      zerolog.Logger
}

// New validates cfg in a fixed order (gpu index, processor settings, decoder) and
// prepares a processor for frames whose pixel type is source.
func New(cfg Config, source header.PixelType, opts Options) (*Processor, error) {
	if opts.Devices == nil {
		opts.Devices = CPUProvider{}
	}
	if opts.Registry == nil {
		opts.Registry = DefaultRegistry()
	}
	devices := opts.Devices.Devices()
	if cfg.GPUIndex < 0 || cfg.GPUIndex >= len(devices) {
		return nil, fmt.Errorf("%w: %d (have %d)", ErrInvalidGPUIndex, cfg.GPUIndex, len(devices))
	}
	if !cfg.TargetFormat.valid() {
		return nil, fmt.Errorf("%w: target format %s", ErrInitProcessor, cfg.TargetFormat)
	}
	if cfg.TargetFPS < 0 || math.IsNaN(cfg.TargetFPS) || math.IsInf(cfg.TargetFPS, 0) {
		return nil, fmt.Errorf("%w: target fps %v", ErrInitProcessor, cfg.TargetFPS)
	}
	p := &Processor{
		cfg:      cfg,
		device:   devices[cfg.GPUIndex],
		source:   source,
		registry: opts.Registry,
		decoders: make(map[header.PixelType]Decoder),
		log:      opts.Logger.With().Str("component", "processor").Logger(),
	}
	if cfg.TargetFPS > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.TargetFPS), 1)
	}
	if cfg.TargetFormat != FormatNone && source != header.PixelUndefined && !CanConvert(source) {
		if _, err := p.decoder(source); err != nil {
			return nil, err
		}
	}
	p.log.Debug().
		Str("device", p.device.Name).
		Str("source", source.String()).
		Str("target", cfg.TargetFormat.String()).
		Float64("target_fps", cfg.TargetFPS).
		Msg("processor ready")
	return p, nil
}

func (p *Processor) Config() Config { return p.cfg }

func (p *Processor) Device() Device { return p.device }

// Passthrough reports whether frames are delivered without conversion.
func (p *Processor) Passthrough() bool { return p.cfg.TargetFormat == FormatNone }

// Allow reports whether a frame arriving at now fits under the target fps.
func (p *Processor) Allow(now time.Time) bool {
	if p.limiter == nil {
		return true
	}
	return p.limiter.AllowN(now, 1)
}

func (p *Processor) decoder(pt header.PixelType) (Decoder, error) {
	if d, ok := p.decoders[pt]; ok {
		return d, nil
	}
	factory, ok := p.registry.Lookup(pt)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInitDecoder, pt)
	}
	d, err := factory()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInitDecoder, pt, err)
	}
	p.decoders[pt] = d
	return d, nil
}

// Process converts payload to the target format into a buffer from alloc and returns the
// updated header. In passthrough mode it returns h and payload unchanged.
func (p *Processor) Process(h header.Header, payload []byte, alloc Allocator) (header.Header, []byte, error) {
	if p.Passthrough() {
		return h, payload, nil
	}
	target := p.cfg.TargetFormat
	src := h.Device.PixelType
	if layout, ok := rawLayouts[src]; ok {
		w, hgt := int(h.Device.Width), int(h.Device.Height)
		if w <= 0 || hgt <= 0 || len(payload) < w*hgt*layout.stride {
			return h, nil, fmt.Errorf("%w: %dx%d %s with %d bytes", ErrBadFrame, w, hgt, src, len(payload))
		}
		out, err := alloc(w * hgt * target.bytesPerPixel())
		if err != nil {
			return h, nil, err
		}
		convertRaw(out, payload, layout, target, w*hgt)
		return p.stamp(h, w, hgt, out), out, nil
	}

	dec, err := p.decoder(src)
	if err != nil {
		return h, nil, err
	}
	img, err := dec.Decode(payload)
	if err != nil {
		return h, nil, fmt.Errorf("%w: decode %s: %v", ErrBadFrame, src, err)
	}
	b := img.Bounds()
	out, err := alloc(b.Dx() * b.Dy() * target.bytesPerPixel())
	if err != nil {
		return h, nil, err
	}
	convertImage(out, img, target)
	return p.stamp(h, b.Dx(), b.Dy(), out), out, nil
}

func (p *Processor) stamp(h header.Header, w, hgt int, out []byte) header.Header {
	h.Device.Width = int32(w)
	h.Device.Height = int32(hgt)
	h.Device.PixelType = p.cfg.TargetFormat.PixelType()
	h.FrameLen = int32(len(out))
	return h
}
