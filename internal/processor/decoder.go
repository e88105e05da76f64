package processor

import (
	"bytes"
	"image"
	"image/jpeg"
	"sync"

	"github.com/danmuck/framegrab/internal/protocol/header"
)

// Decoder turns one compressed payload into an image.
type Decoder interface {
	Decode(payload []byte) (image.Image, error)
}

type DecoderFunc func(payload []byte) (image.Image, error)

func (f DecoderFunc) Decode(payload []byte) (image.Image, error) { return f(payload) }

// DecoderFactory creates a decoder for one stream. Stateful codecs get a fresh
// instance per processor.
type DecoderFactory func() (Decoder, error)

// Registry maps compressed pixel types to decoder factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[header.PixelType]DecoderFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[header.PixelType]DecoderFactory)}
}

func (r *Registry) Register(pt header.PixelType, f DecoderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[pt] = f
}

func (r *Registry) Lookup(pt header.PixelType) (DecoderFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[pt]
	return f, ok
}

var (
	defaultRegistryOnce sync.Once
	defaultRegistry     *Registry
)

// DefaultRegistry carries the built-in JPEG decoder. H.264 and other bitstreams have no
// built-in decoder; callers may register one.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
		jpegFactory := func() (Decoder, error) { return DecoderFunc(decodeJPEG), nil }
		defaultRegistry.Register(header.PixelJPEG, jpegFactory)
		defaultRegistry.Register(header.PixelJpegCustom, jpegFactory)
	})
	return defaultRegistry
}

func decodeJPEG(payload []byte) (image.Image, error) {
	return jpeg.Decode(bytes.NewReader(payload))
}
