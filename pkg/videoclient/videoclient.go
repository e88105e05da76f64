// Package videoclient is the handle-style API over a framegrab client session. Every
// call takes the handle returned by CreateClient and reports failures as an ErrorCode.
package videoclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/framegrab/internal/client"
	"github.com/danmuck/framegrab/internal/logging"
	"github.com/danmuck/framegrab/internal/observability"
	"github.com/danmuck/framegrab/internal/pool"
	"github.com/danmuck/framegrab/internal/processor"
	"github.com/danmuck/framegrab/internal/protocol/header"
	"github.com/danmuck/framegrab/internal/protocol/stream"
)

// Errors returned by ReleaseFrame. Match them with errors.Is.
var (
	ErrInvalidClientContext = client.ErrInvalidClientContext
	ErrDoubleRelease        = client.ErrDoubleRelease
	ErrUnknownHandle        = client.ErrUnknownHandle
	ErrFrameNotHeld         = client.ErrFrameNotHeld
)

type ErrorCode int

const (
	Success ErrorCode = iota
	InvalidClientContext
	InvalidURL
	ConnectTimeout
	CallbackNotSet
	InvalidGPUIndex
	InitVideoProcessorFailed
	InitVideoDecoderFailed
	InvalidArgument
	DoubleRelease
	UnknownHandle
	FrameNotHeld
)

var codeNames = map[ErrorCode]string{
	Success:                  "success",
	InvalidClientContext:     "invalid client context",
	InvalidURL:               "invalid url",
	ConnectTimeout:           "connect timeout",
	CallbackNotSet:           "callback not set",
	InvalidGPUIndex:          "invalid gpu index",
	InitVideoProcessorFailed: "init video processor failed",
	InitVideoDecoderFailed:   "init video decoder failed",
	InvalidArgument:          "invalid argument",
	DoubleRelease:            "frame already released",
	UnknownHandle:            "unknown frame handle",
	FrameNotHeld:             "frame not held by the consumer",
}

func (e ErrorCode) String() string {
	if name, ok := codeNames[e]; ok {
		return name
	}
	return fmt.Sprintf("error code %d", int(e))
}

// CodeOf maps an error from the client layer to its ErrorCode. A rejected stream.open
// reports InvalidURL, since the URL named a device the producer does not serve.
func CodeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, client.ErrInvalidURL), errors.Is(err, client.ErrStreamRejected):
		return InvalidURL
	case errors.Is(err, client.ErrConnectTimeout):
		return ConnectTimeout
	case errors.Is(err, client.ErrCallbackNotSet):
		return CallbackNotSet
	case errors.Is(err, client.ErrInvalidGPUIndex):
		return InvalidGPUIndex
	case errors.Is(err, client.ErrInitVideoProcessor):
		return InitVideoProcessorFailed
	case errors.Is(err, client.ErrInitVideoDecoder):
		return InitVideoDecoderFailed
	case errors.Is(err, client.ErrDoubleRelease):
		return DoubleRelease
	case errors.Is(err, client.ErrUnknownHandle):
		return UnknownHandle
	case errors.Is(err, client.ErrFrameNotHeld):
		return FrameNotHeld
	case errors.Is(err, client.ErrInvalidArgument):
		return InvalidArgument
	default:
		return InvalidClientContext
	}
}

// Disposition is the frame callback's answer for the frame buffer.
type Disposition = pool.Disposition

const (
	ReleaseNow = pool.ReleaseNow
	Retain     = pool.Retain
)

type FrameHandle = pool.Handle

type PixelFormat = processor.PixelFormat

const (
	FormatNone  = processor.FormatNone
	FormatMono  = processor.FormatMono
	FormatRGB24 = processor.FormatRGB24
	FormatBGR24 = processor.FormatBGR24
)

// ProcessingConfig selects the processing device, output format and delivery rate.
type ProcessingConfig = processor.Config

// Frame is one delivered frame. Data is only valid until the frame is released.
type Frame struct {
	Handle FrameHandle
	Data   []byte
	Info   header.Header
	Side   stream.Side
}

type FrameFunc func(c *Client, f Frame) Disposition

// DisconnectFunc receives the disconnect reason code and a message.
type DisconnectFunc func(c *Client, code int, message string)

// Client is an opaque session handle.
type Client struct {
	inner *client.Client
}

var initOnce sync.Once

// Init prepares logging and metrics. Calling it more than once is harmless.
func Init() {
	initOnce.Do(func() {
		logging.ConfigureRuntime()
		observability.RegisterMetrics()
	})
}

// CreateClient returns a new disconnected client, or nil if it cannot be created.
func CreateClient() *Client {
	Init()
	cfg := client.DefaultConfig()
	cfg.Logger = logging.Component("videoclient")
	inner, err := client.New(cfg)
	if err != nil {
		return nil
	}
	return &Client{inner: inner}
}

// ID returns the client's uuid, or "" for a nil handle.
func (c *Client) ID() string {
	if c == nil || c.inner == nil {
		return ""
	}
	return c.inner.ID()
}

func (c *Client) valid() bool { return c != nil && c.inner != nil }

// ReleaseClient disconnects and frees c. The handle is unusable afterwards.
func ReleaseClient(c *Client) ErrorCode {
	if !c.valid() {
		return InvalidClientContext
	}
	return CodeOf(c.inner.Close())
}

// Connect connects c to url. A timeout of zero or less uses the default of 3 seconds.
func Connect(c *Client, url string, timeoutSeconds float64, onDisconnect DisconnectFunc) ErrorCode {
	if !c.valid() {
		return InvalidClientContext
	}
	var cb client.DisconnectFunc
	if onDisconnect != nil {
		cb = func(_ *client.Client, reason client.DisconnectReason, message string) {
			onDisconnect(c, int(reason), message)
		}
	}
	timeout := time.Duration(timeoutSeconds * float64(time.Second))
	return CodeOf(c.inner.Connect(context.Background(), url, timeout, cb))
}

func Disconnect(c *Client) ErrorCode {
	if !c.valid() {
		return InvalidClientContext
	}
	return CodeOf(c.inner.Disconnect())
}

// Start begins delivering frames to onFrame.
func Start(c *Client, cfg ProcessingConfig, onFrame FrameFunc) ErrorCode {
	if !c.valid() {
		return InvalidClientContext
	}
	var cb client.FrameFunc
	if onFrame != nil {
		cb = func(_ *client.Client, f client.Frame) pool.Disposition {
			return onFrame(c, Frame{Handle: f.Handle, Data: f.Data, Info: f.Header, Side: f.Side})
		}
	}
	return CodeOf(c.inner.Start(cfg, cb))
}

func Stop(c *Client) ErrorCode {
	if !c.valid() {
		return InvalidClientContext
	}
	return CodeOf(c.inner.Stop())
}

// SetMaxQueueSize bounds the frames waiting for dispatch. Frames beyond it are dropped.
func SetMaxQueueSize(c *Client, n int) ErrorCode {
	if !c.valid() {
		return InvalidClientContext
	}
	return CodeOf(c.inner.SetMaxQueueSize(n))
}

// ReleaseFrame returns a retained frame. Releasing twice reports ErrDoubleRelease, a
// handle this client never issued reports ErrUnknownHandle, and a frame not yet
// delivered reports ErrFrameNotHeld. CodeOf maps each to its own ErrorCode.
func ReleaseFrame(c *Client, h FrameHandle) error {
	if !c.valid() {
		return ErrInvalidClientContext
	}
	return c.inner.ReleaseFrame(h)
}

// ClearAllFrames releases every frame the consumer still holds.
func ClearAllFrames(c *Client) ErrorCode {
	if !c.valid() {
		return InvalidClientContext
	}
	_, err := c.inner.ClearAllFrames()
	return CodeOf(err)
}

// Stats returns the session counters of c.
func Stats(c *Client) (client.Stats, ErrorCode) {
	if !c.valid() {
		return client.Stats{}, InvalidClientContext
	}
	return c.inner.Stats(), Success
}
