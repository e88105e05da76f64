package client

import (
	"errors"
	"fmt"

	"github.com/danmuck/framegrab/internal/pool"
	"github.com/danmuck/framegrab/internal/processor"
	"github.com/danmuck/framegrab/internal/transport"
)

var (
	ErrInvalidClientContext = errors.New("client: client is closed")
	ErrAlreadyConnected     = errors.New("client: already connected")
	ErrNotConnected         = errors.New("client: not connected")
	ErrAlreadyStarted       = errors.New("client: already started")
	ErrCallbackNotSet       = errors.New("client: frame callback not set")
	ErrInvalidArgument      = errors.New("client: invalid argument")
)

// Errors surfaced unchanged from lower layers.
var (
	ErrInvalidURL         = transport.ErrInvalidURL
	ErrConnectTimeout     = transport.ErrConnectTimeout
	ErrStreamRejected     = transport.ErrStreamRejected
	ErrInvalidGPUIndex    = processor.ErrInvalidGPUIndex
	ErrInitVideoProcessor = processor.ErrInitProcessor
	ErrInitVideoDecoder   = processor.ErrInitDecoder
	ErrDoubleRelease      = pool.ErrDoubleRelease
	ErrUnknownHandle      = pool.ErrUnknownHandle
	ErrFrameNotHeld       = pool.ErrNotLent
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// DisconnectReason says why the disconnect callback fired.
type DisconnectReason int

const (
	// ReasonRequested follows Disconnect or Close.
	ReasonRequested DisconnectReason = iota
	ReasonClosedByPeer
	ReasonIdleTimeout
	ReasonTransportError
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonRequested:
		return "requested"
	case ReasonClosedByPeer:
		return "closed_by_peer"
	case ReasonIdleTimeout:
		return "idle_timeout"
	case ReasonTransportError:
		return "transport_error"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

func reasonFor(err error) DisconnectReason {
	switch {
	case errors.Is(err, transport.ErrClosedByPeer):
		return ReasonClosedByPeer
	case errors.Is(err, transport.ErrIdleTimeout):
		return ReasonIdleTimeout
	default:
		return ReasonTransportError
	}
}
