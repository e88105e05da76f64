// Package transport connects to a producer and yields stream records.
//
// Ownership boundary:
// - stream URL parsing
// - dial + stream.open handshake with retry/backoff until the connect deadline
// - per-scheme record receive (tcp byte stream, ws messages, shm ring)
package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/danmuck/framegrab/internal/protocol/header"
	"github.com/danmuck/framegrab/internal/protocol/session"
	"github.com/danmuck/framegrab/internal/protocol/stream"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidURL     = errors.New("transport: invalid url")
	ErrConnectTimeout = errors.New("transport: connect timeout")
	ErrStreamRejected = errors.New("transport: stream rejected")
	ErrClosedByPeer   = errors.New("transport: stream closed by producer")
	ErrIdleTimeout    = errors.New("transport: no data within read timeout")
	ErrClosed         = errors.New("transport: connection closed")
)

// Conn is one open stream.
type Conn interface {
	// Stream describes what the producer agreed to send.
	Stream() session.StreamInfo
	// Receive returns the next record. It returns ctx.Err() when ctx ends first and leaves
	// the connection usable. Errors for which stream.IsRecoverable is true describe one
	// bad record; any other error ends the stream.
	Receive(ctx context.Context, alloc stream.Allocator) (stream.Record, error)
	Stats() ConnStats
	Close() error
}

// ConnStats counts receive-side anomalies.
type ConnStats struct {
	Resyncs      uint64
	SkippedBytes uint64
	Lost         uint64
}

type Options struct {
	Session  session.Config
	ClientID string
	Decoder  header.Decoder
	Logger   zerolog.Logger
}

func DefaultOptions() Options {
	return Options{
		Session: session.DefaultConfig(),
		Logger:  zerolog.Nop(),
	}
}

// Dial connects to ep and performs the handshake, retrying with backoff until ctx ends.
// A ctx deadline turns into ErrConnectTimeout. A rejection is returned immediately.
func Dial(ctx context.Context, ep Endpoint, opts Options) (Conn, error) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var lastErr error
	for attempt := 1; ; attempt++ {
		conn, err := dialOnce(ctx, ep, opts)
		if err == nil {
			opts.Logger.Debug().Str("endpoint", ep.String()).Int("attempt", attempt).Msg("stream opened")
			return conn, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, connectErr(ctx, lastErr)
		}
		opts.Logger.Warn().Err(err).Str("endpoint", ep.String()).Int("attempt", attempt).Msg("connect attempt failed")
		delay := session.NextBackoffDelay(opts.Session.Backoff, attempt, rng)
		if err := session.Sleep(ctx, delay); err != nil {
			return nil, connectErr(ctx, lastErr)
		}
	}
}

func dialOnce(ctx context.Context, ep Endpoint, opts Options) (Conn, error) {
	switch ep.Scheme {
	case SchemeTCP:
		return dialTCP(ctx, ep, opts)
	case SchemeWS:
		return dialWS(ctx, ep, opts)
	case SchemeSHDM:
		return openSHDM(ep, opts)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, ep.Scheme)
	}
}

func retryable(err error) bool {
	return !errors.Is(err, ErrStreamRejected) &&
		!errors.Is(err, ErrInvalidURL) &&
		!errors.Is(err, errUnsupported)
}

func connectErr(ctx context.Context, last error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrConnectTimeout, last)
	}
	return fmt.Errorf("transport: connect aborted: %w", ctx.Err())
}

// handshakeDeadline returns the earlier of now+timeout and the ctx deadline.
func handshakeDeadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(d) {
		return dl
	}
	return d
}

func openRequest(ep Endpoint, opts Options) session.OpenRequest {
	return session.OpenRequest{Device: ep.Device, ClientID: opts.ClientID, Version: session.ProtocolVersion}
}

func checkAck(ack session.OpenAck) error {
	if !ack.Accepted() {
		return fmt.Errorf("%w: code=%d message=%q", ErrStreamRejected, ack.Code, ack.Message)
	}
	return nil
}
