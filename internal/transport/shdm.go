package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/danmuck/framegrab/internal/protocol/header"
	"github.com/danmuck/framegrab/internal/protocol/session"
	"github.com/danmuck/framegrab/internal/protocol/stream"
	"github.com/danmuck/framegrab/internal/shm"
)

var errUnsupported = shm.ErrUnsupported

// shdmConn follows a producer's shared-memory ring. There is no back channel, so the
// ring descriptor stands in for the handshake ack.
type shdmConn struct {
	mu          sync.Mutex
	reader      *shm.Reader
	ring        *shm.Reader // kept after Close; its counters do not touch the mapping
	info        session.StreamInfo
	dec         header.Decoder
	limits      stream.Limits
	readTimeout time.Duration
	scratch     []byte
}

func openSHDM(ep Endpoint, opts Options) (Conn, error) {
	r, err := shm.Open(opts.Session.SHMDir, ep.Device, opts.Session.SHMPollInterval)
	if err != nil {
		return nil, err
	}
	info := session.StreamInfo{Device: ep.Device}
	if desc := r.Descriptor(); len(desc) > 0 {
		if err := json.Unmarshal(desc, &info); err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("%w: descriptor: %v", shm.ErrBadRing, err)
		}
	}
	if info.Device != ep.Device {
		_ = r.Close()
		return nil, fmt.Errorf("%w: ring serves %q", ErrStreamRejected, info.Device)
	}
	return &shdmConn{
		reader:      r,
		ring:        r,
		info:        info,
		dec:         opts.Decoder,
		limits:      opts.Session.Limits,
		readTimeout: opts.Session.ReadTimeout,
	}, nil
}

func (c *shdmConn) Stream() session.StreamInfo { return c.info }

func (c *shdmConn) Receive(ctx context.Context, alloc stream.Allocator) (stream.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader == nil {
		return stream.Record{}, ErrClosed
	}
	readCtx := ctx
	if c.readTimeout > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, c.readTimeout)
		defer cancel()
	}
	rec, err := c.reader.Next(readCtx, c.scratch)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return stream.Record{}, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return stream.Record{}, fmt.Errorf("%w: %v", ErrIdleTimeout, c.readTimeout)
		case errors.Is(err, io.EOF):
			return stream.Record{}, fmt.Errorf("%w: %w", ErrClosedByPeer, err)
		default:
			return stream.Record{}, err
		}
	}
	c.scratch = rec
	return stream.DecodeRecord(rec, c.dec, c.limits, alloc)
}

func (c *shdmConn) Stats() ConnStats {
	return ConnStats{Lost: c.ring.Lost()}
}

func (c *shdmConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader == nil {
		return nil
	}
	err := c.reader.Close()
	c.reader = nil
	return err
}
