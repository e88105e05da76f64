package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/danmuck/framegrab/internal/protocol/session"
	"github.com/danmuck/framegrab/internal/protocol/stream"
)

type tcpConn struct {
	conn        net.Conn
	reader      *stream.Reader
	info        session.StreamInfo
	readTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

func dialTCP(ctx context.Context, ep Endpoint, opts Options) (Conn, error) {
	dialer := net.Dialer{Timeout: opts.Session.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", ep.Address())
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(handshakeDeadline(ctx, opts.Session.HandshakeTimeout))
	br := bufio.NewReaderSize(conn, stream.ReaderBufferSize)
	if opts.ClientID == "" {
		opts.ClientID = "anonymous"
	}
	if err := session.WriteOpen(conn, openRequest(ep, opts)); err != nil {
		_ = conn.Close()
		return nil, err
	}
	ack, err := session.ReadOpenAck(br)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := checkAck(ack); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return &tcpConn{
		conn:        conn,
		reader:      stream.NewReader(br, opts.Decoder, opts.Session.Limits),
		info:        *ack.Stream,
		readTimeout: opts.Session.ReadTimeout,
	}, nil
}

func (c *tcpConn) Stream() session.StreamInfo { return c.info }

func (c *tcpConn) Receive(ctx context.Context, alloc stream.Allocator) (stream.Record, error) {
	if err := ctx.Err(); err != nil {
		return stream.Record{}, err
	}
	var deadline time.Time
	if c.readTimeout > 0 {
		deadline = time.Now().Add(c.readTimeout)
	}
	_ = c.conn.SetReadDeadline(deadline)
	// Moving the deadline into the past unblocks the read without closing the socket.
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	rec, err := c.reader.Next(alloc)
	if err == nil {
		return rec, nil
	}
	switch {
	case ctx.Err() != nil:
		return stream.Record{}, ctx.Err()
	case stream.IsRecoverable(err):
		return stream.Record{}, err
	case errors.Is(err, os.ErrDeadlineExceeded):
		return stream.Record{}, fmt.Errorf("%w: %v", ErrIdleTimeout, c.readTimeout)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return stream.Record{}, fmt.Errorf("%w: %w", ErrClosedByPeer, err)
	case errors.Is(err, net.ErrClosed):
		return stream.Record{}, fmt.Errorf("%w: %w", ErrClosed, err)
	default:
		return stream.Record{}, err
	}
}

func (c *tcpConn) Stats() ConnStats {
	return ConnStats{Resyncs: c.reader.Resyncs(), SkippedBytes: c.reader.SkippedBytes()}
}

func (c *tcpConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
