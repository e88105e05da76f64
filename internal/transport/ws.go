package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/framegrab/internal/protocol/header"
	"github.com/danmuck/framegrab/internal/protocol/session"
	"github.com/danmuck/framegrab/internal/protocol/stream"
	"github.com/gorilla/websocket"
)

// wsConn reads one record per binary message. A pump goroutine owns ReadMessage so
// Receive can return on ctx without tearing down the socket.
type wsConn struct {
	conn        *websocket.Conn
	info        session.StreamInfo
	dec         header.Decoder
	limits      stream.Limits
	readTimeout time.Duration

	msgs    chan []byte
	done    chan struct{}
	pumpErr error

	closeOnce sync.Once
	closing   chan struct{}
	closeErr  error
}

func dialWS(ctx context.Context, ep Endpoint, opts Options) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: opts.Session.DialTimeout}
	url := fmt.Sprintf("ws://%s/%s", ep.Address(), ep.Device)
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	if lim := opts.Session.Limits; lim.MaxPayloadBytes > 0 {
		conn.SetReadLimit(int64(header.Size + lim.MaxPayloadBytes))
	}

	deadline := handshakeDeadline(ctx, opts.Session.HandshakeTimeout)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)
	if opts.ClientID == "" {
		opts.ClientID = "anonymous"
	}
	payload, err := session.MarshalOpen(openRequest(ep, opts))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	ack, err := session.UnmarshalOpenAck(msg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := checkAck(ack); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})

	c := &wsConn{
		conn:        conn,
		info:        *ack.Stream,
		dec:         opts.Decoder,
		limits:      opts.Session.Limits,
		readTimeout: opts.Session.ReadTimeout,
		msgs:        make(chan []byte),
		done:        make(chan struct{}),
		closing:     make(chan struct{}),
	}
	go c.pump()
	return c, nil
}

func (c *wsConn) pump() {
	defer close(c.done)
	for {
		typ, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.pumpErr = err
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		select {
		case c.msgs <- msg:
		case <-c.closing:
			return
		}
	}
}

func (c *wsConn) Stream() session.StreamInfo { return c.info }

func (c *wsConn) Receive(ctx context.Context, alloc stream.Allocator) (stream.Record, error) {
	select {
	case <-c.closing:
		return stream.Record{}, ErrClosed
	default:
	}
	var idle <-chan time.Time
	if c.readTimeout > 0 {
		t := time.NewTimer(c.readTimeout)
		defer t.Stop()
		idle = t.C
	}
	select {
	case <-ctx.Done():
		return stream.Record{}, ctx.Err()
	case <-idle:
		return stream.Record{}, fmt.Errorf("%w: %v", ErrIdleTimeout, c.readTimeout)
	case <-c.closing:
		return stream.Record{}, ErrClosed
	case <-c.done:
		return stream.Record{}, c.terminalErr()
	case msg := <-c.msgs:
		return stream.DecodeRecord(msg, c.dec, c.limits, alloc)
	}
}

// terminalErr is only valid after done is closed.
func (c *wsConn) terminalErr() error {
	return fmt.Errorf("%w: %v", ErrClosedByPeer, c.pumpErr)
}

func (c *wsConn) Stats() ConnStats { return ConnStats{} }

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
		<-c.done
	})
	return c.closeErr
}
