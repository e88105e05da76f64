package producer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/framegrab/internal/protocol/session"
	"github.com/danmuck/framegrab/internal/shm"
	"github.com/gorilla/websocket"
)

// emitFunc writes one frame's records. corrupt asks for a damaged record ahead of them.
type emitFunc func(records [][]byte, corrupt bool) error

// truncatedLen cuts a damaged frame record well inside its header.
const truncatedLen = 100

// truncatedFrame returns the head of the frame record, the last of records, for message
// transports where junk bytes cannot straddle a record boundary.
func truncatedFrame(records [][]byte) []byte {
	f := records[len(records)-1]
	return f[:min(len(f), truncatedLen)]
}

// run paces frames until ctx ends, MaxFrames is reached, or emit fails.
func (p *Producer) run(ctx context.Context, emit emitFunc) error {
	p.streams.Add(1)
	defer p.streams.Add(-1)

	ticker := time.NewTicker(p.interval())
	defer ticker.Stop()
	for n := uint64(1); ; n++ {
		records, err := p.Records(n)
		if err != nil {
			return err
		}
		corrupt := p.cfg.CorruptEvery > 0 && n%uint64(p.cfg.CorruptEvery) == 0
		if err := emit(records, corrupt); err != nil {
			return err
		}
		p.frames.Add(1)
		if p.cfg.MaxFrames > 0 && n >= uint64(p.cfg.MaxFrames) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ServeTCP accepts stream clients on ln until ctx ends.
func (p *Producer) ServeTCP(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.serveTCPConn(ctx, conn)
		}()
	}
}

func (p *Producer) serveTCPConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	log := p.log.With().Str("transport", "tcp").Str("remote", conn.RemoteAddr().String()).Logger()
	_ = conn.SetDeadline(time.Now().Add(p.cfg.HandshakeTimeout))
	req, err := session.ReadOpen(bufio.NewReader(conn))
	if err != nil {
		log.Warn().Err(err).Msg("handshake read failed")
		return
	}
	ack := p.answer(req)
	if err := session.WriteOpenAck(conn, ack); err != nil {
		log.Warn().Err(err).Msg("handshake write failed")
		return
	}
	_ = conn.SetDeadline(time.Time{})
	if !ack.Accepted() {
		log.Info().Uint32("code", ack.Code).Str("client", req.ClientID).Msg("stream rejected")
		return
	}
	log.Info().Str("client", req.ClientID).Msg("stream opened")

	err = p.run(ctx, func(records [][]byte, corrupt bool) error {
		bufs := make(net.Buffers, 0, len(records)+1)
		if corrupt {
			bufs = append(bufs, junk)
		}
		bufs = append(bufs, records...)
		if p.cfg.WriteTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
		}
		_, err := bufs.WriteTo(conn)
		return err
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Debug().Err(err).Msg("stream ended")
	}
}

// WSHandler serves stream clients over websocket at /<device>.
func (p *Producer) WSHandler(ctx context.Context) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p.serveWSConn(ctx, conn, strings.TrimPrefix(r.URL.Path, "/"))
	})
}

func (p *Producer) serveWSConn(ctx context.Context, conn *websocket.Conn, pathDevice string) {
	defer conn.Close()
	log := p.log.With().Str("transport", "ws").Str("remote", conn.RemoteAddr().String()).Logger()

	_ = conn.SetReadDeadline(time.Now().Add(p.cfg.HandshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		log.Warn().Err(err).Msg("handshake read failed")
		return
	}
	req, err := session.UnmarshalOpen(msg)
	if err != nil {
		log.Warn().Err(err).Msg("bad stream.open")
		return
	}
	if pathDevice != "" && pathDevice != req.Device {
		req.Device = pathDevice
	}
	ack := p.answer(req)
	payload, err := session.MarshalOpenAck(ack)
	if err != nil {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	if !ack.Accepted() {
		return
	}

	// The client only sends control frames after the handshake; reading them keeps
	// close handling alive and tells us when it leaves.
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = p.run(streamCtx, func(records [][]byte, corrupt bool) error {
		if corrupt {
			records = append([][]byte{truncatedFrame(records)}, records...)
		}
		for _, rec := range records {
			if p.cfg.WriteTimeout > 0 {
				_ = conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "end of stream"),
			time.Now().Add(time.Second))
	}
	log.Debug().Err(err).Msg("stream ended")
}

// ServeSHM publishes the stream into a shared-memory ring until ctx ends or MaxFrames
// is reached. The ring file is removed on return.
func (p *Producer) ServeSHM(ctx context.Context, dir string, opts shm.WriterOptions) error {
	desc, err := json.Marshal(p.StreamInfo())
	if err != nil {
		return err
	}
	opts.Descriptor = desc
	w, err := shm.Create(dir, p.cfg.Device, opts)
	if err != nil {
		return err
	}
	defer w.Remove()
	p.log.Info().Str("transport", "shdm").Str("path", w.Path()).Msg("ring created")

	err = p.run(ctx, func(records [][]byte, corrupt bool) error {
		if corrupt {
			records = append([][]byte{truncatedFrame(records)}, records...)
		}
		for _, rec := range records {
			if err := w.Write(rec); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
