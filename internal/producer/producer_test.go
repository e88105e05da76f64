package producer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"net"
	"testing"
	"time"

	"github.com/danmuck/framegrab/internal/protocol/header"
	"github.com/danmuck/framegrab/internal/protocol/metadata"
	"github.com/danmuck/framegrab/internal/protocol/session"
	"github.com/danmuck/framegrab/internal/protocol/stream"
	"github.com/danmuck/framegrab/internal/testutil/testlog"
)

func newTestProducer(t *testing.T, mutate func(*Config)) *Producer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.FPS = 200
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg, testlog.Logger(t))
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	return p
}

func TestConfigValidate(t *testing.T) {
	testlog.Start(t)
	cases := []func(*Config){
		func(c *Config) { c.Device = " " },
		func(c *Config) { c.Width = 0 },
		func(c *Config) { c.FPS = 0 },
		func(c *Config) { c.PixelType = header.PixelUndefined },
		func(c *Config) { c.PixelType = header.PixelType(0x1234) },
	}
	for i, mutate := range cases {
		cfg := DefaultConfig()
		mutate(&cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("case %d: expected ErrInvalidConfig, got %v", i, err)
		}
	}
}

func TestRecordsOrderAndKeyFrameInterval(t *testing.T) {
	testlog.Start(t)
	p := newTestProducer(t, func(c *Config) { c.KeyFrameInterval = 2 })

	first, err := p.Records(1)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("expected key-frame, frame-ex and frame records, got %d", len(first))
	}
	second, err := p.Records(2)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(second) != 2 {
		t.Fatalf("expected frame-ex and frame records, got %d", len(second))
	}

	r := stream.NewReader(bytes.NewReader(bytes.Join(first, nil)), header.Decoder{}, stream.DefaultLimits())
	rec, err := r.Next(stream.HeapAllocator)
	if err != nil || rec.Type != stream.RecordMetadata || rec.MetaKind != metadata.KindKeyFrame {
		t.Fatalf("expected key-frame record, got %+v err=%v", rec, err)
	}
	doc, err := metadata.Parse(rec.MetaKind, rec.Meta)
	if err != nil {
		t.Fatalf("parse key-frame: %v", err)
	}
	if kf := doc.(metadata.KeyFrame); kf.DeviceName != "cam0" || kf.Calib != nil {
		t.Fatalf("unexpected key-frame %+v", kf)
	}
	rec, err = r.Next(stream.HeapAllocator)
	if err != nil || rec.MetaKind != metadata.KindFrameEx {
		t.Fatalf("expected frame-ex record, got %+v err=%v", rec, err)
	}
	rec, err = r.Next(stream.HeapAllocator)
	if err != nil || rec.Type != stream.RecordFrame {
		t.Fatalf("expected frame record, got %+v err=%v", rec, err)
	}
	if rec.Header.FrameNum != 1 || rec.Header.Device.ChannelName.String() != "cam0" {
		t.Fatalf("unexpected header %+v", rec.Header)
	}
	if len(rec.Payload) != 64*48 {
		t.Fatalf("expected mono8 payload of 3072 bytes, got %d", len(rec.Payload))
	}
}

func TestJPEGPayloadDecodes(t *testing.T) {
	testlog.Start(t)
	p := newTestProducer(t, func(c *Config) { c.PixelType = header.PixelJPEG })
	_, payload := p.Frame(1, time.Now())
	img, err := jpeg.Decode(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("decode jpeg: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 48 {
		t.Fatalf("unexpected bounds %v", b)
	}
}

func TestAnswerRejections(t *testing.T) {
	testlog.Start(t)
	p := newTestProducer(t, nil)

	ack := p.answer(session.OpenRequest{Device: "cam1", ClientID: "c", Version: session.ProtocolVersion})
	if ack.Accepted() || ack.Code != session.CodeUnknownDevice {
		t.Fatalf("expected unknown device rejection, got %+v", ack)
	}
	ack = p.answer(session.OpenRequest{Device: "cam0", ClientID: "c", Version: 9})
	if ack.Accepted() || ack.Code != session.CodeVersionMismatch {
		t.Fatalf("expected version rejection, got %+v", ack)
	}
	ack = p.answer(session.OpenRequest{Device: "cam0", ClientID: "c", Version: session.ProtocolVersion})
	if !ack.Accepted() || ack.Stream == nil || ack.Stream.Width != 64 {
		t.Fatalf("expected acceptance, got %+v", ack)
	}
	if err := ack.Validate(); err != nil {
		t.Fatalf("ack invalid: %v", err)
	}

	busy := newTestProducer(t, func(c *Config) { c.RejectCode = session.CodeBusy })
	if ack := busy.answer(session.OpenRequest{Device: "cam0", Version: session.ProtocolVersion}); ack.Code != session.CodeBusy {
		t.Fatalf("expected busy, got %+v", ack)
	}
}

func TestServeTCPStreamsUntilMaxFrames(t *testing.T) {
	testlog.Start(t)
	p := newTestProducer(t, func(c *Config) {
		c.MaxFrames = 5
		c.CorruptEvery = 2
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- p.ServeTCP(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	br := bufio.NewReaderSize(conn, stream.ReaderBufferSize)
	if err := session.WriteOpen(conn, session.OpenRequest{Device: "cam0", ClientID: "t", Version: session.ProtocolVersion}); err != nil {
		t.Fatalf("write open: %v", err)
	}
	ack, err := session.ReadOpenAck(br)
	if err != nil || !ack.Accepted() {
		t.Fatalf("expected accepted ack, got %+v err=%v", ack, err)
	}

	r := stream.NewReader(br, header.Decoder{}, stream.DefaultLimits())
	var frames []uint64
	for {
		rec, err := r.Next(stream.HeapAllocator)
		if err != nil {
			if stream.IsRecoverable(err) {
				continue
			}
			break
		}
		if rec.Type == stream.RecordFrame {
			frames = append(frames, rec.Header.FrameNum)
		}
	}
	if len(frames) != 5 || frames[4] != 5 {
		t.Fatalf("expected frames 1..5, got %v", frames)
	}
	if r.Resyncs() == 0 {
		t.Fatalf("expected junk to force a resync")
	}
	if got := p.FramesSent(); got != 5 {
		t.Fatalf("expected 5 frames sent, got %d", got)
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not stop")
	}
}
