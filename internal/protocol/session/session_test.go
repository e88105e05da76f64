package session

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/framegrab/internal/protocol/header"
	"github.com/danmuck/framegrab/internal/testutil/testlog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig().Backoff
	rng := rand.New(rand.NewSource(7))
	got := NextBackoffDelay(cfg, 1, rng)
	if got < 25*time.Millisecond || got > 75*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
}

func TestSleepHonorsContext(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := Sleep(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("sleep ignored cancellation")
	}
}

func TestOpenRoundTrip(t *testing.T) {
	testlog.Start(t)
	req := OpenRequest{Device: "cam0", ClientID: "c-1", Version: ProtocolVersion}
	var buf bytes.Buffer
	if err := WriteOpen(&buf, req); err != nil {
		t.Fatalf("write open: %v", err)
	}
	if !strings.Contains(buf.String(), `"type":"stream.open"`) {
		t.Fatalf("unexpected wire form: %s", buf.String())
	}
	got, err := ReadOpen(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("read open: %v", err)
	}
	if got != req {
		t.Fatalf("unexpected open: %+v", got)
	}
}

func TestOpenAckRoundTrip(t *testing.T) {
	testlog.Start(t)
	ack := OpenAck{
		Status:  AckStatusAccepted,
		Message: "ok",
		Stream: &StreamInfo{
			Device: "cam0", Vendor: "acme", Width: 640, Height: 480,
			PixelType: header.PixelMono8, FPS: 30,
		},
		TimestampMS: 1700000000000,
	}
	var buf bytes.Buffer
	if err := WriteOpenAck(&buf, ack); err != nil {
		t.Fatalf("write ack: %v", err)
	}
	got, err := ReadOpenAck(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if !got.Accepted() || got.Stream == nil || *got.Stream != *ack.Stream {
		t.Fatalf("unexpected ack: %+v", got)
	}
}

func TestOpenValidation(t *testing.T) {
	testlog.Start(t)
	if _, err := MarshalOpen(OpenRequest{ClientID: "c", Version: 1}); !errors.Is(err, ErrInvalidOpen) {
		t.Fatalf("expected ErrInvalidOpen, got %v", err)
	}
	if _, err := MarshalOpenAck(OpenAck{Status: "maybe", TimestampMS: 1}); !errors.Is(err, ErrInvalidOpenAck) {
		t.Fatalf("expected ErrInvalidOpenAck, got %v", err)
	}
	if _, err := MarshalOpenAck(OpenAck{Status: AckStatusAccepted, TimestampMS: 1}); !errors.Is(err, ErrInvalidOpenAck) {
		t.Fatalf("accepted ack without stream should fail, got %v", err)
	}
	open, _ := MarshalOpen(OpenRequest{Device: "cam0", ClientID: "c", Version: 1})
	if _, err := UnmarshalOpenAck(open); !errors.Is(err, ErrInvalidOpenAck) {
		t.Fatalf("open decoded as ack: %v", err)
	}
}

func TestReadOpenRejectsOversizeLine(t *testing.T) {
	testlog.Start(t)
	line := strings.Repeat("x", maxControlBytes+10) + "\n"
	if _, err := ReadOpen(bufio.NewReader(strings.NewReader(line))); !errors.Is(err, ErrControlMessageTooLarge) {
		t.Fatalf("expected ErrControlMessageTooLarge, got %v", err)
	}
}
