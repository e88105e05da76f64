package stream

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/danmuck/framegrab/internal/protocol/header"
	"github.com/danmuck/framegrab/internal/protocol/metadata"
)

func testHeader(frameNum uint64) header.Header {
	h := header.New()
	h.FrameNum = frameNum
	h.Device.Width = 4
	h.Device.Height = 2
	h.Device.PixelType = header.PixelMono8
	h.Device.SetChannelName("cam0")
	return h
}

func TestReaderFramesAndMetadata(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMetadata(&buf, metadata.KindFrame, []byte(`{"version":2,"host_utc_us":1,"channel":"cam0"}`)); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	if err := WriteFrame(&buf, testHeader(1), []byte("abcdefgh")); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	r := NewReader(&buf, header.Decoder{}, DefaultLimits())
	rec, err := r.Next(HeapAllocator)
	if err != nil {
		t.Fatalf("next metadata: %v", err)
	}
	if rec.Type != RecordMetadata || rec.MetaKind != metadata.KindFrame {
		t.Fatalf("unexpected record: %+v", rec)
	}
	rec, err = r.Next(HeapAllocator)
	if err != nil {
		t.Fatalf("next frame: %v", err)
	}
	if rec.Type != RecordFrame || rec.Header.FrameNum != 1 || string(rec.Payload) != "abcdefgh" {
		t.Fatalf("unexpected frame: %+v", rec)
	}
	if rec.Header.FrameLen != 8 {
		t.Fatalf("frame_len not set by writer: %d", rec.Header.FrameLen)
	}
	if _, err := r.Next(HeapAllocator); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestReaderResyncsAfterGarbage(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x3F, 0xA7, 0xA4, 0x00, 0x01})
	_ = WriteFrame(&buf, testHeader(2), []byte("xy"))

	r := NewReader(&buf, header.Decoder{}, DefaultLimits())
	if _, err := r.Next(HeapAllocator); !errors.Is(err, ErrUnknownStartCode) || !IsRecoverable(err) {
		t.Fatalf("expected recoverable ErrUnknownStartCode, got %v", err)
	}
	rec, err := r.Next(HeapAllocator)
	if err != nil {
		t.Fatalf("next after resync: %v", err)
	}
	if rec.Header.FrameNum != 2 {
		t.Fatalf("frame after resync: %+v", rec.Header)
	}
	if r.Resyncs() != 1 || r.SkippedBytes() != 6 {
		t.Fatalf("resync stats: resyncs=%d skipped=%d", r.Resyncs(), r.SkippedBytes())
	}
}

func TestReaderSkipsBadHeaderAndContinues(t *testing.T) {
	var buf bytes.Buffer
	bad := AppendFrame(nil, testHeader(1), []byte("zz"))
	bad[4] = 0x10 // header_size
	buf.Write(bad)
	_ = WriteFrame(&buf, testHeader(3), []byte("ok"))

	r := NewReader(&buf, header.Decoder{}, DefaultLimits())
	if _, err := r.Next(HeapAllocator); !errors.Is(err, header.ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}
	rec, err := r.Next(HeapAllocator)
	if err != nil || rec.Header.FrameNum != 3 {
		t.Fatalf("expected frame 3, got %+v err=%v", rec.Header, err)
	}
}

func TestReaderDroppedPayloadKeepsAlignment(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteFrame(&buf, testHeader(1), []byte("first"))
	_ = WriteFrame(&buf, testHeader(2), []byte("second"))

	exhausted := errors.New("no buffers")
	r := NewReader(&buf, header.Decoder{}, DefaultLimits())
	_, err := r.Next(func(int) ([]byte, func(), error) { return nil, nil, exhausted })
	if !errors.Is(err, ErrPayloadDropped) || !errors.Is(err, exhausted) {
		t.Fatalf("expected dropped payload, got %v", err)
	}
	if r.Resyncing() {
		t.Fatalf("dropped payload must not trigger resync")
	}
	rec, err := r.Next(HeapAllocator)
	if err != nil || string(rec.Payload) != "second" {
		t.Fatalf("expected second frame, got %q err=%v", rec.Payload, err)
	}
}

func TestReaderReleasesOnShortPayload(t *testing.T) {
	full := AppendFrame(nil, testHeader(1), []byte("0123456789"))
	released := 0
	alloc := func(n int) ([]byte, func(), error) {
		return make([]byte, n), func() { released++ }, nil
	}
	r := NewReader(bytes.NewReader(full[:len(full)-3]), header.Decoder{}, DefaultLimits())
	if _, err := r.Next(alloc); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
	if released != 1 || !r.Resyncing() {
		t.Fatalf("released=%d resyncing=%v", released, r.Resyncing())
	}
}

func TestDecodeRecordMessage(t *testing.T) {
	msg := AppendFrame(nil, testHeader(5), []byte("payload"))
	rec, err := DecodeRecord(msg, header.Decoder{}, DefaultLimits(), HeapAllocator)
	if err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec.Header.FrameNum != 5 || string(rec.Payload) != "payload" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if _, err := DecodeRecord(msg[:len(msg)-1], header.Decoder{}, DefaultLimits(), HeapAllocator); !errors.Is(err, ErrShortRecord) {
		t.Fatalf("expected ErrShortRecord, got %v", err)
	}
	_, err = DecodeRecord(msg[:100], header.Decoder{}, DefaultLimits(), HeapAllocator)
	if !errors.Is(err, ErrShortRecord) || !errors.Is(err, header.ErrTruncated) || !IsRecoverable(err) {
		t.Fatalf("expected a recoverable short record for a cut header, got %v", err)
	}
	limits := Limits{MaxPayloadBytes: 2}
	if _, err := DecodeRecord(msg, header.Decoder{}, limits, HeapAllocator); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	meta := AppendMetadata(nil, metadata.KindKeyFrame, []byte(`{"version":2}`))
	rec, err = DecodeRecord(meta, header.Decoder{}, DefaultLimits(), HeapAllocator)
	if err != nil || rec.Type != RecordMetadata || rec.MetaKind != metadata.KindKeyFrame {
		t.Fatalf("metadata record: %+v err=%v", rec, err)
	}
}

func TestAssemblerKeyFrameIsSticky(t *testing.T) {
	var a Assembler
	kf := AppendMetadata(nil, metadata.KindKeyFrame, []byte(`{"version":2,"dev-name":"cam0","vendor":"acme"}`))
	fr := AppendMetadata(nil, metadata.KindFrame, []byte(`{"version":2,"host_utc_us":9,"channel":"cam0"}`))
	for _, raw := range [][]byte{kf, fr} {
		rec, err := DecodeRecord(raw, header.Decoder{}, DefaultLimits(), HeapAllocator)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if err := a.Observe(rec); err != nil {
			t.Fatalf("observe: %v", err)
		}
	}
	side := a.Attach()
	if side.KeyFrame == nil || side.KeyFrame.DeviceName != "cam0" || side.Frame == nil || side.Frame.HostUTCUS != 9 {
		t.Fatalf("first attach: %+v", side)
	}
	side = a.Attach()
	if side.KeyFrame == nil || side.Frame != nil {
		t.Fatalf("second attach should keep key frame only: %+v", side)
	}
	bad := Record{Type: RecordMetadata, MetaKind: metadata.KindFrame, Meta: []byte(`{`)}
	if err := a.Observe(bad); !errors.Is(err, metadata.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}
