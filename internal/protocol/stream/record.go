// Package stream frames header+payload records and metadata records.
//
// Ownership boundary:
// - record framing on byte streams (tcp) and message transports (ws, shm)
// - resynchronization after malformed or interrupted records
// - attaching side-channel metadata to the frame it precedes
package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/framegrab/internal/protocol/header"
	"github.com/danmuck/framegrab/internal/protocol/metadata"
)

// MetadataStartCode prefixes every metadata record.
var MetadataStartCode = [4]byte{0x3F, 0xA7, 0xA4, 0x4D}

// MetadataPrefixLen covers start code, kind and length.
const MetadataPrefixLen = 12

var (
	ErrUnknownStartCode = errors.New("stream: unknown start code")
	ErrPayloadTooLarge  = errors.New("stream: payload too large")
	ErrMetadataTooLarge = errors.New("stream: metadata too large")
	ErrBadFrameLen      = errors.New("stream: negative frame_len")
	ErrShortRecord      = errors.New("stream: record shorter than declared")
	ErrPayloadDropped   = errors.New("stream: payload dropped, no buffer")
)

// RecordType distinguishes frame records from metadata records.
type RecordType uint8

const (
	RecordFrame RecordType = iota + 1
	RecordMetadata
)

// Record is one decoded stream record.
type Record struct {
	Type RecordType

	Header  header.Header
	Payload []byte

	MetaKind metadata.Kind
	Meta     []byte
}

// Limits constrains record decode memory use.
type Limits struct {
	MaxPayloadBytes  int
	MaxMetadataBytes int
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes:  64 * 1024 * 1024,
		MaxMetadataBytes: 64 * 1024,
	}
}

// Allocator provides payload memory for one frame record. release is called by the
// reader when the record fails after allocation; on success ownership passes to the caller.
type Allocator func(size int) (buf []byte, release func(), err error)

// HeapAllocator allocates payloads with make.
func HeapAllocator(size int) ([]byte, func(), error) {
	return make([]byte, size), func() {}, nil
}

// IsRecoverable reports whether err describes one bad record and the stream may continue.
func IsRecoverable(err error) bool {
	switch {
	case errors.Is(err, header.ErrBadMagic),
		errors.Is(err, header.ErrSizeMismatch),
		errors.Is(err, header.ErrUnsupportedVersion),
		errors.Is(err, header.ErrInvalidCameraModel),
		errors.Is(err, ErrUnknownStartCode),
		errors.Is(err, ErrPayloadTooLarge),
		errors.Is(err, ErrMetadataTooLarge),
		errors.Is(err, ErrBadFrameLen),
		errors.Is(err, ErrShortRecord),
		errors.Is(err, ErrPayloadDropped):
		return true
	}
	return false
}

// DecodeRecord parses one complete record from a message transport. Frame payloads are
// copied into memory from alloc.
func DecodeRecord(b []byte, dec header.Decoder, limits Limits, alloc Allocator) (Record, error) {
	if len(b) < 4 {
		return Record{}, fmt.Errorf("%w: %d bytes", ErrShortRecord, len(b))
	}
	switch [4]byte(b[:4]) {
	case header.StartCode:
		h, err := dec.Decode(b)
		if errors.Is(err, header.ErrTruncated) {
			// A whole message arrived; short means damaged, not still in flight.
			return Record{}, fmt.Errorf("%w: %w", ErrShortRecord, err)
		}
		if err != nil {
			return Record{}, err
		}
		if h.FrameLen < 0 {
			return Record{}, fmt.Errorf("%w: %d", ErrBadFrameLen, h.FrameLen)
		}
		n := int(h.FrameLen)
		if limits.MaxPayloadBytes > 0 && n > limits.MaxPayloadBytes {
			return Record{}, fmt.Errorf("%w: %d", ErrPayloadTooLarge, n)
		}
		body := b[h.HeaderSize:]
		if len(body) < n {
			return Record{}, fmt.Errorf("%w: payload %d of %d", ErrShortRecord, len(body), n)
		}
		buf, _, err := alloc(n)
		if err != nil {
			return Record{}, fmt.Errorf("%w: %w", ErrPayloadDropped, err)
		}
		copy(buf, body[:n])
		return Record{Type: RecordFrame, Header: h, Payload: buf[:n]}, nil
	case MetadataStartCode:
		if len(b) < MetadataPrefixLen {
			return Record{}, fmt.Errorf("%w: metadata prefix", ErrShortRecord)
		}
		kind, n := metadataPrefix(b)
		if limits.MaxMetadataBytes > 0 && n > limits.MaxMetadataBytes {
			return Record{}, fmt.Errorf("%w: %d", ErrMetadataTooLarge, n)
		}
		if len(b) < MetadataPrefixLen+n {
			return Record{}, fmt.Errorf("%w: metadata %d of %d", ErrShortRecord, len(b)-MetadataPrefixLen, n)
		}
		meta := make([]byte, n)
		copy(meta, b[MetadataPrefixLen:])
		return Record{Type: RecordMetadata, MetaKind: kind, Meta: meta}, nil
	default:
		return Record{}, fmt.Errorf("%w: % x", ErrUnknownStartCode, b[:4])
	}
}

func metadataPrefix(b []byte) (metadata.Kind, int) {
	kind := metadata.Kind(binary.LittleEndian.Uint32(b[4:]))
	n := int(binary.LittleEndian.Uint32(b[8:]))
	return kind, n
}

// AppendFrame appends a frame record. h.FrameLen is set from payload.
func AppendFrame(dst []byte, h header.Header, payload []byte) []byte {
	h.FrameLen = int32(len(payload))
	dst = header.AppendEncode(dst, h)
	return append(dst, payload...)
}

// AppendMetadata appends a metadata record carrying doc.
func AppendMetadata(dst []byte, kind metadata.Kind, doc []byte) []byte {
	dst = append(dst, MetadataStartCode[:]...)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(kind))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(doc)))
	return append(dst, doc...)
}

func WriteFrame(w io.Writer, h header.Header, payload []byte) error {
	_, err := w.Write(AppendFrame(make([]byte, 0, header.Size+len(payload)), h, payload))
	return err
}

func WriteMetadata(w io.Writer, kind metadata.Kind, doc []byte) error {
	_, err := w.Write(AppendMetadata(make([]byte, 0, MetadataPrefixLen+len(doc)), kind, doc))
	return err
}
