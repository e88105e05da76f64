package stream

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/danmuck/framegrab/internal/protocol/header"
)

// ReaderBufferSize is the bufio size NewReader uses. Wrapping a bufio.Reader of at least
// this size reuses it, so bytes buffered during a handshake are not lost.
const ReaderBufferSize = 64 * 1024

var startPrefix = []byte{0x3F, 0xA7, 0xA4}

// Reader decodes records from a byte stream.
//
// Header and metadata prefixes are peeked before they are consumed, so a read error at a
// record boundary leaves the stream aligned. An error after a payload read has begun, or
// any malformed record, switches the reader into resync mode: the next call scans for a
// start code before decoding.
type Reader struct {
	br     *bufio.Reader
	dec    header.Decoder
	limits Limits

	resync    bool
	skipFront bool
	resyncs   atomic.Uint64
	skipped   atomic.Uint64
}

func NewReader(r io.Reader, dec header.Decoder, limits Limits) *Reader {
	return &Reader{
		br:     bufio.NewReaderSize(r, ReaderBufferSize),
		dec:    dec,
		limits: limits,
	}
}

// Resyncing reports whether the next Next call will scan for a start code first.
func (r *Reader) Resyncing() bool { return r.resync }

// Resyncs returns how many times the reader lost alignment. Safe to call concurrently
// with Next.
func (r *Reader) Resyncs() uint64 { return r.resyncs.Load() }

// SkippedBytes returns the bytes discarded while scanning for start codes.
func (r *Reader) SkippedBytes() uint64 { return r.skipped.Load() }

// Next reads one record. Recoverable errors (see IsRecoverable) describe a single bad
// record; the caller may keep calling Next.
func (r *Reader) Next(alloc Allocator) (Record, error) {
	if r.resync {
		if err := r.scan(); err != nil {
			return Record{}, err
		}
	}
	code, err := r.br.Peek(4)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	switch [4]byte(code) {
	case header.StartCode:
		rec, err = r.readFrame(alloc)
	case MetadataStartCode:
		rec, err = r.readMetadata()
	default:
		err = fmt.Errorf("%w: % x", ErrUnknownStartCode, code)
	}
	if err != nil {
		// A dropped payload was discarded in full, so the stream is still aligned.
		if IsRecoverable(err) && !errors.Is(err, ErrPayloadDropped) {
			r.lose()
		}
		return Record{}, err
	}
	return rec, nil
}

func (r *Reader) readFrame(alloc Allocator) (Record, error) {
	prefix, err := r.br.Peek(12)
	if err != nil {
		return Record{}, err
	}
	size, err := r.dec.Peek(prefix)
	if err != nil {
		return Record{}, err
	}
	raw, err := r.br.Peek(size)
	if err != nil {
		return Record{}, err
	}
	h, err := r.dec.Decode(raw)
	if err != nil {
		return Record{}, err
	}
	if _, err := r.br.Discard(size); err != nil {
		return Record{}, err
	}

	if h.FrameLen < 0 {
		return Record{}, fmt.Errorf("%w: %d", ErrBadFrameLen, h.FrameLen)
	}
	n := int(h.FrameLen)
	if r.limits.MaxPayloadBytes > 0 && n > r.limits.MaxPayloadBytes {
		return Record{}, fmt.Errorf("%w: %d", ErrPayloadTooLarge, n)
	}
	buf, release, err := alloc(n)
	if err != nil {
		if _, derr := r.br.Discard(n); derr != nil {
			r.lose()
			return Record{}, derr
		}
		return Record{}, fmt.Errorf("%w: %w", ErrPayloadDropped, err)
	}
	if _, err := io.ReadFull(r.br, buf[:n]); err != nil {
		release()
		r.lose()
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Record{}, err
	}
	return Record{Type: RecordFrame, Header: h, Payload: buf[:n]}, nil
}

func (r *Reader) readMetadata() (Record, error) {
	prefix, err := r.br.Peek(MetadataPrefixLen)
	if err != nil {
		return Record{}, err
	}
	kind, n := metadataPrefix(prefix)
	if r.limits.MaxMetadataBytes > 0 && n > r.limits.MaxMetadataBytes {
		return Record{}, fmt.Errorf("%w: %d", ErrMetadataTooLarge, n)
	}
	if _, err := r.br.Discard(MetadataPrefixLen); err != nil {
		return Record{}, err
	}
	meta := make([]byte, n)
	if _, err := io.ReadFull(r.br, meta); err != nil {
		r.lose()
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Record{}, err
	}
	return Record{Type: RecordMetadata, MetaKind: kind, Meta: meta}, nil
}

func (r *Reader) lose() {
	if !r.resync {
		r.resyncs.Add(1)
		r.skipFront = true
	}
	r.resync = true
}

// scan discards bytes until a start code is at the front of the buffer. The first byte
// after a loss is always skipped, since it may begin the record that failed.
func (r *Reader) scan() error {
	if r.skipFront {
		if _, err := r.br.Peek(1); err != nil {
			return err
		}
		n, err := r.br.Discard(1)
		r.skipped.Add(uint64(n))
		if err != nil {
			return err
		}
		r.skipFront = false
	}
	for {
		b, err := r.br.Peek(4)
		if err != nil {
			return err
		}
		if isStartCode(b) {
			r.resync = false
			return nil
		}
		window, _ := r.br.Peek(max(r.br.Buffered(), 4))
		skip := len(window) - (len(startPrefix) - 1)
		if i := bytes.Index(window[1:], startPrefix); i >= 0 {
			skip = i + 1
		}
		n, err := r.br.Discard(skip)
		r.skipped.Add(uint64(n))
		if err != nil {
			return err
		}
	}
}

func isStartCode(b []byte) bool {
	code := [4]byte(b[:4])
	return code == header.StartCode || code == MetadataStartCode
}
