// Package shm implements the single-producer shared-memory ring behind shdm:// URLs.
//
// Ownership boundary:
// - ring file naming and control block layout
// - seqlock slot publication and torn-read detection
// - reader catch-up when lapped by the writer
//
// The ring file starts with a ControlSize byte control block followed by SlotCount slots.
// Each slot holds one stream record: seq u64, len u32, pad u32, data. The writer clears a
// slot's seq before filling it and publishes the record number afterwards; a reader that
// sees a different seq after copying knows the slot was overwritten underneath it.
package shm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
	"unsafe"
)

const (
	ControlSize = 4096
	Version     = 1

	offMagic     = 0
	offVersion   = 8
	offSlotCount = 12
	offSlotSize  = 16
	offDescLen   = 20
	offWriteSeq  = 24
	offClosed    = 32
	offDesc      = 64

	MaxDescriptorLen = ControlSize - offDesc

	slotHeaderLen = 16
	filePrefix    = "framegrab-"
)

var magic = [8]byte{'F', 'G', 'S', 'H', 'M', 'R', 'G', '1'}

var (
	ErrInvalidName      = errors.New("shm: invalid ring name")
	ErrBadRing          = errors.New("shm: not a framegrab ring")
	ErrRecordTooLarge   = errors.New("shm: record larger than slot")
	ErrDescriptorTooBig = errors.New("shm: descriptor too large")
	ErrClosed           = errors.New("shm: ring closed")
	ErrUnsupported      = errors.New("shm: shared memory not supported on this platform")
)

// Path returns the ring file for device under dir.
func Path(dir, device string) (string, error) {
	if device == "" || strings.ContainsAny(device, `/\`) || device == "." || device == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, device)
	}
	return filepath.Join(dir, filePrefix+device), nil
}

func slotStride(slotSize uint32) int {
	n := slotHeaderLen + int(slotSize)
	return (n + 7) &^ 7
}

func ringSize(slotCount, slotSize uint32) int {
	return ControlSize + int(slotCount)*slotStride(slotSize)
}

type ring struct {
	mem       []byte
	slotCount uint32
	slotSize  uint32
}

func (r *ring) u64(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&r.mem[off]))
}

func (r *ring) u32(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.mem[off]))
}

func (r *ring) slotOffset(seq uint64) int {
	idx := (seq - 1) % uint64(r.slotCount)
	return ControlSize + int(idx)*slotStride(r.slotSize)
}

func (r *ring) writeSeq() uint64 { return atomic.LoadUint64(r.u64(offWriteSeq)) }
func (r *ring) closed() bool     { return atomic.LoadUint32(r.u32(offClosed)) != 0 }

// WriterOptions shapes a new ring.
type WriterOptions struct {
	SlotCount  uint32
	SlotSize   uint32
	Descriptor []byte
}

func DefaultWriterOptions() WriterOptions {
	return WriterOptions{SlotCount: 8, SlotSize: 4 * 1024 * 1024}
}

// Writer publishes records into a ring. It is not safe for concurrent use.
type Writer struct {
	ring
	path string
	f    *os.File
	seq  uint64
}

// Create makes (or truncates) the ring file for device and maps it.
func Create(dir, device string, opts WriterOptions) (*Writer, error) {
	if opts.SlotCount == 0 || opts.SlotSize == 0 {
		return nil, fmt.Errorf("shm: slot count and size must be positive")
	}
	if len(opts.Descriptor) > MaxDescriptorLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrDescriptorTooBig, len(opts.Descriptor))
	}
	path, err := Path(dir, device)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	size := ringSize(opts.SlotCount, opts.SlotSize)
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, err
	}
	mem, err := mmap(f, size, true)
	if err != nil {
		f.Close()
		return nil, err
	}
	w := &Writer{ring: ring{mem: mem, slotCount: opts.SlotCount, slotSize: opts.SlotSize}, path: path, f: f}
	le := binary.LittleEndian
	copy(mem[offMagic:], magic[:])
	le.PutUint32(mem[offVersion:], Version)
	le.PutUint32(mem[offSlotCount:], opts.SlotCount)
	le.PutUint32(mem[offSlotSize:], opts.SlotSize)
	le.PutUint32(mem[offDescLen:], uint32(len(opts.Descriptor)))
	copy(mem[offDesc:], opts.Descriptor)
	return w, nil
}

func (w *Writer) Path() string { return w.path }

// Write publishes one record.
func (w *Writer) Write(record []byte) error {
	if w.mem == nil {
		return ErrClosed
	}
	if len(record) > int(w.slotSize) {
		return fmt.Errorf("%w: %d > %d", ErrRecordTooLarge, len(record), w.slotSize)
	}
	next := w.seq + 1
	off := w.slotOffset(next)
	atomic.StoreUint64(w.u64(off), 0)
	atomic.StoreUint32(w.u32(off+8), uint32(len(record)))
	copy(w.mem[off+slotHeaderLen:], record)
	atomic.StoreUint64(w.u64(off), next)
	atomic.StoreUint64(w.u64(offWriteSeq), next)
	w.seq = next
	return nil
}

// Close marks the ring closed for readers, unmaps it and closes the file. The file is
// left in place; Remove deletes it.
func (w *Writer) Close() error {
	if w.mem == nil {
		return nil
	}
	atomic.StoreUint32(w.u32(offClosed), 1)
	err := munmap(w.mem)
	w.mem = nil
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Remove closes the writer and deletes the ring file.
func (w *Writer) Remove() error {
	err := w.Close()
	if rerr := os.Remove(w.path); err == nil && !errors.Is(rerr, os.ErrNotExist) {
		err = rerr
	}
	return err
}

// Reader follows a ring from the record published last before Open.
type Reader struct {
	ring
	f    *os.File
	desc []byte
	next uint64
	poll time.Duration
	lost uint64
	torn uint64
}

// Open maps an existing ring read-only.
func Open(dir, device string, poll time.Duration) (*Reader, error) {
	path, err := Path(dir, device)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.Size() < ControlSize {
		f.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrBadRing, path, st.Size())
	}
	mem, err := mmap(f, int(st.Size()), false)
	if err != nil {
		f.Close()
		return nil, err
	}
	r := &Reader{f: f, poll: poll}
	r.mem = mem
	if err := r.parseControl(int(st.Size())); err != nil {
		r.Close()
		return nil, err
	}
	if r.poll <= 0 {
		r.poll = time.Millisecond
	}
	r.next = r.writeSeq() + 1
	return r, nil
}

func (r *Reader) parseControl(size int) error {
	le := binary.LittleEndian
	if [8]byte(r.mem[offMagic:offMagic+8]) != magic {
		return fmt.Errorf("%w: bad magic", ErrBadRing)
	}
	if v := le.Uint32(r.mem[offVersion:]); v != Version {
		return fmt.Errorf("%w: version %d", ErrBadRing, v)
	}
	r.slotCount = le.Uint32(r.mem[offSlotCount:])
	r.slotSize = le.Uint32(r.mem[offSlotSize:])
	if r.slotCount == 0 || ringSize(r.slotCount, r.slotSize) > size {
		return fmt.Errorf("%w: geometry %dx%d exceeds file", ErrBadRing, r.slotCount, r.slotSize)
	}
	n := le.Uint32(r.mem[offDescLen:])
	if n > MaxDescriptorLen {
		return fmt.Errorf("%w: descriptor length %d", ErrBadRing, n)
	}
	r.desc = append([]byte(nil), r.mem[offDesc:offDesc+int(n)]...)
	return nil
}

// Descriptor returns the JSON stream descriptor the writer stored.
func (r *Reader) Descriptor() []byte { return r.desc }

// Lost counts records skipped because the writer lapped the reader.
func (r *Reader) Lost() uint64 { return atomic.LoadUint64(&r.lost) }

// Torn counts slot reads discarded because the slot changed during the copy.
func (r *Reader) Torn() uint64 { return atomic.LoadUint64(&r.torn) }

// Next copies the next record into dst and returns it. It polls until a record is
// published, the ring is closed (io.EOF), or ctx is done.
func (r *Reader) Next(ctx context.Context, dst []byte) ([]byte, error) {
	if r.mem == nil {
		return nil, ErrClosed
	}
	for {
		head := r.writeSeq()
		if head >= r.next {
			if behind := head - r.next + 1; behind > uint64(r.slotCount) {
				skip := behind - uint64(r.slotCount)
				atomic.AddUint64(&r.lost, skip)
				r.next += skip
			}
			rec, ok := r.readSlot(r.next, dst)
			if ok {
				r.next++
				return rec, nil
			}
			continue
		}
		if r.closed() {
			return nil, io.EOF
		}
		t := time.NewTimer(r.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// readSlot copies record seq. It returns false when the slot no longer holds seq, after
// advancing past whatever the writer overwrote.
func (r *Reader) readSlot(seq uint64, dst []byte) ([]byte, bool) {
	off := r.slotOffset(seq)
	before := atomic.LoadUint64(r.u64(off))
	if before != seq {
		r.skipTorn(seq)
		return nil, false
	}
	n := int(atomic.LoadUint32(r.u32(off + 8)))
	if n > int(r.slotSize) {
		r.skipTorn(seq)
		return nil, false
	}
	out := append(dst[:0], r.mem[off+slotHeaderLen:off+slotHeaderLen+n]...)
	if atomic.LoadUint64(r.u64(off)) != seq {
		r.skipTorn(seq)
		return nil, false
	}
	return out, true
}

func (r *Reader) skipTorn(seq uint64) {
	atomic.AddUint64(&r.torn, 1)
	atomic.AddUint64(&r.lost, 1)
	if r.next == seq {
		r.next++
	}
}

func (r *Reader) Close() error {
	if r.mem == nil {
		return nil
	}
	err := munmap(r.mem)
	r.mem = nil
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	return err
}
