// Package pool tracks frame buffer ownership across the pipeline and consumer.
//
// Ownership boundary:
// - buffer allocation and reuse
// - (index, generation) handles
// - exactly-once release, including buffers lent to a running callback
package pool

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrDoubleRelease = errors.New("pool: buffer already released")
	ErrUnknownHandle = errors.New("pool: unknown handle")
	ErrExhausted     = errors.New("pool: outstanding buffer limit reached")
	ErrNotLent       = errors.New("pool: buffer is not lent to the consumer")
	ErrNotOwned      = errors.New("pool: buffer is not owned by the pipeline")
)

// Handle names one buffer. Generations start at 1, so the zero Handle is never valid.
type Handle struct {
	Index uint32
	Gen   uint32
}

func (h Handle) IsZero() bool { return h.Gen == 0 }

func (h Handle) String() string { return fmt.Sprintf("%d@%d", h.Index, h.Gen) }

// Disposition is the consumer's answer for a lent buffer.
type Disposition uint8

const (
	// ReleaseNow returns the buffer to the pool when the callback returns.
	ReleaseNow Disposition = iota
	// Retain keeps the buffer with the consumer until Release is called.
	Retain
)

type slotState uint8

const (
	stateFree slotState = iota
	statePipeline
	stateConsumer
	// stateReleasing marks a buffer released while lent; it is freed when the lender returns.
	stateReleasing
)

type slot struct {
	gen   uint32
	state slotState
	lent  bool
	buf   []byte
}

// View is the consumer-visible part of a lent buffer.
type View struct {
	Handle Handle
	Data   []byte
}

type Config struct {
	// MaxOutstanding bounds buffers not yet released. Zero means unbounded.
	MaxOutstanding int
	// MaxRetainBytes caps the capacity of a freed buffer kept for reuse.
	MaxRetainBytes int
}

func DefaultConfig() Config {
	return Config{MaxRetainBytes: 32 * 1024 * 1024}
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Outstanding int
	Acquired    uint64
	Released    uint64
	Forced      uint64
	Reused      uint64
}

// Pool hands out payload buffers and enforces their lifecycle.
type Pool struct {
	cfg Config

	mu          sync.Mutex
	slots       []slot
	free        []uint32
	outstanding int
	stats       Stats
}

func New(cfg Config) *Pool {
	return &Pool{cfg: cfg}
}

// Acquire returns a buffer of exactly size bytes owned by the pipeline.
func (p *Pool) Acquire(size int) (Handle, []byte, error) {
	if size < 0 {
		return Handle{}, nil, fmt.Errorf("pool: negative size %d", size)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg.MaxOutstanding > 0 && p.outstanding >= p.cfg.MaxOutstanding {
		return Handle{}, nil, fmt.Errorf("%w: %d", ErrExhausted, p.cfg.MaxOutstanding)
	}

	var idx uint32
	if n := len(p.free); n > 0 {
		idx = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		idx = uint32(len(p.slots))
		p.slots = append(p.slots, slot{})
	}
	s := &p.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.state = statePipeline
	s.lent = false
	if s.buf != nil && cap(s.buf) >= size {
		s.buf = s.buf[:size]
		p.stats.Reused++
	} else {
		s.buf = make([]byte, size)
	}
	p.outstanding++
	p.stats.Acquired++
	return Handle{Index: idx, Gen: s.gen}, s.buf, nil
}

// HandOff lends a pipeline-owned buffer to the consumer callback.
func (p *Pool) HandOff(h Handle) (View, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.lookup(h)
	if err != nil {
		return View{}, err
	}
	if s.state != statePipeline {
		return View{}, fmt.Errorf("%w: %s", ErrNotOwned, h)
	}
	s.state = stateConsumer
	s.lent = true
	return View{Handle: h, Data: s.buf}, nil
}

// Complete ends the loan started by HandOff. With ReleaseNow, or when the buffer was
// released or cleared during the loan, the buffer is freed.
func (p *Pool) Complete(h Handle, d Disposition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.resolve(h)
	if err != nil {
		return err
	}
	if !s.lent {
		if s.state == stateFree {
			return fmt.Errorf("%w: %s", ErrDoubleRelease, h)
		}
		return fmt.Errorf("%w: %s", ErrNotLent, h)
	}
	s.lent = false
	switch {
	case s.state == stateReleasing:
		p.freeLocked(h.Index)
	case d == ReleaseNow:
		p.stats.Released++
		p.freeLocked(h.Index)
	}
	return nil
}

// Release frees a buffer. A buffer still lent to a running callback is freed when the
// callback returns.
func (p *Pool) Release(h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.lookup(h)
	if err != nil {
		return err
	}
	p.releaseLocked(s, h)
	return nil
}

// ReleaseConsumer is Release restricted to buffers the consumer holds. A buffer still
// queued in the pipeline reports ErrNotLent and stays untouched.
func (p *Pool) ReleaseConsumer(h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.lookup(h)
	if err != nil {
		return err
	}
	if s.state != stateConsumer {
		return fmt.Errorf("%w: %s", ErrNotLent, h)
	}
	p.releaseLocked(s, h)
	return nil
}

func (p *Pool) releaseLocked(s *slot, h Handle) {
	p.stats.Released++
	if s.lent {
		s.state = stateReleasing
		p.outstanding--
		return
	}
	p.freeLocked(h.Index)
}

// ClearAll force-releases every outstanding buffer and returns how many it released.
func (p *Pool) ClearAll() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for i := range p.slots {
		s := &p.slots[i]
		switch s.state {
		case statePipeline, stateConsumer:
			n++
			if s.lent {
				s.state = stateReleasing
				p.outstanding--
				continue
			}
			p.freeLocked(uint32(i))
		}
	}
	p.stats.Forced += uint64(n)
	return n
}

// ReleaseRetained force-releases buffers owned by the consumer and leaves pipeline
// buffers alone. A buffer still lent to a callback is freed when the callback returns.
func (p *Pool) ReleaseRetained() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for i := range p.slots {
		s := &p.slots[i]
		if s.state != stateConsumer {
			continue
		}
		n++
		if s.lent {
			s.state = stateReleasing
			p.outstanding--
			continue
		}
		p.freeLocked(uint32(i))
	}
	p.stats.Forced += uint64(n)
	return n
}

// Outstanding returns the number of buffers not yet released.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.stats
	out.Outstanding = p.outstanding
	return out
}

// lookup resolves h to a live slot. A stale generation, or the current generation of a
// freed or releasing slot, is a double release; anything else unknown is ErrUnknownHandle.
func (p *Pool) lookup(h Handle) (*slot, error) {
	s, err := p.resolve(h)
	if err != nil {
		return nil, err
	}
	if s.state == stateFree || s.state == stateReleasing {
		return nil, fmt.Errorf("%w: %s", ErrDoubleRelease, h)
	}
	return s, nil
}

// resolve checks index and generation only.
func (p *Pool) resolve(h Handle) (*slot, error) {
	if h.Gen == 0 || int(h.Index) >= len(p.slots) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	s := &p.slots[h.Index]
	if h.Gen > s.gen {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	if h.Gen < s.gen {
		return nil, fmt.Errorf("%w: %s", ErrDoubleRelease, h)
	}
	return s, nil
}

func (p *Pool) freeLocked(idx uint32) {
	s := &p.slots[idx]
	if s.state == stateFree {
		return
	}
	if s.state != stateReleasing {
		p.outstanding--
	}
	s.state = stateFree
	s.lent = false
	if p.cfg.MaxRetainBytes > 0 && cap(s.buf) > p.cfg.MaxRetainBytes {
		s.buf = nil
	} else {
		s.buf = s.buf[:0]
	}
	p.free = append(p.free, idx)
}
