package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/framegrab/internal/observability"
	"github.com/danmuck/framegrab/internal/pool"
	"github.com/danmuck/framegrab/internal/processor"
	"github.com/danmuck/framegrab/internal/protocol/header"
	"github.com/danmuck/framegrab/internal/protocol/stream"
	"github.com/danmuck/framegrab/internal/transport"
)

// entry is one queued frame. data aliases the pool buffer named by handle.
type entry struct {
	handle pool.Handle
	header header.Header
	data   []byte
	side   stream.Side
}

// transportFailure ends a run because the stream is gone.
type transportFailure struct {
	err error
}

func (f *transportFailure) Error() string { return fmt.Sprintf("client: transport failed: %v", f.err) }

func (f *transportFailure) Unwrap() error { return f.err }

// run is one Start..Stop span of the two loops. It stays installed on the client until
// its teardown has finished, so a new Start cannot overlap it.
type run struct {
	client  *Client
	conn    transport.Conn
	proc    *processor.Processor
	onFrame FrameFunc
	cancel  func()

	// failure is set before done closes.
	failure error
	done    chan struct{}

	// stopping is guarded by client.mu. Whoever sets it owns the teardown and closes
	// stopped when it is complete.
	stopping bool
	stopped  chan struct{}
}

// receive reads records until ctx ends or the transport fails. It is the only writer
// into the pool and the queue.
func (r *run) receive(ctx context.Context) error {
	c := r.client
	defer c.queue.Stop()
	var (
		asm     stream.Assembler
		pending pool.Handle
	)
	alloc := func(size int) ([]byte, func(), error) {
		h, buf, err := c.pool.Acquire(size)
		if err != nil {
			return nil, nil, err
		}
		pending = h
		return buf, func() { _ = c.pool.Release(h) }, nil
	}

	for {
		rec, err := r.conn.Receive(ctx, alloc)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if stream.IsRecoverable(err) {
				r.drop(err)
				continue
			}
			return &transportFailure{err: err}
		}
		if rec.Type == stream.RecordMetadata {
			if err := asm.Observe(rec); err != nil {
				c.log.Debug().Err(err).Str("kind", rec.MetaKind.String()).Msg("metadata dropped")
			}
			continue
		}

		c.stats.received.Add(1)
		observability.RecordFrameReceived(c.id)
		e := entry{handle: pending, header: rec.Header, data: rec.Payload, side: asm.Attach()}
		if !c.queue.Push(e) {
			_ = c.pool.Release(e.handle)
			if ctx.Err() != nil {
				return nil
			}
			observability.RecordFrameDropped(c.id, observability.DropQueueFull)
			continue
		}
		observability.SetQueueDepth(c.id, c.queue.Len())
		observability.SetBuffersOutstanding(c.id, c.pool.Outstanding())
	}
}

func (r *run) drop(err error) {
	c := r.client
	reason := observability.DropMalformed
	if errors.Is(err, stream.ErrPayloadDropped) {
		reason = observability.DropNoBuffer
		c.stats.droppedNoBuffer.Add(1)
	} else {
		c.stats.droppedMalformed.Add(1)
	}
	observability.RecordFrameDropped(c.id, reason)
	c.log.Debug().Err(err).Str("reason", reason).Msg("record dropped")
}

// dispatch pops frames until the queue stops. It is the only caller of onFrame.
func (r *run) dispatch() error {
	for {
		e, ok := r.client.queue.Pop()
		if !ok {
			return nil
		}
		r.deliver(e)
	}
}

func (r *run) deliver(e entry) {
	c := r.client
	start := time.Now()
	observability.SetQueueDepth(c.id, c.queue.Len())

	if !r.proc.Allow(start) {
		_ = c.pool.Release(e.handle)
		c.stats.droppedThrottled.Add(1)
		observability.RecordFrameDropped(c.id, observability.DropThrottled)
		return
	}

	handle, hdr := e.handle, e.header
	if !r.proc.Passthrough() {
		var out pool.Handle
		alloc := func(size int) ([]byte, error) {
			h, buf, err := c.pool.Acquire(size)
			out = h
			return buf, err
		}
		converted, _, err := r.proc.Process(e.header, e.data, alloc)
		_ = c.pool.Release(e.handle)
		if err != nil {
			if !out.IsZero() {
				_ = c.pool.Release(out)
			}
			c.stats.droppedProcessing.Add(1)
			observability.RecordFrameDropped(c.id, observability.DropProcessing)
			c.log.Debug().Err(err).Uint64("frame", e.header.FrameNum).Msg("frame processing failed")
			return
		}
		handle, hdr = out, converted
	}

	view, err := c.pool.HandOff(handle)
	if err != nil {
		// Cleared underneath us.
		return
	}
	d := r.invoke(Frame{Handle: handle, Header: hdr, Data: view.Data, Side: e.side})
	if err := c.pool.Complete(handle, d); err != nil {
		c.log.Debug().Err(err).Str("handle", handle.String()).Msg("complete frame")
	}
	c.stats.delivered.Add(1)
	observability.RecordFrameDelivered(c.id, time.Since(start))
	observability.SetBuffersOutstanding(c.id, c.pool.Outstanding())
}

// invoke runs the frame callback. A panic is logged and counted, and the buffer is
// released.
func (r *run) invoke(f Frame) (d pool.Disposition) {
	c := r.client
	defer func() {
		if v := recover(); v != nil {
			c.stats.callbackPanics.Add(1)
			observability.RecordCallbackPanic(c.id)
			c.log.Error().Interface("panic", v).Uint64("frame", f.Header.FrameNum).Msg("frame callback panicked")
			d = pool.ReleaseNow
		}
	}()
	return r.onFrame(c, f)
}
