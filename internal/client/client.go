// Package client manages one stream session: connection state, the receive and
// dispatch loops, and the buffers handed to the consumer.
//
// Ownership boundary:
// - connect/disconnect lifecycle and the disconnect callback
// - receive loop (sole writer into the pool and queue)
// - dispatch loop (sole reader of the queue, sole invoker of callbacks)
// - force-release of outstanding buffers on stop, disconnect and close
//
// Callbacks run on the dispatch goroutine. They must not call Stop, Disconnect or Close
// on the same client; ReleaseFrame and SetMaxQueueSize are safe.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/framegrab/internal/observability"
	"github.com/danmuck/framegrab/internal/pool"
	"github.com/danmuck/framegrab/internal/processor"
	"github.com/danmuck/framegrab/internal/protocol/header"
	"github.com/danmuck/framegrab/internal/protocol/session"
	"github.com/danmuck/framegrab/internal/protocol/stream"
	"github.com/danmuck/framegrab/internal/queue"
	"github.com/danmuck/framegrab/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultConnectTimeout applies when Connect is given no timeout.
const DefaultConnectTimeout = 3 * time.Second

// Frame is one delivered frame. Data belongs to the pool: it is valid until the
// callback returns ReleaseNow, or until ReleaseFrame(Handle) after Retain.
type Frame struct {
	Handle pool.Handle
	Header header.Header
	Data   []byte
	Side   stream.Side
}

// FrameFunc consumes one frame and says what happens to its buffer.
type FrameFunc func(c *Client, f Frame) pool.Disposition

// DisconnectFunc fires once per connection when it ends.
type DisconnectFunc func(c *Client, reason DisconnectReason, message string)

type Config struct {
	QueueSize  int
	Pool       pool.Config
	Session    session.Config
	Processing processor.Options
	Logger     zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		QueueSize:  queue.DefaultCapacity,
		Pool:       pool.DefaultConfig(),
		Session:    session.DefaultConfig(),
		Processing: processor.DefaultOptions(),
		Logger:     zerolog.Nop(),
	}
}

// Stats is a snapshot of session counters.
type Stats struct {
	State             State
	Received          uint64
	Delivered         uint64
	DroppedQueueFull  uint64
	DroppedMalformed  uint64
	DroppedNoBuffer   uint64
	DroppedThrottled  uint64
	DroppedProcessing uint64
	CallbackPanics    uint64
	Disconnects       uint64
	QueueLen          int
	QueueCap          int
	Buffers           pool.Stats
	Transport         transport.ConnStats
}

type counters struct {
	received          atomic.Uint64
	delivered         atomic.Uint64
	droppedMalformed  atomic.Uint64
	droppedNoBuffer   atomic.Uint64
	droppedThrottled  atomic.Uint64
	droppedProcessing atomic.Uint64
	callbackPanics    atomic.Uint64
	disconnects       atomic.Uint64
}

// Client is one stream session. All methods are safe for concurrent use, subject to the
// callback rule in the package doc.
type Client struct {
	id    string
	cfg   Config
	log   zerolog.Logger
	pool  *pool.Pool
	queue *queue.Bounded[entry]
	stats counters

	mu           sync.Mutex
	state        State
	closed       bool
	conn         transport.Conn
	endpoint     transport.Endpoint
	onDisconnect DisconnectFunc
	run          *run
}

// New creates a disconnected client.
func New(cfg Config) (*Client, error) {
	if cfg.QueueSize == 0 {
		cfg.QueueSize = queue.DefaultCapacity
	}
	q, err := queue.New[entry](cfg.QueueSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	id := uuid.NewString()
	c := &Client{
		id:    id,
		cfg:   cfg,
		log:   cfg.Logger.With().Str("client", id).Logger(),
		pool:  pool.New(cfg.Pool),
		queue: q,
	}
	c.log.Debug().Int("queue_size", cfg.QueueSize).Msg("client created")
	return c, nil
}

func (c *Client) ID() string { return c.id }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stream returns what the producer agreed to send on the current connection.
func (c *Client) Stream() (session.StreamInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return session.StreamInfo{}, false
	}
	return c.conn.Stream(), true
}

// Endpoint returns the endpoint of the current or last connection.
func (c *Client) Endpoint() transport.Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// Started reports whether a run is installed. It stays true until a stopping run has
// released its buffers.
func (c *Client) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run != nil
}

// Connect dials rawURL and performs the handshake, retrying until timeout elapses.
// onDisconnect may be nil.
func (c *Client) Connect(ctx context.Context, rawURL string, timeout time.Duration, onDisconnect DisconnectFunc) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrInvalidClientContext
	case c.state != StateDisconnected:
		c.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrAlreadyConnected, c.state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, ep, err := c.dial(ctx, rawURL, timeout)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = StateDisconnected
		c.log.Warn().Err(err).Str("url", rawURL).Msg("connect failed")
		return err
	}
	if c.closed {
		_ = conn.Close()
		c.state = StateDisconnected
		return ErrInvalidClientContext
	}
	c.conn = conn
	c.endpoint = ep
	c.onDisconnect = onDisconnect
	c.state = StateConnected
	info := conn.Stream()
	c.log.Info().
		Str("endpoint", ep.String()).
		Int32("width", info.Width).
		Int32("height", info.Height).
		Str("pixel_type", info.PixelType.String()).
		Msg("connected")
	return nil
}

func (c *Client) dial(ctx context.Context, rawURL string, timeout time.Duration) (transport.Conn, transport.Endpoint, error) {
	ep, err := transport.ParseURL(rawURL)
	if err != nil {
		return nil, ep, err
	}
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	opts := transport.Options{
		Session:  c.cfg.Session,
		ClientID: c.id,
		Logger:   c.log,
	}
	conn, err := transport.Dial(ctx, ep, opts)
	return conn, ep, err
}

// Start runs the receive and dispatch loops. Checks run in order: closed, connected,
// already started, callback, then processor setup (gpu index, processor, decoder).
func (c *Client) Start(cfg processor.Config, onFrame FrameFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return ErrInvalidClientContext
	case c.state != StateConnected:
		return fmt.Errorf("%w: state %s", ErrNotConnected, c.state)
	case c.run != nil:
		return ErrAlreadyStarted
	case onFrame == nil:
		return ErrCallbackNotSet
	}
	opts := c.cfg.Processing
	opts.Logger = c.log
	proc, err := processor.New(cfg, c.conn.Stream().PixelType, opts)
	if err != nil {
		return err
	}

	for _, e := range c.queue.Reset() {
		c.releaseEntry(e)
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	r := &run{
		client:  c,
		conn:    c.conn,
		proc:    proc,
		onFrame: onFrame,
		cancel:  cancel,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	g.Go(func() error { return r.receive(gctx) })
	g.Go(func() error { return r.dispatch() })
	c.run = r
	go c.supervise(r, g)
	c.log.Info().
		Str("target_format", cfg.TargetFormat.String()).
		Float64("target_fps", cfg.TargetFPS).
		Int("gpu_index", cfg.GPUIndex).
		Msg("started")
	return nil
}

// supervise joins the loops of r. When they ended on their own, it owns the teardown.
func (c *Client) supervise(r *run, g *errgroup.Group) {
	err := g.Wait()
	var failure *transportFailure
	if errors.As(err, &failure) {
		r.failure = failure.err
	}
	close(r.done)

	c.mu.Lock()
	if r.stopping {
		// Stop, Disconnect or Close owns the teardown and reads r.failure.
		c.mu.Unlock()
		return
	}
	r.stopping = true
	c.mu.Unlock()
	c.finishRun(r)
}

// claimRunLocked marks the current run as stopping. owned reports whether the caller now
// owns its teardown; otherwise the caller should wait on r.stopped.
func (c *Client) claimRunLocked() (r *run, owned bool) {
	r = c.run
	if r == nil || r.stopping {
		return r, false
	}
	r.stopping = true
	return r, true
}

// endRun stops r and waits for its teardown, whoever owns it.
func (c *Client) endRun(r *run, owned bool) {
	switch {
	case r == nil:
	case owned:
		c.stopRun(r)
	default:
		<-r.stopped
	}
}

func (c *Client) stopRun(r *run) {
	r.cancel()
	c.queue.Stop()
	<-r.done
	c.finishRun(r)
	c.log.Info().Msg("stopped")
}

// finishRun releases the buffers of a joined run and uninstalls it. If the transport
// failed, the connection is torn down and the disconnect callback fires.
func (c *Client) finishRun(r *run) {
	c.releaseAll()

	c.mu.Lock()
	if c.run == r {
		c.run = nil
	}
	var (
		conn transport.Conn
		cb   DisconnectFunc
	)
	failed := r.failure != nil && c.conn != nil && c.conn == r.conn
	if failed {
		conn, cb = c.detachLocked()
	}
	c.mu.Unlock()
	defer close(r.stopped)

	if !failed {
		return
	}
	_ = conn.Close()
	reason := reasonFor(r.failure)
	c.log.Warn().Err(r.failure).Str("reason", reason.String()).Msg("stream lost")
	c.fireDisconnect(cb, reason, r.failure.Error())
}

// detachLocked moves the client to Disconnected and hands back the connection and the
// disconnect callback. The callback is cleared so it fires at most once per connection.
func (c *Client) detachLocked() (transport.Conn, DisconnectFunc) {
	conn, cb := c.conn, c.onDisconnect
	c.conn = nil
	c.onDisconnect = nil
	c.state = StateDisconnected
	return conn, cb
}

func (c *Client) fireDisconnect(cb DisconnectFunc, reason DisconnectReason, message string) {
	c.stats.disconnects.Add(1)
	observability.RecordDisconnect(c.id, reason.String())
	if cb == nil {
		return
	}
	defer func() {
		if v := recover(); v != nil {
			c.stats.callbackPanics.Add(1)
			observability.RecordCallbackPanic(c.id)
			c.log.Error().Interface("panic", v).Msg("disconnect callback panicked")
		}
	}()
	cb(c, reason, message)
}

// Stop ends both loops, releases queued frames and force-releases every outstanding
// buffer. It is idempotent, returns only once the loops are gone, and leaves the
// connection open unless the transport had already failed.
func (c *Client) Stop() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrInvalidClientContext
	}
	r, owned := c.claimRunLocked()
	c.mu.Unlock()
	c.endRun(r, owned)
	return nil
}

// Disconnect stops the loops, closes the connection and fires the disconnect callback
// with ReasonRequested.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrInvalidClientContext
	}
	return c.disconnectLocked("disconnect requested")
}

// disconnectLocked is entered with c.mu held and returns with it released.
func (c *Client) disconnectLocked(message string) error {
	if c.state != StateConnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrNotConnected, state)
	}
	c.state = StateDisconnecting
	r, owned := c.claimRunLocked()
	c.mu.Unlock()

	c.endRun(r, owned)
	c.releaseAll()

	c.mu.Lock()
	if c.conn == nil {
		// The transport failed during teardown and its disconnect already fired.
		c.mu.Unlock()
		return nil
	}
	conn, cb := c.detachLocked()
	c.mu.Unlock()
	_ = conn.Close()
	c.log.Info().Msg("disconnected")
	c.fireDisconnect(cb, ReasonRequested, message)
	return nil
}

// Close disconnects if needed and invalidates the client. Later calls return
// ErrInvalidClientContext.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrInvalidClientContext
	}
	c.closed = true
	if c.state == StateConnected {
		_ = c.disconnectLocked("client closed")
	} else {
		r, owned := c.claimRunLocked()
		c.mu.Unlock()
		c.endRun(r, owned)
	}
	c.releaseAll()
	observability.ForgetClient(c.id)
	c.log.Debug().Msg("client closed")
	return nil
}

// SetMaxQueueSize changes the queue bound. Queued frames are never evicted.
func (c *Client) SetMaxQueueSize(n int) error {
	if c.isClosed() {
		return ErrInvalidClientContext
	}
	if n < 1 {
		return fmt.Errorf("%w: queue size %d", ErrInvalidArgument, n)
	}
	return c.queue.SetCapacity(n)
}

// ReleaseFrame returns a frame buffer held by the consumer to the pool. Handles of frames
// never delivered report ErrFrameNotHeld.
func (c *Client) ReleaseFrame(h pool.Handle) error {
	if c.isClosed() {
		return ErrInvalidClientContext
	}
	if err := c.pool.ReleaseConsumer(h); err != nil {
		return err
	}
	observability.SetBuffersOutstanding(c.id, c.pool.Outstanding())
	return nil
}

// ClearAllFrames force-releases frames. While the loops run only consumer-held buffers
// are released; otherwise every outstanding buffer is.
func (c *Client) ClearAllFrames() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrInvalidClientContext
	}
	var n int
	if c.run != nil {
		n = c.pool.ReleaseRetained()
	} else {
		for _, e := range c.queue.Drain() {
			c.releaseEntry(e)
		}
		n = c.pool.ClearAll()
	}
	observability.SetBuffersOutstanding(c.id, c.pool.Outstanding())
	return n, nil
}

func (c *Client) Stats() Stats {
	c.mu.Lock()
	st := Stats{State: c.state}
	if c.conn != nil {
		st.Transport = c.conn.Stats()
	}
	c.mu.Unlock()

	st.Received = c.stats.received.Load()
	st.Delivered = c.stats.delivered.Load()
	st.DroppedQueueFull = c.queue.Lost()
	st.DroppedMalformed = c.stats.droppedMalformed.Load()
	st.DroppedNoBuffer = c.stats.droppedNoBuffer.Load()
	st.DroppedThrottled = c.stats.droppedThrottled.Load()
	st.DroppedProcessing = c.stats.droppedProcessing.Load()
	st.CallbackPanics = c.stats.callbackPanics.Load()
	st.Disconnects = c.stats.disconnects.Load()
	st.QueueLen = c.queue.Len()
	st.QueueCap = c.queue.Cap()
	st.Buffers = c.pool.Stats()
	return st
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// releaseAll drains the queue and force-releases every outstanding buffer.
func (c *Client) releaseAll() {
	for _, e := range c.queue.Drain() {
		c.releaseEntry(e)
	}
	if n := c.pool.ClearAll(); n > 0 {
		c.log.Debug().Int("buffers", n).Msg("force-released buffers")
	}
	observability.SetBuffersOutstanding(c.id, 0)
	observability.SetQueueDepth(c.id, 0)
}

func (c *Client) releaseEntry(e entry) {
	if err := c.pool.Release(e.handle); err != nil && !errors.Is(err, pool.ErrDoubleRelease) {
		c.log.Debug().Err(err).Str("handle", e.handle.String()).Msg("release queued frame")
	}
}
