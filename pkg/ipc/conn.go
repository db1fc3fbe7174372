// Package ipc implements message connections between processes over Unix
// stream sockets, with descriptor passing and an XPC-style lifecycle.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/rexliu/xconn/pkg/codec"
	"github.com/rexliu/xconn/pkg/message"
	"github.com/rexliu/xconn/pkg/metrics"
	"github.com/rexliu/xconn/pkg/retry"
	"github.com/rexliu/xconn/pkg/wire"
)

var (
	// ErrTerminated is returned by Send after Close.
	ErrTerminated = errors.New("connection terminated")
	// ErrPeerClosed is the invalidation cause when an accepted peer hangs up.
	ErrPeerClosed = errors.New("peer closed the connection")
	// ErrFrameTooLarge indicates a payload above the configured frame size.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrTooManyDescriptors indicates more descriptors than a frame can carry.
	ErrTooManyDescriptors = errors.New("too many descriptors")
	// ErrProtocol indicates a peer that violated the framing.
	ErrProtocol = errors.New("protocol violation")
)

type dialFunc func(ctx context.Context) (*net.UnixConn, error)

type outbound struct {
	payload []byte
	fds     []int
	obj     *wire.Object
}

// Connection is one end of a message channel. Inbound messages and
// lifecycle events are read with Next; Send queues outbound messages and
// never blocks on the peer.
type Connection struct {
	id       string
	serial   uint32
	endpoint string
	path     string
	dial     dialFunc // nil for connections accepted by a Listener
	opts     *options
	queue    *deliveryQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	state    State
	sock     *net.UnixConn
	token    IdentityToken
	cause    error
	outbox   []outbound
	released bool

	outReady   chan struct{}
	terminated chan struct{}
	closeOnce  sync.Once
	nextMu     sync.Mutex
}

// ConnectPrivileged connects to a system-domain endpoint. The connection
// is returned at once; the first delivered event tells whether it
// succeeded.
func ConnectPrivileged(name string, opts ...Option) *Connection {
	return connectNamed(name, DomainSystem, applyOptions(opts))
}

// ConnectUnprivileged connects to a session-domain endpoint.
func ConnectUnprivileged(name string, opts ...Option) *Connection {
	return connectNamed(name, DomainSession, applyOptions(opts))
}

// ConnectPath connects to the socket at path.
func ConnectPath(path string, opts ...Option) *Connection {
	return connect(path, path, applyOptions(opts))
}

func connectNamed(name string, d Domain, o *options) *Connection {
	path, err := o.registry.Path(name, d)
	if err != nil {
		c := newConnection(name, "", o)
		c.dial = func(context.Context) (*net.UnixConn, error) {
			return nil, retry.Permanent(err)
		}
		c.start(nil)
		return c
	}
	return connect(name, path, o)
}

func connect(endpoint, path string, o *options) *Connection {
	c := newConnection(endpoint, path, o)
	c.dial = func(ctx context.Context) (*net.UnixConn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", path)
		if err != nil {
			return nil, err
		}
		return conn.(*net.UnixConn), nil
	}
	c.start(nil)
	return c
}

func newConnection(endpoint, path string, o *options) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:         newConnectionID(),
		serial:     nextSerial(),
		endpoint:   endpoint,
		path:       path,
		opts:       o,
		ctx:        ctx,
		cancel:     cancel,
		state:      StateConnecting,
		outReady:   make(chan struct{}, 1),
		terminated: make(chan struct{}),
	}
	c.queue = newDeliveryQueue(o.queueCapacity, c.terminated, o.metrics)
	o.metrics.Opened()
	return c
}

// start launches the reader and writer. sock is nil when the reader has
// to dial first.
func (c *Connection) start(sock *net.UnixConn) {
	c.wg.Add(2)
	go c.readLoop(sock)
	go c.writeLoop()
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string { return c.id }

// Serial returns the process-local connection number.
func (c *Connection) Serial() uint32 { return c.serial }

// Endpoint returns the name or path the connection was created for.
func (c *Connection) Endpoint() string { return c.endpoint }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns why the connection was invalidated, or nil.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// Identity returns the peer's identity token. It is zero until the
// transport has been established.
func (c *Connection) Identity() IdentityToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Send encodes m and queues it for the peer. Descriptors in m are
// duplicated, so the caller keeps its own. Messages sent on an invalidated
// connection are discarded without error.
func (c *Connection) Send(m message.Message) error {
	if c.State() == StateTerminated {
		return ErrTerminated
	}
	obj, err := codec.Encode(m)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	payload, fds, err := wire.Marshal(obj)
	switch {
	case err != nil:
	case len(payload) > c.opts.maxFrameSize:
		err = fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	case len(fds) > MaxDescriptors:
		err = fmt.Errorf("%w: %d", ErrTooManyDescriptors, len(fds))
	}
	if err != nil {
		obj.Release()
		return err
	}

	c.mu.Lock()
	switch c.state {
	case StateTerminated:
		c.mu.Unlock()
		obj.Release()
		return ErrTerminated
	case StateInvalidated:
		c.mu.Unlock()
		obj.Release()
		c.logf("discarding message sent after invalidation")
		return nil
	}
	c.outbox = append(c.outbox, outbound{payload: payload, fds: fds, obj: obj})
	c.mu.Unlock()
	notify(c.outReady)
	return nil
}

// Next blocks until the next inbound message or lifecycle event. An
// interruption is delivered as message.Error. Next returns io.EOF after
// invalidation, once queued messages are drained, and right away after
// Close. Only one goroutine may call Next at a time.
func (c *Connection) Next(ctx context.Context) (message.Message, error) {
	if !c.nextMu.TryLock() {
		panic("ipc: concurrent calls to Connection.Next")
	}
	defer c.nextMu.Unlock()
	return c.queue.pop(ctx)
}

// Done is closed once Close has finished.
func (c *Connection) Done() <-chan struct{} { return c.terminated }

// Close terminates the connection. Queued outbound messages that were not
// yet written are discarded. Close is idempotent.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateTerminated
		sock := c.sock
		c.sock = nil
		pending := c.outbox
		c.outbox = nil
		c.mu.Unlock()

		c.cancel()
		if sock != nil {
			sock.Close()
		}
		c.wg.Wait()
		releaseOutbound(pending)
		c.opts.metrics.Event(metrics.EventTerminated)
		c.markReleased()
		close(c.terminated)
		c.queue.drain()
		c.logf("connection %s: terminated", c.id)
	})
	return nil
}

func (c *Connection) readLoop(sock *net.UnixConn) {
	defer c.wg.Done()
	if sock == nil {
		var err error
		sock, err = c.redial()
		if err != nil {
			c.invalidate(fmt.Errorf("connect %s: %w", c.endpoint, err))
			return
		}
	}
	if !c.attach(sock) {
		return
	}
	// transports dropped in a row without delivering a frame, which is how
	// a listener's identity filter looks from this side
	drops := 0
	for {
		payload, fds, err := readFrame(sock, c.opts.maxFrameSize)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.detach(sock)
			if c.dial == nil || isProtocolError(err) {
				c.invalidate(peerError(err))
				return
			}
			drops++
			if drops > max(c.opts.reconnect.MaxAttempts, 1) {
				c.invalidate(fmt.Errorf("peer dropped %d connections in a row: %w", drops, peerError(err)))
				return
			}
			c.interrupt(err)
			sock, err = c.redial()
			if err != nil {
				c.invalidate(fmt.Errorf("reconnect %s: %w", c.endpoint, err))
				return
			}
			if !c.attach(sock) {
				return
			}
			continue
		}

		drops = 0
		obj, err := wire.Unmarshal(payload, fds)
		if err != nil {
			c.detach(sock)
			c.invalidate(fmt.Errorf("%w: %v", ErrProtocol, err))
			return
		}
		m, degraded := codec.DecodeStats(obj)
		obj.Release()
		if degraded > 0 {
			c.logf("connection %s: %d unsupported nodes decoded as null", c.id, degraded)
		}
		c.opts.metrics.Received(degraded)
		if !c.queue.push(m, c.ctx.Done()) {
			ReleaseDescriptors(m)
			return
		}
	}
}

func (c *Connection) redial() (*net.UnixConn, error) {
	var sock *net.UnixConn
	err := retry.Do(c.ctx, c.opts.reconnect, func() error {
		s, err := c.dial(c.ctx)
		if err != nil {
			return err
		}
		sock = s
		return nil
	})
	return sock, err
}

// attach installs sock as the live transport. It reports false, closing
// sock, if the connection was closed meanwhile.
func (c *Connection) attach(sock *net.UnixConn) bool {
	token, err := peerIdentity(sock)
	if err != nil {
		c.logf("connection %s: peer identity unavailable: %v", c.id, err)
	}
	c.mu.Lock()
	if c.state == StateTerminated {
		c.mu.Unlock()
		sock.Close()
		return false
	}
	c.sock = sock
	c.token = token
	c.setStateLocked(StateActive)
	c.mu.Unlock()
	c.opts.metrics.Event(metrics.EventActive)
	notify(c.outReady)
	return true
}

func (c *Connection) detach(sock *net.UnixConn) {
	c.mu.Lock()
	if c.sock == sock {
		c.sock = nil
	}
	c.mu.Unlock()
	sock.Close()
}

func (c *Connection) interrupt(cause error) {
	c.mu.Lock()
	changed := c.setStateLocked(StateInterrupted)
	c.mu.Unlock()
	if !changed {
		return
	}
	c.logf("connection %s: interrupted: %v", c.id, cause)
	c.opts.metrics.Event(metrics.EventInterrupted)
	c.queue.push(message.Error{Kind: message.ErrorConnectionInterrupted}, c.ctx.Done())
}

// invalidate ends the inbound stream. Only the reader calls it.
func (c *Connection) invalidate(cause error) {
	c.mu.Lock()
	changed := c.setStateLocked(StateInvalidated)
	if changed {
		c.cause = cause
	}
	pending := c.outbox
	c.outbox = nil
	sock := c.sock
	c.sock = nil
	c.mu.Unlock()

	if sock != nil {
		sock.Close()
	}
	releaseOutbound(pending)
	if changed {
		c.logf("connection %s: invalidated: %v", c.id, cause)
		c.opts.metrics.Event(metrics.EventInvalidated)
		c.markReleased()
	}
	c.queue.finish()
}

func (c *Connection) setStateLocked(next State) bool {
	if !canTransition(c.state, next) {
		return false
	}
	c.state = next
	return true
}

func (c *Connection) markReleased() {
	c.mu.Lock()
	done := c.released
	c.released = true
	c.mu.Unlock()
	if !done {
		c.opts.metrics.Closed()
	}
}

func (c *Connection) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.queue.ended:
			return
		case <-c.outReady:
		}
		c.flush()
	}
}

// flush writes queued messages while a transport is attached. Messages
// queued during an interruption wait for the next attach.
func (c *Connection) flush() {
	for {
		c.mu.Lock()
		if c.sock == nil || len(c.outbox) == 0 {
			c.mu.Unlock()
			return
		}
		sock := c.sock
		out := c.outbox[0]
		c.outbox[0] = outbound{}
		c.outbox = c.outbox[1:]
		c.mu.Unlock()

		err := writeFrame(sock, out.payload, out.fds)
		out.obj.Release()
		c.opts.metrics.Sent(err)
		if err != nil {
			c.logf("connection %s: write failed: %v", c.id, err)
		}
	}
}

func (c *Connection) logf(format string, v ...any) {
	c.opts.logf(format, v...)
}

func isProtocolError(err error) bool {
	return errors.Is(err, ErrProtocol) ||
		errors.Is(err, ErrFrameTooLarge) ||
		errors.Is(err, ErrTooManyDescriptors)
}

func peerError(err error) error {
	if errors.Is(err, io.EOF) {
		return ErrPeerClosed
	}
	return err
}

func releaseOutbound(pending []outbound) {
	for _, out := range pending {
		out.obj.Release()
	}
}

// ReleaseDescriptors closes every descriptor carried by m. Receivers call it
// for messages whose descriptors they do not keep.
func ReleaseDescriptors(m message.Message) {
	switch v := m.(type) {
	case message.Fd:
		unix.Close(int(v))
	case message.Array:
		for _, item := range v {
			ReleaseDescriptors(item)
		}
	case message.Dictionary:
		for _, item := range v {
			ReleaseDescriptors(item)
		}
	}
}
