// ABOUTME: Conn is the channel connection state machine used by all three channel kinds.
// ABOUTME: Owns one websocket, a read pump, and idempotent teardown without auto-retry.

package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
)

// State is the lifecycle position of a Conn. Closed is reachable from any
// state on error.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrNotOpen is returned by Send when the connection is not open.
var ErrNotOpen = errors.New("connection not open")

// ErrSlowConsumer is the terminal error of a connection closed because its
// inbound buffer filled. The stream is no longer complete at that point;
// the caller reconnects rather than continue on a gapped stream.
var ErrSlowConsumer = errors.New("inbound frame buffer full")

// Transport is one established websocket. Read blocks until a frame
// arrives or the transport fails.
type Transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

// Dialer establishes transports. The production implementation wraps
// gorilla/websocket; tests substitute fakes.
type Dialer interface {
	DialContext(ctx context.Context, url string, header http.Header) (Transport, error)
}

// Conn is a single-target channel connection. Inbound frames are delivered
// on Frames; the channel closes when the connection terminates for any
// reason. Transport errors move the state to closed without retry —
// reconnection is the caller's decision, so rapid conversation switching
// cannot fan out into a reconnect storm.
type Conn struct {
	target string
	dialer Dialer
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	transport Transport
	err       error

	frames chan []byte
	done   chan struct{}
}

// New creates an idle connection for the given target URL.
func New(target string, dialer Dialer, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		target: target,
		dialer: dialer,
		logger: logger.With("component", "channel", "target", target),
		state:  StateIdle,
		frames: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
}

// Open dials the target and starts the read pump. It may be called only on
// an idle connection; a Conn is single-use by design — a fresh target gets
// a fresh Conn.
func (c *Conn) Open(ctx context.Context, header http.Header) error {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("open in state %s", state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	transport, err := c.dialer.DialContext(ctx, c.target, header)
	if err != nil {
		c.fail(fmt.Errorf("dialing %s: %w", c.target, err))
		return fmt.Errorf("dialing %s: %w", c.target, err)
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		// Closed while the dial was in flight.
		c.mu.Unlock()
		transport.Close()
		return ErrNotOpen
	}
	c.transport = transport
	c.state = StateOpen
	c.mu.Unlock()

	c.logger.Debug("channel open")
	go c.readPump()
	return nil
}

// Send writes one frame. The connection must be open.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	if c.state != StateOpen {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrNotOpen, state)
	}
	transport := c.transport
	c.mu.Unlock()

	if err := transport.WriteFrame(data); err != nil {
		c.fail(fmt.Errorf("writing frame: %w", err))
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Frames returns the inbound frame stream. The channel is closed when the
// connection reaches the closed state.
func (c *Conn) Frames() <-chan []byte {
	return c.frames
}

// Done is closed when the connection has fully terminated.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the terminal error, if the connection closed due to one.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tears the connection down. It is idempotent and safe to call from
// any state.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	wasOpen := c.state == StateOpen
	c.state = StateClosing
	transport := c.transport
	c.mu.Unlock()

	if transport != nil {
		// Unblocks the read pump, which finishes the transition.
		transport.Close()
	}
	if !wasOpen {
		// No read pump running; finish the transition here.
		c.finish(nil)
	}
}

// fail records err and moves the connection to closed.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()
	if transport != nil {
		transport.Close()
	}
	c.finish(err)
}

// finish completes the transition to closed exactly once.
func (c *Conn) finish(err error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	if err != nil && c.err == nil && c.state != StateClosing {
		c.err = err
	}
	c.state = StateClosed
	c.mu.Unlock()

	close(c.frames)
	close(c.done)
	if err != nil {
		c.logger.Debug("channel closed", "error", err)
	} else {
		c.logger.Debug("channel closed")
	}
}

// readPump delivers inbound frames until the transport fails or closes.
func (c *Conn) readPump() {
	for {
		data, err := c.transport.ReadFrame()
		if err != nil {
			c.finish(fmt.Errorf("reading frame: %w", err))
			return
		}
		select {
		case c.frames <- data:
		default:
			// Dropping here would silently lose an event until the next
			// manual refresh. Terminate instead so the consumer learns the
			// stream is incomplete and can reconnect.
			c.logger.Warn("closing channel, consumer stalled")
			c.fail(ErrSlowConsumer)
			return
		}
	}
}
