package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Link is one bidirectional message stream to a remote endpoint. Each Send
// and each value returned by Receive is exactly one encoded protocol message.
type Link interface {
	Send(payload []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
	Done() <-chan struct{}
	RemoteAddr() string
}

// LinkOptions controls runtime behavior of a FrameLink.
type LinkOptions struct {
	FrameReadTimeout time.Duration
	InboundBuffer    int
}

func (o LinkOptions) withDefaults() LinkOptions {
	if o.FrameReadTimeout <= 0 {
		o.FrameReadTimeout = DefaultFrameReadTimeout
	}
	if o.InboundBuffer <= 0 {
		o.InboundBuffer = 64
	}
	return o
}

// linkCore holds the inbound queue and close bookkeeping shared by transports.
type linkCore struct {
	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error

	lastActivity atomic.Int64
}

func (c *linkCore) init(buffer int) {
	c.inbound = make(chan []byte, buffer)
	c.closed = make(chan struct{})
	c.touchActivity()
}

// Done is closed when the link is fully disconnected.
func (c *linkCore) Done() <-chan struct{} {
	return c.closed
}

// LastError returns the terminal link error, if any.
func (c *linkCore) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// IdleFor reports how long ago the last frame was sent or received.
func (c *linkCore) IdleFor() time.Duration {
	return time.Since(time.Unix(0, c.lastActivity.Load()))
}

// Receive waits for the next inbound message.
func (c *linkCore) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-c.inbound:
		return payload, nil
	case <-c.closed:
		// Drain what was read before the close.
		select {
		case payload := <-c.inbound:
			return payload, nil
		default:
		}
		if err := c.LastError(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *linkCore) sendable() error {
	select {
	case <-c.closed:
		if err := c.LastError(); err != nil {
			return err
		}
		return ErrLinkClosed
	default:
		return nil
	}
}

func (c *linkCore) deliver(payload []byte) bool {
	select {
	case c.inbound <- payload:
		return true
	case <-c.closed:
		return false
	}
}

func (c *linkCore) touchActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *linkCore) closeWithError(err error, closeTransport func() error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		_ = closeTransport()
		close(c.closed)
	})
}

// FrameLink is a Link over a stream connection using length-prefixed frames.
type FrameLink struct {
	linkCore

	conn   net.Conn
	sendMu sync.Mutex

	frameReadTimeout time.Duration
}

// NewFrameLink wraps an established stream connection and starts reading.
func NewFrameLink(conn net.Conn, options LinkOptions) *FrameLink {
	opts := options.withDefaults()
	fl := &FrameLink{
		conn:             conn,
		frameReadTimeout: opts.FrameReadTimeout,
	}
	fl.init(opts.InboundBuffer)
	go fl.readLoop()
	return fl
}

// RemoteAddr returns the peer address of the underlying connection.
func (fl *FrameLink) RemoteAddr() string {
	if addr := fl.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Send writes one payload as a frame.
func (fl *FrameLink) Send(payload []byte) error {
	if err := fl.sendable(); err != nil {
		return err
	}

	fl.sendMu.Lock()
	defer fl.sendMu.Unlock()
	if err := WriteFrame(fl.conn, payload); err != nil {
		if errors.Is(err, ErrFrameTooLarge) {
			return err
		}
		fl.closeWithError(fmt.Errorf("write frame: %w", err), fl.conn.Close)
		return err
	}

	fl.touchActivity()
	return nil
}

// Close terminates the link.
func (fl *FrameLink) Close() error {
	fl.closeWithError(nil, fl.conn.Close)
	return nil
}

func (fl *FrameLink) readLoop() {
	for {
		select {
		case <-fl.closed:
			return
		default:
		}

		payload, err := ReadFrameWithTimeout(fl.conn, fl.frameReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				fl.closeWithError(nil, fl.conn.Close)
				return
			}

			fl.closeWithError(fmt.Errorf("read frame: %w", err), fl.conn.Close)
			return
		}

		fl.touchActivity()
		if len(payload) == 0 {
			continue
		}
		if !fl.deliver(payload) {
			return
		}
	}
}
