package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bc-dunia/h2drill/internal/loop"
)

var (
	// ErrWouldBlock is returned by Write while a previous write is in flight.
	ErrWouldBlock = errorString("write would block")
	// ErrClosed is returned by Write after Close.
	ErrClosed = errorString("connection closed")
	// ErrNotConnected is returned by Write before the connection is up.
	ErrNotConnected = errorString("not connected")
	// ErrConnect wraps socket-level connect failures.
	ErrConnect = errorString("connect failed")
	// ErrTLSHandshake wraps TLS handshake failures.
	ErrTLSHandshake = errorString("tls handshake failed")
)

// DefaultConnectTimeout bounds one connect attempt to one candidate address.
const DefaultConnectTimeout = 2 * time.Second

const readBufferSize = 16 * 1024

// Handler receives connection events. Every method is invoked on the loop the
// connection was dialed with, and none is invoked after Close.
type Handler interface {
	// OnConnect reports an established connection. proto is the ALPN protocol
	// negotiated during the TLS handshake, empty for cleartext connections.
	OnConnect(proto string)
	// OnConnectError reports a failed connect or TLS handshake.
	OnConnectError(err error)
	// OnRead delivers received bytes in arrival order.
	OnRead(p []byte)
	// OnReadError reports the end of the read side; io.EOF on orderly close.
	OnReadError(err error)
	// OnWriteDone reports completion of the write started by Conn.Write.
	OnWriteDone(n int, err error)
}

// HandshakeObserver is implemented by handlers that want to know when the
// socket is up and the TLS handshake starts.
type HandshakeObserver interface {
	OnHandshake()
}

// Conn is one connection produced by a Backend. Methods must be called on
// the owning loop.
type Conn interface {
	// Write starts sending p. It returns ErrWouldBlock if a previous write
	// has not completed yet; the caller retries after OnWriteDone.
	Write(p []byte) error
	// Writing reports whether a write is in flight.
	Writing() bool
	// Close tears the connection down. It is idempotent.
	Close() error
}

// DialOptions configure one connection attempt.
type DialOptions struct {
	// Timeout bounds the socket connect; zero uses DefaultConnectTimeout.
	Timeout time.Duration
	// TLS enables a TLS handshake with this configuration when non-nil.
	TLS *tls.Config
}

// Backend opens connections that report back through a loop.
type Backend interface {
	Dial(ex loop.Executor, addr Addr, opts DialOptions, h Handler) Conn
}

// NetBackend dials real sockets. Blocking socket calls run on helper
// goroutines that post their results to the loop.
type NetBackend struct{}

func (NetBackend) Dial(ex loop.Executor, addr Addr, opts DialOptions, h Handler) Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &netConn{
		ex:     ex,
		h:      h,
		cancel: cancel,
		done:   make(chan struct{}),
		ack:    make(chan struct{}, 1),
	}
	go c.dial(ctx, addr, opts)
	return c
}

type netConn struct {
	ex     loop.Executor
	h      Handler
	cancel context.CancelFunc

	// loop-owned
	conn   net.Conn
	q      WriteQueue
	closed bool

	done      chan struct{}
	ack       chan struct{}
	closeOnce sync.Once
}

func (c *netConn) dial(ctx context.Context, addr Addr, opts DialOptions) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	d := net.Dialer{Timeout: timeout}
	raw, err := d.DialContext(ctx, addr.Network, addr.Address)
	if err != nil {
		c.ex.Post(func() {
			if !c.closed {
				c.h.OnConnectError(fmt.Errorf("%w: %s: %v", ErrConnect, addr, err))
			}
		})
		return
	}

	var (
		conn  net.Conn = raw
		proto string
	)
	if opts.TLS != nil {
		if ho, ok := c.h.(HandshakeObserver); ok {
			c.ex.Post(func() {
				if !c.closed {
					ho.OnHandshake()
				}
			})
		}
		tc := tls.Client(raw, opts.TLS)
		hctx, hcancel := context.WithTimeout(ctx, timeout)
		err := tc.HandshakeContext(hctx)
		hcancel()
		if err != nil {
			raw.Close()
			c.ex.Post(func() {
				if !c.closed {
					c.h.OnConnectError(fmt.Errorf("%w: %v", ErrTLSHandshake, err))
				}
			})
			return
		}
		proto = tc.ConnectionState().NegotiatedProtocol
		conn = tc
	}

	c.ex.Post(func() {
		if c.closed {
			conn.Close()
			return
		}
		c.conn = conn
		c.h.OnConnect(proto)
		if !c.closed {
			go c.readLoop(conn)
		}
	})
}

// readLoop hands each chunk to the loop and waits for it to be consumed
// before reading more, so a slow loop pushes back on the socket.
func (c *netConn) readLoop(conn net.Conn) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			p := make([]byte, n)
			copy(p, buf[:n])
			c.ex.Post(func() {
				if !c.closed {
					c.h.OnRead(p)
				}
				select {
				case c.ack <- struct{}{}:
				default:
				}
			})
			select {
			case <-c.ack:
			case <-c.done:
				return
			}
		}
		if err != nil {
			c.ex.Post(func() {
				if !c.closed {
					c.h.OnReadError(err)
				}
			})
			return
		}
	}
}

func (c *netConn) Write(p []byte) error {
	if c.closed {
		return ErrClosed
	}
	if c.conn == nil {
		return ErrNotConnected
	}
	buf, err := c.q.Send(p)
	if err != nil {
		return err
	}
	conn := c.conn
	go func() {
		n, err := conn.Write(buf)
		c.ex.Post(func() {
			c.q.Complete()
			if !c.closed {
				c.h.OnWriteDone(n, err)
			}
		})
	}()
	return nil
}

func (c *netConn) Writing() bool { return c.q.InFlight() }

func (c *netConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed = true
		c.cancel()
		close(c.done)
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// WriteQueue serializes writes on one connection: at most one buffer is in
// flight, and a second Send is refused rather than queued.
type WriteQueue struct {
	pending  []byte
	inFlight bool
}

// Send takes a private copy of p and marks it in flight. It returns
// ErrWouldBlock, leaving the pending buffer untouched, if a write is already
// in flight.
func (q *WriteQueue) Send(p []byte) ([]byte, error) {
	if q.inFlight {
		return nil, ErrWouldBlock
	}
	q.pending = append(q.pending[:0], p...)
	q.inFlight = true
	return q.pending, nil
}

// Pending returns the in-flight buffer.
func (q *WriteQueue) Pending() []byte {
	if !q.inFlight {
		return nil
	}
	return q.pending
}

// InFlight reports whether a write has not completed yet.
func (q *WriteQueue) InFlight() bool { return q.inFlight }

// Complete marks the in-flight write as finished.
func (q *WriteQueue) Complete() {
	q.inFlight = false
}
