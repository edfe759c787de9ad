package net2

import (
	"bufio"
	"net"
	"time"

	"github.com/dropbox/mcache/errors"
)

const (
	DefaultConnectTimeout = 500 * time.Millisecond
	DefaultReadTimeout    = 1000 * time.Millisecond
	DefaultWriteTimeout   = 1000 * time.Millisecond

	readBufferSize = 16 * 1024
)

type ConnectionOptions struct {
	// The maximum amount of time Dial may take to establish the transport.
	ConnectTimeout time.Duration

	// This specifies the timeout for reading a complete response.
	ReadTimeout time.Duration

	// This specifies the timeout for writing a complete request.
	WriteTimeout time.Duration

	// Dial specifies the dial function for creating network connections.
	// If Dial is nil, net.DialTimeout is used with ConnectTimeout.
	Dial func(network string, address string, timeout time.Duration) (
		net.Conn,
		error)

	// This specifies the now time function.  When the function is non-nil, the
	// connection will use the specified function instead of time.Now to
	// compute deadlines.
	NowFunc func() time.Time
}

func (o ConnectionOptions) getCurrentTime() time.Time {
	if o.NowFunc == nil {
		return time.Now()
	}
	return o.NowFunc()
}

func (o ConnectionOptions) connectTimeout() time.Duration {
	if o.ConnectTimeout <= 0 {
		return DefaultConnectTimeout
	}
	return o.ConnectTimeout
}

// A single connection to one server.  A Conn is not safe for concurrent use;
// the owner must make sure at most one exchange is in flight at any time so
// that bytes of different requests never interleave on the socket.
//
// Any error encountered during an exchange invalidates the connection and
// closes the underlying socket.
type Conn struct {
	address string
	options ConnectionOptions

	conn       net.Conn
	reader     *bufio.Reader
	validState bool
	closed     bool
}

// This establishes a tcp connection to address.  Failures are reported as
// *ConnectError.
func Dial(address string, options ConnectionOptions) (*Conn, error) {
	timeout := options.connectTimeout()

	var conn net.Conn
	var err error
	if options.Dial != nil {
		conn, err = options.Dial("tcp", address, timeout)
	} else {
		conn, err = net.DialTimeout("tcp", address, timeout)
	}
	if err != nil {
		return nil, newConnectError(address, err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		// Best effort; the per call deadlines still apply.
		_ = tuneSocket(tcpConn, options.WriteTimeout)
	}

	return NewConn(address, conn, options), nil
}

// This wraps an established net.Conn.
func NewConn(address string, conn net.Conn, options ConnectionOptions) *Conn {
	return &Conn{
		address:    address,
		options:    options,
		conn:       conn,
		reader:     bufio.NewReaderSize(conn, readBufferSize),
		validState: true,
	}
}

// Returns the address the connection was established to.
func (c *Conn) Address() string {
	return c.address
}

// Returns false once the connection encountered an error or was closed.
func (c *Conn) IsValid() bool {
	return c.validState && !c.closed
}

// This writes the full request and then hands the read side to decode, which
// must consume exactly one complete response.  The write is bounded by
// WriteTimeout and the whole decode is bounded by ReadTimeout.
//
// Io failures are returned as *IOError (matching ErrWriteTimeout,
// ErrReadTimeout or ErrConnectionClosed).  Non-io errors returned by decode
// are passed through as is.  In both cases the connection is closed.
func (c *Conn) Exchange(
	request []byte,
	decode func(reader *bufio.Reader) error) (err error) {

	if !c.IsValid() {
		return &IOError{
			Address: c.address,
			Kind:    ErrConnectionClosed,
			Err:     errors.New("Skipping due to previous error"),
		}
	}
	defer func() {
		if err != nil {
			c.invalidate()
		}
	}()

	if c.options.WriteTimeout > 0 {
		deadline := c.options.getCurrentTime().Add(c.options.WriteTimeout)
		_ = c.conn.SetWriteDeadline(deadline)
	}
	for written := 0; written < len(request); {
		n, writeErr := c.conn.Write(request[written:])
		if writeErr != nil {
			return newWriteError(c.address, writeErr)
		}
		written += n
	}

	if c.options.ReadTimeout > 0 {
		deadline := c.options.getCurrentTime().Add(c.options.ReadTimeout)
		_ = c.conn.SetReadDeadline(deadline)
	}
	if decodeErr := decode(c.reader); decodeErr != nil {
		return classifyReadError(c.address, decodeErr)
	}

	return nil
}

func (c *Conn) invalidate() {
	c.validState = false
	_ = c.Close()
}

// This releases the socket.  Calling Close on a closed connection is a no-op.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.validState = false
	return c.conn.Close()
}
