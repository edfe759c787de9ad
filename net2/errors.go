package net2

import (
	"io"
	"net"
	"syscall"

	"github.com/dropbox/mcache/errors"
)

var (
	// The request could not be fully written within the write timeout.
	ErrWriteTimeout = errors.New("Write timeout")

	// The response could not be fully read within the read timeout.
	ErrReadTimeout = errors.New("Read timeout")

	// The peer closed the connection (or the connection was reset) before
	// the exchange completed.
	ErrConnectionClosed = errors.New("Connection closed")
)

type ConnectErrorKind int

const (
	ConnectTimeout ConnectErrorKind = iota
	ConnectRefused
	ConnectUnreachable
)

func (k ConnectErrorKind) String() string {
	switch k {
	case ConnectTimeout:
		return "timeout"
	case ConnectRefused:
		return "refused"
	default:
		return "unreachable"
	}
}

// Returned by Dial when the transport could not be established within the
// connect timeout.
type ConnectError struct {
	Address string
	Kind    ConnectErrorKind
	Err     error
}

func (e *ConnectError) Error() string {
	return "Failed to connect to " + e.Address + " (" + e.Kind.String() +
		"): " + errors.GetMessage(e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// An io failure which occurred mid exchange.  Kind is one of
// ErrWriteTimeout, ErrReadTimeout or ErrConnectionClosed.
type IOError struct {
	Address string
	Kind    error
	Err     error
}

func (e *IOError) Error() string {
	return e.Kind.(errors.StackError).GetMessage() + " (" + e.Address + "): " +
		errors.GetMessage(e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func (e *IOError) Is(target error) bool {
	return target == e.Kind
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED)
}

func newConnectError(address string, err error) *ConnectError {
	kind := ConnectUnreachable
	if isTimeout(err) {
		kind = ConnectTimeout
	} else if errors.Is(err, syscall.ECONNREFUSED) {
		kind = ConnectRefused
	}
	return &ConnectError{
		Address: address,
		Kind:    kind,
		Err:     err,
	}
}

// Classifies errors returned while writing a request.  Anything that is not
// a timeout leaves the socket in an unknown state, which is treated as a
// closed connection.
func newWriteError(address string, err error) *IOError {
	kind := ErrConnectionClosed
	if isTimeout(err) {
		kind = ErrWriteTimeout
	}
	return &IOError{Address: address, Kind: kind, Err: err}
}

// Classifies errors returned while reading a response.  Errors which are not
// io errors (e.g., a decoder rejecting malformed data) are returned as is.
func classifyReadError(address string, err error) error {
	if isTimeout(err) {
		return &IOError{Address: address, Kind: ErrReadTimeout, Err: err}
	}
	if isClosed(err) {
		return &IOError{Address: address, Kind: ErrConnectionClosed, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &IOError{Address: address, Kind: ErrConnectionClosed, Err: err}
	}
	return err
}
