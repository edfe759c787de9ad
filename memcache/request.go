package memcache

import (
	"bufio"
	"fmt"

	"github.com/dropbox/mcache/errors"
)

var (
	// The key is empty, too long, or contains whitespace / control
	// characters.  Detected locally; the request never reaches the network.
	ErrInvalidKey = errors.New("Invalid key")

	// The value exceeds maxValueLength.  Detected locally.
	ErrValueTooLarge = errors.New("Value too large")

	// Every configured server is DOWN.
	ErrNoServers = errors.New("No memcache servers available")

	// The server owning the key could not serve the request (connect, io or
	// protocol failure).  The concrete failure is available via errors.As
	// (e.g., *net2.ConnectError, *net2.IOError, *ProtocolError).
	ErrUnavailable = errors.New("Memcache server unavailable")

	// The client (and its pool) has been closed.
	ErrClientClosed = errors.New("Memcache client is closed")
)

// A single in-flight command.
type Request struct {
	op opCode

	Key   string
	Value []byte

	// Storage commands (and seeded incr/decr) only.
	Flags      uint32
	Expiration uint32

	// aka CAS.  Storage commands only; a non-zero value turns a set into a
	// compare-and-swap.
	DataVersionId uint64

	// incr/decr only.  A missing counter fails with StatusKeyNotFound unless
	// Seed is set, in which case it is created with Initial (and Expiration).
	Delta   uint64
	Initial uint64
	Seed    bool
}

// The decoded result of a well-formed server response.  Server side error
// replies (e.g., SERVER_ERROR) are well-formed and therefore outcomes, not
// errors.
type Outcome struct {
	Status ResponseStatus

	// Retrieval only.
	Value         []byte
	Flags         uint32
	DataVersionId uint64

	// incr/decr only.
	Count uint64

	// version only.
	Version string

	// Error text sent by the server, if any.
	Message string
}

// Wire codecs translate requests into protocol bytes and protocol bytes into
// outcomes.  Codecs are stateless and safe for concurrent use.
type Codec interface {
	// Appends the wire form of req to buf.  Fails with ErrInvalidKey /
	// ErrValueTooLarge without producing any bytes.
	Encode(buf []byte, req *Request) ([]byte, error)

	// Reads exactly one response to req.  Malformed responses are reported as
	// *ProtocolError; io errors from reader are passed through.
	Decode(reader *bufio.Reader, req *Request) (*Outcome, error)
}

// The server sent something which does not follow the protocol.  The
// connection it was read from can no longer be trusted.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string {
	return "Protocol error: " + e.Msg
}

func newProtocolError(format string, args ...interface{}) error {
	return errors.Wrap(
		&ProtocolError{Msg: fmt.Sprintf(format, args...)},
		"Malformed response")
}

// Folds a transport / protocol failure into the externally visible
// ErrUnavailable.
type UnavailableError struct {
	Address string
	Err     error
}

func (e *UnavailableError) Error() string {
	if e.Address == "" {
		return "Memcache server unavailable: " + errors.GetMessage(e.Err)
	}
	return "Memcache server unavailable (" + e.Address + "): " +
		errors.GetMessage(e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// Add only stores missing keys, so it has no version to compare against.
func validateAddItem(item *Item) error {
	if item != nil && item.DataVersionId != 0 {
		return errors.New("Add does not support data version id")
	}
	return nil
}

// An empty UP set is reported like any other unavailable server.
func errNoServers() error {
	return &UnavailableError{Err: ErrNoServers}
}

func isValidKeyChar(char byte) bool {
	return (0x21 <= char && char <= 0x7e) || (0x80 <= char && char <= 0xff)
}

// This checks the key against the protocol's key restrictions.
func ValidateKey(key string) error {
	if len(key) == 0 {
		return errors.Wrap(ErrInvalidKey, "Empty key")
	}
	if len(key) > maxKeyLength {
		return errors.Wrapf(
			ErrInvalidKey,
			"Key length %d longer than max length %d",
			len(key),
			maxKeyLength)
	}

	for i := 0; i < len(key); i++ {
		if !isValidKeyChar(key[i]) {
			return errors.Wrapf(
				ErrInvalidKey,
				"Forbidden character 0x%02x at offset %d",
				key[i],
				i)
		}
	}

	return nil
}

func validateValue(value []byte) error {
	if len(value) > maxValueLength {
		return errors.Wrapf(
			ErrValueTooLarge,
			"Value length %d longer than max length %d",
			len(value),
			maxValueLength)
	}

	return nil
}

func validateRequest(req *Request) error {
	if req.op.hasKey() {
		if err := ValidateKey(req.Key); err != nil {
			return err
		}
	}
	if req.op.isStorage() {
		return validateValue(req.Value)
	}
	return nil
}
