package memcache

import (
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dropbox/mcache/errors"
	"github.com/dropbox/mcache/hash2/hashring"
	"github.com/dropbox/mcache/net2"
	"github.com/dropbox/mcache/time2"
)

const (
	DefaultRestorationInterval = 60 * time.Second
	DefaultFailLimit           = 1
	DefaultMaxIdleConnections  = 1
)

// Wire protocol spoken to the servers.
type Protocol int

const (
	ProtocolText Protocol = iota
	ProtocolBinary
)

func (p Protocol) String() string {
	switch p {
	case ProtocolText:
		return "text"
	case ProtocolBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Parses "text" / "ascii" or "binary".  The empty string means text.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text", "ascii":
		return ProtocolText, nil
	case "binary":
		return ProtocolBinary, nil
	}
	return ProtocolText, errors.Newf("Unknown protocol: %q", s)
}

func (p Protocol) codec() Codec {
	if p == ProtocolBinary {
		return NewBinaryCodec()
	}
	return NewTextCodec()
}

// Client configuration.  Zero values are replaced by defaults; the options are
// copied at construction time and never change afterwards.
type Options struct {
	// Bound on establishing a connection.  Default 500ms.
	ConnectTimeout time.Duration

	// Bound on reading a complete response.  Default 1000ms.
	ReadTimeout time.Duration

	// Bound on writing a complete request.  Default 1000ms.
	WriteTimeout time.Duration

	// Minimum time a DOWN server stays excluded before a health check is attempted.
	// Default 60s.
	RestorationInterval time.Duration

	// Number of consecutive failures which take a server DOWN.  Default 1.
	FailLimit int

	// Maximum number of idle connections kept per server.  Default 1.
	MaxIdleConnections int

	// Ring points per server.  Default 200.
	VirtualNodes int

	Protocol Protocol

	// Time source used for failure / restoration bookkeeping.
	Clock time2.Clock

	// Defaults to slog.Default().
	Logger *slog.Logger

	// Optional custom dialer (mainly for tests).
	Dial func(network string, address string, timeout time.Duration) (
		net.Conn,
		error)

	// Where the client's collectors are registered.  When nil, a private
	// registry is used.
	Registerer prometheus.Registerer
}

func DefaultOptions() Options {
	return Options{
		ConnectTimeout:      net2.DefaultConnectTimeout,
		ReadTimeout:         net2.DefaultReadTimeout,
		WriteTimeout:        net2.DefaultWriteTimeout,
		RestorationInterval: DefaultRestorationInterval,
		FailLimit:           DefaultFailLimit,
		MaxIdleConnections:  DefaultMaxIdleConnections,
		VirtualNodes:        hashring.DefaultVirtualNodes,
		Protocol:            ProtocolText,
	}
}

// Rejects negative values.  Zero values are legal and mean "default".
func (o Options) Validate() error {
	if o.ConnectTimeout < 0 {
		return errors.Newf("Invalid connect timeout: %v", o.ConnectTimeout)
	}
	if o.ReadTimeout < 0 {
		return errors.Newf("Invalid read timeout: %v", o.ReadTimeout)
	}
	if o.WriteTimeout < 0 {
		return errors.Newf("Invalid write timeout: %v", o.WriteTimeout)
	}
	if o.RestorationInterval < 0 {
		return errors.Newf(
			"Invalid restoration interval: %v",
			o.RestorationInterval)
	}
	if o.FailLimit < 0 {
		return errors.Newf("Invalid fail limit: %d", o.FailLimit)
	}
	if o.MaxIdleConnections < 0 {
		return errors.Newf(
			"Invalid max idle connections: %d",
			o.MaxIdleConnections)
	}
	if o.VirtualNodes < 0 {
		return errors.Newf("Invalid virtual nodes: %d", o.VirtualNodes)
	}
	if o.Protocol != ProtocolText && o.Protocol != ProtocolBinary {
		return errors.Newf("Invalid protocol: %d", int(o.Protocol))
	}
	return nil
}

func (o Options) withDefaults() Options {
	defaults := DefaultOptions()
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = defaults.ConnectTimeout
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = defaults.ReadTimeout
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = defaults.WriteTimeout
	}
	if o.RestorationInterval == 0 {
		o.RestorationInterval = defaults.RestorationInterval
	}
	if o.FailLimit == 0 {
		o.FailLimit = defaults.FailLimit
	}
	if o.MaxIdleConnections == 0 {
		o.MaxIdleConnections = defaults.MaxIdleConnections
	}
	if o.VirtualNodes == 0 {
		o.VirtualNodes = defaults.VirtualNodes
	}
	if o.Clock == nil {
		o.Clock = time2.DefaultClock
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func (o Options) connectionOptions() net2.ConnectionOptions {
	return net2.ConnectionOptions{
		ConnectTimeout: o.ConnectTimeout,
		ReadTimeout:    o.ReadTimeout,
		WriteTimeout:   o.WriteTimeout,
		Dial:           o.Dial,
	}
}
