package memcache

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dropbox/mcache/errors"
	"github.com/dropbox/mcache/hash2/hashring"
	"github.com/dropbox/mcache/net2"
)

// The set of configured servers plus the routing ring over the servers which
// are currently UP.
//
// DOWN servers are restored lazily: every client call invokes maybeRestore,
// which checks (in the background) the DOWN servers whose restoration interval
// has elapsed.  Callers never wait for a health check.
type Pool struct {
	options Options
	codec   Codec
	metrics *clientMetrics

	servers   []*Server
	byAddress map[string]*Server

	// Immutable snapshot; replaced as a whole on every membership change.
	ring      atomic.Pointer[hashring.Ring]
	ringMutex sync.Mutex

	closeMutex sync.RWMutex
	closed     bool
	checkWg    sync.WaitGroup
}

// Checks that address is of the form host:port.
func ValidateServerAddress(address string) error {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return errors.Wrapf(err, "Invalid server address %q", address)
	}
	if host == "" || port == "" {
		return errors.Newf("Invalid server address %q", address)
	}
	return nil
}

// This creates a pool over addresses.  Every server starts UP.  Duplicated
// addresses are ignored.
func NewPool(addresses []string, options Options) (*Pool, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}
	options = options.withDefaults()

	if len(addresses) == 0 {
		return nil, errors.New("No memcache server addresses")
	}

	metrics, err := newClientMetrics(options.Registerer)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		options:   options,
		codec:     options.Protocol.codec(),
		metrics:   metrics,
		byAddress: make(map[string]*Server),
	}

	connOptions := options.connectionOptions()
	for _, address := range addresses {
		if err := ValidateServerAddress(address); err != nil {
			return nil, err
		}
		if _, ok := p.byAddress[address]; ok {
			continue
		}

		server := newServer(address, connOptions, options.MaxIdleConnections)
		p.servers = append(p.servers, server)
		p.byAddress[address] = server
		metrics.setServerUp(address, true)
	}

	p.rebuildRing()
	return p, nil
}

// Returns the server owning key.  Fails with an *UnavailableError wrapping
// ErrNoServers when every server is DOWN.
func (p *Pool) Route(key string) (*Server, error) {
	if p.isClosed() {
		return nil, ErrClientClosed
	}

	address, ok := p.ring.Load().GetNode(key)
	if !ok {
		return nil, errNoServers()
	}
	return p.byAddress[address], nil
}

// Returns the servers which are currently part of the ring.
func (p *Pool) upServers() []*Server {
	nodes := p.ring.Load().Nodes()
	servers := make([]*Server, 0, len(nodes))
	for _, address := range nodes {
		servers = append(servers, p.byAddress[address])
	}
	return servers
}

// Records a failed exchange with server.  Once the server reaches the fail
// limit it goes DOWN, its connections are dropped and it is removed from the
// ring.
func (p *Pool) MarkDown(server *Server, now time.Time, cause error) {
	p.markDown(server, server.currentGeneration(), now, cause)
}

// Same as MarkDown, for a failure observed on a connection of the given
// generation.
func (p *Pool) markDown(
	server *Server,
	generation uint64,
	now time.Time,
	cause error) {

	if !server.markDown(now, p.options.FailLimit, generation) {
		return
	}

	p.options.Logger.Warn(
		"memcache server marked down",
		"server", server.address,
		"error", errors.GetMessage(cause),
		"restoration_interval", p.options.RestorationInterval)
	p.metrics.markedDown(server.address)
	p.rebuildRing()
}

// Checks, synchronously, every DOWN server whose restoration interval has
// elapsed at now.  Returns the number of restored servers.
func (p *Pool) RestorationTick(now time.Time) int {
	p.closeMutex.RLock()
	if p.closed {
		p.closeMutex.RUnlock()
		return 0
	}

	var restored int32
	wg := sync.WaitGroup{}
	for _, server := range p.servers {
		if !server.beginHealthCheck(now, p.options.RestorationInterval) {
			continue
		}

		wg.Add(1)
		p.checkWg.Add(1)
		go func(server *Server) {
			defer p.checkWg.Done()
			defer wg.Done()

			if p.checkHealth(server) {
				atomic.AddInt32(&restored, 1)
			}
		}(server)
	}
	p.closeMutex.RUnlock()

	wg.Wait()
	return int(restored)
}

// Same as RestorationTick, but does not wait for the health checks.
func (p *Pool) maybeRestore(now time.Time) {
	p.closeMutex.RLock()
	defer p.closeMutex.RUnlock()

	if p.closed {
		return
	}

	for _, server := range p.servers {
		if !server.beginHealthCheck(now, p.options.RestorationInterval) {
			continue
		}

		p.checkWg.Add(1)
		go func(server *Server) {
			defer p.checkWg.Done()
			p.checkHealth(server)
		}(server)
	}
}

// A health check is a fresh connection plus a version request, bounded by the
// regular connect / write / read timeouts.
func (p *Pool) checkHealth(server *Server) bool {
	p.options.Logger.Info(
		"checking memcache server",
		"server", server.address)

	conn, err := net2.Dial(server.address, p.options.connectionOptions())
	if err == nil {
		req := &Request{op: opVersion}

		var buf []byte
		buf, err = p.codec.Encode(buf, req)
		if err == nil {
			err = conn.Exchange(buf, func(reader *bufio.Reader) error {
				outcome, err := p.codec.Decode(reader, req)
				if err != nil {
					return err
				}
				if outcome.Status != StatusNoError {
					return errors.Newf(
						"Version health check failed with status %s",
						outcome.Status)
				}
				if n := reader.Buffered(); n > 0 {
					return newProtocolError(
						"%d unexpected bytes after version response",
						n)
				}
				return nil
			})
		}
	}

	ok := err == nil
	restored := server.finishHealthCheck(p.options.Clock.Now(), conn, ok)
	p.metrics.restoration(server.address, restored)

	if !restored {
		if err != nil {
			p.options.Logger.Debug(
				"memcache server health check failed",
				"server", server.address,
				"error", errors.GetMessage(err))
		}
		return false
	}

	p.options.Logger.Info(
		"memcache server restored",
		"server", server.address)
	p.rebuildRing()
	return true
}

// Rebuilds the ring from the current server states.  Rebuilds are
// serialized so that the last published ring always reflects the latest
// states.
func (p *Pool) rebuildRing() {
	p.ringMutex.Lock()
	defer p.ringMutex.Unlock()

	up := make([]string, 0, len(p.servers))
	for _, server := range p.servers {
		if server.State() == ServerUp {
			up = append(up, server.address)
		}
	}
	p.ring.Store(hashring.New(up, p.options.VirtualNodes))
}

// Returns the configured servers, in configuration order.
func (p *Pool) Servers() []*Server {
	servers := make([]*Server, len(p.servers))
	copy(servers, p.servers)
	return servers
}

// Returns a snapshot of every server's state, in configuration order.
func (p *Pool) States() []ServerStatus {
	states := make([]ServerStatus, 0, len(p.servers))
	for _, server := range p.servers {
		states = append(states, server.status())
	}
	return states
}

func (p *Pool) isClosed() bool {
	p.closeMutex.RLock()
	defer p.closeMutex.RUnlock()

	return p.closed
}

// Closes every connection.  In flight health checks are waited for.
func (p *Pool) Close() error {
	p.closeMutex.Lock()
	if p.closed {
		p.closeMutex.Unlock()
		return nil
	}
	p.closed = true
	p.closeMutex.Unlock()

	p.checkWg.Wait()
	for _, server := range p.servers {
		server.close()
	}
	return nil
}
