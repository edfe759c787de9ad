package memcache

import (
	"bufio"
	"sync"
	"time"

	"github.com/edwingeng/deque/v2"

	"github.com/dropbox/mcache/net2"
)

type ServerState int

const (
	ServerUp ServerState = iota
	ServerDown
)

func (s ServerState) String() string {
	if s == ServerUp {
		return "UP"
	}
	return "DOWN"
}

// Point in time view of a server, as reported by Pool.States.
type ServerStatus struct {
	Address         string
	State           ServerState
	Fails           int
	LastFailureAt   time.Time
	IdleConnections int
}

// A handle to a single memcache server.  The handle owns the server's idle
// connections and its failure bookkeeping.  Connections are checked out
// exclusively for one exchange at a time and are either returned to the idle
// list or closed.
type Server struct {
	address     string
	connOptions net2.ConnectionOptions
	maxIdle     int

	mutex         sync.Mutex
	state         ServerState
	fails         int
	lastFailureAt time.Time

	// Bumped whenever the server goes DOWN (or comes back UP).  Connections
	// checked out under an older generation are discarded on release.
	generation uint64

	// Connections are pushed at the front and checked out from the back,
	// so the idle set is used round robin.
	idle    *deque.Deque[*net2.Conn]
	checking bool
	closed  bool
}

func newServer(
	address string,
	connOptions net2.ConnectionOptions,
	maxIdle int) *Server {

	return &Server{
		address:     address,
		connOptions: connOptions,
		maxIdle:     maxIdle,
		state:       ServerUp,
		idle:        deque.NewDeque[*net2.Conn](),
	}
}

func (s *Server) Address() string {
	return s.address
}

func (s *Server) State() ServerState {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.state
}

func (s *Server) status() ServerStatus {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return ServerStatus{
		Address:         s.address,
		State:           s.state,
		Fails:           s.fails,
		LastFailureAt:   s.lastFailureAt,
		IdleConnections: s.idle.Len(),
	}
}

// Returns an idle connection, or dials a new one, plus the generation the
// connection belongs to.  The generation is returned on dial failures too.
// Dialing happens outside of the lock so that a slow connect never blocks
// other callers.
func (s *Server) acquire() (*net2.Conn, uint64, error) {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return nil, 0, ErrClientClosed
	}
	generation := s.generation
	if s.idle.Len() > 0 {
		conn := s.idle.PopBack()
		s.mutex.Unlock()
		return conn, generation, nil
	}
	s.mutex.Unlock()

	conn, err := net2.Dial(s.address, s.connOptions)
	if err != nil {
		return nil, generation, err
	}
	return conn, generation, nil
}

func (s *Server) currentGeneration() uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.generation
}

func (s *Server) release(conn *net2.Conn, generation uint64) {
	s.mutex.Lock()
	if conn.IsValid() &&
		!s.closed &&
		s.state == ServerUp &&
		generation == s.generation &&
		s.idle.Len() < s.maxIdle {

		s.idle.PushFront(conn)
		s.mutex.Unlock()
		return
	}
	s.mutex.Unlock()

	_ = conn.Close()
}

// Writes all requests in a single batch and reads one outcome per request, in
// order.  The requests must already be validated.  The returned generation
// identifies the connection used, and must be passed along to markDown on
// failure.
func (s *Server) exchange(
	codec Codec,
	reqs []*Request) ([]*Outcome, uint64, error) {

	var buf []byte
	var err error
	for _, req := range reqs {
		buf, err = codec.Encode(buf, req)
		if err != nil {
			return nil, s.currentGeneration(), err
		}
	}

	conn, generation, err := s.acquire()
	if err != nil {
		return nil, generation, err
	}

	outcomes := make([]*Outcome, len(reqs))
	err = conn.Exchange(buf, func(reader *bufio.Reader) error {
		for i, req := range reqs {
			outcome, err := codec.Decode(reader, req)
			if err != nil {
				return err
			}
			outcomes[i] = outcome
		}

		if n := reader.Buffered(); n > 0 {
			return newProtocolError(
				"%d unexpected bytes after the last response",
				n)
		}
		return nil
	})
	s.release(conn, generation)

	if err != nil {
		return nil, generation, err
	}
	return outcomes, generation, nil
}

// Records a failure on a connection of the given generation.  Returns true
// when the failure took the server DOWN.  Failures reported while the server
// is DOWN, or by connections checked out before the server last changed
// state (e.g., requests in flight across a DOWN / UP cycle), are ignored.
func (s *Server) markDown(
	now time.Time,
	failLimit int,
	generation uint64) bool {

	s.mutex.Lock()
	if s.state == ServerDown || generation != s.generation {
		s.mutex.Unlock()
		return false
	}

	s.fails++
	if s.fails < failLimit {
		s.mutex.Unlock()
		return false
	}

	s.state = ServerDown
	s.lastFailureAt = now
	s.generation++
	idle := s.drainIdle()
	s.mutex.Unlock()

	closeAll(idle)
	return true
}

// Resets the consecutive failure counter.
func (s *Server) succeeded() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.state == ServerUp {
		s.fails = 0
	}
}

// Claims the right to check the server.  At most one health check per server
// is in flight, and checks are never closer than interval apart.
func (s *Server) beginHealthCheck(now time.Time, interval time.Duration) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed || s.state != ServerDown || s.checking {
		return false
	}
	if now.Sub(s.lastFailureAt) < interval {
		return false
	}
	s.checking = true
	return true
}

// Completes a check started with beginHealthCheck.  On success the server goes
// UP and conn (the checked connection) becomes an idle connection.  Returns true
// when the server was restored.
func (s *Server) finishHealthCheck(now time.Time, conn *net2.Conn, ok bool) bool {
	s.mutex.Lock()
	s.checking = false

	if !ok || s.closed {
		if !ok {
			s.lastFailureAt = now
		}
		s.mutex.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return false
	}

	s.state = ServerUp
	s.fails = 0
	s.generation++
	if conn != nil && conn.IsValid() && s.idle.Len() < s.maxIdle {
		s.idle.PushFront(conn)
		conn = nil
	}
	s.mutex.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	return true
}

func (s *Server) close() {
	s.mutex.Lock()
	s.closed = true
	idle := s.drainIdle()
	s.mutex.Unlock()

	closeAll(idle)
}

// Requires s.mutex.
func (s *Server) drainIdle() []*net2.Conn {
	conns := make([]*net2.Conn, 0, s.idle.Len())
	for s.idle.Len() > 0 {
		conns = append(conns, s.idle.PopBack())
	}
	return conns
}

func closeAll(conns []*net2.Conn) {
	for _, conn := range conns {
		_ = conn.Close()
	}
}
