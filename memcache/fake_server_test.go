package memcache

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/net/nettest"
	. "gopkg.in/check.v1"
)

type fakeItem struct {
	value []byte
	flags uint32
	cas   uint64
}

// A minimal in-process memcached speaking the text protocol.  The server can
// be killed and restarted on the same address.
type fakeServer struct {
	address  string
	received int64 // atomic

	mutex    sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	data     map[string]*fakeItem
	cas      uint64

	// When set, every request line goes to script instead.  An empty reply
	// means the server stays silent.
	script func(line string) string

	wg sync.WaitGroup
}

func startFakeServer(c *C) *fakeServer {
	listener, err := nettest.NewLocalListener("tcp")
	c.Assert(err, IsNil)

	s := &fakeServer{
		address: listener.Addr().String(),
		conns:   make(map[net.Conn]struct{}),
		data:    make(map[string]*fakeItem),
	}
	s.serve(listener)
	return s
}

func (s *fakeServer) serve(listener net.Listener) {
	s.mutex.Lock()
	s.listener = listener
	s.mutex.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}

			s.mutex.Lock()
			if s.listener != listener {
				// killed while accepting.
				s.mutex.Unlock()
				_ = conn.Close()
				return
			}
			s.conns[conn] = struct{}{}
			s.mutex.Unlock()

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handle(conn)

				s.mutex.Lock()
				delete(s.conns, conn)
				s.mutex.Unlock()
				_ = conn.Close()
			}()
		}
	}()
}

// Closes the listener and every open connection.  The data is kept.
func (s *fakeServer) kill() {
	s.mutex.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mutex.Unlock()

	s.wg.Wait()
}

// Listens again on the original address.
func (s *fakeServer) restart(c *C) {
	listener, err := net.Listen("tcp", s.address)
	c.Assert(err, IsNil)
	s.serve(listener)
}

// Replaces the regular protocol handling with script.
func (s *fakeServer) misbehave(script func(line string) string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.script = script
}

func (s *fakeServer) bytesReceived() int64 {
	return atomic.LoadInt64(&s.received)
}

// Returns the raw bytes stored under key, or nil.
func (s *fakeServer) stored(key string) []byte {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if item, ok := s.data[key]; ok {
		return item.value
	}
	return nil
}

func (s *fakeServer) numKeys() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return len(s.data)
}

type countingReader struct {
	reader  io.Reader
	counter *int64
}

func (r countingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	atomic.AddInt64(r.counter, int64(n))
	return n, err
}

func (s *fakeServer) handle(conn net.Conn) {
	reader := bufio.NewReader(countingReader{conn, &s.received})
	writer := bufio.NewWriter(conn)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}

		s.mutex.Lock()
		script := s.script
		s.mutex.Unlock()
		if script != nil {
			if reply := script(line); reply != "" {
				_, _ = writer.WriteString(reply)
				_ = writer.Flush()
			}
			continue
		}

		fields := strings.Fields(strings.TrimRight(line, "\r\n"))
		if len(fields) == 0 {
			_, _ = writer.WriteString("ERROR\r\n")
			_ = writer.Flush()
			continue
		}

		var response string
		switch fields[0] {
		case "get", "gets":
			response = s.get(fields[0] == "gets", fields[1:])
		case "set", "add", "replace", "append", "prepend", "cas":
			response, err = s.store(reader, fields)
			if err != nil {
				return
			}
		case "incr", "decr":
			response = s.count(fields)
		case "delete":
			response = s.delete(fields)
		case "touch":
			response = s.touch(fields)
		case "version":
			response = "VERSION 1.6.21-fake\r\n"
		case "flush_all":
			s.mutex.Lock()
			s.data = make(map[string]*fakeItem)
			s.mutex.Unlock()
			response = "OK\r\n"
		default:
			response = "ERROR\r\n"
		}

		if _, err := writer.WriteString(response); err != nil {
			return
		}
		if err := writer.Flush(); err != nil {
			return
		}
	}
}

func (s *fakeServer) get(withCas bool, keys []string) string {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var b strings.Builder
	for _, key := range keys {
		item, ok := s.data[key]
		if !ok {
			continue
		}
		b.WriteString("VALUE " + key + " ")
		b.WriteString(strconv.FormatUint(uint64(item.flags), 10) + " ")
		b.WriteString(strconv.Itoa(len(item.value)))
		if withCas {
			b.WriteString(" " + strconv.FormatUint(item.cas, 10))
		}
		b.WriteString("\r\n")
		b.Write(item.value)
		b.WriteString("\r\n")
	}
	b.WriteString("END\r\n")
	return b.String()
}

// Requires the mutex to be held.
func (s *fakeServer) put(key string, value []byte, flags uint32) {
	s.cas++
	s.data[key] = &fakeItem{value: value, flags: flags, cas: s.cas}
}

func (s *fakeServer) store(reader *bufio.Reader, fields []string) (string, error) {
	cmd := fields[0]
	if (cmd == "cas" && len(fields) != 6) || (cmd != "cas" && len(fields) != 5) {
		return "ERROR\r\n", nil
	}

	key := fields[1]
	flags, err1 := strconv.ParseUint(fields[2], 10, 32)
	size, err2 := strconv.Atoi(fields[4])
	if err1 != nil || err2 != nil || size < 0 {
		return "CLIENT_ERROR bad command line format\r\n", nil
	}

	data := make([]byte, size+2)
	if _, err := io.ReadFull(reader, data); err != nil {
		return "", err
	}
	if string(data[size:]) != "\r\n" {
		return "CLIENT_ERROR bad data chunk\r\n", nil
	}
	value := data[:size]

	s.mutex.Lock()
	defer s.mutex.Unlock()

	existing, ok := s.data[key]
	switch cmd {
	case "set":
	case "add":
		if ok {
			return "NOT_STORED\r\n", nil
		}
	case "replace":
		if !ok {
			return "NOT_STORED\r\n", nil
		}
	case "append", "prepend":
		if !ok {
			return "NOT_STORED\r\n", nil
		}
		var combined []byte
		if cmd == "append" {
			combined = append(append(combined, existing.value...), value...)
		} else {
			combined = append(append(combined, value...), existing.value...)
		}
		s.put(key, combined, existing.flags)
		return "STORED\r\n", nil
	case "cas":
		cas, err := strconv.ParseUint(fields[5], 10, 64)
		if err != nil {
			return "CLIENT_ERROR bad command line format\r\n", nil
		}
		if !ok {
			return "NOT_FOUND\r\n", nil
		}
		if existing.cas != cas {
			return "EXISTS\r\n", nil
		}
	}

	s.put(key, value, uint32(flags))
	return "STORED\r\n", nil
}

func (s *fakeServer) count(fields []string) string {
	if len(fields) != 3 {
		return "ERROR\r\n"
	}
	delta, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return "CLIENT_ERROR invalid numeric delta argument\r\n"
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	item, ok := s.data[fields[1]]
	if !ok {
		return "NOT_FOUND\r\n"
	}
	current, err := strconv.ParseUint(string(item.value), 10, 64)
	if err != nil {
		return "CLIENT_ERROR cannot increment or decrement non-numeric value\r\n"
	}

	if fields[0] == "incr" {
		current += delta
	} else if delta > current {
		current = 0
	} else {
		current -= delta
	}

	value := strconv.FormatUint(current, 10)
	s.put(fields[1], []byte(value), item.flags)
	return value + "\r\n"
}

func (s *fakeServer) delete(fields []string) string {
	if len(fields) != 2 {
		return "ERROR\r\n"
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.data[fields[1]]; !ok {
		return "NOT_FOUND\r\n"
	}
	delete(s.data, fields[1])
	return "DELETED\r\n"
}

func (s *fakeServer) touch(fields []string) string {
	if len(fields) != 3 {
		return "ERROR\r\n"
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.data[fields[1]]; !ok {
		return "NOT_FOUND\r\n"
	}
	return "TOUCHED\r\n"
}
