package memcache

import (
	"bytes"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	. "gopkg.in/check.v1"

	"github.com/dropbox/mcache/errors"
	. "github.com/dropbox/mcache/gocheck2"
	"github.com/dropbox/mcache/net2"
	"github.com/dropbox/mcache/time2"
)

type ClientSuite struct {
	clock   *time2.MockClock
	dialer  *countingDialer
	servers []*fakeServer
	client  *ShardedClient
}

var _ = Suite(&ClientSuite{})

func (s *ClientSuite) SetUpTest(c *C) {
	s.clock = time2.NewMockClock(time.Unix(1500000000, 0))
	s.dialer = &countingDialer{}
	s.servers = nil
	s.client = nil
}

func (s *ClientSuite) TearDownTest(c *C) {
	if s.client != nil {
		_ = s.client.Close()
	}
	for _, server := range s.servers {
		server.kill()
	}
}

func (s *ClientSuite) start(c *C, numServers int) {
	s.startWithOptions(c, numServers, testOptions(s.clock, s.dialer))
}

func (s *ClientSuite) startWithOptions(c *C, numServers int, options Options) {
	addresses := make([]string, 0, numServers)
	for i := 0; i < numServers; i++ {
		server := startFakeServer(c)
		s.servers = append(s.servers, server)
		addresses = append(addresses, server.address)
	}

	client, err := NewClient(addresses, options)
	c.Assert(err, IsNil)
	s.client = client
}

func (s *ClientSuite) serverFor(c *C, key string) *fakeServer {
	server, err := s.client.Pool().Route(key)
	c.Assert(err, IsNil)
	for _, fake := range s.servers {
		if fake.address == server.Address() {
			return fake
		}
	}
	c.Fatalf("no fake server for %s", server.Address())
	return nil
}

// Returns a key owned by the given server.
func (s *ClientSuite) keyOwnedBy(c *C, server *fakeServer) string {
	for i := 0; i < 10000; i++ {
		key := "key" + strconv.Itoa(i)
		if s.serverFor(c, key) == server {
			return key
		}
	}
	c.Fatal("no key found")
	return ""
}

func (s *ClientSuite) TestSetGet(c *C) {
	s.start(c, 2)

	value := []byte("binary\r\nvalue\x00\xff END\r\n")
	resp := s.client.Set(&Item{Key: "key", Value: value, Flags: 123})
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Status(), Equals, StatusNoError)
	c.Assert(resp.Key(), Equals, "key")
	c.Assert(resp.ServerAddress(), Equals, s.serverFor(c, "key").address)

	get := s.client.Get("key")
	c.Assert(get.Error(), IsNil)
	c.Assert(get.Status(), Equals, StatusNoError)
	c.Assert(bytes.Equal(get.Value(), value), IsTrue)
	c.Assert(get.Flags(), Equals, uint32(123))
	c.Assert(get.DataVersionId(), Not(Equals), uint64(0))

	// empty values round trip too.
	c.Assert(s.client.Set(&Item{Key: "empty"}).Error(), IsNil)
	get = s.client.Get("empty")
	c.Assert(get.Error(), IsNil)
	c.Assert(get.Status(), Equals, StatusNoError)
	c.Assert(get.Value(), NotNil)
	c.Assert(get.Value(), HasLen, 0)
}

func (s *ClientSuite) TestGetNotFound(c *C) {
	s.start(c, 1)

	resp := s.client.Get("missing")
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Status(), Equals, StatusKeyNotFound)
	c.Assert(resp.Value(), IsNil)
}

func (s *ClientSuite) TestAddExisting(c *C) {
	s.start(c, 1)

	resp := s.client.Add(&Item{Key: "key", Value: []byte("first")})
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Status(), Equals, StatusNoError)

	resp = s.client.Add(&Item{Key: "key", Value: []byte("second")})
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Status(), Equals, StatusItemNotStored)

	get := s.client.Get("key")
	c.Assert(string(get.Value()), Equals, "first")
}

func (s *ClientSuite) TestReplaceAppendPrepend(c *C) {
	s.start(c, 1)

	resp := s.client.Replace(&Item{Key: "key", Value: []byte("x")})
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Status(), Equals, StatusItemNotStored)

	resp = s.client.Append("key", []byte("x"))
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Status(), Equals, StatusItemNotStored)

	c.Assert(s.client.Set(&Item{Key: "key", Value: []byte("b")}).Error(), IsNil)
	c.Assert(s.client.Append("key", []byte("c")).Status(), Equals, StatusNoError)
	c.Assert(s.client.Prepend("key", []byte("a")).Status(), Equals, StatusNoError)
	c.Assert(string(s.client.Get("key").Value()), Equals, "abc")

	resp = s.client.Replace(&Item{Key: "key", Value: []byte("new")})
	c.Assert(resp.Status(), Equals, StatusNoError)
	c.Assert(string(s.client.Get("key").Value()), Equals, "new")
}

func (s *ClientSuite) TestCas(c *C) {
	s.start(c, 1)

	c.Assert(s.client.Set(&Item{Key: "key", Value: []byte("v1")}).Error(), IsNil)
	get := s.client.Get("key")
	cas := get.DataVersionId()

	resp := s.client.Set(&Item{
		Key:           "key",
		Value:         []byte("v2"),
		DataVersionId: cas,
	})
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Status(), Equals, StatusNoError)

	// stale cas.
	resp = s.client.Set(&Item{
		Key:           "key",
		Value:         []byte("v3"),
		DataVersionId: cas,
	})
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Status(), Equals, StatusKeyExists)

	resp = s.client.Set(&Item{
		Key:           "missing",
		Value:         []byte("v"),
		DataVersionId: cas,
	})
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Status(), Equals, StatusKeyNotFound)

	c.Assert(string(s.client.Get("key").Value()), Equals, "v2")

	add := s.client.Add(&Item{Key: "key", DataVersionId: cas})
	c.Assert(add.Error(), NotNil)
}

func (s *ClientSuite) TestCounters(c *C) {
	s.start(c, 1)

	resp := s.client.Increment("counter", 1)
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Status(), Equals, StatusKeyNotFound)

	c.Assert(s.client.Set(&Item{Key: "counter", Value: []byte("10")}).Error(), IsNil)

	resp = s.client.Increment("counter", 5)
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Count(), Equals, uint64(15))

	resp = s.client.Decrement("counter", 3)
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Count(), Equals, uint64(12))

	// decrement floors at zero.
	resp = s.client.Decrement("counter", 100)
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Status(), Equals, StatusNoError)
	c.Assert(resp.Count(), Equals, uint64(0))
	c.Assert(string(s.client.Get("counter").Value()), Equals, "0")
}

func (s *ClientSuite) TestSeededCounters(c *C) {
	s.start(c, 1)

	// Missing counters are created with the initial value; the delta is not
	// applied.
	resp := s.client.IncrementWithSeed("hits", 5, 100, 0)
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Status(), Equals, StatusNoError)
	c.Assert(resp.Count(), Equals, uint64(100))
	c.Assert(string(s.servers[0].stored("hits")), Equals, "100")

	resp = s.client.IncrementWithSeed("hits", 5, 100, 0)
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Count(), Equals, uint64(105))

	resp = s.client.DecrementWithSeed("misses", 5, 7, 0)
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Count(), Equals, uint64(7))

	// The unseeded calls still fail on missing counters.
	resp = s.client.Decrement("other", 1)
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Status(), Equals, StatusKeyNotFound)
}

func (s *ClientSuite) TestCompressedValues(c *C) {
	s.start(c, 1)

	value := bytes.Repeat([]byte("compressible "), 1000)
	set := s.client.Set(
		&Item{Key: "big", Value: value, Flags: FlagCompress | 0x3})
	c.Assert(set.Error(), IsNil)
	c.Assert(set.Status(), Equals, StatusNoError)

	raw := s.servers[0].stored("big")
	c.Assert(len(raw) < len(value), IsTrue)
	expected, err := compressValue(value)
	c.Assert(err, IsNil)
	c.Assert(raw, DeepEquals, expected)

	get := s.client.Get("big")
	c.Assert(get.Error(), IsNil)
	c.Assert(get.Value(), DeepEquals, value)
	c.Assert(get.Flags(), Equals, FlagCompress|0x3)

	multi := s.client.GetMulti([]string{"big"})
	c.Assert(multi["big"].Error(), IsNil)
	c.Assert(multi["big"].Value(), DeepEquals, value)

	// Values stored without the flag are untouched.
	c.Assert(s.client.Set(&Item{Key: "raw", Value: []byte("abc")}).Error(), IsNil)
	c.Assert(string(s.servers[0].stored("raw")), Equals, "abc")
}

func (s *ClientSuite) TestCorruptCompressedValue(c *C) {
	s.start(c, 1)

	// Written by something which set the flag without compressing.
	item := &Item{Key: "bad", Value: []byte("not zlib"), Flags: FlagCompress}
	s.servers[0].mutex.Lock()
	s.servers[0].put(item.Key, item.Value, item.Flags)
	s.servers[0].mutex.Unlock()

	get := s.client.Get("bad")
	c.Assert(get.Error(), ErrorIs, ErrCorruptValue)
	c.Assert(get.Error(), Not(ErrorIs), ErrUnavailable)
	c.Assert(get.ServerAddress(), Equals, s.servers[0].address)

	multi := s.client.GetMulti([]string{"bad"})
	c.Assert(multi["bad"].Error(), ErrorIs, ErrCorruptValue)

	// The server did nothing wrong.
	c.Assert(s.client.Pool().States()[0].State, Equals, ServerUp)
	c.Assert(s.dialer.count(), Equals, int64(1))
}

func (s *ClientSuite) TestNonNumericCounter(c *C) {
	s.start(c, 1)

	c.Assert(s.client.Set(&Item{Key: "text", Value: []byte("abc")}).Error(), IsNil)

	resp := s.client.Increment("text", 1)
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Status(), Equals, StatusIncrDecrOnNonNumericValue)

	resp = s.client.Decrement("text", 1)
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Status(), Equals, StatusIncrDecrOnNonNumericValue)

	// Not a failure: the server stays up and the connection is reused.
	c.Assert(s.client.Pool().States()[0].State, Equals, ServerUp)
	c.Assert(s.client.Get("text").Error(), IsNil)
	c.Assert(s.dialer.count(), Equals, int64(1))
}

func (s *ClientSuite) TestDeleteTouch(c *C) {
	s.start(c, 1)

	c.Assert(s.client.Delete("key").Status(), Equals, StatusKeyNotFound)
	c.Assert(s.client.Touch("key", 10).Status(), Equals, StatusKeyNotFound)

	c.Assert(s.client.Set(&Item{Key: "key", Value: []byte("v")}).Error(), IsNil)
	c.Assert(s.client.Touch("key", 10).Status(), Equals, StatusNoError)

	resp := s.client.Delete("key")
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Status(), Equals, StatusNoError)
	c.Assert(s.client.Get("key").Status(), Equals, StatusKeyNotFound)
}

func (s *ClientSuite) TestInvalidKeySendsNothing(c *C) {
	s.start(c, 1)

	for _, resp := range []Response{
		s.client.Get("b a d"),
		s.client.Get(""),
		s.client.Set(&Item{Key: "new\nline", Value: []byte("v")}),
		s.client.Increment("tab\tkey", 1),
		s.client.Delete(string(make([]byte, maxKeyLength+1))),
	} {
		c.Assert(resp.Error(), ErrorIs, ErrInvalidKey)
		c.Assert(resp.ServerAddress(), Equals, "")
	}

	resp := s.client.Set(&Item{Key: "key", Value: make([]byte, maxValueLength+1)})
	c.Assert(resp.Error(), ErrorIs, ErrValueTooLarge)

	c.Assert(s.dialer.count(), Equals, int64(0))
	c.Assert(s.servers[0].bytesReceived(), Equals, int64(0))
	c.Assert(s.client.Pool().States()[0].State, Equals, ServerUp)
}

func (s *ClientSuite) TestGetMulti(c *C) {
	s.start(c, 3)

	keys := []string{}
	for i := 0; i < 30; i++ {
		key := "key" + strconv.Itoa(i)
		keys = append(keys, key)
		if i%2 == 0 {
			c.Assert(
				s.client.Set(&Item{Key: key, Value: []byte(key)}).Error(),
				IsNil)
		}
	}
	keys = append(keys, "key0", "b a d")

	results := s.client.GetMulti(keys)
	c.Assert(results, HasLen, 31)
	for i := 0; i < 30; i++ {
		key := "key" + strconv.Itoa(i)
		c.Assert(results, HasKey, key)

		resp := results[key]
		c.Assert(resp.Error(), IsNil)
		c.Assert(resp.Key(), Equals, key)
		c.Assert(resp.ServerAddress(), Equals, s.serverFor(c, key).address)
		if i%2 == 0 {
			c.Assert(resp.Status(), Equals, StatusNoError)
			c.Assert(string(resp.Value()), Equals, key)
		} else {
			c.Assert(resp.Status(), Equals, StatusKeyNotFound)
		}
	}
	c.Assert(results["b a d"].Error(), ErrorIs, ErrInvalidKey)
}

func (s *ClientSuite) TestVersionAndFlush(c *C) {
	s.start(c, 2)

	version := s.client.Version()
	c.Assert(version.Error(), IsNil)
	c.Assert(version.Versions(), HasLen, 2)
	for _, server := range s.servers {
		c.Assert(version.Versions()[server.address], Equals, "1.6.21-fake")
	}

	for i := 0; i < 10; i++ {
		key := "key" + strconv.Itoa(i)
		c.Assert(s.client.Set(&Item{Key: key}).Error(), IsNil)
	}

	flush := s.client.Flush(0)
	c.Assert(flush.Error(), IsNil)
	for _, server := range s.servers {
		c.Assert(server.numKeys(), Equals, 0)
	}
}

// Two servers A and B.  Killing A routes A's keys to B without blocking;
// A only gets its keys back after the restoration interval and a
// successful health check.
func (s *ClientSuite) TestServerFailureAndRestoration(c *C) {
	s.start(c, 2)
	a := s.servers[0]
	b := s.servers[1]

	key := s.keyOwnedBy(c, a)
	c.Assert(s.client.Set(&Item{Key: key, Value: []byte("on a")}).Error(), IsNil)

	a.kill()

	resp := s.client.Get(key)
	c.Assert(resp.Error(), ErrorIs, ErrUnavailable)
	c.Assert(resp.ServerAddress(), Equals, a.address)

	var unavailable *UnavailableError
	c.Assert(errors.As(resp.Error(), &unavailable), IsTrue)
	c.Assert(unavailable.Address, Equals, a.address)

	states := s.client.Pool().States()
	c.Assert(states[0].State, Equals, ServerDown)
	c.Assert(states[1].State, Equals, ServerUp)

	// The key now lives on B.
	resp = s.client.Get(key)
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Status(), Equals, StatusKeyNotFound)
	c.Assert(resp.ServerAddress(), Equals, b.address)

	c.Assert(s.client.Set(&Item{Key: key, Value: []byte("on b")}).Error(), IsNil)
	c.Assert(string(s.client.Get(key).Value()), Equals, "on b")

	a.restart(c)

	// Still excluded until the interval has elapsed.
	s.clock.Advance(30 * time.Second)
	c.Assert(s.client.Pool().RestorationTick(s.clock.Now()), Equals, 0)
	c.Assert(s.client.Get(key).ServerAddress(), Equals, b.address)

	s.clock.Advance(30 * time.Second)
	c.Assert(s.client.Pool().RestorationTick(s.clock.Now()), Equals, 1)

	resp = s.client.Get(key)
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.ServerAddress(), Equals, a.address)
	c.Assert(string(resp.Value()), Equals, "on a")
}

func (s *ClientSuite) TestAllServersDown(c *C) {
	s.start(c, 1)

	c.Assert(s.client.Set(&Item{Key: "key", Value: []byte("v")}).Error(), IsNil)
	s.servers[0].kill()

	resp := s.client.Get("key")
	c.Assert(resp.Error(), ErrorIs, ErrUnavailable)

	dials := s.dialer.count()

	start := time.Now()
	resp = s.client.Get("key")
	c.Assert(resp.Error(), ErrorIs, ErrNoServers)
	c.Assert(resp.Error(), ErrorIs, ErrUnavailable)
	c.Assert(resp.ServerAddress(), Equals, "")
	c.Assert(time.Since(start) < 100*time.Millisecond, IsTrue)

	c.Assert(s.client.Version().Error(), ErrorIs, ErrNoServers)
	c.Assert(s.client.Flush(0).Error(), ErrorIs, ErrNoServers)
	c.Assert(s.client.GetMulti([]string{"a", "b"})["a"].Error(), ErrorIs, ErrNoServers)
	c.Assert(s.dialer.count(), Equals, dials)
}

func (s *ClientSuite) TestConnectFailure(c *C) {
	s.start(c, 1)
	s.servers[0].kill()

	resp := s.client.Set(&Item{Key: "key", Value: []byte("v")})
	c.Assert(resp.Error(), ErrorIs, ErrUnavailable)

	var connectErr *net2.ConnectError
	c.Assert(errors.As(resp.Error(), &connectErr), IsTrue)
	c.Assert(connectErr.Kind, Equals, net2.ConnectRefused)
}

func (s *ClientSuite) TestMalformedReplyMarksServerDown(c *C) {
	s.start(c, 1)
	s.servers[0].misbehave(func(line string) string {
		return "GARBAGE\r\n"
	})

	resp := s.client.Get("key")
	c.Assert(resp.Error(), ErrorIs, ErrUnavailable)
	c.Assert(resp.ServerAddress(), Equals, s.servers[0].address)

	var protocolErr *ProtocolError
	c.Assert(errors.As(resp.Error(), &protocolErr), IsTrue)
	c.Assert(s.client.Pool().States()[0].State, Equals, ServerDown)

	// No further traffic reaches the server.
	received := s.servers[0].bytesReceived()
	c.Assert(s.client.Get("key").Error(), ErrorIs, ErrNoServers)
	c.Assert(s.servers[0].bytesReceived(), Equals, received)
}

func (s *ClientSuite) TestReadTimeoutMarksServerDown(c *C) {
	options := testOptions(s.clock, s.dialer)
	options.ReadTimeout = 50 * time.Millisecond
	s.startWithOptions(c, 1, options)

	s.servers[0].misbehave(func(line string) string {
		return ""
	})

	start := time.Now()
	resp := s.client.Get("key")
	c.Assert(time.Since(start) < time.Second, IsTrue)
	c.Assert(resp.Error(), ErrorIs, ErrUnavailable)
	c.Assert(resp.Error(), ErrorIs, net2.ErrReadTimeout)
	c.Assert(s.client.Pool().States()[0].State, Equals, ServerDown)
}

// Many callers sharing one server must never see each other's bytes.
func (s *ClientSuite) TestConcurrentCallers(c *C) {
	options := testOptions(s.clock, s.dialer)
	options.MaxIdleConnections = 4
	s.startWithOptions(c, 1, options)

	var failures int64
	var mismatches int64

	wg := sync.WaitGroup{}
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()

			key := "key" + strconv.Itoa(g)
			for i := 0; i < 50; i++ {
				value := []byte(key + "-" + strconv.Itoa(i))
				if s.client.Set(&Item{Key: key, Value: value}).Error() != nil {
					atomic.AddInt64(&failures, 1)
					continue
				}

				get := s.client.Get(key)
				if get.Error() != nil {
					atomic.AddInt64(&failures, 1)
				} else if !bytes.Equal(get.Value(), value) {
					atomic.AddInt64(&mismatches, 1)
				}

				multi := s.client.GetMulti([]string{key, "missing"})
				if multi[key].Error() != nil || multi["missing"].Error() != nil {
					atomic.AddInt64(&failures, 1)
				} else if !bytes.Equal(multi[key].Value(), value) {
					atomic.AddInt64(&mismatches, 1)
				}
			}
		}(g)
	}
	wg.Wait()

	c.Assert(atomic.LoadInt64(&failures), Equals, int64(0))
	c.Assert(atomic.LoadInt64(&mismatches), Equals, int64(0))
	c.Assert(s.client.Pool().States()[0].State, Equals, ServerUp)
	c.Assert(s.client.Pool().States()[0].IdleConnections <= 4, IsTrue)
}

func (s *ClientSuite) TestClose(c *C) {
	s.start(c, 1)
	c.Assert(s.client.Set(&Item{Key: "key", Value: []byte("v")}).Error(), IsNil)

	c.Assert(s.client.Close(), IsNil)

	c.Assert(s.client.Get("key").Error(), ErrorIs, ErrClientClosed)
	c.Assert(s.client.Version().Error(), ErrorIs, ErrClientClosed)
	c.Assert(s.client.Pool().States()[0].IdleConnections, Equals, 0)
}
