package memcache

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dropbox/mcache/errors"
)

// A sharded memcache client.  Each key is routed to exactly one server by a
// consistent hash ring over the servers which are currently UP.  A transport
// or protocol failure takes the server DOWN (see Options.FailLimit); the keys
// it owned are routed to the remaining servers until it is restored.
//
// The client never retries a failed request, and never re-routes a request
// in flight: the server picked when the call starts serves the call.
type ShardedClient struct {
	pool  *Pool
	codec Codec
}

// This creates a new client over the given server addresses.
func NewClient(addresses []string, options Options) (*ShardedClient, error) {
	pool, err := NewPool(addresses, options)
	if err != nil {
		return nil, err
	}

	return &ShardedClient{
		pool:  pool,
		codec: pool.codec,
	}, nil
}

// Returns the client's server pool.
func (c *ShardedClient) Pool() *Pool {
	return c.pool
}

func (c *ShardedClient) now() time.Time {
	return c.pool.options.Clock.Now()
}

// Converts an exchange failure into the externally visible error and, unless
// the failure is local, takes the server down.
func (c *ShardedClient) failure(
	server *Server,
	generation uint64,
	err error) error {

	if errors.Is(err, ErrClientClosed) {
		return err
	}

	c.pool.markDown(server, generation, c.now(), err)
	return &UnavailableError{
		Address: server.address,
		Err:     err,
	}
}

func (c *ShardedClient) do(req *Request) *genericResponse {
	start := time.Now()
	resp := c.execute(req)
	c.pool.metrics.observe(req.op, resultLabel(resp), start, time.Now())
	return resp
}

func (c *ShardedClient) execute(req *Request) *genericResponse {
	if err := validateRequest(req); err != nil {
		return newRequestErrorResponse(req, "", err)
	}

	c.pool.maybeRestore(c.now())

	server, err := c.pool.Route(req.Key)
	if err != nil {
		return newRequestErrorResponse(req, "", err)
	}

	outcomes, generation, err := server.exchange(c.codec, []*Request{req})
	if err != nil {
		return newRequestErrorResponse(
			req,
			server.address,
			c.failure(server, generation, err))
	}

	server.succeeded()
	return newOutcomeResponse(req, server.address, outcomes[0])
}

// See Client interface for documentation.
func (c *ShardedClient) Get(key string) GetResponse {
	return decompressResponse(c.do(&Request{op: opGet, Key: key}))
}

// See Client interface for documentation.
func (c *ShardedClient) GetMulti(keys []string) map[string]GetResponse {
	start := time.Now()
	results := make(map[string]GetResponse, len(keys))

	c.pool.maybeRestore(c.now())

	requests := make(map[*Server][]*Request)
	for _, key := range keys {
		if _, ok := results[key]; ok {
			continue
		}

		req := &Request{op: opGet, Key: key}
		if err := validateRequest(req); err != nil {
			results[key] = newRequestErrorResponse(req, "", err)
			continue
		}

		server, err := c.pool.Route(key)
		if err != nil {
			results[key] = newRequestErrorResponse(req, "", err)
			continue
		}

		// Placeholder so that duplicated keys are only requested once.
		results[key] = nil
		requests[server] = append(requests[server], req)
	}

	mutex := sync.Mutex{}
	group := errgroup.Group{}
	for server, reqs := range requests {
		server, reqs := server, reqs
		group.Go(func() error {
			outcomes, generation, err := server.exchange(c.codec, reqs)
			if err != nil {
				err = c.failure(server, generation, err)
			} else {
				server.succeeded()
			}

			mutex.Lock()
			defer mutex.Unlock()
			for i, req := range reqs {
				if err != nil {
					results[req.Key] = newRequestErrorResponse(
						req,
						server.address,
						err)
				} else {
					results[req.Key] = decompressResponse(
						newOutcomeResponse(req, server.address, outcomes[i]))
				}
			}
			return nil
		})
	}
	_ = group.Wait()

	end := time.Now()
	for _, resp := range results {
		if generic, ok := resp.(*genericResponse); ok {
			c.pool.metrics.observe(opGet, resultLabel(generic), start, end)
		}
	}
	return results
}

func (c *ShardedClient) store(op opCode, item *Item) MutateResponse {
	if item == nil {
		return NewMutateErrorResponse("", errors.New("Item is nil"))
	}

	value, err := compressItemValue(item.Flags, item.Value)
	if err != nil {
		return NewMutateErrorResponse(item.Key, err)
	}

	return c.do(&Request{
		op:            op,
		Key:           item.Key,
		Value:         value,
		Flags:         item.Flags,
		Expiration:    item.Expiration,
		DataVersionId: item.DataVersionId,
	})
}

// See Client interface for documentation.
func (c *ShardedClient) Set(item *Item) MutateResponse {
	return c.store(opSet, item)
}

// See Client interface for documentation.
func (c *ShardedClient) Add(item *Item) MutateResponse {
	if err := validateAddItem(item); err != nil {
		return NewMutateErrorResponse(item.Key, err)
	}
	return c.store(opAdd, item)
}

// See Client interface for documentation.
func (c *ShardedClient) Replace(item *Item) MutateResponse {
	return c.store(opReplace, item)
}

// See Client interface for documentation.
func (c *ShardedClient) Append(key string, value []byte) MutateResponse {
	return c.do(&Request{op: opAppend, Key: key, Value: value})
}

// See Client interface for documentation.
func (c *ShardedClient) Prepend(key string, value []byte) MutateResponse {
	return c.do(&Request{op: opPrepend, Key: key, Value: value})
}

// See Client interface for documentation.
func (c *ShardedClient) Delete(key string) MutateResponse {
	return c.do(&Request{op: opDelete, Key: key})
}

// See Client interface for documentation.
func (c *ShardedClient) Touch(key string, expiration uint32) MutateResponse {
	return c.do(&Request{op: opTouch, Key: key, Expiration: expiration})
}

// See Client interface for documentation.
func (c *ShardedClient) Increment(key string, delta uint64) CountResponse {
	return c.do(&Request{op: opIncrement, Key: key, Delta: delta})
}

// See Client interface for documentation.
func (c *ShardedClient) Decrement(key string, delta uint64) CountResponse {
	return c.do(&Request{op: opDecrement, Key: key, Delta: delta})
}

// See Client interface for documentation.
func (c *ShardedClient) IncrementWithSeed(
	key string,
	delta uint64,
	initValue uint64,
	expiration uint32) CountResponse {

	return c.seededCounter(opIncrement, key, delta, initValue, expiration)
}

// See Client interface for documentation.
func (c *ShardedClient) DecrementWithSeed(
	key string,
	delta uint64,
	initValue uint64,
	expiration uint32) CountResponse {

	return c.seededCounter(opDecrement, key, delta, initValue, expiration)
}

func (c *ShardedClient) seededCounter(
	op opCode,
	key string,
	delta uint64,
	initValue uint64,
	expiration uint32) CountResponse {

	req := &Request{
		op:         op,
		Key:        key,
		Delta:      delta,
		Initial:    initValue,
		Expiration: expiration,
		Seed:       true,
	}

	resp := c.do(req)
	if _, ok := c.codec.(BinaryCodec); ok {
		return resp
	}
	if resp.err != nil || resp.status != StatusKeyNotFound {
		return resp
	}

	// The text protocol cannot seed a counter; create it with add instead.
	// Losing the add race means another caller created the counter, in which
	// case the delta is applied to theirs.
	added := c.do(&Request{
		op:         opAdd,
		Key:        key,
		Value:      []byte(strconv.FormatUint(initValue, 10)),
		Expiration: expiration,
	})
	if added.err != nil {
		return newRequestErrorResponse(req, added.serverAddress, added.err)
	}
	switch added.status {
	case StatusNoError:
		return newOutcomeResponse(
			req,
			added.serverAddress,
			&Outcome{Status: StatusNoError, Count: initValue})
	case StatusItemNotStored:
		return c.do(&Request{op: op, Key: key, Delta: delta})
	}
	return newOutcomeResponse(
		req,
		added.serverAddress,
		&Outcome{Status: added.status, Message: added.message})
}

// Sends req to every UP server in parallel.  Returns the outcomes by server
// address, and the first failure (in address order).
func (c *ShardedClient) broadcast(req *Request) (map[string]*Outcome, error) {
	c.pool.maybeRestore(c.now())
	if c.pool.isClosed() {
		return nil, ErrClientClosed
	}

	servers := c.pool.upServers()
	if len(servers) == 0 {
		return nil, errNoServers()
	}

	outcomes := make(map[string]*Outcome, len(servers))
	failures := make(map[string]error)
	mutex := sync.Mutex{}

	group := errgroup.Group{}
	for _, server := range servers {
		server := server
		group.Go(func() error {
			result, generation, err := server.exchange(c.codec, []*Request{req})
			if err != nil {
				err = c.failure(server, generation, err)
			} else {
				server.succeeded()
			}

			mutex.Lock()
			defer mutex.Unlock()
			if err != nil {
				failures[server.address] = err
			} else {
				outcomes[server.address] = result[0]
			}
			return nil
		})
	}
	_ = group.Wait()

	if len(failures) > 0 {
		addresses := make([]string, 0, len(failures))
		for address := range failures {
			addresses = append(addresses, address)
		}
		sort.Strings(addresses)
		return outcomes, failures[addresses[0]]
	}
	return outcomes, nil
}

// See Client interface for documentation.
func (c *ShardedClient) Flush(expiration uint32) Response {
	start := time.Now()
	req := &Request{op: opFlush, Expiration: expiration}

	outcomes, err := c.broadcast(req)
	resp := &genericResponse{err: err}
	if err == nil {
		for _, outcome := range outcomes {
			if outcome.Status != StatusNoError {
				resp.status = outcome.Status
				resp.message = outcome.Message
				break
			}
		}
	}

	c.pool.metrics.observe(opFlush, resultLabel(resp), start, time.Now())
	return resp
}

// See Client interface for documentation.
func (c *ShardedClient) Version() VersionResponse {
	start := time.Now()
	req := &Request{op: opVersion}

	outcomes, err := c.broadcast(req)
	versions := make(map[string]string, len(outcomes))
	resp := &genericResponse{err: err, versions: versions}
	for address, outcome := range outcomes {
		if outcome.Status != StatusNoError {
			if resp.status == StatusNoError {
				resp.status = outcome.Status
				resp.message = outcome.Message
			}
			continue
		}
		versions[address] = outcome.Version
	}

	c.pool.metrics.observe(opVersion, resultLabel(resp), start, time.Now())
	return resp
}

// See Client interface for documentation.
func (c *ShardedClient) Close() error {
	return c.pool.Close()
}
