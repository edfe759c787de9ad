package memcache

import (
	"strconv"
	"sync"

	"github.com/dropbox/mcache/errors"
)

// An in-memory Client with memcache semantics, for testing code built on top
// of the client.  Expiration is recorded but never enforced.  Values are kept
// as given; FlagCompress is stored but no compression takes place.
type MockClient struct {
	data    map[string]*Item
	version uint64
	mutex   sync.Mutex
	closed  bool
}

func NewMockClient() Client {
	return &MockClient{data: make(map[string]*Item)}
}

// Requires the mutex to be held.
func (c *MockClient) check(req *Request) error {
	if c.closed {
		return ErrClientClosed
	}
	return validateRequest(req)
}

func (c *MockClient) getHelper(key string) GetResponse {
	if err := c.check(&Request{op: opGet, Key: key}); err != nil {
		return NewGetErrorResponse(key, err)
	}

	if v, ok := c.data[key]; ok {
		value := make([]byte, len(v.Value))
		copy(value, v.Value)
		return NewGetResponse(
			key,
			StatusNoError,
			v.Flags,
			value,
			v.DataVersionId)
	}
	return NewGetResponse(key, StatusKeyNotFound, 0, nil, 0)
}

// See Client interface for documentation.
func (c *MockClient) Get(key string) GetResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.getHelper(key)
}

// See Client interface for documentation.
func (c *MockClient) GetMulti(keys []string) map[string]GetResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	res := make(map[string]GetResponse)
	for _, key := range keys {
		res[key] = c.getHelper(key)
	}
	return res
}

// Requires the mutex to be held.
func (c *MockClient) put(key string, value []byte, flags, expiration uint32) uint64 {
	c.version++

	stored := make([]byte, len(value))
	copy(stored, value)
	c.data[key] = &Item{
		Key:           key,
		Value:         stored,
		Flags:         flags,
		Expiration:    expiration,
		DataVersionId: c.version,
	}
	return c.version
}

func (c *MockClient) storeHelper(op opCode, item *Item) MutateResponse {
	if item == nil {
		return NewMutateErrorResponse("", errors.New("Item is nil"))
	}

	req := &Request{
		op:            op,
		Key:           item.Key,
		Value:         item.Value,
		DataVersionId: item.DataVersionId,
	}
	if err := c.check(req); err != nil {
		return NewMutateErrorResponse(item.Key, err)
	}

	existing, ok := c.data[item.Key]
	if item.DataVersionId != 0 {
		if !ok {
			return NewMutateResponse(item.Key, StatusKeyNotFound, 0)
		}
		if existing.DataVersionId != item.DataVersionId {
			return NewMutateResponse(item.Key, StatusKeyExists, 0)
		}
	}

	switch op {
	case opAdd:
		if ok {
			return NewMutateResponse(item.Key, StatusItemNotStored, 0)
		}
	case opReplace:
		if !ok {
			return NewMutateResponse(item.Key, StatusItemNotStored, 0)
		}
	}

	version := c.put(item.Key, item.Value, item.Flags, item.Expiration)
	return NewMutateResponse(item.Key, StatusNoError, version)
}

// See Client interface for documentation.
func (c *MockClient) Set(item *Item) MutateResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.storeHelper(opSet, item)
}

// See Client interface for documentation.
func (c *MockClient) Add(item *Item) MutateResponse {
	if err := validateAddItem(item); err != nil {
		return NewMutateErrorResponse(item.Key, err)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.storeHelper(opAdd, item)
}

// See Client interface for documentation.
func (c *MockClient) Replace(item *Item) MutateResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.storeHelper(opReplace, item)
}

func (c *MockClient) concat(op opCode, key string, value []byte) MutateResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err := c.check(&Request{op: op, Key: key, Value: value}); err != nil {
		return NewMutateErrorResponse(key, err)
	}

	existing, ok := c.data[key]
	if !ok {
		return NewMutateResponse(key, StatusItemNotStored, 0)
	}

	var newValue []byte
	if op == opAppend {
		newValue = append(append(newValue, existing.Value...), value...)
	} else {
		newValue = append(append(newValue, value...), existing.Value...)
	}
	if err := validateValue(newValue); err != nil {
		return NewMutateResponse(key, StatusValueTooLarge, 0)
	}

	version := c.put(key, newValue, existing.Flags, existing.Expiration)
	return NewMutateResponse(key, StatusNoError, version)
}

// See Client interface for documentation.
func (c *MockClient) Append(key string, value []byte) MutateResponse {
	return c.concat(opAppend, key, value)
}

// See Client interface for documentation.
func (c *MockClient) Prepend(key string, value []byte) MutateResponse {
	return c.concat(opPrepend, key, value)
}

// See Client interface for documentation.
func (c *MockClient) Delete(key string) MutateResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err := c.check(&Request{op: opDelete, Key: key}); err != nil {
		return NewMutateErrorResponse(key, err)
	}

	if _, ok := c.data[key]; !ok {
		return NewMutateResponse(key, StatusKeyNotFound, 0)
	}
	delete(c.data, key)
	return NewMutateResponse(key, StatusNoError, 0)
}

// See Client interface for documentation.
func (c *MockClient) Touch(key string, expiration uint32) MutateResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err := c.check(&Request{op: opTouch, Key: key}); err != nil {
		return NewMutateErrorResponse(key, err)
	}

	item, ok := c.data[key]
	if !ok {
		return NewMutateResponse(key, StatusKeyNotFound, 0)
	}
	item.Expiration = expiration
	return NewMutateResponse(key, StatusNoError, 0)
}

func (c *MockClient) count(req *Request) CountResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	key := req.Key
	delta := req.Delta
	if err := c.check(req); err != nil {
		return NewCountErrorResponse(key, err)
	}

	item, ok := c.data[key]
	if !ok {
		if !req.Seed {
			return NewCountResponse(key, StatusKeyNotFound, 0)
		}
		c.put(
			key,
			[]byte(strconv.FormatUint(req.Initial, 10)),
			0,
			req.Expiration)
		return NewCountResponse(key, StatusNoError, req.Initial)
	}

	current, err := strconv.ParseUint(string(item.Value), 10, 64)
	if err != nil {
		return NewCountResponse(key, StatusIncrDecrOnNonNumericValue, 0)
	}

	if req.op == opIncrement {
		// wraps around on overflow, same as the server.
		current += delta
	} else if delta > current {
		current = 0
	} else {
		current -= delta
	}

	c.put(
		key,
		[]byte(strconv.FormatUint(current, 10)),
		item.Flags,
		item.Expiration)
	return NewCountResponse(key, StatusNoError, current)
}

// See Client interface for documentation.
func (c *MockClient) Increment(key string, delta uint64) CountResponse {
	return c.count(&Request{op: opIncrement, Key: key, Delta: delta})
}

// See Client interface for documentation.
func (c *MockClient) Decrement(key string, delta uint64) CountResponse {
	return c.count(&Request{op: opDecrement, Key: key, Delta: delta})
}

// See Client interface for documentation.
func (c *MockClient) IncrementWithSeed(
	key string,
	delta uint64,
	initValue uint64,
	expiration uint32) CountResponse {

	return c.count(&Request{
		op:         opIncrement,
		Key:        key,
		Delta:      delta,
		Initial:    initValue,
		Expiration: expiration,
		Seed:       true,
	})
}

// See Client interface for documentation.
func (c *MockClient) DecrementWithSeed(
	key string,
	delta uint64,
	initValue uint64,
	expiration uint32) CountResponse {

	return c.count(&Request{
		op:         opDecrement,
		Key:        key,
		Delta:      delta,
		Initial:    initValue,
		Expiration: expiration,
		Seed:       true,
	})
}

// See Client interface for documentation.  Expiration is ignored; the data
// is dropped immediately.
func (c *MockClient) Flush(expiration uint32) Response {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return NewErrorResponse(ErrClientClosed)
	}
	c.data = make(map[string]*Item)
	return NewResponse(StatusNoError)
}

// See Client interface for documentation.
func (c *MockClient) Version() VersionResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return NewVersionErrorResponse(ErrClientClosed, nil)
	}
	return NewVersionResponse(
		StatusNoError,
		map[string]string{"mock": "MockServer"})
}

// See Client interface for documentation.
func (c *MockClient) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.closed = true
	return nil
}
