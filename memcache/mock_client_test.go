package memcache

import (
	"bytes"

	. "gopkg.in/check.v1"

	. "github.com/dropbox/mcache/gocheck2"
)

type MockClientSuite struct {
	client *MockClient
}

var _ = Suite(&MockClientSuite{})

func (s *MockClientSuite) SetUpTest(c *C) {
	s.client = NewMockClient().(*MockClient)
}

func createTestItem() *Item {
	return &Item{
		Key:        testKey,
		Value:      testValue,
		Flags:      testFlags,
		Expiration: testExpiry,
	}
}

func (s *MockClientSuite) TestAddSimple(c *C) {
	item := createTestItem()

	resp := s.client.Add(item)
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Key(), Equals, item.Key)
	c.Assert(resp.DataVersionId(), Equals, uint64(1))

	gresp := s.client.Get(item.Key)
	c.Assert(gresp.Error(), IsNil)
	c.Assert(bytes.Equal(gresp.Value(), item.Value), IsTrue)
	c.Assert(gresp.Flags(), Equals, testFlags)
	c.Assert(gresp.DataVersionId(), Equals, uint64(1))
}

func (s *MockClientSuite) TestAddExists(c *C) {
	item := createTestItem()

	resp := s.client.Add(item)
	resp = s.client.Add(item)
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Status(), Equals, StatusItemNotStored)
}

func (s *MockClientSuite) TestAddRejectsDataVersionId(c *C) {
	item := createTestItem()
	item.DataVersionId = testCas

	resp := s.client.Add(item)
	c.Assert(resp.Error(), NotNil)
	c.Assert(resp.Key(), Equals, item.Key)

	// Nothing was stored.
	c.Assert(s.client.Get(item.Key).Status(), Equals, StatusKeyNotFound)
}

func (s *MockClientSuite) TestSetCas(c *C) {
	item := createTestItem()
	c.Assert(s.client.Set(item).Error(), IsNil)

	item.DataVersionId = 100
	c.Assert(s.client.Set(item).Status(), Equals, StatusKeyExists)

	item.DataVersionId = 1
	resp := s.client.Set(item)
	c.Assert(resp.Status(), Equals, StatusNoError)
	c.Assert(resp.DataVersionId(), Equals, uint64(2))

	missing := createTestItem()
	missing.Key = "missing"
	missing.DataVersionId = 2
	c.Assert(s.client.Set(missing).Status(), Equals, StatusKeyNotFound)
}

func (s *MockClientSuite) TestValuesAreCopied(c *C) {
	value := []byte("abc")
	c.Assert(s.client.Set(&Item{Key: "key", Value: value}).Error(), IsNil)
	value[0] = 'x'

	got := s.client.Get("key").Value()
	c.Assert(string(got), Equals, "abc")
	got[0] = 'y'
	c.Assert(string(s.client.Get("key").Value()), Equals, "abc")
}

func (s *MockClientSuite) TestAppendPrepend(c *C) {
	c.Assert(s.client.Append("key", []byte("x")).Status(), Equals, StatusItemNotStored)

	c.Assert(s.client.Set(&Item{Key: "key", Value: []byte("b")}).Error(), IsNil)
	c.Assert(s.client.Append("key", []byte("c")).Error(), IsNil)
	c.Assert(s.client.Prepend("key", []byte("a")).Error(), IsNil)
	c.Assert(string(s.client.Get("key").Value()), Equals, "abc")
}

func (s *MockClientSuite) TestReplace(c *C) {
	item := createTestItem()
	c.Assert(s.client.Replace(item).Status(), Equals, StatusItemNotStored)
	c.Assert(s.client.Set(item).Error(), IsNil)

	item.Value = []byte("new")
	c.Assert(s.client.Replace(item).Status(), Equals, StatusNoError)
	c.Assert(string(s.client.Get(item.Key).Value()), Equals, "new")
}

func (s *MockClientSuite) TestCounters(c *C) {
	resp := s.client.Increment("counter", 5)
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Status(), Equals, StatusKeyNotFound)

	c.Assert(s.client.Set(&Item{Key: "counter", Value: []byte("10")}).Error(), IsNil)

	resp = s.client.Increment("counter", 5)
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Count(), Equals, uint64(15))

	resp = s.client.Decrement("counter", 20)
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Count(), Equals, uint64(0))

	c.Assert(s.client.Set(&Item{Key: "text", Value: []byte("abc")}).Error(), IsNil)
	resp = s.client.Decrement("text", 1)
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Status(), Equals, StatusIncrDecrOnNonNumericValue)
}

func (s *MockClientSuite) TestSeededCounters(c *C) {
	resp := s.client.IncrementWithSeed("counter", 5, 10, testExpiry)
	c.Assert(resp.Error(), IsNil)
	c.Assert(resp.Count(), Equals, uint64(10))
	c.Assert(s.client.data["counter"].Expiration, Equals, testExpiry)

	resp = s.client.IncrementWithSeed("counter", 5, 10, testExpiry)
	c.Assert(resp.Count(), Equals, uint64(15))

	resp = s.client.DecrementWithSeed("other", 5, 3, 0)
	c.Assert(resp.Count(), Equals, uint64(3))
	resp = s.client.DecrementWithSeed("other", 5, 3, 0)
	c.Assert(resp.Count(), Equals, uint64(0))
}

func (s *MockClientSuite) TestGetMulti(c *C) {
	c.Assert(s.client.Set(&Item{Key: "a", Value: []byte("1")}).Error(), IsNil)

	results := s.client.GetMulti([]string{"a", "b", "b a d"})
	c.Assert(results, HasLen, 3)
	c.Assert(results["a"].Status(), Equals, StatusNoError)
	c.Assert(results["b"].Status(), Equals, StatusKeyNotFound)
	c.Assert(results["b a d"].Error(), ErrorIs, ErrInvalidKey)
}

func (s *MockClientSuite) TestDeleteTouchFlush(c *C) {
	c.Assert(s.client.Delete("key").Status(), Equals, StatusKeyNotFound)
	c.Assert(s.client.Touch("key", 1).Status(), Equals, StatusKeyNotFound)

	c.Assert(s.client.Set(&Item{Key: "key"}).Error(), IsNil)
	c.Assert(s.client.Touch("key", 1).Status(), Equals, StatusNoError)
	c.Assert(s.client.Delete("key").Status(), Equals, StatusNoError)

	c.Assert(s.client.Set(&Item{Key: "key"}).Error(), IsNil)
	c.Assert(s.client.Flush(0).Error(), IsNil)
	c.Assert(s.client.Get("key").Status(), Equals, StatusKeyNotFound)
}

func (s *MockClientSuite) TestClose(c *C) {
	c.Assert(s.client.Version().Error(), IsNil)
	c.Assert(s.client.Close(), IsNil)

	c.Assert(s.client.Get("key").Error(), ErrorIs, ErrClientClosed)
	c.Assert(s.client.Version().Error(), ErrorIs, ErrClientClosed)
}
