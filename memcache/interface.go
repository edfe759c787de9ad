package memcache

// An item to be gotten from or stored in a memcache server.
type Item struct {
	// The item's key (the key can be up to 250 bytes maximum).
	Key string

	// The item's value.  Serializing structured values into bytes is up to
	// the caller; the client only frames the bytes.
	Value []byte

	// Flags are server-opaque flags whose semantics are entirely up to the app.
	Flags uint32

	// aka CAS (check and set) in memcache documentation.
	DataVersionId uint64

	// Expiration is the cache expiration time, in seconds: either a relative
	// time from now (up to 1 month), or an absolute Unix epoch time.
	// Zero means the Item has no expiration time.
	Expiration uint32
}

// A generic response to a memcache request.
type Response interface {
	// This returns the status returned by the memcache server.  When Error()
	// is non-nil, this value may not be valid.
	Status() ResponseStatus

	// This returns nil when the request reached the server and the server
	// sent a well-formed reply which is a valid outcome for the request:
	// success, or an application level outcome (key not found, item not
	// stored, key exists, incr/decr on a non-numeric value).
	//
	// Otherwise, this returns an error.  Local validation failures wrap
	// ErrInvalidKey / ErrValueTooLarge.  Transport / protocol failures wrap
	// ErrUnavailable (use errors.As to retrieve the *UnavailableError and its
	// cause); when every server is DOWN the cause is ErrNoServers.  Server
	// side error replies (e.g., SERVER_ERROR) are reported via
	// NewStatusCodeError.
	Error() error

	// This returns the address of the server which handled the request, or
	// the empty string if the request never reached a server.
	ServerAddress() string
}

// Response returned by Get / GetMulti requests.
type GetResponse interface {
	Response

	// This returns the key for the requested value.
	Key() string

	// This returns the retrieved entry.  The value is nil when the entry is
	// not found.
	Value() []byte

	// This returns the entry's flags value.  The value is only valid when
	// the entry is found.
	Flags() uint32

	// This returns the data version id (aka CAS) for the item.  The value is
	// only valid when the entry is found.
	DataVersionId() uint64
}

// Response returned by Set/Add/Replace/Delete/Append/Prepend/Touch requests.
type MutateResponse interface {
	Response

	// This returns the input key.
	Key() string

	// This returns the data version id (aka CAS) for the item.  The ascii
	// protocol does not report one, in which case this returns zero.
	DataVersionId() uint64
}

// Response returned by Increment/Decrement requests.
type CountResponse interface {
	Response

	// This returns the input key.
	Key() string

	// This returns the resulting count value.  On error status, this returns
	// zero.
	Count() uint64
}

// Response returned by Version request.
type VersionResponse interface {
	Response

	// This returns the memcache version entries, stored as:
	//      server address -> version string
	Versions() map[string]string
}

type Client interface {
	// This retrieves a single entry from memcache.
	Get(key string) GetResponse

	// Batch version of the Get method.  Keys are grouped by server and the
	// servers are queried in parallel.
	GetMulti(keys []string) map[string]GetResponse

	// This sets a single entry into memcache.  If the item's data version id
	// (aka CAS) is nonzero, the set operation can only succeed if the item
	// exists in memcache and has a same data version id.
	Set(item *Item) MutateResponse

	// This adds a single entry into memcache.  Note: Add will fail with
	// StatusItemNotStored (not an error) if the item already exists.
	Add(item *Item) MutateResponse

	// This replaces a single entry in memcache.  Note: Replace will fail with
	// StatusItemNotStored (not an error) if the item does not exist.
	Replace(item *Item) MutateResponse

	// This appends the value bytes to the end of an existing entry.  Note that
	// this does not allow you to extend past the item limit.
	Append(key string, value []byte) MutateResponse

	// This prepends the value bytes to the beginning of an existing entry.
	// Note that this does not allow you to extend past the item limit.
	Prepend(key string, value []byte) MutateResponse

	// This deletes a single entry from memcache.
	Delete(key string) MutateResponse

	// This updates the expiration time of an existing entry.
	Touch(key string, expiration uint32) MutateResponse

	// This increments the key's counter by delta.  If the counter does not
	// exist, the operation fails with StatusKeyNotFound.  If the stored value
	// is not a decimal number, it fails with
	// StatusIncrDecrOnNonNumericValue.
	//
	// NOTE: Incrementing the counter may cause the counter to wrap.
	Increment(key string, delta uint64) CountResponse

	// This decrements the key's counter by delta.  Same failure semantics as
	// Increment.
	//
	// NOTE: Decrementing a counter will never result in a "negative value" (or
	// cause the counter to "wrap"). instead the counter is set to 0.
	Decrement(key string, delta uint64) CountResponse

	// Same as Increment, except a missing counter is created with initValue
	// (the delta is not applied) and the given expiration.  The binary
	// protocol does this atomically; over the text protocol the counter is
	// created with a follow-up add.
	IncrementWithSeed(
		key string,
		delta uint64,
		initValue uint64,
		expiration uint32) CountResponse

	// Same as Decrement, with IncrementWithSeed's seeding semantics.
	DecrementWithSeed(
		key string,
		delta uint64,
		initValue uint64,
		expiration uint32) CountResponse

	// This invalidates all existing cache items after expiration number of
	// seconds, on every UP server.
	Flush(expiration uint32) Response

	// This returns the version string of every UP server.
	Version() VersionResponse

	// This releases all connections.  Requests issued after Close fail with
	// ErrClientClosed.
	Close() error
}
