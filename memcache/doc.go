// A sharded memcache client library.
//
// Keys are routed to servers by a ketama style consistent hash ring over the
// servers which are currently UP.  A server which fails a request (connect,
// io or protocol failure) is marked DOWN and dropped from the ring, so its
// keys move to the remaining servers instead of blocking callers.  DOWN
// servers are checked again once Options.RestorationInterval has elapsed.
//
// Both the ascii (text) protocol and memcached's binary protocol are
// supported.  See
// https://github.com/memcached/memcached/blob/master/doc/protocol.txt and
// https://github.com/memcached/memcached/wiki/BinaryProtocolRevamped for
// additional details.
package memcache
