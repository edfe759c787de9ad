//go:build linux

package net2

import (
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dropbox/mcache/errors"
)

// Disables Nagle and bounds how long written bytes may stay unacknowledged
// (TCP_USER_TIMEOUT).  Without the latter, a request written to a dead peer
// only fails once the kernel gives up retransmitting, which takes minutes.
func tuneSocket(conn *net.TCPConn, writeTimeout time.Duration) error {
	if err := conn.SetNoDelay(true); err != nil {
		return errors.Wrap(err, "Failed to set TCP_NODELAY")
	}
	if writeTimeout <= 0 {
		return nil
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return errors.Wrap(err, "Failed to get raw connection")
	}

	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(
			int(fd),
			unix.IPPROTO_TCP,
			unix.TCP_USER_TIMEOUT,
			int(writeTimeout/time.Millisecond))
	})
	if err == nil {
		err = sockErr
	}
	if err != nil {
		return errors.Wrap(err, "Failed to set TCP_USER_TIMEOUT")
	}
	return nil
}
