//go:build linux

package net2

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

func userTimeout(conn *net.TCPConn) (time.Duration, error) {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}

	var value int
	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		value, sockErr = unix.GetsockoptInt(
			int(fd),
			unix.IPPROTO_TCP,
			unix.TCP_USER_TIMEOUT)
	})
	if err == nil {
		err = sockErr
	}
	return time.Duration(value) * time.Millisecond, err
}
