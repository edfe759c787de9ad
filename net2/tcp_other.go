//go:build !linux

package net2

import (
	"net"
	"time"
)

// TCP_USER_TIMEOUT is linux only.
func tuneSocket(conn *net.TCPConn, writeTimeout time.Duration) error {
	return conn.SetNoDelay(true)
}
