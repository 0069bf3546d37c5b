//go:build unix

package transport

import (
	"net"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// socketControl applies the buffer and reuse options before bind.
func socketControl(cfg *UDPConfig) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var opErr error
		err := c.Control(func(fd uintptr) {
			if cfg.ReuseAddr {
				if opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); opErr != nil {
					opErr = errors.Wrap(opErr, "SO_REUSEADDR")
					return
				}
			}
			if cfg.ReadBufferSize > 0 {
				if opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, cfg.ReadBufferSize); opErr != nil {
					opErr = errors.Wrap(opErr, "SO_RCVBUF")
					return
				}
			}
			if cfg.WriteBufferSize > 0 {
				if opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, cfg.WriteBufferSize); opErr != nil {
					opErr = errors.Wrap(opErr, "SO_SNDBUF")
					return
				}
			}
		})
		if err != nil {
			return err
		}
		return opErr
	}
}

// isTransient reports socket errors that only affect one datagram.
// ECONNREFUSED shows up on Linux when a previous send hit a closed port.
func isTransient(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	for _, errno := range []unix.Errno{
		unix.EAGAIN, unix.EWOULDBLOCK, unix.ENOBUFS, unix.ECONNREFUSED,
		unix.EHOSTUNREACH, unix.ENETUNREACH, unix.EMSGSIZE, unix.EINTR,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
