//go:build !unix

package transport

import (
	"net"
	"syscall"

	"github.com/pkg/errors"
)

func socketControl(cfg *UDPConfig) func(network, address string, c syscall.RawConn) error {
	return nil
}

func isTransient(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
