package server

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listen binds addr for TCP traffic. When reusePort is true, SO_REUSEPORT is
// set on the socket before binding so multiple worker processes can each
// independently accept connections on the same address — the Go analogue of
// the upstream's multiprocessing workers sharing a listening port.
func listen(addr string, reusePort bool) (net.Listener, error) {
	if !reusePort {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
		return lis, nil
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	lis, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s (SO_REUSEPORT): %w", addr, err)
	}
	return lis, nil
}
