//go:build linux

package relay

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// tcpFastOpenQueueLen is the backlog passed to TCP_FASTOPEN; mirrors the
// kernel default most distributions ship.
const tcpFastOpenQueueLen = 256

// EnableFastOpen sets TCP_FASTOPEN on a listening socket, best-effort.
// Failure is not fatal: fast open is a latency optimization the original
// client enables opportunistically, never a correctness requirement.
func EnableFastOpen(l *net.TCPListener) error {
	sc, err := l.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = sc.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_TCP, unix.TCP_FASTOPEN, tcpFastOpenQueueLen)
	})
	if err != nil {
		return err
	}
	return sockErr
}
