//go:build !linux

package relay

import "net"

// EnableFastOpen is a no-op on platforms without TCP_FASTOPEN support
// wired here.
func EnableFastOpen(*net.TCPListener) error {
	return nil
}
