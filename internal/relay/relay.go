package relay

import (
	"io"
	"net"
)

// halfCloser is implemented by connections (TCP, WebSocket-backed) that
// support signaling end-of-writes without tearing down the whole
// connection.
type halfCloser interface {
	CloseWrite() error
}

// Pipe relays bytes bidirectionally between a and b until both directions
// have returned EOF or an error, then returns the first non-nil error
// seen (if any). Each direction half-closes its destination on
// completion so a TCP FIN propagates instead of waiting on a full close.
func Pipe(a, b net.Conn) error {
	errCh := make(chan error, 2)

	go func() {
		_, err := io.Copy(b, a)
		if hc, ok := b.(halfCloser); ok {
			hc.CloseWrite()
		}
		errCh <- err
	}()

	go func() {
		_, err := io.Copy(a, b)
		if hc, ok := a.(halfCloser); ok {
			hc.CloseWrite()
		}
		errCh <- err
	}()

	err1 := <-errCh
	err2 := <-errCh
	if err1 != nil {
		return err1
	}
	return err2
}
