package relay

import (
	"io"
	"net"
	"time"
)

// encryptedConn adapts an Encryptor-wrapped reader/writer pair back onto
// the net.Conn interface so Pipe can relay it like any other connection,
// while still delegating Close/deadlines/addresses to the underlying
// transport.
type encryptedConn struct {
	net.Conn
	reader io.Reader
	writer io.Writer
}

func (c *encryptedConn) Read(p []byte) (int, error)  { return c.reader.Read(p) }
func (c *encryptedConn) Write(p []byte) (int, error) { return c.writer.Write(p) }

// CloseWrite propagates a half-close to the underlying connection, if it
// supports one, so Pipe's FIN-forwarding works the same as for a plain
// net.Conn.
func (c *encryptedConn) CloseWrite() error {
	if hc, ok := c.Conn.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return nil
}

// idleConn enforces an idle timeout by arming a fresh read deadline
// before every Read: the connection dies only when neither Read makes
// progress for the full timeout, not at a fixed wall-clock cutoff, so a
// long-lived active relay is never cut off mid-transfer.
type idleConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleConn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Read(p)
}

func (c *idleConn) CloseWrite() error {
	if hc, ok := c.Conn.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return nil
}

// withIdleTimeout wraps conn so each Read re-arms the idle deadline; a
// zero timeout returns conn unchanged.
func withIdleTimeout(conn net.Conn, timeout time.Duration) net.Conn {
	if timeout <= 0 {
		return conn
	}
	return &idleConn{Conn: conn, timeout: timeout}
}

// meteredConn counts bytes moved through Read, reporting them to onRead
// in batches as they happen. Used to feed the relayed-bytes counters
// without threading metrics through the codec layer.
type meteredConn struct {
	net.Conn
	onRead func(n int)
}

func (c *meteredConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 && c.onRead != nil {
		c.onRead(n)
	}
	return n, err
}

func (c *meteredConn) CloseWrite() error {
	if hc, ok := c.Conn.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return nil
}
