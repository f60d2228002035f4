// Package httpproxy implements the HTTP-CONNECT fallback the client-side
// SOCKS5 handler delegates to when the first byte of a local connection
// is not 0x05: a trivial variant of the same CONNECT-then-relay path,
// minus the SOCKS5 framing.
package httpproxy

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/shadowsocks/go-shadowsocks-relay/internal/address"
	"github.com/shadowsocks/go-shadowsocks-relay/internal/relay"
)

// Config mirrors relay.ClientConfig's shape for the subset HTTP-CONNECT
// needs: the Shadowsocks server to relay through and the cipher to use.
type Config struct {
	Method    string
	MasterKey []byte

	ServerAddr  string
	Dialer      relay.Dialer
	IdleTimeout time.Duration
}

// ServeConn reads one HTTP request off conn (whose first bytes have
// already been peeked and found not to be a SOCKS5 greeting) and, if it
// is a CONNECT request, relays the tunnel through the Shadowsocks server
// exactly like a SOCKS5 CONNECT would. Any other HTTP method gets a 501
// and the connection is closed; full HTTP proxying (non-CONNECT
// requests) is out of scope.
func ServeConn(ctx context.Context, conn net.Conn, cfg *Config) error {
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return fmt.Errorf("httpproxy: read request: %w", err)
	}

	if req.Method != http.MethodConnect {
		resp := http.Response{
			StatusCode: http.StatusNotImplemented,
			ProtoMajor: 1,
			ProtoMinor: 1,
			Header:     http.Header{},
		}
		resp.Write(conn)
		return fmt.Errorf("httpproxy: unsupported method %q", req.Method)
	}

	host, portStr, err := net.SplitHostPort(req.Host)
	if err != nil {
		host, portStr = req.Host, "80"
	}
	var port uint16
	fmt.Sscanf(portStr, "%d", &port)
	dest := address.New(host, port)

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return fmt.Errorf("httpproxy: write 200: %w", err)
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = relay.DirectDialer{}
	}
	upstream, err := dialer.DialContext(ctx, "tcp", cfg.ServerAddr)
	if err != nil {
		return fmt.Errorf("httpproxy: dial server %s: %w", cfg.ServerAddr, err)
	}
	defer upstream.Close()

	enc, err := relay.NewEncryptor(cfg.Method, cfg.MasterKey)
	if err != nil {
		return fmt.Errorf("httpproxy: build encryptor: %w", err)
	}

	if cfg.IdleTimeout > 0 {
		upstream.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	}

	encWriter := enc.EncryptWriter(upstream)
	if _, err := encWriter.Write(dest.Pack()); err != nil {
		return fmt.Errorf("httpproxy: write destination header: %w", err)
	}

	return relay.Pipe(conn, &bufConnAdapter{Conn: upstream, decReader: enc.DecryptReader(upstream), encWriter: encWriter})
}

// bufConnAdapter swaps a net.Conn's Read/Write for the Encryptor-wrapped
// pair, the same trick internal/relay's unexported encryptedConn uses;
// duplicated here rather than exported across package boundaries because
// the two packages otherwise have no reason to share an internal type.
type bufConnAdapter struct {
	net.Conn
	decReader interface{ Read([]byte) (int, error) }
	encWriter interface{ Write([]byte) (int, error) }
}

func (a *bufConnAdapter) Read(p []byte) (int, error)  { return a.decReader.Read(p) }
func (a *bufConnAdapter) Write(p []byte) (int, error) { return a.encWriter.Write(p) }

func (a *bufConnAdapter) CloseWrite() error {
	if hc, ok := a.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return nil
}
