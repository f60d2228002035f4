package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/shadowsocks/go-shadowsocks-relay/internal/address"
	"github.com/shadowsocks/go-shadowsocks-relay/internal/banlist"
	"github.com/shadowsocks/go-shadowsocks-relay/internal/logging"
	"github.com/shadowsocks/go-shadowsocks-relay/internal/metrics"
)

// Dialer abstracts outbound dialing so tests can substitute a fake
// target without a real network.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DirectDialer dials destinations directly over the network.
type DirectDialer struct{}

func (DirectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, address)
}

// ServerConfig carries everything ServeConn needs to run the server-side
// FSM for one accepted connection.
type ServerConfig struct {
	Method    string
	MasterKey []byte

	Dialer      Dialer
	Banlist     *banlist.List
	Limiter     *HeaderLimiter
	Metrics     *metrics.Metrics // optional, nil-safe
	Logger      *slog.Logger     // optional, defaults to a no-op logger
	IdleTimeout time.Duration    // zero disables the idle timer
}

func (c *ServerConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logging.NopLogger()
}

// ErrBanned is returned by ServeConn when the peer IP is already in the
// auto-ban registry; the caller should close the connection without
// writing anything back to a known-bad peer.
var ErrBanned = errors.New("relay: peer is banned")

// ServeConn drives the server-side connection state loop
// (INIT -> DNS -> REPLY -> STREAM -> DESTROYED) for one accepted TCP
// connection: decrypt, parse the destination address header, dial it,
// then relay bidirectionally until either side closes. A header failure
// that is not a plain I/O error (a record that fails authentication or a
// malformed address header) bans the peer IP, on the theory that a real
// client speaking the protocol with the right key never produces one.
func ServeConn(ctx context.Context, conn net.Conn, cfg *ServerConfig) error {
	logger := cfg.logger().With(logging.KeyRole, RoleServer.String())
	peerIP := remoteIP(conn)

	var (
		enc        *Encryptor
		clientSide net.Conn
		decReader  io.Reader
		dest       *address.Address
		target     net.Conn
		result     error
	)

	state := StateInit
	for state != StateDestroyed {
		switch state {
		case StateInit:
			if cfg.Banlist != nil && cfg.Banlist.IsBanned(peerIP) {
				result = ErrBanned
				state = StateDestroyed
				continue
			}
			// Only IPs with recorded header failures are ever delayed
			// here; a clean peer passes straight through.
			if cfg.Limiter != nil {
				if err := cfg.Limiter.Wait(ctx, peerIP); err != nil {
					result = fmt.Errorf("relay: header rate limit: %w", err)
					state = StateDestroyed
					continue
				}
			}
			var err error
			enc, err = NewEncryptor(cfg.Method, cfg.MasterKey)
			if err != nil {
				result = fmt.Errorf("relay: build encryptor: %w", err)
				state = StateDestroyed
				continue
			}
			clientSide = withIdleTimeout(conn, cfg.IdleTimeout)
			decReader = enc.DecryptReader(clientSide)
			state = StateDNS

		case StateDNS:
			var err error
			dest, err = address.ReadHeader(decReader)
			if err != nil {
				// A peer that closed early or idled out is an I/O
				// casualty, not a probe; only bad bytes that arrived
				// over a successful read charge the limiter and ban.
				if isIOError(err) {
					cfg.recordError("header_read")
				} else {
					if cfg.Limiter != nil {
						cfg.Limiter.RecordFailure(peerIP)
					}
					cfg.ban(peerIP, "malformed_header")
					logger.Warn("malformed address header, banning peer",
						logging.KeyState, state.String(),
						logging.KeyPeerAddr, peerIP.String(), logging.KeyError, err.Error())
				}
				result = fmt.Errorf("relay: read address header: %w", err)
				state = StateDestroyed
				continue
			}
			state = StateReply

		case StateReply:
			dialer := cfg.Dialer
			if dialer == nil {
				dialer = DirectDialer{}
			}
			var err error
			target, err = dialer.DialContext(ctx, "tcp", dest.String())
			if err != nil {
				cfg.recordError("dial_failed")
				result = fmt.Errorf("relay: dial %s: %w", dest, err)
				state = StateDestroyed
				continue
			}
			state = StateStream

		case StateStream:
			logger.Debug("relaying", logging.KeyState, state.String(), logging.KeyAddress, dest.String())
			if cfg.Metrics != nil {
				cfg.Metrics.RecordConnect()
			}
			var encConn net.Conn = &encryptedConn{Conn: clientSide, reader: decReader, writer: enc.EncryptWriter(conn)}
			upstream := withIdleTimeout(target, cfg.IdleTimeout)
			if cfg.Metrics != nil {
				encConn = &meteredConn{Conn: encConn, onRead: func(n int) { cfg.Metrics.RecordBytesRelayed("up", n) }}
				upstream = &meteredConn{Conn: upstream, onRead: func(n int) { cfg.Metrics.RecordBytesRelayed("down", n) }}
			}
			result = Pipe(encConn, upstream)
			if cfg.Metrics != nil {
				cfg.Metrics.RecordDisconnect()
			}
			state = StateDestroyed
		}
	}

	if target != nil {
		target.Close()
	}
	return result
}

func (c *ServerConfig) ban(ip net.IP, reason string) {
	if c.Banlist != nil {
		c.Banlist.Ban(ip)
	}
	if c.Metrics != nil {
		c.Metrics.RecordConnectionError(reason)
	}
}

func (c *ServerConfig) recordError(reason string) {
	if c.Metrics != nil {
		c.Metrics.RecordConnectionError(reason)
	}
}

// isIOError reports whether err is a transport-level failure (EOF,
// truncated read, deadline, closed socket) rather than a protocol or
// cryptographic violation.
func isIOError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, net.ErrClosed)
}

func remoteIP(conn net.Conn) net.IP {
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcpAddr.IP
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return net.IPv4zero
	}
	return net.ParseIP(host)
}
