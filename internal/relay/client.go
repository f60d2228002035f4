package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/shadowsocks/go-shadowsocks-relay/internal/address"
	"github.com/shadowsocks/go-shadowsocks-relay/internal/logging"
	"github.com/shadowsocks/go-shadowsocks-relay/internal/metrics"
)

// SOCKS5 wire constants for the client-facing handshake.
const (
	socks5Version = 0x05

	socks5CmdConnect      = 0x01
	socks5CmdBind         = 0x02
	socks5CmdUDPAssociate = 0x03

	socks5AuthNone = 0x00

	socks5ReplySuccess         = 0x00
	socks5ReplyCmdNotSupported = 0x07
)

// ClientConfig carries everything ServeClientConn needs to drive the
// client-side FSM for one locally accepted SOCKS5 connection.
type ClientConfig struct {
	Method    string
	MasterKey []byte

	// ServerAddr is the configured Shadowsocks server, already
	// host:port-formatted so ServeClientConn does not need to resolve
	// it itself.
	ServerAddr string
	Dialer     Dialer

	// UDPAssociate, if non-nil, is invoked when a client sends a SOCKS5
	// UDP-ASSOCIATE request; it should reply with the local bind point
	// the UDP relay is actually listening on. ServeClientConn holds the
	// connection open until it is closed by the caller, since the TCP
	// socket's lifetime is how the SOCKS5 client signals "tear down the
	// association".
	UDPAssociate func(ctx context.Context) (localBind *address.Address, err error)

	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	IdleTimeout time.Duration
}

func (c *ClientConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logging.NopLogger()
}

// ErrUnsupportedCommand is returned when the SOCKS5 request names a
// command other than CONNECT or UDP-ASSOCIATE (BIND is not supported).
var ErrUnsupportedCommand = errors.New("relay: unsupported SOCKS5 command")

// ServeClientConn drives the client-side connection state loop
// (INIT -> HELLO -> {UDP_ASSOC | REPLY -> STREAM} -> DESTROYED) for one
// accepted local TCP connection: the SOCKS5 greeting and request, then
// either a held-open UDP association or a bidirectional encrypted relay
// to the configured Shadowsocks server.
//
// conn's first byte is assumed to already be known to be 0x05 (SOCKS5);
// callers that also support HTTP-CONNECT peek the first byte themselves
// and dispatch to internal/httpproxy instead of calling this function.
func ServeClientConn(ctx context.Context, conn net.Conn, cfg *ClientConfig) error {
	logger := cfg.logger().With(logging.KeyRole, RoleClient.String())

	if cfg.IdleTimeout > 0 {
		conn.SetDeadline(time.Now().Add(cfg.IdleTimeout))
	}

	var (
		dest   *address.Address
		local  net.Conn
		remote net.Conn
		result error
	)

	state := StateInit
	for state != StateDestroyed {
		switch state {
		case StateInit:
			if err := socks5Handshake(conn); err != nil {
				result = fmt.Errorf("relay: socks5 handshake: %w", err)
				state = StateDestroyed
				continue
			}
			state = StateHello

		case StateHello:
			cmd, reqDest, err := socks5ReadRequest(conn)
			if err != nil {
				result = fmt.Errorf("relay: socks5 request: %w", err)
				state = StateDestroyed
				continue
			}
			dest = reqDest
			switch cmd {
			case socks5CmdUDPAssociate:
				state = StateUDPAssoc
			case socks5CmdConnect:
				state = StateReply
			default:
				writeSocks5Reply(conn, socks5ReplyCmdNotSupported, address.FromIP(net.IPv4zero, 0))
				logger.Warn("unsupported SOCKS5 command", slog.Int("cmd", int(cmd)))
				result = ErrUnsupportedCommand
				state = StateDestroyed
			}

		case StateUDPAssoc:
			result = serveUDPAssociate(ctx, conn, cfg)
			state = StateDestroyed

		case StateReply:
			var err error
			local, remote, err = openUpstream(ctx, conn, cfg, dest)
			if err != nil {
				result = err
				state = StateDestroyed
				continue
			}
			state = StateStream

		case StateStream:
			if cfg.Metrics != nil {
				cfg.Metrics.RecordConnect()
			}
			result = Pipe(local, remote)
			if cfg.Metrics != nil {
				cfg.Metrics.RecordDisconnect()
			}
			state = StateDestroyed
		}
	}

	if remote != nil {
		remote.Close()
	}
	return result
}

// socks5Handshake consumes the version-identifier/method-selection
// message (05 || nmethods || methods) and replies 05 00 (no
// authentication), the only method this relay offers.
func socks5Handshake(conn net.Conn) error {
	var head [2]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		return err
	}
	if head[0] != socks5Version {
		return fmt.Errorf("not a SOCKS5 greeting: version %#x", head[0])
	}
	nmethods := int(head[1])
	methods := make([]byte, nmethods)
	if nmethods > 0 {
		if _, err := io.ReadFull(conn, methods); err != nil {
			return err
		}
	}
	_, err := conn.Write([]byte{socks5Version, socks5AuthNone})
	return err
}

// socks5ReadRequest consumes 05 || CMD || RSV || ATYP || addr || port and
// returns the command byte and the parsed destination address.
func socks5ReadRequest(conn net.Conn) (byte, *address.Address, error) {
	var head [3]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		return 0, nil, err
	}
	if head[0] != socks5Version {
		return 0, nil, fmt.Errorf("bad request version %#x", head[0])
	}
	dest, err := address.ReadRequestHeader(conn)
	if err != nil {
		return 0, nil, err
	}
	return head[1], dest, nil
}

// writeSocks5Reply writes 05 || REP || 00 || pack_address(bind).
func writeSocks5Reply(conn net.Conn, rep byte, bind *address.Address) error {
	out := make([]byte, 0, 3+len(bind.Pack()))
	out = append(out, socks5Version, rep, 0x00)
	out = append(out, bind.Pack()...)
	_, err := conn.Write(out)
	return err
}

func serveUDPAssociate(ctx context.Context, conn net.Conn, cfg *ClientConfig) error {
	if cfg.UDPAssociate == nil {
		writeSocks5Reply(conn, 0x01, address.FromIP(net.IPv4zero, 0))
		return fmt.Errorf("relay: UDP relay not configured")
	}
	bind, err := cfg.UDPAssociate(ctx)
	if err != nil {
		writeSocks5Reply(conn, 0x01, address.FromIP(net.IPv4zero, 0))
		return fmt.Errorf("relay: udp associate: %w", err)
	}
	if err := writeSocks5Reply(conn, socks5ReplySuccess, bind); err != nil {
		return err
	}
	// The association lives as long as this TCP socket stays open; the
	// client closes it to tear the association down. There is no further
	// TCP application data to exchange once the reply is sent.
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	return err
}

// openUpstream replies success to the SOCKS5 client, dials the
// configured Shadowsocks server, and sends the encrypted destination
// header, returning the two endpoints the STREAM state relays between.
// Closing the returned remote also closes the upstream socket.
func openUpstream(ctx context.Context, conn net.Conn, cfg *ClientConfig, dest *address.Address) (net.Conn, net.Conn, error) {
	if dest.Port() == 0 {
		writeSocks5Reply(conn, 0x01, address.FromIP(net.IPv4zero, 0))
		return nil, nil, fmt.Errorf("relay: CONNECT to port 0")
	}
	if err := writeSocks5Reply(conn, socks5ReplySuccess, address.FromIP(net.IPv4zero, 0)); err != nil {
		return nil, nil, err
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = DirectDialer{}
	}
	upstream, err := dialer.DialContext(ctx, "tcp", cfg.ServerAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("relay: dial server %s: %w", cfg.ServerAddr, err)
	}

	enc, err := NewEncryptor(cfg.Method, cfg.MasterKey)
	if err != nil {
		upstream.Close()
		return nil, nil, fmt.Errorf("relay: build encryptor: %w", err)
	}

	conn.SetDeadline(time.Time{})

	encWriter := enc.EncryptWriter(upstream)
	if _, err := encWriter.Write(dest.Pack()); err != nil {
		upstream.Close()
		return nil, nil, fmt.Errorf("relay: write destination header: %w", err)
	}

	local := withIdleTimeout(conn, cfg.IdleTimeout)
	if cfg.Metrics != nil {
		local = &meteredConn{Conn: local, onRead: func(n int) { cfg.Metrics.RecordBytesRelayed("up", n) }}
	}
	up := withIdleTimeout(upstream, cfg.IdleTimeout)
	var remote net.Conn = &encryptedConn{Conn: up, reader: enc.DecryptReader(up), writer: encWriter}
	if cfg.Metrics != nil {
		remote = &meteredConn{Conn: remote, onRead: func(n int) { cfg.Metrics.RecordBytesRelayed("down", n) }}
	}
	return local, remote, nil
}
