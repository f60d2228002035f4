package udp

import (
	"log/slog"
	"net"
	"time"

	"github.com/shadowsocks/go-shadowsocks-relay/internal/banlist"
	"github.com/shadowsocks/go-shadowsocks-relay/internal/metrics"
)

// Role distinguishes which side of the relay a Config configures:
// client mode unwraps the local SOCKS5 UDP envelope and wraps Shadowsocks
// framing; server mode does the reverse.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// recvCap is the maximum datagram size the relay will read or forward.
const recvCap = 65536

// defaultMaxAssociations caps the NAT cache so a flood of distinct peer
// endpoints cannot grow it unboundedly; least-recently-used entries are
// evicted once the cap is exceeded.
const defaultMaxAssociations = 4096

// defaultIdleTimeout is how long an association may sit without traffic
// in either direction before the janitor evicts it.
const defaultIdleTimeout = 5 * time.Minute

// Config carries the fixed parameters for one Relay instance.
type Config struct {
	Role Role

	Method    string
	MasterKey []byte

	// ServerAddr is the Shadowsocks server's UDP endpoint. Required in
	// client mode (every unwrapped datagram is re-encrypted and sent
	// here); ignored in server mode, where the destination comes from
	// the decrypted address header.
	ServerAddr *net.UDPAddr

	MaxAssociations int
	IdleTimeout     time.Duration

	Banlist *banlist.List // server mode only; nil disables the check
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxAssociations == 0 {
		c.MaxAssociations = defaultMaxAssociations
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	return c
}
