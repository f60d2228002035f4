// Package profile defines the Shadowsocks connection Profile (the
// validated runtime configuration for one client or server) and parses
// it to and from the ss:// URI forms used for out-of-band sharing.
package profile

import (
	"fmt"
	"net"

	sscipher "github.com/shadowsocks/go-shadowsocks-relay/internal/cipher"
)

// DefaultTimeoutSeconds is used when a profile omits an explicit idle
// timeout, matching the reference client/server default.
const DefaultTimeoutSeconds = 600

// Profile is the immutable, validated configuration for a relay
// endpoint: the remote Shadowsocks server plus the local bind point a
// client listens on, or just the server's own listen point in server
// mode.
type Profile struct {
	Name string // optional human-readable label, from a ss:// URI fragment

	Server     string
	ServerPort uint16

	LocalAddress string
	LocalPort    uint16

	Method   string
	Password string

	TimeoutSeconds int
	Debug          bool
	HTTPProxy      bool
	FastOpen       bool
}

// Validate checks the invariants the relay depends on: a registered
// cipher method, non-zero ports, and a non-empty password. It does not
// attempt to resolve Server/LocalAddress; that happens lazily via
// internal/address.
func (p *Profile) Validate() error {
	if p.Server == "" {
		return fmt.Errorf("profile: server address is required")
	}
	if p.ServerPort == 0 {
		return fmt.Errorf("profile: server_port must be nonzero")
	}
	if p.Method == "" {
		return fmt.Errorf("profile: method is required")
	}
	if !sscipher.IsSupported(p.Method) {
		return fmt.Errorf("profile: unsupported method %q", p.Method)
	}
	if p.Password == "" {
		return fmt.Errorf("profile: password is required")
	}
	if p.LocalPort == 0 {
		return fmt.Errorf("profile: local_port must be nonzero")
	}
	return nil
}

// WithDefaults fills in fields that are safe to default (timeout, local
// bind address), returning a new Profile; call before Validate.
func (p Profile) WithDefaults() Profile {
	if p.TimeoutSeconds == 0 {
		p.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if p.LocalAddress == "" {
		p.LocalAddress = "127.0.0.1"
	}
	return p
}

// ServerHostPort returns "server:server_port".
func (p *Profile) ServerHostPort() string {
	return net.JoinHostPort(p.Server, fmt.Sprintf("%d", p.ServerPort))
}

// LocalHostPort returns "local_address:local_port".
func (p *Profile) LocalHostPort() string {
	return net.JoinHostPort(p.LocalAddress, fmt.Sprintf("%d", p.LocalPort))
}

// Redacted returns a copy of p with Password replaced by a fixed
// placeholder, safe to log.
func (p Profile) Redacted() Profile {
	if p.Password != "" {
		p.Password = "********"
	}
	return p
}
