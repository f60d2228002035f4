package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shadowsocks/go-shadowsocks-relay/internal/address"
	"github.com/shadowsocks/go-shadowsocks-relay/internal/logging"
)

// socks5UDPHeaderLen is RSV(2) || FRAG(1), the wrapper the local SOCKS5
// client prepends to every UDP-ASSOCIATE datagram.
const socks5UDPHeaderLen = 3

// Relay owns one long-lived UDP listen socket and the NAT-style cache of
// upstream sockets it fans out to. The same type implements both client
// and server roles; only the per-datagram wrap/unwrap direction and the
// NAT key differ (Config.Role).
type Relay struct {
	cfg    Config
	listen *net.UDPConn
	cache  *cache
	logger *slog.Logger

	janitorStop chan struct{}
	wg          sync.WaitGroup
}

// NewRelay builds a Relay bound to an already-listening UDP socket. The
// caller owns listen's lifetime up until it passes it here; closing
// listen (or calling Relay.Close) stops the relay.
func NewRelay(listen *net.UDPConn, cfg Config) *Relay {
	cfg = cfg.withDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	r := &Relay{
		cfg:         cfg,
		listen:      listen,
		cache:       newCache(cfg.MaxAssociations),
		logger:      logger,
		janitorStop: make(chan struct{}),
	}
	if cfg.Metrics != nil {
		r.cache.onEvict = func(*association) { cfg.Metrics.RecordUDPAssociationClose() }
	}
	return r
}

// Serve runs the listen-socket read loop until ctx is canceled or the
// listen socket errors (typically because Close was called). It returns
// nil on a clean shutdown.
func (r *Relay) Serve(ctx context.Context) error {
	r.wg.Add(1)
	go r.janitor()

	buf := make([]byte, recvCap)
	for {
		n, peer, err := r.listen.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if isClosedErr(err) {
				return nil
			}
			return fmt.Errorf("udp: listen read: %w", err)
		}
		datagram := append([]byte(nil), buf[:n]...)
		go r.handleInbound(ctx, datagram, peer)
	}
}

// Close stops the relay: it closes the listen socket (unblocking Serve)
// and every cached upstream socket, then waits for the janitor to exit.
func (r *Relay) Close() error {
	close(r.janitorStop)
	err := r.listen.Close()
	for _, a := range r.cache.all() {
		r.cache.remove(a.key)
	}
	r.wg.Wait()
	return err
}

func (r *Relay) janitor() {
	defer r.wg.Done()
	t := time.NewTicker(r.cfg.IdleTimeout / 2)
	defer t.Stop()
	for {
		select {
		case <-r.janitorStop:
			return
		case <-t.C:
			r.cache.evictIdle(r.cfg.IdleTimeout)
		}
	}
}

func (r *Relay) handleInbound(ctx context.Context, datagram []byte, peer *net.UDPAddr) {
	if r.cfg.Role == RoleServer {
		r.handleServerInbound(ctx, datagram, peer)
		return
	}
	r.handleClientInbound(ctx, datagram, peer)
}

// handleClientInbound strips the SOCKS5 UDP wrapper, encrypts
// header||payload, and forwards it to the configured Shadowsocks server,
// creating the upstream socket on first use for this (peer, dest) pair.
func (r *Relay) handleClientInbound(ctx context.Context, datagram []byte, peer *net.UDPAddr) {
	if len(datagram) < socks5UDPHeaderLen {
		return
	}
	if datagram[0] != 0 || datagram[1] != 0 || datagram[2] != 0 {
		return // FRAG != 0: fragmented UDP datagrams are not supported.
	}
	body := datagram[socks5UDPHeaderLen:]

	dest, consumed, err := address.ParseHeader(body)
	if err != nil {
		r.logger.Debug("client mode: malformed SOCKS5 UDP header", logging.KeyError, err.Error())
		return
	}
	payload := body[consumed:]

	key := peer.String() + "|" + dest.String()
	a, created, err := r.cache.getOrCreate(key, func() (*association, error) {
		return r.newClientAssociation(ctx, peer, dest)
	})
	if err != nil {
		r.logger.Warn("client mode: create upstream socket failed", logging.KeyError, err.Error())
		return
	}
	if created && r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordUDPAssociationOpen()
	}
	a.touch()

	wire, err := EncryptDatagram(r.cfg.Method, r.cfg.MasterKey, append(dest.Pack(), payload...))
	if err != nil {
		r.logger.Warn("client mode: encrypt datagram failed", logging.KeyError, err.Error())
		return
	}
	if _, err := a.conn.WriteToUDP(wire, r.cfg.ServerAddr); err != nil {
		r.logger.Warn("client mode: write to server failed", logging.KeyError, err.Error())
		return
	}
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordUDPPacket("up")
	}
}

func (r *Relay) newClientAssociation(_ context.Context, peer *net.UDPAddr, dest *address.Address) (*association, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, err
	}
	a := &association{conn: conn, clientAddr: peer, destAddr: dest, lastActive: time.Now()}
	r.wg.Add(1)
	go r.clientUpstreamLoop(a)
	return a, nil
}

// clientUpstreamLoop relays the Shadowsocks server's replies back to the
// original SOCKS5 client, re-wrapping each datagram in the RSV||FRAG
// prefix the client expects.
func (r *Relay) clientUpstreamLoop(a *association) {
	defer r.wg.Done()
	buf := make([]byte, recvCap)
	for {
		n, _, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		a.touch()
		plaintext, err := DecryptDatagram(r.cfg.Method, r.cfg.MasterKey, buf[:n])
		if err != nil {
			r.logger.Debug("client mode: decrypt reply failed", logging.KeyError, err.Error())
			continue
		}
		if _, _, err := address.ParseHeader(plaintext); err != nil {
			r.logger.Debug("client mode: malformed reply header", logging.KeyError, err.Error())
			continue
		}
		out := make([]byte, 0, socks5UDPHeaderLen+len(plaintext))
		out = append(out, 0x00, 0x00, 0x00)
		out = append(out, plaintext...)
		if _, err := r.listen.WriteToUDP(out, a.clientAddr); err != nil {
			return
		}
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.RecordUDPPacket("down")
		}
	}
}

// handleServerInbound decrypts a datagram from a Shadowsocks client,
// parses the embedded destination header, and forwards the payload to
// that destination, creating the upstream socket on first use for this
// source peer.
func (r *Relay) handleServerInbound(ctx context.Context, datagram []byte, peer *net.UDPAddr) {
	if r.cfg.Banlist != nil && r.cfg.Banlist.IsBanned(peer.IP) {
		return
	}

	plaintext, err := DecryptDatagram(r.cfg.Method, r.cfg.MasterKey, datagram)
	if err != nil {
		r.logger.Debug("server mode: decrypt failed", logging.KeyError, err.Error())
		return
	}
	dest, consumed, err := address.ParseHeader(plaintext)
	if err != nil {
		if r.cfg.Banlist != nil {
			r.cfg.Banlist.Ban(peer.IP)
		}
		r.logger.Warn("server mode: malformed address header, banning peer",
			logging.KeyPeerAddr, peer.IP.String(), logging.KeyError, err.Error())
		return
	}
	payload := plaintext[consumed:]

	ips, err := dest.Resolve(ctx)
	if err != nil || len(ips) == 0 {
		r.logger.Warn("server mode: resolve destination failed", logging.KeyError, err)
		return
	}
	destAddr := &net.UDPAddr{IP: ips[0], Port: int(dest.Port())}

	key := peer.String()
	a, created, err := r.cache.getOrCreate(key, func() (*association, error) {
		return r.newServerAssociation(peer, destAddr)
	})
	if err != nil {
		r.logger.Warn("server mode: create upstream socket failed", logging.KeyError, err.Error())
		return
	}
	if created && r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordUDPAssociationOpen()
	}
	a.touch()

	if _, err := a.conn.WriteToUDP(payload, destAddr); err != nil {
		r.logger.Warn("server mode: write to destination failed", logging.KeyError, err.Error())
		return
	}
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordUDPPacket("up")
	}
}

func (r *Relay) newServerAssociation(peer *net.UDPAddr, dest *net.UDPAddr) (*association, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, err
	}
	a := &association{conn: conn, clientAddr: peer, peer: dest, lastActive: time.Now()}
	r.wg.Add(1)
	go r.serverUpstreamLoop(a)
	return a, nil
}

// serverUpstreamLoop relays destination replies back to the Shadowsocks
// client, re-framing each as pack_address(source)||payload and
// encrypting the whole datagram.
func (r *Relay) serverUpstreamLoop(a *association) {
	defer r.wg.Done()
	buf := make([]byte, recvCap)
	for {
		n, from, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		a.touch()

		srcAddr := address.FromIP(from.IP, uint16(from.Port))
		plaintext := append(srcAddr.Pack(), buf[:n]...)
		wire, err := EncryptDatagram(r.cfg.Method, r.cfg.MasterKey, plaintext)
		if err != nil {
			r.logger.Warn("server mode: encrypt reply failed", logging.KeyError, err.Error())
			continue
		}
		if _, err := r.listen.WriteToUDP(wire, a.clientAddr); err != nil {
			return
		}
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.RecordUDPPacket("down")
		}
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
