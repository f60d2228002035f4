package udp

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/shadowsocks/go-shadowsocks-relay/internal/address"
	"github.com/shadowsocks/go-shadowsocks-relay/internal/banlist"
	sscipher "github.com/shadowsocks/go-shadowsocks-relay/internal/cipher"
)

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestRelayServerModeRoundTrip(t *testing.T) {
	const method = "aes-256-gcm"
	info, _ := sscipher.GetInfo(method)
	key := sscipher.DeriveMasterKey("udp-e2e", info.KeyLen)

	destination := listenLoopback(t)
	listen := listenLoopback(t)
	client := listenLoopback(t)

	relay := NewRelay(listen, Config{
		Role:      RoleServer,
		Method:    method,
		MasterKey: key,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.Serve(ctx)
	defer relay.Close()

	destAddr := destination.LocalAddr().(*net.UDPAddr)
	header := address.FromIP(destAddr.IP, uint16(destAddr.Port)).Pack()
	wire, err := EncryptDatagram(method, key, append(header, []byte("ping")...))
	if err != nil {
		t.Fatalf("EncryptDatagram: %v", err)
	}
	if _, err := client.WriteToUDP(wire, listen.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("send to relay: %v", err)
	}

	// The destination sees the bare payload, from the relay's upstream
	// socket.
	destination.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, recvCap)
	n, upstreamAddr, err := destination.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("destination read: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("destination got %q, want ping", buf[:n])
	}

	// A reply routes back to the client, encrypted, with the source
	// address prepended.
	if _, err := destination.WriteToUDP([]byte("pong"), upstreamAddr); err != nil {
		t.Fatalf("destination reply: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err = client.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	plaintext, err := DecryptDatagram(method, key, buf[:n])
	if err != nil {
		t.Fatalf("DecryptDatagram: %v", err)
	}
	src, consumed, err := address.ParseHeader(plaintext)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if src.Port() != uint16(destAddr.Port) {
		t.Fatalf("reply source port = %d, want %d", src.Port(), destAddr.Port)
	}
	if !bytes.Equal(plaintext[consumed:], []byte("pong")) {
		t.Fatalf("reply payload = %q, want pong", plaintext[consumed:])
	}
}

func TestRelayServerModeBansMalformedHeader(t *testing.T) {
	const method = "aes-128-gcm"
	info, _ := sscipher.GetInfo(method)
	key := sscipher.DeriveMasterKey("udp-ban", info.KeyLen)

	listen := listenLoopback(t)
	client := listenLoopback(t)
	bl := banlist.New(nil)

	relay := NewRelay(listen, Config{
		Role:      RoleServer,
		Method:    method,
		MasterKey: key,
		Banlist:   bl,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.Serve(ctx)
	defer relay.Close()

	// Correctly encrypted, but the plaintext is not a valid address
	// header: decrypt succeeds, parse fails, peer gets banned.
	wire, err := EncryptDatagram(method, key, []byte{0xFF, 0xFF, 0xFF})
	if err != nil {
		t.Fatalf("EncryptDatagram: %v", err)
	}
	if _, err := client.WriteToUDP(wire, listen.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !bl.IsBanned(net.IPv4(127, 0, 0, 1)) {
		if time.Now().After(deadline) {
			t.Fatal("expected 127.0.0.1 to be banned")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Once banned, even a well-formed datagram is dropped before decrypt.
	destination := listenLoopback(t)
	destAddr := destination.LocalAddr().(*net.UDPAddr)
	header := address.FromIP(destAddr.IP, uint16(destAddr.Port)).Pack()
	wire, err = EncryptDatagram(method, key, append(header, []byte("ping")...))
	if err != nil {
		t.Fatalf("EncryptDatagram: %v", err)
	}
	if _, err := client.WriteToUDP(wire, listen.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("send: %v", err)
	}
	destination.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if n, _, err := destination.ReadFromUDP(make([]byte, recvCap)); err == nil {
		t.Fatalf("banned peer's datagram was relayed (%d bytes)", n)
	}
}

func TestRelayClientModeRoundTrip(t *testing.T) {
	const method = "chacha20-ietf-poly1305"
	info, _ := sscipher.GetInfo(method)
	key := sscipher.DeriveMasterKey("udp-client", info.KeyLen)

	server := listenLoopback(t) // stands in for the remote Shadowsocks server
	listen := listenLoopback(t)
	socksClient := listenLoopback(t)

	relay := NewRelay(listen, Config{
		Role:       RoleClient,
		Method:     method,
		MasterKey:  key,
		ServerAddr: server.LocalAddr().(*net.UDPAddr),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.Serve(ctx)
	defer relay.Close()

	// SOCKS5 UDP envelope: RSV RSV FRAG || ATYP addr port || payload.
	dest := address.New("203.0.113.9", 53)
	datagram := append([]byte{0, 0, 0}, dest.Pack()...)
	datagram = append(datagram, []byte("query")...)
	if _, err := socksClient.WriteToUDP(datagram, listen.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("send: %v", err)
	}

	// The server side receives the whole thing encrypted, minus the
	// SOCKS5 envelope.
	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, recvCap)
	n, relayAddr, err := server.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	plaintext, err := DecryptDatagram(method, key, buf[:n])
	if err != nil {
		t.Fatalf("DecryptDatagram: %v", err)
	}
	got, consumed, err := address.ParseHeader(plaintext)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if !got.Equal(dest) {
		t.Fatalf("dest = %s, want %s", got, dest)
	}
	if string(plaintext[consumed:]) != "query" {
		t.Fatalf("payload = %q, want query", plaintext[consumed:])
	}

	// A server reply flows back to the SOCKS5 client re-wrapped in the
	// zero envelope.
	reply, err := EncryptDatagram(method, key, append(dest.Pack(), []byte("answer")...))
	if err != nil {
		t.Fatalf("EncryptDatagram: %v", err)
	}
	if _, err := server.WriteToUDP(reply, relayAddr); err != nil {
		t.Fatalf("server reply: %v", err)
	}
	socksClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err = socksClient.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if !bytes.Equal(buf[:3], []byte{0, 0, 0}) {
		t.Fatalf("missing SOCKS5 UDP envelope: % x", buf[:3])
	}
	back, consumed, err := address.ParseHeader(buf[3:n])
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if !back.Equal(dest) {
		t.Fatalf("reply header = %s, want %s", back, dest)
	}
	if string(buf[3+consumed:n]) != "answer" {
		t.Fatalf("reply payload = %q, want answer", buf[3+consumed:n])
	}
}
