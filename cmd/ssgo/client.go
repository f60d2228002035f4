package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/shadowsocks/go-shadowsocks-relay/internal/address"
	sscipher "github.com/shadowsocks/go-shadowsocks-relay/internal/cipher"
	"github.com/shadowsocks/go-shadowsocks-relay/internal/httpproxy"
	"github.com/shadowsocks/go-shadowsocks-relay/internal/logging"
	"github.com/shadowsocks/go-shadowsocks-relay/internal/metrics"
	"github.com/shadowsocks/go-shadowsocks-relay/internal/probe"
	"github.com/shadowsocks/go-shadowsocks-relay/internal/profile"
	"github.com/shadowsocks/go-shadowsocks-relay/internal/relay"
	"github.com/shadowsocks/go-shadowsocks-relay/internal/udp"
)

// runClientMode binds the local listen address and, per connection,
// peeks the first byte to decide between the SOCKS5 FSM and (if
// --http-proxy is set and the byte is not 0x05) the HTTP-CONNECT
// fallback.
func runClientMode(ctx context.Context, p profile.Profile, logger *slog.Logger) error {
	info, err := sscipher.GetInfo(p.Method)
	if err != nil {
		return err
	}
	masterKey := sscipher.DeriveMasterKey(p.Password, info.KeyLen)
	serverAddr := p.ServerHostPort()
	m := metrics.Default()

	listenAddr := p.LocalHostPort()
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("client: listen %s: %w", listenAddr, err)
	}
	defer ln.Close()
	if p.FastOpen {
		if tl, ok := ln.(*net.TCPListener); ok {
			if err := relay.EnableFastOpen(tl); err != nil {
				logger.Warn("enable TCP fast open failed", logging.KeyError, err.Error())
			}
		}
	}
	logger.Info("client listening", logging.KeyLocalAddr, listenAddr, logging.KeyMethod, p.Method)

	udpHost, _, _ := net.SplitHostPort(listenAddr)
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(udpHost), Port: 0})
	if err != nil {
		return fmt.Errorf("client: listen udp: %w", err)
	}
	serverUDPAddr, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		return fmt.Errorf("client: resolve server udp addr: %w", err)
	}
	udpRelay := udp.NewRelay(udpConn, udp.Config{
		Role:       udp.RoleClient,
		Method:     p.Method,
		MasterKey:  masterKey,
		ServerAddr: serverUDPAddr,
		Metrics:    m,
		Logger:     logger,
	})
	go func() {
		if err := udpRelay.Serve(ctx); err != nil {
			logger.Error("udp relay stopped", logging.KeyError, err.Error())
		}
	}()

	clientCfg := &relay.ClientConfig{
		Method:      p.Method,
		MasterKey:   masterKey,
		ServerAddr:  serverAddr,
		Metrics:     m,
		Logger:      logger,
		IdleTimeout: timeoutDuration(p),
		UDPAssociate: func(ctx context.Context) (*address.Address, error) {
			udpLocal := udpConn.LocalAddr().(*net.UDPAddr)
			return address.FromIP(udpLocal.IP, uint16(udpLocal.Port)), nil
		},
	}
	httpCfg := &httpproxy.Config{
		Method:      p.Method,
		MasterKey:   masterKey,
		ServerAddr:  serverAddr,
		IdleTimeout: timeoutDuration(p),
	}

	go func() {
		<-ctx.Done()
		ln.Close()
		udpRelay.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("client: accept: %w", err)
		}
		go handleClientConn(ctx, conn, p, clientCfg, httpCfg, logger)
	}
}

func handleClientConn(ctx context.Context, conn net.Conn, p profile.Profile, clientCfg *relay.ClientConfig, httpCfg *httpproxy.Config, logger *slog.Logger) {
	defer conn.Close()

	br := bufio.NewReader(conn)
	first, err := br.Peek(1)
	if err != nil {
		return
	}

	peeked := &peekedConn{Conn: conn, r: br}

	if first[0] != 0x05 {
		if !p.HTTPProxy {
			logger.Debug("rejecting non-SOCKS5 first byte (http proxy mode disabled)")
			return
		}
		if err := httpproxy.ServeConn(ctx, peeked, httpCfg); err != nil {
			logger.Debug("http-connect closed", logging.KeyError, err.Error())
		}
		return
	}

	if err := relay.ServeClientConn(ctx, peeked, clientCfg); err != nil {
		logger.Debug("client connection closed", logging.KeyError, err.Error())
	}
}

// peekedConn replays the bytes already consumed into a bufio.Reader by
// the initial Peek, so the SOCKS5/HTTP handlers can read conn from the
// very first byte.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (p *peekedConn) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *peekedConn) CloseWrite() error {
	if hc, ok := p.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return nil
}

func probeServer(ctx context.Context, p profile.Profile) probe.Result {
	return probe.Run(ctx, probe.Options{
		ServerAddr: p.ServerHostPort(),
		Method:     p.Method,
		Password:   p.Password,
		TargetAddr: "example.com",
		TargetPort: 80,
	})
}
