package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/shadowsocks/go-shadowsocks-relay/internal/banlist"
	sscipher "github.com/shadowsocks/go-shadowsocks-relay/internal/cipher"
	"github.com/shadowsocks/go-shadowsocks-relay/internal/logging"
	"github.com/shadowsocks/go-shadowsocks-relay/internal/metrics"
	"github.com/shadowsocks/go-shadowsocks-relay/internal/profile"
	"github.com/shadowsocks/go-shadowsocks-relay/internal/relay"
	"github.com/shadowsocks/go-shadowsocks-relay/internal/udp"
)

// runServerMode binds the configured listen address and relays every
// accepted TCP connection and UDP datagram through internal/relay and
// internal/udp's server-mode FSMs, banning peers (when --autoban is set)
// that fail the decrypt-then-parse-header step.
func runServerMode(ctx context.Context, p profile.Profile, logger *slog.Logger) error {
	info, err := sscipher.GetInfo(p.Method)
	if err != nil {
		return err
	}
	masterKey := sscipher.DeriveMasterKey(p.Password, info.KeyLen)

	m := metrics.Default()
	var (
		bl      *banlist.List
		limiter *relay.HeaderLimiter
	)
	if flagAutoban {
		// The limiter slows repeat malformed-header offenders down
		// while the ban takes hold; without auto-ban there is nothing
		// for it to backstop, so neither is built.
		limiter = relay.NewHeaderLimiter(5, 10)
		// Once an IP is banned its packets are dropped before the
		// header path, so its limiter state can go too.
		bl = banlist.New(func(ip net.IP) {
			m.RecordBan()
			limiter.Forget(ip)
		})
	}

	serverCfg := &relay.ServerConfig{
		Method:      p.Method,
		MasterKey:   masterKey,
		Banlist:     bl,
		Limiter:     limiter,
		Metrics:     m,
		Logger:      logger,
		IdleTimeout: timeoutDuration(p),
	}

	// In server mode the server address/port from the profile is this
	// process's own listen point.
	listenAddr := p.ServerHostPort()
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", listenAddr, err)
	}
	defer ln.Close()
	if p.FastOpen {
		if tl, ok := ln.(*net.TCPListener); ok {
			if err := relay.EnableFastOpen(tl); err != nil {
				logger.Warn("enable TCP fast open failed", logging.KeyError, err.Error())
			}
		}
	}
	logger.Info("server listening", logging.KeyLocalAddr, listenAddr, logging.KeyMethod, p.Method)

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(p.Server), Port: int(p.ServerPort)})
	if err != nil {
		return fmt.Errorf("server: listen udp %s: %w", listenAddr, err)
	}
	udpRelay := udp.NewRelay(udpConn, udp.Config{
		Role:      udp.RoleServer,
		Method:    p.Method,
		MasterKey: masterKey,
		Banlist:   bl,
		Metrics:   m,
		Logger:    logger,
	})
	go func() {
		if err := udpRelay.Serve(ctx); err != nil {
			logger.Error("udp relay stopped", logging.KeyError, err.Error())
		}
	}()

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
			return fmt.Errorf("server: accept: %w", err)
		}
		go func() {
			defer conn.Close()
			if err := relay.ServeConn(ctx, conn, serverCfg); err != nil {
				logger.Debug("connection closed", logging.KeyError, err.Error())
			}
		}()
	}
}
