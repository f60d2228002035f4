package httpproxy

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/shadowsocks/go-shadowsocks-relay/internal/address"
	sscipher "github.com/shadowsocks/go-shadowsocks-relay/internal/cipher"
	"github.com/shadowsocks/go-shadowsocks-relay/internal/relay"
)

func TestServeConnRelaysConnect(t *testing.T) {
	info, _ := sscipher.GetInfo("aes-256-gcm")
	masterKey := sscipher.DeriveMasterKey("test", info.KeyLen)

	serverLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer serverLn.Close()

	serverDone := make(chan error, 1)
	go func() {
		conn, err := serverLn.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()

		enc, err := relay.NewEncryptor("aes-256-gcm", masterKey)
		if err != nil {
			serverDone <- err
			return
		}
		dr := enc.DecryptReader(conn)
		dest, err := address.ReadHeader(dr)
		if err != nil {
			serverDone <- fmt.Errorf("read header: %w", err)
			return
		}
		if dest.Host() != "example.com" || dest.Port() != 443 {
			serverDone <- fmt.Errorf("unexpected dest %s", dest)
			return
		}
		serverDone <- nil
	}()

	clientConn, localConn := net.Pipe()
	defer clientConn.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- ServeConn(context.Background(), localConn, &Config{
			Method:     "aes-256-gcm",
			MasterKey:  masterKey,
			ServerAddr: serverLn.Addr().String(),
		})
	}()

	if _, err := clientConn.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")); err != nil {
		t.Fatalf("write CONNECT: %v", err)
	}

	br := bufio.NewReader(clientConn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	select {
	case err := <-serverDone:
		if err != nil {
			t.Fatalf("server: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side header")
	}

	clientConn.Close()
	<-errCh
}
