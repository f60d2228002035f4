package udp

import (
	"bytes"
	"testing"

	sscipher "github.com/shadowsocks/go-shadowsocks-relay/internal/cipher"
)

func TestDatagramRoundTrip(t *testing.T) {
	for _, method := range []string{"aes-256-cfb", "aes-256-gcm", "chacha20-ietf-poly1305"} {
		t.Run(method, func(t *testing.T) {
			info, err := sscipher.GetInfo(method)
			if err != nil {
				t.Fatalf("GetInfo: %v", err)
			}
			key := sscipher.DeriveMasterKey("udp-test", info.KeyLen)
			plaintext := []byte("hello udp shadowsocks")

			wire, err := EncryptDatagram(method, key, plaintext)
			if err != nil {
				t.Fatalf("EncryptDatagram: %v", err)
			}
			got, err := DecryptDatagram(method, key, wire)
			if err != nil {
				t.Fatalf("DecryptDatagram: %v", err)
			}
			if !bytes.Equal(got, plaintext) {
				t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
			}
		})
	}
}

func TestDatagramFreshSaltPerCall(t *testing.T) {
	info, _ := sscipher.GetInfo("aes-128-gcm")
	key := sscipher.DeriveMasterKey("pw", info.KeyLen)
	plaintext := []byte("same plaintext")

	a, err := EncryptDatagram("aes-128-gcm", key, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	b, err := EncryptDatagram("aes-128-gcm", key, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("expected distinct ciphertext across calls (fresh salt), got identical datagrams")
	}
}

func TestDatagramTamperDetected(t *testing.T) {
	info, _ := sscipher.GetInfo("aes-128-gcm")
	key := sscipher.DeriveMasterKey("pw", info.KeyLen)

	wire, err := EncryptDatagram("aes-128-gcm", key, []byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	wire[len(wire)-1] ^= 0xFF
	if _, err := DecryptDatagram("aes-128-gcm", key, wire); err == nil {
		t.Fatalf("expected tamper detection error")
	}
}
