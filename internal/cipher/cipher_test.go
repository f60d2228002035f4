package cipher

import (
	"bytes"
	"testing"
)

func TestDeriveMasterKeyLength(t *testing.T) {
	for _, keyLen := range []int{16, 24, 32} {
		key := DeriveMasterKey("correct horse battery staple", keyLen)
		if len(key) != keyLen {
			t.Fatalf("keyLen=%d: got %d bytes", keyLen, len(key))
		}
	}
}

func TestDeriveMasterKeyDeterministic(t *testing.T) {
	a := DeriveMasterKey("hunter2", 32)
	b := DeriveMasterKey("hunter2", 32)
	if !bytes.Equal(a, b) {
		t.Fatalf("expected deterministic output")
	}
	c := DeriveMasterKey("hunter3", 32)
	if bytes.Equal(a, c) {
		t.Fatalf("expected different passwords to differ")
	}
}

func TestDeriveSubkeyDeterministic(t *testing.T) {
	master := DeriveMasterKey("hunter2", 32)
	salt, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes: %v", err)
	}
	a, err := DeriveSubkey(master, salt, 32)
	if err != nil {
		t.Fatalf("DeriveSubkey: %v", err)
	}
	b, err := DeriveSubkey(master, salt, 32)
	if err != nil {
		t.Fatalf("DeriveSubkey: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("expected deterministic subkey for same salt")
	}

	salt2, _ := RandomBytes(32)
	c, err := DeriveSubkey(master, salt2, 32)
	if err != nil {
		t.Fatalf("DeriveSubkey: %v", err)
	}
	if bytes.Equal(a, c) {
		t.Fatalf("expected different salts to produce different subkeys")
	}
}

func TestStreamRoundTrip(t *testing.T) {
	methods := []string{"aes-256-cfb", "aes-128-ctr", "chacha20-ietf", "salsa20", "bf-cfb", "camellia-256-cfb", "rc4-md5"}
	for _, method := range methods {
		t.Run(method, func(t *testing.T) {
			info, err := GetInfo(method)
			if err != nil {
				t.Fatalf("GetInfo: %v", err)
			}
			key := DeriveMasterKey("s3cr3t", info.KeyLen)
			iv, err := RandomBytes(info.IVLen)
			if err != nil {
				t.Fatalf("RandomBytes: %v", err)
			}

			enc, err := NewStreamForDirection(method, key, iv)
			if err != nil {
				t.Fatalf("NewStreamForDirection (enc): %v", err)
			}
			dec, err := NewStreamForDirection(method, key, iv)
			if err != nil {
				t.Fatalf("NewStreamForDirection (dec): %v", err)
			}

			plaintext := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog"), 20)
			ciphertext := make([]byte, len(plaintext))
			enc.Stream.XORKeyStream(ciphertext, plaintext)

			// Feed through in uneven chunk sizes to exercise buffered
			// streams like salsa20 across block boundaries.
			got := make([]byte, len(plaintext))
			chunk := 7
			for off := 0; off < len(ciphertext); off += chunk {
				end := off + chunk
				if end > len(ciphertext) {
					end = len(ciphertext)
				}
				dec.Stream.XORKeyStream(got[off:end], ciphertext[off:end])
			}

			if !bytes.Equal(got, plaintext) {
				t.Fatalf("round trip mismatch for %s", method)
			}
		})
	}
}

func TestAEADRoundTrip(t *testing.T) {
	methods := []string{"aes-256-gcm", "chacha20-ietf-poly1305", "xchacha20-ietf-poly1305"}
	for _, method := range methods {
		t.Run(method, func(t *testing.T) {
			info, err := GetInfo(method)
			if err != nil {
				t.Fatalf("GetInfo: %v", err)
			}
			master := DeriveMasterKey("s3cr3t", info.KeyLen)
			salt, err := RandomBytes(info.SaltLen)
			if err != nil {
				t.Fatalf("RandomBytes: %v", err)
			}
			subkey, err := DeriveSubkey(master, salt, info.KeyLen)
			if err != nil {
				t.Fatalf("DeriveSubkey: %v", err)
			}

			c, err := NewAEADForKey(method, subkey)
			if err != nil {
				t.Fatalf("NewAEADForKey: %v", err)
			}
			if !c.IsAEAD() {
				t.Fatalf("expected AEAD cipher")
			}

			nonce := make([]byte, c.AEAD.NonceSize())
			plaintext := []byte("hello, shadowsocks")
			sealed := c.AEAD.Seal(nil, nonce, plaintext, nil)

			opened, err := c.AEAD.Open(nil, nonce, sealed, nil)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if !bytes.Equal(opened, plaintext) {
				t.Fatalf("round trip mismatch for %s", method)
			}

			// Tampering must be rejected.
			sealed[len(sealed)-1] ^= 0xFF
			if _, err := c.AEAD.Open(nil, nonce, sealed, nil); err == nil {
				t.Fatalf("expected tamper detection for %s", method)
			}
		})
	}
}

func TestGetInfoUnsupported(t *testing.T) {
	if _, err := GetInfo("not-a-real-method"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestIsSupported(t *testing.T) {
	if !IsSupported("aes-256-gcm") {
		t.Fatalf("expected aes-256-gcm to be supported")
	}
	if IsSupported("rot13") {
		t.Fatalf("expected rot13 to be unsupported")
	}
}
