package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// NewAEAD builds the cipher.AEAD for method from a derived subkey. Each
// direction of a connection gets its own AEAD, built from the subkey
// derived from that direction's salt, and drives its own nonce counter
// (see internal/relay's Encryptor).
func NewAEAD(method string, key []byte) (stdcipher.AEAD, error) {
	switch method {
	case "aes-128-gcm", "aes-192-gcm", "aes-256-gcm":
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return stdcipher.NewGCM(block)

	case "chacha20-ietf-poly1305":
		return chacha20poly1305.New(key)

	case "xchacha20-ietf-poly1305":
		return chacha20poly1305.NewX(key)

	default:
		return nil, fmt.Errorf("cipher: %q is not an AEAD method", method)
	}
}
