// Package cipher implements the Shadowsocks cipher registry, key
// derivation, and the stream/AEAD cipher abstraction used by the relay
// encryptor.
package cipher

import "fmt"

// Kind classifies how a method frames data on the wire.
type Kind int

const (
	KindStream Kind = iota
	KindAEAD
	KindRC4MD5 // stream cipher with a salted-key derivation quirk
)

// Info describes one registered method's key material sizes. SaltLen is
// the size of the per-connection AEAD salt; stream methods use IVLen
// instead. NonceLen is the size of the AEAD nonce counter. TagLen is the
// AEAD authentication tag size; zero for stream ciphers.
type Info struct {
	Method   string
	Kind     Kind
	KeyLen   int // master/subkey length in bytes
	IVLen    int // stream-mode IV length
	SaltLen  int // AEAD-mode salt length
	NonceLen int // AEAD nonce length
	TagLen   int // AEAD tag length
}

// registry is the static table of all supported methods.
var registry = map[string]Info{
	// Stream ciphers (CFB/CTR mode, stdlib crypto/aes + crypto/cipher).
	"aes-128-cfb": {Method: "aes-128-cfb", Kind: KindStream, KeyLen: 16, IVLen: 16},
	"aes-192-cfb": {Method: "aes-192-cfb", Kind: KindStream, KeyLen: 24, IVLen: 16},
	"aes-256-cfb": {Method: "aes-256-cfb", Kind: KindStream, KeyLen: 32, IVLen: 16},
	"aes-128-ctr": {Method: "aes-128-ctr", Kind: KindStream, KeyLen: 16, IVLen: 16},
	"aes-192-ctr": {Method: "aes-192-ctr", Kind: KindStream, KeyLen: 24, IVLen: 16},
	"aes-256-ctr": {Method: "aes-256-ctr", Kind: KindStream, KeyLen: 32, IVLen: 16},

	// Camellia, github.com/dgryski/go-camellia.
	"camellia-128-cfb": {Method: "camellia-128-cfb", Kind: KindStream, KeyLen: 16, IVLen: 16},
	"camellia-192-cfb": {Method: "camellia-192-cfb", Kind: KindStream, KeyLen: 24, IVLen: 16},
	"camellia-256-cfb": {Method: "camellia-256-cfb", Kind: KindStream, KeyLen: 32, IVLen: 16},

	// Blowfish, golang.org/x/crypto/blowfish.
	"bf-cfb": {Method: "bf-cfb", Kind: KindStream, KeyLen: 16, IVLen: 8},

	// RC4-MD5: stdlib crypto/rc4, but the effective key is MD5(key||iv).
	"rc4-md5": {Method: "rc4-md5", Kind: KindRC4MD5, KeyLen: 16, IVLen: 16},

	// Salsa20/ChaCha20, golang.org/x/crypto/{salsa20,chacha20}.
	"salsa20":       {Method: "salsa20", Kind: KindStream, KeyLen: 32, IVLen: 8},
	"chacha20":      {Method: "chacha20", Kind: KindStream, KeyLen: 32, IVLen: 8},
	"chacha20-ietf": {Method: "chacha20-ietf", Kind: KindStream, KeyLen: 32, IVLen: 12},

	// AEAD ciphers, stdlib crypto/cipher (GCM) and
	// golang.org/x/crypto/chacha20poly1305.
	"aes-128-gcm":             {Method: "aes-128-gcm", Kind: KindAEAD, KeyLen: 16, SaltLen: 16, NonceLen: 12, TagLen: 16},
	"aes-192-gcm":             {Method: "aes-192-gcm", Kind: KindAEAD, KeyLen: 24, SaltLen: 24, NonceLen: 12, TagLen: 16},
	"aes-256-gcm":             {Method: "aes-256-gcm", Kind: KindAEAD, KeyLen: 32, SaltLen: 32, NonceLen: 12, TagLen: 16},
	"chacha20-ietf-poly1305":  {Method: "chacha20-ietf-poly1305", Kind: KindAEAD, KeyLen: 32, SaltLen: 32, NonceLen: 12, TagLen: 16},
	"xchacha20-ietf-poly1305": {Method: "xchacha20-ietf-poly1305", Kind: KindAEAD, KeyLen: 32, SaltLen: 32, NonceLen: 24, TagLen: 16},
}

// GetInfo looks up a method's Info by name.
func GetInfo(method string) (Info, error) {
	info, ok := registry[method]
	if !ok {
		return Info{}, fmt.Errorf("cipher: unsupported method %q", method)
	}
	return info, nil
}

// Methods returns the supported method names in no particular order
// (map iteration order).
func Methods() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// IsSupported reports whether method is registered.
func IsSupported(method string) bool {
	_, ok := registry[method]
	return ok
}
