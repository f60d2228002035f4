package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rc4"
	"fmt"

	"github.com/dgryski/go-camellia"
	"golang.org/x/crypto/blowfish"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/salsa20/salsa"
)

// NewStream builds the stream cipher.Stream (or salsa20/chacha20
// equivalent) for method, in either encrypt or decrypt direction. Both
// directions of a stream cipher use the same construction in
// Shadowsocks: CFB/CTR/RC4/Salsa20/ChaCha20 are all symmetric stream
// ciphers where encryption and decryption are the same XOR-keystream
// operation.
func NewStream(method string, key, iv []byte) (stdcipher.Stream, error) {
	switch method {
	case "aes-128-cfb", "aes-192-cfb", "aes-256-cfb":
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return stdcipher.NewCFBEncrypter(block, iv), nil

	case "aes-128-ctr", "aes-192-ctr", "aes-256-ctr":
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return stdcipher.NewCTR(block, iv), nil

	case "camellia-128-cfb", "camellia-192-cfb", "camellia-256-cfb":
		block, err := camellia.New(key)
		if err != nil {
			return nil, err
		}
		return stdcipher.NewCFBEncrypter(block, iv), nil

	case "bf-cfb":
		block, err := blowfish.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return stdcipher.NewCFBEncrypter(block, iv), nil

	case "rc4-md5":
		effectiveKey := RC4MD5Key(key, iv)
		return rc4.NewCipher(effectiveKey)

	case "salsa20":
		return newSalsa20Stream(key, iv), nil

	case "chacha20":
		// Original ChaCha20 takes an 8-byte nonce and a 64-bit counter;
		// x/crypto only implements the IETF 12-byte-nonce variant. For
		// counters below 2^32 the two produce identical keystreams when
		// the 8-byte nonce is left-padded with four zero bytes, and a
		// single relay connection never comes near the 256 GiB that
		// would roll the 32-bit counter over.
		padded := make([]byte, chacha20.NonceSize)
		copy(padded[4:], iv)
		return chacha20.NewUnauthenticatedCipher(key, padded)

	case "chacha20-ietf":
		return chacha20.NewUnauthenticatedCipher(key, iv)

	default:
		return nil, fmt.Errorf("cipher: %q is not a stream method", method)
	}
}

// salsa20Stream adapts x/crypto/salsa20/salsa's block-counter API to the
// stdlib cipher.Stream interface, which allows XORKeyStream to be called
// with arbitrarily sized, non-block-aligned chunks (as the relay does,
// one TCP read at a time). It keeps a one-block lookahead buffer so a
// chunk boundary never has to land on a 64-byte multiple.
type salsa20Stream struct {
	key     [32]byte
	nonce   [8]byte
	counter uint64
	block   [64]byte
	pos     int // offset of the next unused byte in block; 64 means exhausted
}

func newSalsa20Stream(key, iv []byte) stdcipher.Stream {
	s := &salsa20Stream{pos: 64}
	copy(s.key[:], key)
	copy(s.nonce[:], iv)
	return s
}

func (s *salsa20Stream) XORKeyStream(dst, src []byte) {
	off := 0
	for off < len(src) {
		if s.pos == 64 {
			var counterBytes [16]byte
			copy(counterBytes[:8], s.nonce[:])
			putUint64LE(counterBytes[8:], s.counter)
			var zero [64]byte
			salsa.XORKeyStream(s.block[:], zero[:], &counterBytes, &s.key)
			s.counter++
			s.pos = 0
		}
		n := 64 - s.pos
		if remaining := len(src) - off; n > remaining {
			n = remaining
		}
		for i := 0; i < n; i++ {
			dst[off+i] = src[off+i] ^ s.block[s.pos+i]
		}
		s.pos += n
		off += n
	}
}

func putUint64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
