package cipher

import (
	"crypto/md5" //nolint:gosec // required for EVP_BytesToKey compatibility with the reference implementation
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // HKDF-SHA1 is the Shadowsocks AEAD subkey KDF, not used for signatures
	"io"

	"golang.org/x/crypto/hkdf"
)

// subkeyInfo is the fixed HKDF info parameter for AEAD subkey derivation.
const subkeyInfo = "ss-subkey"

// DeriveMasterKey derives a keyLen-byte master key from a password using
// the EVP_BytesToKey construction (iterated MD5, no salt): this is the
// same key-stretching OpenSSL's EVP_BytesToKey uses with digest=MD5 and
// is required for interop with the reference implementation; it is not a
// general-purpose password hash.
func DeriveMasterKey(password string, keyLen int) []byte {
	pw := []byte(password)
	var (
		out  []byte
		prev []byte
	)
	for len(out) < keyLen {
		h := md5.New() //nolint:gosec
		h.Write(prev)
		h.Write(pw)
		prev = h.Sum(nil)
		out = append(out, prev...)
	}
	return out[:keyLen]
}

// DeriveSubkey derives the per-connection AEAD subkey from the master key
// and a random salt via HKDF-SHA1 with info="ss-subkey".
func DeriveSubkey(master, salt []byte, keyLen int) ([]byte, error) {
	r := hkdf.New(sha1.New, master, salt, []byte(subkeyInfo))
	subkey := make([]byte, keyLen)
	if _, err := io.ReadFull(r, subkey); err != nil {
		return nil, err
	}
	return subkey, nil
}

// RandomBytes returns n cryptographically random bytes, used for IVs,
// salts, and nonces.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// RC4MD5Key computes the effective RC4 key for the rc4-md5 method:
// MD5(masterKey || iv).
func RC4MD5Key(masterKey, iv []byte) []byte {
	h := md5.New() //nolint:gosec
	h.Write(masterKey)
	h.Write(iv)
	return h.Sum(nil)
}
