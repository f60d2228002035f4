package cipher

import (
	stdcipher "crypto/cipher"
)

// Cipher is the tagged-sum-type abstraction the relay's Encryptor drives:
// exactly one of Stream or AEAD is non-nil, decided once at construction
// time by the method's registered Kind. This replaces the virtual-dispatch
// Cipher base class a straight port would use with a Go value that can't
// represent an invalid state.
type Cipher struct {
	Info Info

	Stream stdcipher.Stream // set when Info.Kind is KindStream/KindRC4MD5
	AEAD   stdcipher.AEAD   // set when Info.Kind is KindAEAD
}

// NewStreamForDirection constructs a Cipher in stream mode for a given
// key and IV. Both directions of a connection call this once each, with
// their own freshly generated (sender) or wire-read (receiver) IV.
func NewStreamForDirection(method string, key, iv []byte) (*Cipher, error) {
	info, err := GetInfo(method)
	if err != nil {
		return nil, err
	}
	s, err := NewStream(method, key, iv)
	if err != nil {
		return nil, err
	}
	return &Cipher{Info: info, Stream: s}, nil
}

// NewAEADForKey constructs a Cipher in AEAD mode for a subkey already
// derived from the connection's salt via DeriveSubkey.
func NewAEADForKey(method string, subkey []byte) (*Cipher, error) {
	info, err := GetInfo(method)
	if err != nil {
		return nil, err
	}
	a, err := NewAEAD(method, subkey)
	if err != nil {
		return nil, err
	}
	return &Cipher{Info: info, AEAD: a}, nil
}

// IsAEAD reports whether this Cipher operates in AEAD (chunked,
// authenticated) mode as opposed to plain stream mode.
func (c *Cipher) IsAEAD() bool {
	return c.AEAD != nil
}
