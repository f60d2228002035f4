// Package udp implements the Shadowsocks UDP relay: a per-datagram
// encryption layer plus a NAT-style association cache mapping peer
// endpoints to upstream UDP sockets, symmetric between client and
// server roles.
package udp

import (
	"fmt"

	sscipher "github.com/shadowsocks/go-shadowsocks-relay/internal/cipher"
)

// EncryptDatagram wraps plaintext as a standalone Shadowsocks UDP
// datagram: [iv]||stream-cipher(plaintext) for stream methods, or
// [salt]||seal(subkey, nonce=0, plaintext) for AEAD methods. Every
// datagram carries its own fresh iv/salt and, for AEAD, a freshly
// derived subkey; there is no cross-datagram state, unlike the TCP
// Encryptor.
func EncryptDatagram(method string, masterKey, plaintext []byte) ([]byte, error) {
	info, err := sscipher.GetInfo(method)
	if err != nil {
		return nil, err
	}

	if info.Kind == sscipher.KindAEAD {
		salt, err := sscipher.RandomBytes(info.SaltLen)
		if err != nil {
			return nil, err
		}
		subkey, err := sscipher.DeriveSubkey(masterKey, salt, info.KeyLen)
		if err != nil {
			return nil, err
		}
		aead, err := sscipher.NewAEAD(method, subkey)
		if err != nil {
			return nil, err
		}
		nonce := make([]byte, aead.NonceSize())
		out := make([]byte, 0, len(salt)+len(plaintext)+aead.Overhead())
		out = append(out, salt...)
		out = aead.Seal(out, nonce, plaintext, nil)
		return out, nil
	}

	iv, err := sscipher.RandomBytes(info.IVLen)
	if err != nil {
		return nil, err
	}
	stream, err := sscipher.NewStream(method, masterKey, iv)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(iv)+len(plaintext))
	copy(out, iv)
	stream.XORKeyStream(out[len(iv):], plaintext)
	return out, nil
}

// DecryptDatagram reverses EncryptDatagram. It returns an error if the
// datagram is shorter than the method's iv/salt (+ tag, for AEAD), or if
// AEAD authentication fails.
func DecryptDatagram(method string, masterKey, datagram []byte) ([]byte, error) {
	info, err := sscipher.GetInfo(method)
	if err != nil {
		return nil, err
	}

	if info.Kind == sscipher.KindAEAD {
		if len(datagram) < info.SaltLen {
			return nil, fmt.Errorf("udp: datagram shorter than salt")
		}
		salt := datagram[:info.SaltLen]
		sealed := datagram[info.SaltLen:]
		subkey, err := sscipher.DeriveSubkey(masterKey, salt, info.KeyLen)
		if err != nil {
			return nil, err
		}
		aead, err := sscipher.NewAEAD(method, subkey)
		if err != nil {
			return nil, err
		}
		if len(sealed) < aead.Overhead() {
			return nil, fmt.Errorf("udp: datagram shorter than AEAD overhead")
		}
		nonce := make([]byte, aead.NonceSize())
		return aead.Open(nil, nonce, sealed, nil)
	}

	if len(datagram) < info.IVLen {
		return nil, fmt.Errorf("udp: datagram shorter than iv")
	}
	iv := datagram[:info.IVLen]
	ct := datagram[info.IVLen:]
	stream, err := sscipher.NewStream(method, masterKey, iv)
	if err != nil {
		return nil, err
	}
	pt := make([]byte, len(ct))
	stream.XORKeyStream(pt, ct)
	return pt, nil
}
