// Package relay implements the Shadowsocks encrypted stream codec and the
// TCP connection state machine for both client and server roles.
package relay

import (
	"encoding/binary"
	"fmt"
	"io"

	sscipher "github.com/shadowsocks/go-shadowsocks-relay/internal/cipher"
)

// payloadSizeMask caps an AEAD chunk payload at 0x3FFF bytes, per the
// Shadowsocks AEAD wire format.
const payloadSizeMask = 0x3FFF

// Encryptor wraps a net.Conn-like io.ReadWriter with Shadowsocks framing:
// stream-cipher mode emits a random IV once per direction; AEAD mode
// emits a random salt once per direction and frames payload in
// length-prefixed, independently sealed chunks. One Encryptor is built
// per connection and drives both the read and write side, since each
// direction establishes its cipher lazily on first use (the server does
// not know the salt until the client's first bytes arrive).
type Encryptor struct {
	method string
	key    []byte // master key (stream mode) or master key for subkey derivation (AEAD mode)
	isAEAD bool

	writeCipher *sscipher.Cipher
	writeNonce  []byte // AEAD nonce counter, stream mode unused
	pendingSalt []byte // IV/salt generated by initWriteCipher, flushed on first Write
	wroteHeader bool

	readCipher *sscipher.Cipher
	readNonce  []byte
	readHeader bool
}

// NewEncryptor builds an Encryptor for method using masterKey. masterKey
// must already be the correct length for method (see
// internal/cipher.DeriveMasterKey).
func NewEncryptor(method string, masterKey []byte) (*Encryptor, error) {
	info, err := sscipher.GetInfo(method)
	if err != nil {
		return nil, err
	}
	return &Encryptor{method: method, key: masterKey, isAEAD: info.Kind == sscipher.KindAEAD}, nil
}

// IsAEAD reports whether this Encryptor frames in AEAD chunked mode.
func (e *Encryptor) IsAEAD() bool { return e.isAEAD }

// EncryptWriter wraps w so that Write(p) emits correctly framed
// ciphertext, generating and prefixing the random IV/salt on the first
// call.
func (e *Encryptor) EncryptWriter(w io.Writer) io.Writer {
	return &encWriter{e: e, w: w}
}

// DecryptReader wraps r so that Read(p) returns decrypted plaintext,
// consuming and establishing the cipher from the leading IV/salt on the
// first call.
func (e *Encryptor) DecryptReader(r io.Reader) io.Reader {
	return &decReader{e: e, r: r}
}

func (e *Encryptor) initWriteCipher() error {
	if e.writeCipher != nil {
		return nil
	}
	info, err := sscipher.GetInfo(e.method)
	if err != nil {
		return err
	}
	if e.isAEAD {
		salt, err := sscipher.RandomBytes(info.SaltLen)
		if err != nil {
			return err
		}
		subkey, err := sscipher.DeriveSubkey(e.key, salt, info.KeyLen)
		if err != nil {
			return err
		}
		c, err := sscipher.NewAEADForKey(e.method, subkey)
		if err != nil {
			return err
		}
		e.writeCipher = c
		e.writeNonce = make([]byte, c.AEAD.NonceSize())
		e.pendingSalt = salt
		return nil
	}
	iv, err := sscipher.RandomBytes(info.IVLen)
	if err != nil {
		return err
	}
	c, err := sscipher.NewStreamForDirection(e.method, e.key, iv)
	if err != nil {
		return err
	}
	e.writeCipher = c
	e.pendingSalt = iv
	return nil
}

func (e *Encryptor) initReadCipher(header []byte) error {
	info, err := sscipher.GetInfo(e.method)
	if err != nil {
		return err
	}
	if e.isAEAD {
		subkey, err := sscipher.DeriveSubkey(e.key, header, info.KeyLen)
		if err != nil {
			return err
		}
		c, err := sscipher.NewAEADForKey(e.method, subkey)
		if err != nil {
			return err
		}
		e.readCipher = c
		e.readNonce = make([]byte, c.AEAD.NonceSize())
		return nil
	}
	c, err := sscipher.NewStreamForDirection(e.method, e.key, header)
	if err != nil {
		return err
	}
	e.readCipher = c
	return nil
}

func incrementNonce(n []byte) {
	for i := range n {
		n[i]++
		if n[i] != 0 {
			return
		}
	}
}

// encWriter is the io.Writer half of an Encryptor.
type encWriter struct {
	e *Encryptor
	w io.Writer
}

func (ew *encWriter) Write(p []byte) (int, error) {
	e := ew.e
	if err := e.initWriteCipher(); err != nil {
		return 0, err
	}

	var header []byte
	if !e.wroteHeader {
		header = e.pendingSalt
		e.wroteHeader = true
	}

	if !e.isAEAD {
		ct := make([]byte, len(p))
		e.writeCipher.Stream.XORKeyStream(ct, p)
		if header != nil {
			if _, err := ew.w.Write(append(header, ct...)); err != nil {
				return 0, err
			}
			return len(p), nil
		}
		if _, err := ew.w.Write(ct); err != nil {
			return 0, err
		}
		return len(p), nil
	}

	if len(p) == 0 {
		if header != nil {
			if _, err := ew.w.Write(header); err != nil {
				return 0, err
			}
		}
		return 0, nil
	}

	// AEAD mode: chunk into independently sealed [length][payload] pairs.
	written := 0
	for written < len(p) {
		chunkLen := len(p) - written
		if chunkLen > payloadSizeMask {
			chunkLen = payloadSizeMask
		}
		chunk := p[written : written+chunkLen]

		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(chunkLen))
		sealedLen := e.writeCipher.AEAD.Seal(nil, e.writeNonce, lenBuf[:], nil)
		incrementNonce(e.writeNonce)
		sealedPayload := e.writeCipher.AEAD.Seal(nil, e.writeNonce, chunk, nil)
		incrementNonce(e.writeNonce)

		out := sealedLen
		out = append(out, sealedPayload...)
		if header != nil {
			out = append(header, out...)
			header = nil
		}
		if _, err := ew.w.Write(out); err != nil {
			return written, err
		}
		written += chunkLen
	}
	return len(p), nil
}

// decReader is the io.Reader half of an Encryptor.
type decReader struct {
	e        *Encryptor
	r        io.Reader
	leftover []byte
}

func (dr *decReader) Read(p []byte) (int, error) {
	if len(dr.leftover) == 0 {
		if err := dr.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, dr.leftover)
	dr.leftover = dr.leftover[n:]
	return n, nil
}

func (dr *decReader) fill() error {
	e := dr.e
	if !e.readHeader {
		info, err := sscipher.GetInfo(e.method)
		if err != nil {
			return err
		}
		headerLen := info.IVLen
		if e.isAEAD {
			headerLen = info.SaltLen
		}
		header := make([]byte, headerLen)
		if _, err := io.ReadFull(dr.r, header); err != nil {
			return err
		}
		if err := e.initReadCipher(header); err != nil {
			return err
		}
		e.readHeader = true
	}

	if !e.isAEAD {
		buf := make([]byte, 16*1024)
		n, err := dr.r.Read(buf)
		if n > 0 {
			pt := make([]byte, n)
			e.readCipher.Stream.XORKeyStream(pt, buf[:n])
			dr.leftover = pt
			return nil
		}
		if err != nil {
			return err
		}
		return io.ErrNoProgress
	}

	// AEAD: read one chunk: sealed length, then sealed payload.
	tagLen := e.readCipher.AEAD.Overhead()
	lenBuf := make([]byte, 2+tagLen)
	if _, err := io.ReadFull(dr.r, lenBuf); err != nil {
		return err
	}
	lenPlain, err := e.readCipher.AEAD.Open(nil, e.readNonce, lenBuf, nil)
	if err != nil {
		return fmt.Errorf("relay: AEAD length open failed: %w", err)
	}
	incrementNonce(e.readNonce)

	size := int(binary.BigEndian.Uint16(lenPlain)) & payloadSizeMask
	payloadBuf := make([]byte, size+tagLen)
	if _, err := io.ReadFull(dr.r, payloadBuf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	payload, err := e.readCipher.AEAD.Open(nil, e.readNonce, payloadBuf, nil)
	if err != nil {
		return fmt.Errorf("relay: AEAD payload open failed: %w", err)
	}
	incrementNonce(e.readNonce)

	dr.leftover = payload
	return nil
}
