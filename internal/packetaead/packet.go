// Package packetaead implements the single-shot AEAD packet cipher used
// for UDP datagrams (spec.md §4.5): salt || aead(payload) with a zero
// nonce, safe only because every packet carries a fresh salt and hence a
// fresh subkey.
package packetaead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/postalsys/muti-metroo/internal/cipherkind"
)

// Cipher seals and opens individual UDP datagrams under a shared master
// key. It holds no per-packet state: every call derives a fresh subkey
// from a fresh salt, so a Cipher is safe for concurrent use.
type Cipher struct {
	kind      cipherkind.Kind
	masterKey []byte
}

// New builds a packet Cipher for the given cipher kind and master key.
func New(kind cipherkind.Kind, masterKey []byte) *Cipher {
	if kind != cipherkind.AES256GCM {
		panic("packetaead: New requires a concrete cipher kind, not None")
	}
	return &Cipher{kind: kind, masterKey: masterKey}
}

// zeroNonce is shared across every packet: each packet's subkey is unique
// (derived from a fresh random salt), so reusing an all-zero nonce never
// reuses a (key, nonce) pair. Never "optimize" this by caching a subkey
// across datagrams.
func (c *Cipher) zeroNonce() []byte {
	return make([]byte, c.kind.NonceSize())
}

// Encrypt seals the concatenation of parts under a freshly generated salt
// and returns salt || ciphertext || tag.
func (c *Cipher) Encrypt(parts ...[]byte) ([]byte, error) {
	salt := make([]byte, c.kind.SaltSize())
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("packetaead: generate salt: %w", err)
	}

	aead, err := c.aeadFor(salt)
	if err != nil {
		return nil, err
	}

	plainLen := 0
	for _, p := range parts {
		plainLen += len(p)
	}
	out := make([]byte, len(salt), len(salt)+plainLen+c.kind.TagSize())
	copy(out, salt)

	plain := make([]byte, 0, plainLen)
	for _, p := range parts {
		plain = append(plain, p...)
	}

	out = aead.Seal(out, c.zeroNonce(), plain, nil)
	return out, nil
}

// ErrInvalidPackage is returned when a datagram is too short to contain a
// salt and tag.
var ErrInvalidPackage = fmt.Errorf("packetaead: invalid package")

// Decrypt opens buf in place and returns the plaintext length. The
// plaintext is compacted to the front of buf so the same buffer can be
// reused as input to the address parser.
func (c *Cipher) Decrypt(buf []byte) (int, error) {
	if len(buf) <= c.kind.SaltLenPlusTag() {
		return 0, ErrInvalidPackage
	}

	salt := buf[:c.kind.SaltSize()]
	aead, err := c.aeadFor(salt)
	if err != nil {
		return 0, err
	}

	saltLen := c.kind.SaltSize()
	ciphertext := buf[saltLen:]

	// dst must exactly overlap src (crypto/cipher's GCM.Open panics on any
	// other overlap), so open in place at the ciphertext's own offset and
	// compact the plaintext to the front of buf afterward.
	opened, err := aead.Open(ciphertext[:0], c.zeroNonce(), ciphertext, nil)
	if err != nil {
		return 0, err
	}

	n := copy(buf, opened)
	return n, nil
}

func (c *Cipher) aeadFor(salt []byte) (cipher.AEAD, error) {
	subkey, err := cipherkind.SessionSubkey(c.masterKey, salt, c.kind.KeySize())
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(subkey)
	if err != nil {
		return nil, fmt.Errorf("packetaead: new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
