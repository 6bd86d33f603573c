package cipherkind

import (
	"crypto/md5" //nolint:gosec // EVP_BytesToKey is specified in terms of MD5.
	"crypto/sha1" //nolint:gosec // HKDF-SHA1 is the Shadowsocks AEAD subkey construction.
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// subkeyInfo is the HKDF info string every Shadowsocks-AEAD implementation
// uses to derive a per-session/per-packet subkey from the master key.
const subkeyInfo = "ss-subkey"

// MasterKey derives the long-lived master key shared by every session on a
// port from the operator's passphrase, via OpenSSL's EVP_BytesToKey with
// MD5: D_0 = "", D_i = MD5(D_{i-1} || passphrase), concatenated and
// truncated to keyLen bytes.
func MasterKey(passphrase string, keyLen int) []byte {
	key := make([]byte, 0, keyLen)
	var prev []byte
	for len(key) < keyLen {
		h := md5.New() //nolint:gosec
		h.Write(prev)
		h.Write([]byte(passphrase))
		digest := h.Sum(nil)
		key = append(key, digest...)
		prev = digest
	}
	return key[:keyLen]
}

// SessionSubkey derives the per-direction session key from the master key
// and a salt via HKDF-Extract-then-Expand with SHA-1 and the fixed
// "ss-subkey" info string.
func SessionSubkey(masterKey, salt []byte, keyLen int) ([]byte, error) {
	r := hkdf.New(sha1.New, masterKey, salt, []byte(subkeyInfo)) //nolint:gosec
	out := make([]byte, keyLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("cipherkind: derive session subkey: %w", err)
	}
	return out, nil
}
