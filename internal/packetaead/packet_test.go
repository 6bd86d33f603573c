package packetaead

import (
	"bytes"
	"errors"
	"testing"

	"github.com/postalsys/muti-metroo/internal/cipherkind"
)

func TestRoundTrip(t *testing.T) {
	masterKey := cipherkind.MasterKey("udp-secret", cipherkind.AES256GCM.KeySize())
	c := New(cipherkind.AES256GCM, masterKey)

	plain := []byte("a udp datagram payload")
	sealed, err := c.Encrypt(plain)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	buf := make([]byte, len(sealed))
	copy(buf, sealed)
	n, err := c.Decrypt(buf)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(buf[:n], plain) {
		t.Fatalf("round trip mismatch: got %q, want %q", buf[:n], plain)
	}
}

func TestEncryptConcatenatesParts(t *testing.T) {
	masterKey := cipherkind.MasterKey("udp-secret", cipherkind.AES256GCM.KeySize())
	c := New(cipherkind.AES256GCM, masterKey)

	header := []byte{0x01, 127, 0, 0, 1, 0, 53}
	payload := []byte("dns query bytes")
	sealed, err := c.Encrypt(header, payload)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	buf := make([]byte, len(sealed))
	copy(buf, sealed)
	n, err := c.Decrypt(buf)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	want := append(append([]byte{}, header...), payload...)
	if !bytes.Equal(buf[:n], want) {
		t.Fatalf("got %q, want %q", buf[:n], want)
	}
}

func TestRoundTripLargePayload(t *testing.T) {
	masterKey := cipherkind.MasterKey("udp-secret", cipherkind.AES256GCM.KeySize())
	c := New(cipherkind.AES256GCM, masterKey)

	// Larger than the 32-byte salt, so Decrypt's in-place Open covers a
	// ciphertext slice that overlaps the salt region it follows.
	plain := bytes.Repeat([]byte("a udp datagram payload exceeding salt size"), 20)
	sealed, err := c.Encrypt(plain)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	buf := make([]byte, len(sealed))
	copy(buf, sealed)
	n, err := c.Decrypt(buf)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(buf[:n], plain) {
		t.Fatalf("round trip mismatch for large payload")
	}
}

func TestEachPacketUsesAFreshSalt(t *testing.T) {
	masterKey := cipherkind.MasterKey("udp-secret", cipherkind.AES256GCM.KeySize())
	c := New(cipherkind.AES256GCM, masterKey)

	a, err := c.Encrypt([]byte("same plaintext"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := c.Encrypt([]byte("same plaintext"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("two encryptions of identical plaintext produced identical ciphertext")
	}
	saltSize := cipherkind.AES256GCM.SaltSize()
	if bytes.Equal(a[:saltSize], b[:saltSize]) {
		t.Fatalf("two packets shared a salt")
	}
}

func TestDecryptRejectsShortPacket(t *testing.T) {
	masterKey := cipherkind.MasterKey("udp-secret", cipherkind.AES256GCM.KeySize())
	c := New(cipherkind.AES256GCM, masterKey)

	tooShort := make([]byte, cipherkind.AES256GCM.SaltLenPlusTag())
	_, err := c.Decrypt(tooShort)
	if !errors.Is(err, ErrInvalidPackage) {
		t.Fatalf("expected ErrInvalidPackage, got %v", err)
	}
}

func TestDecryptRejectsTamperedPacket(t *testing.T) {
	masterKey := cipherkind.MasterKey("udp-secret", cipherkind.AES256GCM.KeySize())
	c := New(cipherkind.AES256GCM, masterKey)

	sealed, err := c.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xFF

	buf := make([]byte, len(sealed))
	copy(buf, sealed)
	if _, err := c.Decrypt(buf); err == nil {
		t.Fatalf("expected tampered packet to fail decryption")
	}
}
