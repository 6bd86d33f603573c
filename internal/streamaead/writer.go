package streamaead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/postalsys/muti-metroo/internal/cipherkind"
)

// Writer encrypts an outgoing byte stream into the chunked AEAD framing
// described in spec.md §4.4: a salt prefix followed by any number of
// { len_ct || len_tag || payload_ct || payload_tag } chunks, with the
// per-direction nonce sequence shared between the length and payload
// AEAD calls (length uses nonce N, payload uses N+1).
//
// A Writer is not safe for concurrent use; each session owns exactly one.
type Writer struct {
	dst   io.Writer
	kind  cipherkind.Kind
	aead  cipher.AEAD
	nonce *cipherkind.NonceSequencer

	buf       []byte // assembled chunk, including the salt on the first call
	saltFlush bool   // never set or read; the salt is emitted because NewWriter puts it at the front of buf
}

// NewWriter builds a Writer that emits the per-session salt on its first
// Write and seals every call's payload under the session subkey derived
// from (masterKey, salt).
func NewWriter(dst io.Writer, kind cipherkind.Kind, masterKey, salt []byte) (*Writer, error) {
	if kind != cipherkind.AES256GCM {
		panic("streamaead: NewWriter requires a concrete cipher kind, not None")
	}

	subkey, err := cipherkind.SessionSubkey(masterKey, salt, kind.KeySize())
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(subkey)
	if err != nil {
		return nil, fmt.Errorf("streamaead: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("streamaead: new GCM: %w", err)
	}

	buf := make([]byte, len(salt))
	copy(buf, salt)

	return &Writer{
		dst:   dst,
		kind:  kind,
		aead:  aead,
		nonce: cipherkind.NewNonceSequencer(kind.NonceSize()),
		buf:   buf,
	}, nil
}

// NewWriterRandomSalt generates a fresh random salt of the cipher's salt
// length and returns both the Writer and the salt (so callers needing the
// salt for logging/testing can observe it; normal use ignores it).
func NewWriterRandomSalt(dst io.Writer, kind cipherkind.Kind, masterKey []byte) (*Writer, []byte, error) {
	salt := make([]byte, kind.SaltSize())
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, nil, fmt.Errorf("streamaead: generate salt: %w", err)
	}
	w, err := NewWriter(dst, kind, masterKey, salt)
	return w, salt, err
}

// Write consumes at most kind.MaxPackageSize() bytes of p, seals them as a
// single framed chunk, and flushes the chunk (plus any pending salt) to
// the underlying sink before returning. It never partially seals a chunk:
// a short write to the sink is retried until the whole chunk is flushed,
// or an error aborts the whole call without resealing data already sent.
func (w *Writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(p) > w.kind.MaxPackageSize() {
		p = p[:w.kind.MaxPackageSize()]
	}

	lengthTag := make([]byte, 2)
	lengthTag[0] = byte(len(p) >> 8)
	lengthTag[1] = byte(len(p))
	w.buf = w.aead.Seal(w.buf, w.nonce.Next(), lengthTag, nil)
	w.buf = w.aead.Seal(w.buf, w.nonce.Next(), p, nil)

	pos := 0
	for pos < len(w.buf) {
		n, err := w.dst.Write(w.buf[pos:])
		pos += n
		if err != nil {
			// Drop what was assembled; the caller sees the error and the
			// stream is expected to be torn down, so there is no partial
			// chunk left to resend.
			w.buf = w.buf[:0]
			return 0, err
		}
	}
	w.buf = w.buf[:0]

	return len(p), nil
}
