package streamaead

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/postalsys/muti-metroo/internal/cipherkind"
)

type readState int

const (
	stateWaitSalt readState = iota
	stateReadLength
	stateReadData
	stateBufferedData
)

// Reader decrypts an incoming AEAD-framed stream, implementing the
// four-state machine from spec.md §4.4: WaitSalt, ReadLength, ReadData,
// BufferedData. AEAD tag failures at any state surface as the single
// generic ErrDecrypt so a remote peer cannot distinguish a length-tag
// failure from a payload-tag failure.
type Reader struct {
	src  io.Reader
	kind cipherkind.Kind

	masterKey []byte
	aead      cipher.AEAD
	nonce     *cipherkind.NonceSequencer

	state      readState
	pendingLen int    // plaintext length of the chunk currently being read (ReadData state)
	plain      []byte // decrypted chunk payload awaiting delivery (BufferedData state)
	pos        int    // offset already copied out of plain
}

// ErrDecrypt is the single error surfaced for any AEAD authentication
// failure, by design: distinguishing length-tag failures from
// payload-tag failures would give an active prober an oracle.
var ErrDecrypt = fmt.Errorf("streamaead: decryption failed")

// ErrChunkTooLarge is returned when a decrypted length prefix exceeds
// kind.MaxPackageSize(), i.e. the implied 0x3FFF ceiling was violated.
var ErrChunkTooLarge = fmt.Errorf("streamaead: buffer size too large")

// NewReader builds a Reader that will read the session salt from src on
// its first Read call and derive the receiving subkey from it.
func NewReader(src io.Reader, kind cipherkind.Kind, masterKey []byte) *Reader {
	if kind != cipherkind.AES256GCM {
		panic("streamaead: NewReader requires a concrete cipher kind, not None")
	}
	return &Reader{
		src:       src,
		kind:      kind,
		masterKey: masterKey,
		state:     stateWaitSalt,
	}
}

// Read implements io.Reader. It never returns bytes from more than one
// decrypted chunk per call when len(p) is smaller than the chunk, but may
// span multiple underlying reads while reassembling a chunk.
func (r *Reader) Read(p []byte) (int, error) {
	for {
		switch r.state {
		case stateWaitSalt:
			salt := make([]byte, r.kind.SaltSize())
			if err := readExactMidChunk(r.src, salt); err != nil {
				return 0, err
			}

			subkey, err := cipherkind.SessionSubkey(r.masterKey, salt, r.kind.KeySize())
			if err != nil {
				return 0, err
			}
			block, err := aes.NewCipher(subkey)
			if err != nil {
				return 0, err
			}
			aead, err := cipher.NewGCM(block)
			if err != nil {
				return 0, err
			}
			r.aead = aead
			r.nonce = cipherkind.NewNonceSequencer(r.kind.NonceSize())
			r.state = stateReadLength

		case stateReadLength:
			raw := make([]byte, 2+r.kind.TagSize())
			if err := readExact(r.src, raw); err != nil {
				return 0, err
			}
			opened, err := r.aead.Open(raw[:0], r.nonce.Next(), raw, nil)
			if err != nil {
				return 0, ErrDecrypt
			}
			plen := int(binary.BigEndian.Uint16(opened))
			if plen > r.kind.MaxPackageSize() {
				return 0, ErrChunkTooLarge
			}
			r.pendingLen = plen
			r.state = stateReadData

		case stateReadData:
			raw := make([]byte, r.pendingLen+r.kind.TagSize())
			if err := readExactMidChunk(r.src, raw); err != nil {
				return 0, err
			}
			opened, err := r.aead.Open(raw[:0], r.nonce.Next(), raw, nil)
			if err != nil {
				return 0, ErrDecrypt
			}
			r.plain = opened[:r.pendingLen]
			r.pos = 0
			r.state = stateBufferedData

		case stateBufferedData:
			if r.pos >= len(r.plain) {
				r.plain = nil
				r.state = stateReadLength
				continue
			}
			n := copy(p, r.plain[r.pos:])
			r.pos += n
			return n, nil
		}
	}
}

// readExact reads exactly len(buf) bytes. A clean EOF before any byte is
// read is a legitimate stream end only at a ReadLength boundary, so the
// caller there must accept io.EOF as-is.
func readExact(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}

// readExactMidChunk reads exactly len(buf) bytes, but a clean EOF here is
// never legitimate: the peer promised this many ciphertext bytes when it
// sent the length chunk, so any short read is UnexpectedEOF.
func readExactMidChunk(r io.Reader, buf []byte) error {
	n, err := io.ReadFull(r, buf)
	if err == io.EOF && n == 0 {
		return io.ErrUnexpectedEOF
	}
	return err
}
