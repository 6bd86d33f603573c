package cipherkind

// NonceSequencer hands out a strictly increasing sequence of little-endian
// counter nonces for one direction of one session. The first call returns
// the all-zero nonce unchanged; every later call increments the counter
// (wrapping bytewise on overflow) before returning it. It is never reset.
type NonceSequencer struct {
	nonce   []byte
	started bool
}

// NewNonceSequencer allocates a sequencer for the given AEAD nonce size.
func NewNonceSequencer(nonceSize int) *NonceSequencer {
	return &NonceSequencer{nonce: make([]byte, nonceSize)}
}

// Next returns the next nonce in the sequence. The returned slice is owned
// by the sequencer and is overwritten on the next call; callers that need
// to retain it must copy it.
func (s *NonceSequencer) Next() []byte {
	if !s.started {
		s.started = true
		return s.nonce
	}
	for i := range s.nonce {
		s.nonce[i]++
		if s.nonce[i] != 0 {
			break
		}
	}
	return s.nonce
}
