package sessions

import "sync"

// defaultScrollbackSize bounds the output kept per session for replay (256 KB).
const defaultScrollbackSize = 256 * 1024

// scrollback is a bounded byte buffer of recent output. When full, the
// oldest bytes are dropped.
type scrollback struct {
	mu     sync.Mutex
	data   []byte
	maxLen int
}

func newScrollback(maxLen int) *scrollback {
	if maxLen <= 0 {
		maxLen = defaultScrollbackSize
	}
	return &scrollback{maxLen: maxLen}
}

func (s *scrollback) Write(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, p...)
	if len(s.data) > s.maxLen {
		trimmed := make([]byte, s.maxLen)
		copy(trimmed, s.data[len(s.data)-s.maxLen:])
		s.data = trimmed
	}
}

// Bytes returns a copy of the buffered output.
func (s *scrollback) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}
