package telegram

import (
	"context"
	"sync"

	"github.com/gotd/td/session"
)

// memorySession keeps the MTProto session in memory; the session store
// persists its bytes.
type memorySession struct {
	mu   sync.Mutex
	data []byte
}

var _ session.Storage = (*memorySession)(nil)

func (s *memorySession) LoadSession(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.data) == 0 {
		return nil, session.ErrNotFound
	}
	return append([]byte(nil), s.data...), nil
}

func (s *memorySession) StoreSession(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append([]byte(nil), data...)
	return nil
}

// Bytes returns a copy of the current session.
func (s *memorySession) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...)
}
