package authstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory. State is lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	id      string
	session *Session

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(id string) *MemoryStore {
	if id == "" {
		id = DefaultSessionID
	}
	return &MemoryStore{id: id, now: time.Now}
}

// Load returns a copy of the stored session. Returns nil, nil if absent.
func (s *MemoryStore) Load(_ context.Context) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.session == nil {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	cp := *s.session
	cp.Archive = append([]byte(nil), s.session.Archive...)
	return &cp, nil
}

// Save replaces the stored session.
func (s *MemoryStore) Save(_ context.Context, archive []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.session = NewSession(s.id, append([]byte(nil), archive...), s.now())
	return nil
}

// Clear removes the stored session.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.session = nil
	return nil
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
