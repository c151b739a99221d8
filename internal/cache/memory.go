package cache

import (
	"context"
	"sync"
)

// MemoryStore keeps entries in process memory. Used for tests and for
// running without a persistent backend; Commit only moves buffered writes
// into the committed map.
type MemoryStore struct {
	mu        sync.RWMutex
	items     map[string][]byte
	buf       pending
	commits   int
	closeOnce sync.Once
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]byte)}
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.buf.lookup(key); ok {
		return true, nil
	}
	_, ok := s.items[key]
	return ok, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := s.buf.lookup(key); ok {
		return v, nil
	}
	v, ok := s.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	s.buf.put(key, value)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Commit(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.buf.order {
		s.items[k] = s.buf.writes[k]
	}
	s.buf.reset()
	s.commits++
	return nil
}

func (s *MemoryStore) Discard(_ context.Context) error {
	s.mu.Lock()
	s.buf.reset()
	s.mu.Unlock()
	return nil
}

// Close discards uncommitted writes.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.buf.reset()
		s.mu.Unlock()
	})
	return nil
}

// Len returns the number of committed entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Commits returns how many times Commit has been called.
func (s *MemoryStore) Commits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commits
}

var _ Store = (*MemoryStore)(nil)
