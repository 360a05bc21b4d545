package storage

import (
	"context"
	"sync"

	"github.com/greenscore/backend/internal/domain"
)

// MemoryStore is a thread-safe in-process key-value store. State is lost on restart.
type MemoryStore struct {
	data  map[string][]byte
	mutex sync.RWMutex
}

var _ domain.KeyValueStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

// Get returns copies of the stored values for the requested keys
func (s *MemoryStore) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if value, ok := s.data[key]; ok {
			result[key] = append([]byte(nil), value...)
		}
	}
	return result, nil
}

// Set stores copies of all values
func (s *MemoryStore) Set(ctx context.Context, values map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	for key, value := range values {
		s.data[key] = append([]byte(nil), value...)
	}
	return nil
}

// Size returns the number of stored keys
func (s *MemoryStore) Size() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.data)
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}
