package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/greenscore/backend/internal/domain"
)

// FileStore keeps every key in one JSON document on disk. Each Set rewrites the
// whole file through a temp file and rename.
type FileStore struct {
	path  string
	data  map[string]json.RawMessage
	mutex sync.Mutex
}

var _ domain.KeyValueStore = (*FileStore)(nil)

// NewFileStore opens (or creates) the state file at path
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path: path,
		data: make(map[string]json.RawMessage),
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := s.flushLocked(); err != nil {
				return nil, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
			}
			return s, nil
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}

	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s.data); err != nil {
			return nil, fmt.Errorf("decode state file %s: %w", path, err)
		}
	}
	return s, nil
}

// Get returns the values present for keys
func (s *FileStore) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	result := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if value, ok := s.data[key]; ok {
			result[key] = append([]byte(nil), value...)
		}
	}
	return result, nil
}

// Set writes the values and flushes the file. Values must be valid JSON.
func (s *FileStore) Set(ctx context.Context, values map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	for key, value := range values {
		if !json.Valid(value) {
			return fmt.Errorf("value for key %q is not valid JSON", key)
		}
	}
	for key, value := range values {
		s.data[key] = append(json.RawMessage(nil), value...)
	}
	return s.flushLocked()
}

func (s *FileStore) flushLocked() error {
	raw, err := json.Marshal(s.data)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".greenscore-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// Close is a no-op; every Set is already durable
func (s *FileStore) Close() error {
	return nil
}
