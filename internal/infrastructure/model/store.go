package model

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/greenscore/backend/internal/domain"
)

// KVStore persists a Network as a JSON snapshot under "model:<name>"
type KVStore struct {
	store domain.KeyValueStore
	key   string
}

var _ domain.ModelStore = (*KVStore)(nil)

// NewKVStore creates a model store addressed by name
func NewKVStore(store domain.KeyValueStore, name string) *KVStore {
	return &KVStore{store: store, key: "model:" + name}
}

// Save writes the model weights
func (s *KVStore) Save(ctx context.Context, m domain.Model) error {
	network, ok := m.(*Network)
	if !ok {
		return fmt.Errorf("unsupported model type %T", m)
	}

	raw, err := json.Marshal(network)
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}

	if err := s.store.Set(ctx, map[string][]byte{s.key: raw}); err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	return nil
}

// Load returns ErrModelNotFound when no snapshot exists or it cannot be decoded
func (s *KVStore) Load(ctx context.Context) (domain.Model, error) {
	values, err := s.store.Get(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}

	raw, ok := values[s.key]
	if !ok {
		return nil, domain.ErrModelNotFound
	}

	network := &Network{}
	if err := json.Unmarshal(raw, network); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", domain.ErrModelNotFound, err)
	}
	return network, nil
}
