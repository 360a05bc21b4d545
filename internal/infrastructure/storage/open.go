package storage

import (
	"context"
	"fmt"

	"github.com/greenscore/backend/config"
	"github.com/greenscore/backend/internal/domain"
)

// Open builds the store selected by cfg.Type
func Open(ctx context.Context, cfg config.StorageConfig) (domain.KeyValueStore, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(cfg.Path)
	case "redis":
		return NewRedisStore(ctx, cfg.RedisURL)
	case "postgres":
		return NewPostgresStore(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
