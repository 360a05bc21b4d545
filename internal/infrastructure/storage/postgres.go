package storage

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/greenscore/backend/internal/domain"
)

const snapshotTable = "greenscore_snapshots"

// PostgresStore keeps snapshots as rows of a single key/value table
type PostgresStore struct {
	pool *pgxpool.Pool
	sql  sq.StatementBuilderType
}

var _ domain.KeyValueStore = (*PostgresStore)(nil)

// NewPostgresStore opens a pool, pings the database and creates the table if needed
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	poolCfg.MaxConnLifetime = 1 * time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: postgres: create pool: %v", domain.ErrStorageUnavailable, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: postgres: ping: %v", domain.ErrStorageUnavailable, err)
	}

	ddl := `CREATE TABLE IF NOT EXISTS ` + snapshotTable + ` (
		key        TEXT PRIMARY KEY,
		value      BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: create table: %w", err)
	}

	return &PostgresStore{
		pool: pool,
		sql:  sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}, nil
}

// Get selects every requested key in one query
func (p *PostgresStore) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	query, args, err := p.sql.
		Select("key", "value").
		From(snapshotTable).
		Where(sq.Eq{"key": keys}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		result[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}

	return result, nil
}

// Set upserts every key in one statement
func (p *PostgresStore) Set(ctx context.Context, values map[string][]byte) error {
	if len(values) == 0 {
		return nil
	}

	insert := p.sql.Insert(snapshotTable).Columns("key", "value", "updated_at")
	now := time.Now()
	for key, value := range values {
		insert = insert.Values(key, value, now)
	}

	query, args, err := insert.
		Suffix("ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}

	if _, err := p.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert snapshots: %w", err)
	}
	return nil
}

// Close closes the pool
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
