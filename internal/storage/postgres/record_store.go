// Package postgres provides a Postgres-backed key-value store.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "key_value_records"

// RecordStoreConfig controls the Postgres connection pool used for records.
type RecordStoreConfig struct {
	DSN             string
	Table           string
	StoreID         string
	StoreName       string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// RecordStore writes key-value records into Postgres, one row per (store, key).
type RecordStore struct {
	pool    execCloser
	table   string
	storeID string
	name    string
}

// NewRecordStore creates a Postgres-backed RecordStore using the provided config.
func NewRecordStore(ctx context.Context, cfg RecordStoreConfig) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres_dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return newRecordStore(pool, table, cfg.StoreID, cfg.StoreName), nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(pool execCloser, table, storeID, storeName string) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return newRecordStore(pool, table, storeID, storeName), nil
}

func newRecordStore(pool execCloser, table, storeID, storeName string) *RecordStore {
	if strings.TrimSpace(storeID) == "" {
		storeID = "default"
	}
	return &RecordStore{pool: pool, table: table, storeID: storeID, name: storeName}
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// ID implements crawler.KeyValueStore.
func (s *RecordStore) ID() string { return s.storeID }

// Name implements crawler.KeyValueStore.
func (s *RecordStore) Name() string { return s.name }

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the records table when missing.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	store_id     TEXT        NOT NULL,
	record_key   TEXT        NOT NULL,
	value        BYTEA       NOT NULL,
	content_type TEXT        NOT NULL DEFAULT '',
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (store_id, record_key)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create records table: %w", err)
	}
	return nil
}

// SetValue upserts the record; identical keys overwrite.
func (s *RecordStore) SetValue(ctx context.Context, key string, value []byte, contentType string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("record store is not configured")
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (store_id, record_key, value, content_type, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (store_id, record_key)
DO UPDATE SET value = EXCLUDED.value, content_type = EXCLUDED.content_type, updated_at = now()`, s.table)

	if _, err := s.pool.Exec(ctx, query, s.storeID, key, value, contentType); err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}
