// Package postgres provides the Postgres-backed usage ledger store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/scrape-gateway/internal/gateway"
)

// DefaultTable is the table created by the embedded migrations.
const DefaultTable = "usage_records"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for usage rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// UsageStore reads and writes usage rows. Writes are conditional updates so
// several gateway replicas can share one table.
type UsageStore struct {
	pool  pool
	table string
}

// NewUsageStore creates a Postgres-backed UsageStore using the provided config.
func NewUsageStore(ctx context.Context, cfg Config) (*UsageStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &UsageStore{pool: p, table: table}, nil
}

// NewUsageStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewUsageStoreWithPool(p pool, table string) (*UsageStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &UsageStore{pool: p, table: table}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Get loads the row for apiKey.
func (s *UsageStore) Get(ctx context.Context, apiKey string) (gateway.UsageRecord, error) {
	query := fmt.Sprintf(`SELECT usage_count, last_reset FROM %s WHERE api_key = $1`, s.table)
	rec := gateway.UsageRecord{APIKey: apiKey}
	if err := s.pool.QueryRow(ctx, query, apiKey).Scan(&rec.Count, &rec.LastReset); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return gateway.UsageRecord{}, gateway.ErrUnknownAPIKey
		}
		return gateway.UsageRecord{}, fmt.Errorf("select usage: %w", err)
	}
	return rec, nil
}

// Create inserts a new row, failing when the key is taken.
func (s *UsageStore) Create(ctx context.Context, record gateway.UsageRecord) error {
	query := fmt.Sprintf(`
INSERT INTO %s (api_key, usage_count, last_reset)
VALUES ($1, $2, $3)
ON CONFLICT (api_key) DO NOTHING`, s.table)
	tag, err := s.pool.Exec(ctx, query, record.APIKey, record.Count, record.LastReset)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gateway.ErrKeyAlreadyExists
	}
	return nil
}

// CompareAndSwap updates the row only while it still holds prev.
func (s *UsageStore) CompareAndSwap(ctx context.Context, prev, next gateway.UsageRecord) (bool, error) {
	query := fmt.Sprintf(`
UPDATE %s SET usage_count = $1, last_reset = $2, updated_at = NOW()
WHERE api_key = $3 AND usage_count = $4 AND last_reset = $5`, s.table)
	tag, err := s.pool.Exec(ctx, query, next.Count, next.LastReset, prev.APIKey, prev.Count, prev.LastReset)
	if err != nil {
		return false, fmt.Errorf("update usage: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Ping checks connectivity.
func (s *UsageStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *UsageStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
