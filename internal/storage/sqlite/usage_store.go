// Package sqlite provides a single-file usage ledger store backed by the
// pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/scrape-gateway/internal/gateway"
)

// UsageStore keeps usage rows in a SQLite database file.
type UsageStore struct {
	db *sql.DB
}

// NewUsageStore opens (or creates) the database at path and ensures the
// schema exists.
func NewUsageStore(ctx context.Context, path string) (*UsageStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite.path is required")
	}
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; SQLite serializes anyway.
	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &UsageStore{db: db}, nil
}

func dsn(path string) string {
	if path == ":memory:" {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

func migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS usage_records (
			api_key TEXT PRIMARY KEY,
			usage_count INTEGER NOT NULL DEFAULT 0,
			last_reset TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

// Get loads the row for apiKey.
func (s *UsageStore) Get(ctx context.Context, apiKey string) (gateway.UsageRecord, error) {
	rec := gateway.UsageRecord{APIKey: apiKey}
	err := s.db.QueryRowContext(ctx,
		"SELECT usage_count, last_reset FROM usage_records WHERE api_key = ?", apiKey,
	).Scan(&rec.Count, &rec.LastReset)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return gateway.UsageRecord{}, gateway.ErrUnknownAPIKey
		}
		return gateway.UsageRecord{}, fmt.Errorf("select usage: %w", err)
	}
	return rec, nil
}

// Create inserts a new row, failing when the key is taken.
func (s *UsageStore) Create(ctx context.Context, record gateway.UsageRecord) error {
	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO usage_records (api_key, usage_count, last_reset) VALUES (?, ?, ?)",
		record.APIKey, record.Count, record.LastReset,
	)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	if n == 0 {
		return gateway.ErrKeyAlreadyExists
	}
	return nil
}

// CompareAndSwap updates the row only while it still holds prev.
func (s *UsageStore) CompareAndSwap(ctx context.Context, prev, next gateway.UsageRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE usage_records SET usage_count = ?, last_reset = ?, updated_at = CURRENT_TIMESTAMP
		WHERE api_key = ? AND usage_count = ? AND last_reset = ?`,
		next.Count, next.LastReset, prev.APIKey, prev.Count, prev.LastReset,
	)
	if err != nil {
		return false, fmt.Errorf("update usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update usage: %w", err)
	}
	return n == 1, nil
}

// Ping checks the database handle.
func (s *UsageStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *UsageStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}
