// Package redis provides a usage ledger store on Redis hashes with
// optimistic WATCH/MULTI updates.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/scrape-gateway/internal/gateway"
)

const (
	fieldCount     = "usage_count"
	fieldLastReset = "last_reset"
)

// Config holds connection settings.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// UsageStore keeps one hash per API key.
type UsageStore struct {
	client *goredis.Client
	prefix string
}

// NewUsageStore connects to Redis and verifies the connection.
func NewUsageStore(ctx context.Context, cfg Config) (*UsageStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis.addr is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewUsageStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewUsageStoreWithClient wraps an existing client.
func NewUsageStoreWithClient(client *goredis.Client, prefix string) *UsageStore {
	return &UsageStore{client: client, prefix: prefix}
}

func (s *UsageStore) key(apiKey string) string {
	return s.prefix + apiKey
}

// Get loads the hash for apiKey.
func (s *UsageStore) Get(ctx context.Context, apiKey string) (gateway.UsageRecord, error) {
	return readRecord(ctx, s.client, s.key(apiKey), apiKey)
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *goredis.MapStringStringCmd
}

func readRecord(ctx context.Context, c hashReader, key, apiKey string) (gateway.UsageRecord, error) {
	vals, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return gateway.UsageRecord{}, fmt.Errorf("hgetall usage: %w", err)
	}
	if len(vals) == 0 {
		return gateway.UsageRecord{}, gateway.ErrUnknownAPIKey
	}
	count, err := strconv.Atoi(vals[fieldCount])
	if err != nil {
		return gateway.UsageRecord{}, fmt.Errorf("parse usage count for %s: %w", key, err)
	}
	return gateway.UsageRecord{APIKey: apiKey, Count: count, LastReset: vals[fieldLastReset]}, nil
}

// Create writes a new hash, failing when the key is taken.
func (s *UsageStore) Create(ctx context.Context, record gateway.UsageRecord) error {
	key := s.key(record.APIKey)
	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("exists usage: %w", err)
		}
		if n > 0 {
			return gateway.ErrKeyAlreadyExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldCount, record.Count, fieldLastReset, record.LastReset)
			return nil
		})
		return err
	}, key)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, goredis.TxFailedErr):
		// Someone created it between EXISTS and EXEC.
		return gateway.ErrKeyAlreadyExists
	case errors.Is(err, gateway.ErrKeyAlreadyExists):
		return err
	default:
		return fmt.Errorf("create usage: %w", err)
	}
}

// CompareAndSwap writes next only while the hash still holds prev.
func (s *UsageStore) CompareAndSwap(ctx context.Context, prev, next gateway.UsageRecord) (bool, error) {
	key := s.key(prev.APIKey)
	swapped := false
	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		cur, err := readRecord(ctx, tx, key, prev.APIKey)
		if err != nil {
			return err
		}
		if cur != prev {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldCount, next.Count, fieldLastReset, next.LastReset)
			return nil
		})
		if err != nil {
			return err
		}
		swapped = true
		return nil
	}, key)
	if err != nil {
		if errors.Is(err, goredis.TxFailedErr) {
			return false, nil
		}
		if errors.Is(err, gateway.ErrUnknownAPIKey) {
			return false, err
		}
		return false, fmt.Errorf("swap usage: %w", err)
	}
	return swapped, nil
}

// Ping checks connectivity.
func (s *UsageStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close closes the client.
func (s *UsageStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
