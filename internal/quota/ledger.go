// Package quota enforces the per-API-key daily request ceiling.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/gateway"
	"github.com/JakeFAU/scrape-gateway/internal/logging"
	"github.com/JakeFAU/scrape-gateway/internal/metrics"
)

// Client-facing messages.
const (
	DetailMissingKey      = "Missing x-api-key."
	DetailInvalidKey      = "Invalid API key."
	DetailLimitReached    = "Daily limit reached. Upgrade or wait until tomorrow."
	DetailKeyExists       = "User with this API key already exists."
	DetailMissingNewKey   = "Missing api_key."
	defaultDailyLimit     = 5
	defaultMaxCASAttempts = 5
)

// Config controls the ledger.
type Config struct {
	DailyLimit     int
	MaxCASAttempts int
}

// Ledger checks and consumes daily quota. Calls for the same key are
// serialized in-process, and every write goes through the store's
// compare-and-swap so that replicas sharing a store stay within the ceiling.
type Ledger struct {
	store       gateway.UsageStore
	limit       int
	maxAttempts int
	locks       *keyLocks
	logger      *zap.Logger
}

// New builds a Ledger on top of store.
func New(store gateway.UsageStore, cfg Config, logger *zap.Logger) *Ledger {
	if cfg.DailyLimit <= 0 {
		cfg.DailyLimit = defaultDailyLimit
	}
	if cfg.MaxCASAttempts <= 0 {
		cfg.MaxCASAttempts = defaultMaxCASAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		store:       store,
		limit:       cfg.DailyLimit,
		maxAttempts: cfg.MaxCASAttempts,
		locks:       newKeyLocks(),
		logger:      logger,
	}
}

// Limit returns the configured daily ceiling.
func (l *Ledger) Limit() int {
	return l.limit
}

// CheckAndConsume resets a stale record to today, rejects keys at the
// ceiling and otherwise increments the count by one.
func (l *Ledger) CheckAndConsume(ctx context.Context, apiKey, today string) (gateway.Decision, error) {
	const op = "check quota"
	if apiKey == "" {
		return gateway.Decision{}, gateway.E(gateway.ErrMissingCredential, op, nil).WithDetail(DetailMissingKey)
	}

	unlock := l.locks.lock(apiKey)
	defer unlock()

	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		rec, err := l.store.Get(ctx, apiKey)
		if err != nil {
			if errors.Is(err, gateway.ErrUnknownAPIKey) {
				metrics.ObserveQuotaDecision("unknown_key")
				return gateway.Decision{}, gateway.E(gateway.ErrUnknownAPIKey, op, nil).WithDetail(DetailInvalidKey)
			}
			metrics.ObserveQuotaDecision("error")
			return gateway.Decision{}, gateway.E(gateway.ErrLedgerUnavailable, op, err)
		}

		current := rec
		if rec.LastReset != today {
			current = gateway.UsageRecord{APIKey: apiKey, Count: 0, LastReset: today}
			swapped, err := l.store.CompareAndSwap(ctx, rec, current)
			if err != nil {
				metrics.ObserveQuotaDecision("error")
				return gateway.Decision{}, gateway.E(gateway.ErrLedgerUnavailable, op, fmt.Errorf("reset: %w", err))
			}
			if !swapped {
				continue
			}
			l.logger.Debug("usage reset", logging.APIKey(apiKey), zap.String("last_reset", today))
		}

		if current.Count >= l.limit {
			metrics.ObserveQuotaDecision("exceeded")
			return gateway.Decision{APIKey: apiKey, Count: current.Count, Limit: l.limit},
				gateway.E(gateway.ErrQuotaExceeded, op, nil).WithDetail(DetailLimitReached)
		}

		next := current
		next.Count++
		swapped, err := l.store.CompareAndSwap(ctx, current, next)
		if err != nil {
			metrics.ObserveQuotaDecision("error")
			return gateway.Decision{}, gateway.E(gateway.ErrLedgerUnavailable, op, fmt.Errorf("increment: %w", err))
		}
		if !swapped {
			l.logger.Debug("usage compare-and-swap lost, retrying", logging.APIKey(apiKey), zap.Int("attempt", attempt))
			continue
		}
		metrics.ObserveQuotaDecision("allowed")
		return gateway.Decision{APIKey: apiKey, Count: next.Count, Limit: l.limit}, nil
	}

	metrics.ObserveQuotaDecision("contention")
	return gateway.Decision{}, gateway.E(gateway.ErrLedgerUnavailable, op,
		fmt.Errorf("record kept changing after %d attempts", l.maxAttempts))
}

// RegisterKey creates a fresh record for apiKey dated today.
func (l *Ledger) RegisterKey(ctx context.Context, apiKey, today string) (gateway.UsageRecord, error) {
	const op = "register key"
	if apiKey == "" {
		return gateway.UsageRecord{}, gateway.E(gateway.ErrInvalidInput, op, nil).WithDetail(DetailMissingNewKey)
	}
	rec := gateway.UsageRecord{APIKey: apiKey, Count: 0, LastReset: today}
	if err := l.store.Create(ctx, rec); err != nil {
		if errors.Is(err, gateway.ErrKeyAlreadyExists) {
			return gateway.UsageRecord{}, gateway.E(gateway.ErrKeyAlreadyExists, op, nil).WithDetail(DetailKeyExists)
		}
		return gateway.UsageRecord{}, gateway.E(gateway.ErrLedgerUnavailable, op, err)
	}
	l.logger.Info("api key registered", logging.APIKey(apiKey))
	return rec, nil
}

// Usage returns the record as it applies today without consuming quota.
func (l *Ledger) Usage(ctx context.Context, apiKey, today string) (gateway.UsageRecord, error) {
	const op = "read usage"
	rec, err := l.store.Get(ctx, apiKey)
	if err != nil {
		if errors.Is(err, gateway.ErrUnknownAPIKey) {
			return gateway.UsageRecord{}, gateway.E(gateway.ErrUnknownAPIKey, op, nil).WithDetail(DetailInvalidKey)
		}
		return gateway.UsageRecord{}, gateway.E(gateway.ErrLedgerUnavailable, op, err)
	}
	rec.Count = rec.EffectiveCount(today)
	rec.LastReset = today
	return rec, nil
}

// keyLocks hands out one mutex per key and forgets it once unused.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
