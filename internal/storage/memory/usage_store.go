package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/scrape-gateway/internal/gateway"
)

// UsageStore keeps usage records in-process. It is the single-instance
// ledger backend.
type UsageStore struct {
	mu      sync.RWMutex
	records map[string]gateway.UsageRecord
}

// NewUsageStore constructs an empty UsageStore.
func NewUsageStore() *UsageStore {
	return &UsageStore{records: make(map[string]gateway.UsageRecord)}
}

// Get returns the record for apiKey.
func (s *UsageStore) Get(_ context.Context, apiKey string) (gateway.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[apiKey]
	if !ok {
		return gateway.UsageRecord{}, gateway.ErrUnknownAPIKey
	}
	return rec, nil
}

// Create inserts a new record.
func (s *UsageStore) Create(_ context.Context, record gateway.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.APIKey]; exists {
		return gateway.ErrKeyAlreadyExists
	}
	s.records[record.APIKey] = record
	return nil
}

// CompareAndSwap replaces prev with next when the stored record equals prev.
func (s *UsageStore) CompareAndSwap(_ context.Context, prev, next gateway.UsageRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[prev.APIKey]
	if !ok {
		return false, gateway.ErrUnknownAPIKey
	}
	if cur != prev {
		return false, nil
	}
	next.APIKey = prev.APIKey
	s.records[prev.APIKey] = next
	return true, nil
}

// Ping always succeeds.
func (s *UsageStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *UsageStore) Close() error { return nil }
