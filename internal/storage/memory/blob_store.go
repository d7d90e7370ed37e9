// Package memory keeps usage records and artifacts in-process for
// development and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/scrape-gateway/internal/gateway"
)

type object struct {
	data        []byte
	contentType string
}

// BlobStore stores artifacts in-memory and returns pseudo URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]object
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]object)}
}

// PutObject persists a copy of data and returns a URI.
func (s *BlobStore) PutObject(_ context.Context, key string, contentType string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = object{data: append([]byte(nil), data...), contentType: contentType}
	return fmt.Sprintf("memory://%s", key), nil
}

// GetObject returns a copy of the stored bytes and their content type.
func (s *BlobStore) GetObject(_ context.Context, key string) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, "", gateway.E(gateway.ErrNotFound, "get object", fmt.Errorf("object %q", key))
	}
	return append([]byte(nil), obj.data...), obj.contentType, nil
}
