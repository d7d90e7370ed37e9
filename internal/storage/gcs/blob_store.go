// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// ServiceAccountEmail and PrivateKeyPath sign URLs offline. When empty the
	// client's own credentials are used.
	ServiceAccountEmail string
	PrivateKeyPath      string
}

// BlobStore writes artifacts to a configured GCS bucket and mints V4 signed
// URLs for them.
type BlobStore struct {
	client      *storage.Client
	bucket      string
	accessID    string
	privateKey  []byte
	nowFunc     func() time.Time
	metadataKey string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	s := &BlobStore{
		client:      client,
		bucket:      cfg.Bucket,
		accessID:    cfg.ServiceAccountEmail,
		nowFunc:     time.Now,
		metadataKey: "sha256",
	}
	if cfg.PrivateKeyPath != "" {
		key, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read signing key: %w", err)
		}
		s.privateKey = key
	}
	return s, nil
}

// NewWithSigner builds a store that signs with the given PEM key (primarily for testing).
func NewWithSigner(client *storage.Client, bucket, accessID string, privateKey []byte) *BlobStore {
	return &BlobStore{
		client:      client,
		bucket:      bucket,
		accessID:    accessID,
		privateKey:  privateKey,
		nowFunc:     time.Now,
		metadataKey: "sha256",
	}
}

// PutObject uploads data to the configured bucket and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, key string, contentType string, data []byte) (string, error) {
	return s.put(ctx, key, contentType, data, nil)
}

// PutObjectWithDigest uploads data and records its digest as object metadata.
func (s *BlobStore) PutObjectWithDigest(ctx context.Context, key, contentType string, data []byte, digest string) (string, error) {
	return s.put(ctx, key, contentType, data, map[string]string{s.metadataKey: digest})
}

func (s *BlobStore) put(ctx context.Context, key, contentType string, data []byte, metadata map[string]string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("path is required")
	}
	writer := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if len(metadata) > 0 {
		writer.Metadata = metadata
	}
	if _, err := writer.Write(data); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, key), nil
}

// PresignGet returns a V4 signed GET URL valid for ttl.
func (s *BlobStore) PresignGet(_ context.Context, key string, ttl time.Duration) (string, error) {
	opts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: s.nowFunc().Add(ttl),
	}
	if s.accessID != "" {
		opts.GoogleAccessID = s.accessID
	}
	if len(s.privateKey) > 0 {
		opts.PrivateKey = s.privateKey
	}
	url, err := s.client.Bucket(s.bucket).SignedURL(key, opts)
	if err != nil {
		return "", fmt.Errorf("sign url: %w", err)
	}
	return url, nil
}
