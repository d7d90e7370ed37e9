// Package artifact stages fetched content in the blob store and hands back
// a time-limited retrieval URL.
package artifact

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/gateway"
	"github.com/JakeFAU/scrape-gateway/internal/metrics"
)

// Config controls object naming and handle lifetime.
type Config struct {
	Prefix      string
	ContentType string
	TTL         time.Duration
}

// digestWriter is implemented by stores that keep the digest as object
// metadata.
type digestWriter interface {
	PutObjectWithDigest(ctx context.Context, key, contentType string, data []byte, digest string) (string, error)
}

// Stager writes artifacts and mints their handles. Every call creates a new
// object, identical content included.
type Stager struct {
	cfg       Config
	store     gateway.BlobStore
	presigner gateway.Presigner
	ids       gateway.IDGenerator
	hasher    gateway.Hasher
	clock     gateway.Clock
	logger    *zap.Logger
}

// NewStager wires a Stager.
func NewStager(
	cfg Config,
	store gateway.BlobStore,
	presigner gateway.Presigner,
	ids gateway.IDGenerator,
	hasher gateway.Hasher,
	clock gateway.Clock,
	logger *zap.Logger,
) *Stager {
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stager{
		cfg:       cfg,
		store:     store,
		presigner: presigner,
		ids:       ids,
		hasher:    hasher,
		clock:     clock,
		logger:    logger,
	}
}

// Store writes content under a fresh key and returns its handle.
func (s *Stager) Store(ctx context.Context, content []byte, contentType string) (gateway.ArtifactHandle, error) {
	const op = "stage artifact"
	if contentType == "" {
		contentType = s.cfg.ContentType
	}
	id, err := s.ids.NewID()
	if err != nil {
		metrics.ObserveArtifact("error")
		return gateway.ArtifactHandle{}, gateway.E(gateway.ErrStorageUnavailable, op, err)
	}
	key := path.Join(s.cfg.Prefix, id+extensionFor(contentType))
	digest, err := s.hasher.Hash(content)
	if err != nil {
		metrics.ObserveArtifact("error")
		return gateway.ArtifactHandle{}, gateway.E(gateway.ErrStorageUnavailable, op, fmt.Errorf("hash content: %w", err))
	}

	var uri string
	if dw, ok := s.store.(digestWriter); ok {
		uri, err = dw.PutObjectWithDigest(ctx, key, contentType, content, digest)
	} else {
		uri, err = s.store.PutObject(ctx, key, contentType, content)
	}
	if err != nil {
		metrics.ObserveArtifact("error")
		return gateway.ArtifactHandle{}, gateway.E(gateway.ErrStorageUnavailable, op, err)
	}

	issued := s.clock.Now()
	url, err := s.presigner.PresignGet(ctx, key, s.cfg.TTL)
	if err != nil {
		metrics.ObserveArtifact("error")
		return gateway.ArtifactHandle{}, gateway.E(gateway.ErrStorageUnavailable, op, fmt.Errorf("presign: %w", err))
	}
	metrics.ObserveArtifact("stored")
	s.logger.Debug("artifact staged", zap.String("key", key), zap.String("uri", uri), zap.Int("bytes", len(content)))

	return gateway.ArtifactHandle{
		ObjectKey:   key,
		URL:         url,
		ExpiresAt:   issued.Add(s.cfg.TTL).UTC(),
		ContentType: contentType,
		SHA256:      digest,
		Size:        len(content),
	}, nil
}

func extensionFor(contentType string) string {
	mediaType := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	switch mediaType {
	case "text/html":
		return ".html"
	case "application/json":
		return ".json"
	case "text/plain":
		return ".txt"
	default:
		return ""
	}
}
