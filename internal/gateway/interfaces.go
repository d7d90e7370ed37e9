// Package gateway holds the domain types, contracts and failure kinds shared
// by the scrape gateway's components.
package gateway

import (
	"context"
	"net/http"
	"time"
)

// UsageStore persists usage records. Get returns ErrUnknownAPIKey when the
// key is absent and Create returns ErrKeyAlreadyExists when it is present.
type UsageStore interface {
	Get(ctx context.Context, apiKey string) (UsageRecord, error)
	Create(ctx context.Context, record UsageRecord) error
	// CompareAndSwap replaces prev with next only if the stored record still
	// equals prev. It reports whether the swap happened.
	CompareAndSwap(ctx context.Context, prev, next UsageRecord) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// BlobStore writes raw artifacts and returns a storage URI.
type BlobStore interface {
	PutObject(ctx context.Context, key string, contentType string, data []byte) (string, error)
}

// ObjectReader reads back stored artifacts.
type ObjectReader interface {
	GetObject(ctx context.Context, key string) ([]byte, string, error)
}

// Presigner mints a credential-free, time-limited URL for a stored object.
type Presigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// PageFetcher performs a single plain HTTP retrieval.
type PageFetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResult, error)
}

// FetchRequest describes one outbound GET.
type FetchRequest struct {
	URL       string
	UserAgent string
	Headers   http.Header
}

// Renderer loads a URL in an isolated browser session and returns the
// rendered document. Implementations release the session on every path.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

// Limiter throttles outbound calls per target host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
