package artifact

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/scrape-gateway/internal/gateway"
	"github.com/JakeFAU/scrape-gateway/internal/hash/sha256"
)

// Handle verification failures.
var (
	ErrBadSignature = errors.New("artifact signature invalid")
	ErrExpired      = errors.New("artifact handle expired")
)

// Signer mints HMAC-signed handles served by the gateway itself, for blob
// stores that cannot presign.
type Signer struct {
	key     []byte
	baseURL string
	clock   gateway.Clock
}

// NewSigner builds a Signer. baseURL is the externally reachable gateway
// root, e.g. http://localhost:8080.
func NewSigner(key []byte, baseURL string, clock gateway.Clock) (*Signer, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("signing key is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse public base url: %w", err)
	}
	return &Signer{key: key, baseURL: strings.TrimRight(baseURL, "/"), clock: clock}, nil
}

func message(objectKey, expires string) string {
	return objectKey + "\n" + expires
}

// PresignGet returns /artifacts/<key>?expires=<unix>&sig=<hmac>.
func (s *Signer) PresignGet(_ context.Context, objectKey string, ttl time.Duration) (string, error) {
	expires := strconv.FormatInt(s.clock.Now().Add(ttl).Unix(), 10)
	q := url.Values{}
	q.Set("expires", expires)
	q.Set("sig", sha256.MAC(s.key, message(objectKey, expires)))
	return s.baseURL + "/artifacts/" + escapePath(objectKey) + "?" + q.Encode(), nil
}

// Verify checks a handle's signature and expiry.
func (s *Signer) Verify(objectKey, expires, sig string) error {
	if !sha256.VerifyMAC(s.key, message(objectKey, expires), sig) {
		return ErrBadSignature
	}
	unix, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	if !s.clock.Now().Before(time.Unix(unix, 0)) {
		return ErrExpired
	}
	return nil
}

func escapePath(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
