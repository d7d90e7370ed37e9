// Package sha256 provides SHA-256 digest and HMAC helpers.
package sha256

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements gateway.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// MAC returns the hex HMAC-SHA256 of msg under key.
func MAC(key []byte, msg string) string {
	m := hmac.New(sha256.New, key)
	m.Write([]byte(msg)) //nolint:errcheck // hash writes never fail
	return hex.EncodeToString(m.Sum(nil))
}

// VerifyMAC reports whether sig is the MAC of msg under key, in constant time.
func VerifyMAC(key []byte, msg, sig string) bool {
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	m := hmac.New(sha256.New, key)
	m.Write([]byte(msg)) //nolint:errcheck // hash writes never fail
	return hmac.Equal(m.Sum(nil), want)
}
