// Package sha256 includes tests for the SHA-256 helpers.
package sha256

import "testing"

// TestHasherHashDeterministic ensures repeated hashing yields the same digest.
func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

// TestMACRoundTrip checks signatures verify only for the signed message and key.
func TestMACRoundTrip(t *testing.T) {
	t.Parallel()

	key := []byte("signing-key")
	sig := MAC(key, "scraped_html/a.html\n1700000000")
	if !VerifyMAC(key, "scraped_html/a.html\n1700000000", sig) {
		t.Fatal("expected signature to verify")
	}
	if VerifyMAC(key, "scraped_html/b.html\n1700000000", sig) {
		t.Fatal("expected signature mismatch for other message")
	}
	if VerifyMAC([]byte("other"), "scraped_html/a.html\n1700000000", sig) {
		t.Fatal("expected signature mismatch for other key")
	}
	if VerifyMAC(key, "scraped_html/a.html\n1700000000", "not-hex") {
		t.Fatal("expected malformed signature to fail")
	}
}
