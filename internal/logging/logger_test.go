// Package logging includes tests for the zap logger helpers.
package logging

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// TestNewDevelopmentLogger confirms the development logger builds and logs.
func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true)
	if err != nil {
		t.Fatalf("New(true) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("development logger ready")
}

// TestNewProductionLogger ensures the production logger configuration succeeds.
func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(false)
	if err != nil {
		t.Fatalf("New(false) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("production logger ready")
}

func TestMaskKey(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":            "",
		"abc":         "***",
		"abcd":        "****",
		"secret-1234": "*******1234",
	}
	for in, want := range cases {
		if got := MaskKey(in); got != want {
			t.Fatalf("MaskKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFromContextAddsRequestID(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	base := zap.New(core)

	ctx := WithRequestID(context.Background(), "req-42")
	FromContext(ctx, base).Info("hello", APIKey("key-9876"))
	FromContext(context.Background(), base).Info("bare")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["request_id"] != "req-42" || fields["api_key"] != "****9876" {
		t.Fatalf("unexpected fields: %v", fields)
	}
	if _, ok := entries[1].ContextMap()["request_id"]; ok {
		t.Fatal("expected no request id without context value")
	}
}
