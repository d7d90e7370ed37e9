package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-gateway/internal/gateway"
)

func integrationStore(t *testing.T) *UsageStore {
	t.Helper()
	addr := os.Getenv("GATEWAY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("GATEWAY_TEST_REDIS_ADDR not set")
	}
	prefix := fmt.Sprintf("gateway-test:%d:", time.Now().UnixNano())
	store, err := NewUsageStore(context.Background(), Config{Addr: addr, KeyPrefix: prefix})
	require.NoError(t, err)
	t.Cleanup(func() {
		keys, _ := store.client.Keys(context.Background(), prefix+"*").Result()
		if len(keys) > 0 {
			_ = store.client.Del(context.Background(), keys...).Err()
		}
		_ = store.Close()
	})
	return store
}

func TestUsageStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := integrationStore(t)

	_, err := store.Get(ctx, "ABC")
	require.ErrorIs(t, err, gateway.ErrUnknownAPIKey)

	rec := gateway.UsageRecord{APIKey: "ABC", LastReset: "2026-10-19"}
	require.NoError(t, store.Create(ctx, rec))
	require.ErrorIs(t, store.Create(ctx, rec), gateway.ErrKeyAlreadyExists)

	next := rec
	next.Count = 1
	swapped, err := store.CompareAndSwap(ctx, rec, next)
	require.NoError(t, err)
	assert.True(t, swapped)

	swapped, err = store.CompareAndSwap(ctx, rec, next)
	require.NoError(t, err)
	assert.False(t, swapped)

	got, err := store.Get(ctx, "ABC")
	require.NoError(t, err)
	assert.Equal(t, next, got)
}

func TestNewUsageStoreRequiresAddr(t *testing.T) {
	t.Parallel()

	_, err := NewUsageStore(context.Background(), Config{})
	require.Error(t, err)
}

func TestKeyUsesPrefix(t *testing.T) {
	t.Parallel()

	store := NewUsageStoreWithClient(nil, "gateway:usage:")
	assert.Equal(t, "gateway:usage:ABC", store.key("ABC"))
}
