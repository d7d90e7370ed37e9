package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-gateway/internal/gateway"
)

func TestUsageStoreLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewUsageStore()

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

	// rec is stale now.
	swapped, err = store.CompareAndSwap(ctx, rec, next)
	require.NoError(t, err)
	assert.False(t, swapped)

	got, err := store.Get(ctx, "ABC")
	require.NoError(t, err)
	assert.Equal(t, next, got)
}

func TestUsageStoreCompareAndSwapUnknownKey(t *testing.T) {
	t.Parallel()

	store := NewUsageStore()
	_, err := store.CompareAndSwap(context.Background(),
		gateway.UsageRecord{APIKey: "nope"}, gateway.UsageRecord{APIKey: "nope", Count: 1})
	require.ErrorIs(t, err, gateway.ErrUnknownAPIKey)
}
