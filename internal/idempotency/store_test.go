package idempotency

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends returns every Store implementation plus a hook that moves its clock forward.
func backends(t *testing.T) map[string]struct {
	store   Store
	advance func(time.Duration)
} {
	t.Helper()
	out := map[string]struct {
		store   Store
		advance func(time.Duration)
	}{}

	mem := NewMemoryStore()
	memNow := time.Now()
	mem.now = func() time.Time { return memNow }
	out["memory"] = struct {
		store   Store
		advance func(time.Duration)
	}{mem, func(d time.Duration) { memNow = memNow.Add(d) }}

	bs, err := NewBoltStore(filepath.Join(t.TempDir(), "idem.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bs.Close() })
	boltNow := time.Now()
	bs.now = func() time.Time { return boltNow }
	out["bolt"] = struct {
		store   Store
		advance func(time.Duration)
	}{bs, func(d time.Duration) { boltNow = boltNow.Add(d) }}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	out["redis"] = struct {
		store   Store
		advance func(time.Duration)
	}{NewRedisStore(client, "test:"), mr.FastForward}

	return out
}

func TestStore_TryGetAfterStore(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			found, _, err := b.store.TryGet(ctx, "invoice-paid-inv_1")
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, b.store.Store(ctx, "invoice-paid-inv_1", "rec-1", time.Hour))

			found, v, err := b.store.TryGet(ctx, "invoice-paid-inv_1")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, "rec-1", v)
		})
	}
}

func TestStore_ReservationLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			key := "payment-cancelled-p1"

			ok, err := b.store.Reserve(ctx, key, time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			// reserved keys are neither visible nor reservable
			found, _, err := b.store.TryGet(ctx, key)
			require.NoError(t, err)
			assert.False(t, found)
			ok, err = b.store.Reserve(ctx, key, time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, b.store.Release(ctx, key))
			ok, err = b.store.Reserve(ctx, key, time.Minute)
			require.NoError(t, err)
			assert.True(t, ok, "released key should be reservable")

			require.NoError(t, b.store.Store(ctx, key, "cancelled", time.Hour))
			require.NoError(t, b.store.Release(ctx, key))
			found, v, err := b.store.TryGet(ctx, key)
			require.NoError(t, err)
			assert.True(t, found, "release must not drop a completed key")
			assert.Equal(t, "cancelled", v)

			ok, err = b.store.Reserve(ctx, key, time.Minute)
			require.NoError(t, err)
			assert.False(t, ok, "completed key must not be reservable")
		})
	}
}

func TestStore_Expiry(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.store.Store(ctx, "payment-retry-p1-2026101809", "PENDING", time.Hour))
			b.advance(61 * time.Minute)

			found, _, err := b.store.TryGet(ctx, "payment-retry-p1-2026101809")
			require.NoError(t, err)
			assert.False(t, found)

			ok, err := b.store.Reserve(ctx, "lock-me", 10*time.Second)
			require.NoError(t, err)
			require.True(t, ok)
			b.advance(11 * time.Second)
			ok, err = b.store.Reserve(ctx, "lock-me", 10*time.Second)
			require.NoError(t, err)
			assert.True(t, ok, "expired reservation should be reclaimable")
		})
	}
}

func TestStore_ConcurrentReserveSingleWinner(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var winners int32
			var wg sync.WaitGroup
			for i := 0; i < 32; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := b.store.Reserve(ctx, "invoice-paid-race", time.Minute)
					if err == nil && ok {
						atomic.AddInt32(&winners, 1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), winners)
		})
	}
}

func TestStore_EmptyKey(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, _, err := b.store.TryGet(ctx, "")
			assert.ErrorIs(t, err, ErrEmptyKey)
			_, err = b.store.Reserve(ctx, "", time.Second)
			assert.ErrorIs(t, err, ErrEmptyKey)
		})
	}
}

func TestKeys(t *testing.T) {
	at := time.Date(2026, 10, 18, 9, 45, 0, 0, time.UTC)
	assert.Equal(t, "invoice-paid-in_123", InvoicePaidKey("in_123"))
	assert.Equal(t, "payment-cancelled-abc", PaymentCancelledKey("abc"))
	assert.Equal(t, "payment-retry-abc-2026101809", PaymentRetryKey("abc", at))
	assert.NotEqual(t, PaymentRetryKey("abc", at), PaymentRetryKey("abc", at.Add(time.Hour)))
	assert.Equal(t, "subscription-paused-evt_1", SubscriptionEventKey("paused", "evt_1"))
}
