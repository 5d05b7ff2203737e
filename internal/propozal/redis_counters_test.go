package propozal

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newRedisTestStore connects to PROPOZAL_TEST_REDIS_URL and skips otherwise.
func newRedisTestStore(t *testing.T) *RedisCounterStore {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("PROPOZAL_TEST_REDIS_URL"))
	if dsn == "" {
		t.Skip("PROPOZAL_TEST_REDIS_URL not set")
	}
	store, err := NewRedisCounterStoreFromURL(dsn)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		t.Skipf("redis unavailable: %v", err)
	}
	// Isolate each run under its own key prefix.
	store.prefix = "propozal-test-" + uuid.NewString()
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisCounterStoreFromURLRejectsBadURL(t *testing.T) {
	_, err := NewRedisCounterStoreFromURL("http://not-redis")
	assert.Error(t, err)
}

func TestRedisCounterStoreKeys(t *testing.T) {
	store := NewRedisCounterStore(nil, "")
	assert.Equal(t, "propozal:window:user_1:generate", store.windowKey("user_1", "generate"))
	assert.Equal(t, "propozal:usage:user_1:2026-05", store.usageKey("user_1", "2026-05"))
}

func TestRedisCounterStoreFixedWindow(t *testing.T) {
	store := newRedisTestStore(t)
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Millisecond)

	for i := 0; i < 5; i++ {
		d, err := store.HitWindow(ctx, "user_1", "generate", 5, time.Minute, start.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.True(t, d.Allowed, "hit %d", i+1)
		assert.Equal(t, 4-i, d.Remaining)
	}
	denied, err := store.HitWindow(ctx, "user_1", "generate", 5, time.Minute, start.Add(59*time.Second))
	require.NoError(t, err)
	assert.False(t, denied.Allowed)
	assert.True(t, denied.ResetAt.Equal(start.Add(time.Minute)))

	reset, err := store.HitWindow(ctx, "user_1", "generate", 5, time.Minute, start.Add(61*time.Second))
	require.NoError(t, err)
	assert.True(t, reset.Allowed)
	assert.Equal(t, 4, reset.Remaining)
}

func TestRedisCounterStoreUsage(t *testing.T) {
	store := newRedisTestStore(t)
	ctx := context.Background()
	period := CalendarPeriod(time.Now())

	empty, err := store.GetUsage(ctx, "user_1", period)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.ProposalsGenerated)

	for i := 1; i <= 3; i++ {
		usage, err := store.IncrementUsage(ctx, "user_1", period)
		require.NoError(t, err)
		assert.Equal(t, i, usage.ProposalsGenerated)
	}
	got, err := store.GetUsage(ctx, "user_1", period)
	require.NoError(t, err)
	assert.Equal(t, 3, got.ProposalsGenerated)
}
