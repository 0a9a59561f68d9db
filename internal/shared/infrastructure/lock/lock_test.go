package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, "lingomarket:", nil), mr
}

func TestRedisLocker_ExclusiveUntilReleased(t *testing.T) {
	locker, mr := newRedisLocker(t)
	ctx := context.Background()

	release, ok, err := locker.TryAcquire(ctx, "scan", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("lingomarket:scan"))

	_, ok, err = locker.TryAcquire(ctx, "scan", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	assert.False(t, mr.Exists("lingomarket:scan"))

	_, ok, err = locker.TryAcquire(ctx, "scan", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLocker_ExpiredLeaseIsNotReleasedByOldHolder(t *testing.T) {
	locker, mr := newRedisLocker(t)
	ctx := context.Background()

	stale, ok, err := locker.TryAcquire(ctx, "scan", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	_, ok, err = locker.TryAcquire(ctx, "scan", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	stale()
	assert.True(t, mr.Exists("lingomarket:scan"), "new holder keeps its lease")
}

func TestRedisLocker_ConnectionError(t *testing.T) {
	locker, mr := newRedisLocker(t)
	mr.Close()

	_, ok, err := locker.TryAcquire(context.Background(), "scan", time.Minute)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestMemoryLocker(t *testing.T) {
	locker := NewMemoryLocker()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	locker.now = func() time.Time { return now }
	ctx := context.Background()

	release, ok, err := locker.TryAcquire(ctx, "scan", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = locker.TryAcquire(ctx, "scan", time.Minute)
	assert.False(t, ok)

	_, ok, _ = locker.TryAcquire(ctx, "other", time.Minute)
	assert.True(t, ok)

	release()
	release()
	_, ok, _ = locker.TryAcquire(ctx, "scan", time.Minute)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, _ = locker.TryAcquire(ctx, "scan", time.Minute)
	assert.True(t, ok, "expired lease can be taken")
}

func TestMemoryLocker_DropsExpiredLeases(t *testing.T) {
	locker := NewMemoryLocker()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	locker.now = func() time.Time { return now }
	ctx := context.Background()

	// webhook claims are held for their ttl and never released
	for _, id := range []string{"evt_1", "evt_2", "evt_3"} {
		_, ok, err := locker.TryAcquire(ctx, "webhook:"+id, time.Hour)
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Len(t, locker.leases, 3)

	now = now.Add(2 * time.Hour)
	_, ok, err := locker.TryAcquire(ctx, "webhook:evt_4", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, locker.leases, 1)
	assert.Contains(t, locker.leases, "webhook:evt_4")
}
