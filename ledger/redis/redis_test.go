//go:build integration

package redis_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	kw "github.com/pielabs/keywarden"
	kwredis "github.com/pielabs/keywarden/ledger/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestLedger(t *testing.T, client *goredis.Client) *kwredis.Ledger {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := "test:" + t.Name() + ":"
	l := kwredis.New(client, kwredis.WithKeyPrefix(prefix))
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})
	return l
}

func TestIncrementUsage(t *testing.T) {
	l := newTestLedger(t, newTestClient(t))
	ctx := context.Background()
	day := kw.Day("2026-03-15")

	for want := int64(1); want <= 3; want++ {
		got, err := l.IncrementUsage(ctx, "k1", day, time.Now())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	count, err := l.UsageCount(ctx, "k1", day)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	count, err = l.UsageCount(ctx, "k1", day.AddDays(1))
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestIncrementUsage_Concurrent(t *testing.T) {
	l := newTestLedger(t, newTestClient(t))
	ctx := context.Background()
	day := kw.Day("2026-03-15")

	const workers = 10
	const perWorker = 20

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				_, err := l.IncrementUsage(ctx, "k1", day, time.Now())
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	count, err := l.UsageCount(ctx, "k1", day)
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker), count)
}

func TestLeases(t *testing.T) {
	l := newTestLedger(t, newTestClient(t))
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	_, ok, err := l.GetLease(ctx, "inst-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.UpsertLease(ctx, kw.Lease{
		InstanceID:      "inst-1",
		CredentialID:    "k1",
		AcquiredAt:      now,
		LastHeartbeatAt: now,
	}))

	lease, ok, err := l.GetLease(ctx, "inst-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "k1", lease.CredentialID)
	assert.True(t, lease.AcquiredAt.Equal(now))

	later := now.Add(30 * time.Second)
	require.NoError(t, l.TouchLease(ctx, "inst-1", later))
	lease, _, err = l.GetLease(ctx, "inst-1")
	require.NoError(t, err)
	assert.True(t, lease.LastHeartbeatAt.Equal(later))

	// Touching an unknown instance is a no-op.
	require.NoError(t, l.TouchLease(ctx, "ghost", later))
}

func TestDeleteExpiredLeases(t *testing.T) {
	l := newTestLedger(t, newTestClient(t))
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, l.UpsertLease(ctx, kw.Lease{
		InstanceID:      "stale",
		CredentialID:    "k1",
		AcquiredAt:      now.Add(-time.Hour),
		LastHeartbeatAt: now.Add(-time.Hour),
	}))
	require.NoError(t, l.UpsertLease(ctx, kw.Lease{
		InstanceID:      "fresh",
		CredentialID:    "k2",
		AcquiredAt:      now,
		LastHeartbeatAt: now,
	}))

	n, err := l.DeleteExpiredLeases(ctx, now.Add(-2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok, err := l.GetLease(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = l.GetLease(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompareAndSetLastAssigned(t *testing.T) {
	l := newTestLedger(t, newTestClient(t))
	ctx := context.Background()

	last, err := l.LastAssigned(ctx)
	require.NoError(t, err)
	assert.Empty(t, last)

	ok, err := l.CompareAndSetLastAssigned(ctx, "stale", "k1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.CompareAndSetLastAssigned(ctx, "", "k1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.CompareAndSetLastAssigned(ctx, "", "k2")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.CompareAndSetLastAssigned(ctx, "k1", "k2")
	require.NoError(t, err)
	assert.True(t, ok)

	last, err = l.LastAssigned(ctx)
	require.NoError(t, err)
	assert.Equal(t, "k2", last)
}
