package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	redisclient "github.com/mrmushfiq/llm0-smart-gateway/internal/shared/redis"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	mr.SetTime(testNow)
	client, err := redisclient.New(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return New(client, nil, WithClock(func() time.Time { return testNow })), mr
}

func TestReserve_MinuteLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		r, err := l.Reserve(ctx, "cred-1", 3, 100)
		require.NoError(t, err)
		assert.True(t, r.Allowed)
		assert.Equal(t, int64(i), r.MinuteCount)
	}

	r, err := l.Reserve(ctx, "cred-1", 3, 100)
	require.NoError(t, err)
	assert.False(t, r.Allowed)
	assert.Equal(t, ReasonMinute, r.Reason)

	minute, daily, err := l.Usage(ctx, "cred-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), minute)
	assert.Equal(t, int64(3), daily)
}

func TestReserve_DailyLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		r, err := l.Reserve(ctx, "cred-1", 0, 2)
		require.NoError(t, err)
		require.True(t, r.Allowed)
	}
	r, err := l.Reserve(ctx, "cred-1", 0, 2)
	require.NoError(t, err)
	assert.False(t, r.Allowed)
	assert.Equal(t, ReasonDaily, r.Reason)
	assert.Equal(t, int64(2), r.DailyCount)
}

func TestMinuteWindowExpires(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()

	r, err := l.Reserve(ctx, "cred-1", 1, 0)
	require.NoError(t, err)
	require.True(t, r.Allowed)

	r, err = l.Reserve(ctx, "cred-1", 1, 0)
	require.NoError(t, err)
	assert.False(t, r.Allowed)

	mr.FastForward(61 * time.Second)

	r, err = l.Reserve(ctx, "cred-1", 1, 0)
	require.NoError(t, err)
	assert.True(t, r.Allowed)

	_, daily, err := l.Usage(ctx, "cred-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), daily, "daily window keeps counting across minutes")
}

func TestDailyKeyExpiresAtUTCMidnight(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()

	_, err := l.Reserve(ctx, "cred-1", 0, 0)
	require.NoError(t, err)

	ttl := mr.TTL(dayKey("cred-1", testNow))
	assert.Equal(t, 12*time.Hour, ttl)
	assert.Equal(t, 60*time.Second, mr.TTL(minuteKey("cred-1")))
}

func TestRelease(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	r, err := l.Reserve(ctx, "cred-1", 10, 10)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, r))

	minute, daily, err := l.Usage(ctx, "cred-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), minute)
	assert.Equal(t, int64(0), daily)

	// double release never goes negative
	require.NoError(t, l.Release(ctx, r))
	minute, _, _ = l.Usage(ctx, "cred-1")
	assert.Equal(t, int64(0), minute)

	// rejected and nil reservations are no-ops
	require.NoError(t, l.Release(ctx, nil))
	require.NoError(t, l.Release(ctx, &Reservation{Allowed: false}))
}

func TestReserve_ConcurrentNeverOvershoots(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := l.Reserve(ctx, "cred-1", 15, 1500)
			if err == nil && r.Allowed {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(15), allowed)
	minute, _, err := l.Usage(ctx, "cred-1")
	require.NoError(t, err)
	assert.Equal(t, int64(15), minute)
}

func TestScopesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	_, err := l.Reserve(ctx, "cred-1", 1, 0)
	require.NoError(t, err)
	r, err := l.Reserve(ctx, InstanceScope("cred-1"), 1, 0)
	require.NoError(t, err)
	assert.True(t, r.Allowed)
	r, err = l.Reserve(ctx, CallerScope("cred-1"), 1, 0)
	require.NoError(t, err)
	assert.True(t, r.Allowed)
}

// requests_today after N reservations equals min(N, quota); rejections never move the counter
func TestQuotaMonotonicityProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		mr := miniredis.NewMiniRedis()
		require.NoError(rt, mr.Start())
		defer mr.Close()
		mr.SetTime(testNow)

		client, err := redisclient.New(context.Background(), "redis://"+mr.Addr())
		require.NoError(rt, err)
		defer client.Close()
		l := New(client, nil, WithClock(func() time.Time { return testNow }))

		quota := rapid.IntRange(1, 30).Draw(rt, "quota")
		n := rapid.IntRange(0, 60).Draw(rt, "n")

		var prev int64
		for i := 0; i < n; i++ {
			r, err := l.Reserve(context.Background(), "k", 0, quota)
			require.NoError(rt, err)
			_, daily, err := l.Usage(context.Background(), "k")
			require.NoError(rt, err)
			if r.Allowed {
				assert.Equal(rt, prev+1, daily)
			} else {
				assert.Equal(rt, prev, daily)
			}
			assert.LessOrEqual(rt, daily, int64(quota))
			prev = daily
		}

		want := n
		if want > quota {
			want = quota
		}
		assert.Equal(rt, int64(want), prev)
	})
}

// every reserve followed by a release leaves the counters where they started
func TestReleaseSymmetryProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		mr := miniredis.NewMiniRedis()
		require.NoError(rt, mr.Start())
		defer mr.Close()
		mr.SetTime(testNow)

		client, err := redisclient.New(context.Background(), "redis://"+mr.Addr())
		require.NoError(rt, err)
		defer client.Close()
		l := New(client, nil, WithClock(func() time.Time { return testNow }))
		ctx := context.Background()

		base := rapid.IntRange(0, 10).Draw(rt, "base")
		for i := 0; i < base; i++ {
			_, err := l.Reserve(ctx, "k", 0, 0)
			require.NoError(rt, err)
		}
		m0, d0, err := l.Usage(ctx, "k")
		require.NoError(rt, err)

		ops := rapid.IntRange(1, 20).Draw(rt, "ops")
		for i := 0; i < ops; i++ {
			r, err := l.Reserve(ctx, "k", 0, 0)
			require.NoError(rt, err)
			require.NoError(rt, l.Release(ctx, r))
		}

		m1, d1, err := l.Usage(ctx, "k")
		require.NoError(rt, err)
		assert.Equal(rt, m0, m1)
		assert.Equal(rt, d0, d1)
	})
}
