package circuit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/llm0-smart-gateway/internal/shared/metrics"
	redisclient "github.com/mrmushfiq/llm0-smart-gateway/internal/shared/redis"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(t *testing.T, opts ...Option) (*Breaker, *fakeClock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redisclient.New(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	clock := &fakeClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return New(client, DefaultConfig(), nil, opts...), clock, mr
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.FailureWindow)
	assert.Equal(t, 30*time.Second, cfg.RecoveryTimeout)
}

func TestUnknownProviderIsClosed(t *testing.T) {
	b, _, _ := newTestBreaker(t)
	ctx := context.Background()

	state, err := b.GetState(ctx, "gemini")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)

	ok, err := b.IsAvailable(ctx, "gemini")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTripRecoverAndClose(t *testing.T) {
	b, clock, _ := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, b.RecordFailure(ctx, "gemini"))
		clock.Advance(time.Second)
	}
	ok, err := b.IsAvailable(ctx, "gemini")
	require.NoError(t, err)
	assert.True(t, ok, "4 failures stay under the threshold")

	require.NoError(t, b.RecordFailure(ctx, "gemini"))
	ok, err = b.IsAvailable(ctx, "gemini")
	require.NoError(t, err)
	assert.False(t, ok)

	state, err := b.GetState(ctx, "gemini")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)

	clock.Advance(29 * time.Second)
	state, _ = b.GetState(ctx, "gemini")
	assert.Equal(t, StateOpen, state)

	clock.Advance(time.Second)
	state, err = b.GetState(ctx, "gemini")
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, state)

	require.NoError(t, b.RecordSuccess(ctx, "gemini"))
	state, _ = b.GetState(ctx, "gemini")
	assert.Equal(t, StateClosed, state)

	snap, err := b.Snapshot(ctx, "gemini")
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Failures)
	assert.NotNil(t, snap.LastSuccessAt)
}

func TestHalfOpenSingleFailureReopens(t *testing.T) {
	b, clock, _ := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.RecordFailure(ctx, "openai"))
	}
	clock.Advance(31 * time.Second)
	state, _ := b.GetState(ctx, "openai")
	require.Equal(t, StateHalfOpen, state)

	require.NoError(t, b.RecordFailure(ctx, "openai"))
	state, _ = b.GetState(ctx, "openai")
	assert.Equal(t, StateOpen, state)

	// recovery timer restarted from the probe failure
	clock.Advance(29 * time.Second)
	state, _ = b.GetState(ctx, "openai")
	assert.Equal(t, StateOpen, state)
	clock.Advance(time.Second)
	state, _ = b.GetState(ctx, "openai")
	assert.Equal(t, StateHalfOpen, state)
}

func TestFailureAfterRecoveryWithoutReadReopens(t *testing.T) {
	b, clock, _ := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.RecordFailure(ctx, "openai"))
	}
	clock.Advance(45 * time.Second)
	// effective state is half_open even though nobody read it yet
	require.NoError(t, b.RecordFailure(ctx, "openai"))

	state, _ := b.GetState(ctx, "openai")
	assert.Equal(t, StateOpen, state)
}

func TestFailuresOutsideWindowDoNotAccumulate(t *testing.T) {
	b, clock, _ := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, b.RecordFailure(ctx, "anthropic"))
	}
	clock.Advance(61 * time.Second)
	require.NoError(t, b.RecordFailure(ctx, "anthropic"))

	state, _ := b.GetState(ctx, "anthropic")
	assert.Equal(t, StateClosed, state)
	snap, _ := b.Snapshot(ctx, "anthropic")
	assert.Equal(t, 1, snap.Failures)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, _, _ := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, b.RecordFailure(ctx, "gemini"))
	}
	require.NoError(t, b.RecordSuccess(ctx, "gemini"))
	for i := 0; i < 4; i++ {
		require.NoError(t, b.RecordFailure(ctx, "gemini"))
	}
	state, _ := b.GetState(ctx, "gemini")
	assert.Equal(t, StateClosed, state)
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	b, clock, mr := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.RecordFailure(ctx, "gemini"))
	}
	clock.Advance(30 * time.Second)

	var admitted int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := b.IsAvailable(ctx, "gemini"); err == nil && ok {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), admitted)

	// probe slot expires if the probe never reports back
	mr.FastForward(31 * time.Second)
	ok, err := b.IsAvailable(ctx, "gemini")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseProbeFreesSlot(t *testing.T) {
	b, clock, _ := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.RecordFailure(ctx, "gemini"))
	}
	clock.Advance(30 * time.Second)

	ok, err := b.IsAvailable(ctx, "gemini")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = b.IsAvailable(ctx, "gemini")
	require.NoError(t, err)
	require.False(t, ok, "slot held by the first probe")

	require.NoError(t, b.ReleaseProbe(ctx, "gemini"))
	ok, err = b.IsAvailable(ctx, "gemini")
	require.NoError(t, err)
	assert.True(t, ok)

	state, err := b.GetState(ctx, "gemini")
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, state)
}

func TestReleaseProbeOutsideHalfOpenIsNoop(t *testing.T) {
	b, _, mr := newTestBreaker(t)
	ctx := context.Background()

	require.NoError(t, b.ReleaseProbe(ctx, "openai"))
	assert.False(t, mr.Exists(probeKey("openai")))
}

func TestForceOpenAndClose(t *testing.T) {
	b, clock, _ := newTestBreaker(t)
	ctx := context.Background()

	require.NoError(t, b.ForceOpen(ctx, "bedrock"))
	clock.Advance(time.Hour)

	state, _ := b.GetState(ctx, "bedrock")
	assert.Equal(t, StateOpen, state, "forced circuits do not recover on their own")

	require.NoError(t, b.RecordSuccess(ctx, "bedrock"))
	state, _ = b.GetState(ctx, "bedrock")
	assert.Equal(t, StateOpen, state, "traffic does not undo an operator force")

	snap, _ := b.Snapshot(ctx, "bedrock")
	assert.True(t, snap.Forced)

	require.NoError(t, b.ForceClose(ctx, "bedrock"))
	ok, err := b.IsAvailable(ctx, "bedrock")
	require.NoError(t, err)
	assert.True(t, ok)
	snap, _ = b.Snapshot(ctx, "bedrock")
	assert.False(t, snap.Forced)
	assert.Equal(t, 0, snap.Failures)
}

func TestProvidersAreIndependent(t *testing.T) {
	b, _, _ := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.RecordFailure(ctx, "gemini"))
	}
	ok, _ := b.IsAvailable(ctx, "openai")
	assert.True(t, ok)
}

func TestMetricsOnTrip(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	b, clock, _ := newTestBreaker(t, WithMetrics(m))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.RecordFailure(ctx, "gemini"))
	}
	assert.Equal(t, float64(metrics.CircuitOpen), testutil.ToFloat64(m.CircuitState.WithLabelValues("gemini")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CircuitTripsTotal.WithLabelValues("gemini")))

	clock.Advance(30 * time.Second)
	_, _ = b.GetState(ctx, "gemini")
	assert.Equal(t, float64(metrics.CircuitHalfOpen), testutil.ToFloat64(m.CircuitState.WithLabelValues("gemini")))

	require.NoError(t, b.RecordSuccess(ctx, "gemini"))
	assert.Equal(t, float64(metrics.CircuitClosed), testutil.ToFloat64(m.CircuitState.WithLabelValues("gemini")))
}
