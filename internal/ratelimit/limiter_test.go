package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"A2A-PayGate/internal/observability/alerting"
	"A2A-PayGate/internal/reputation"
)

const (
	agentA = "0x00000000000000000000000000000000000000a1"
	agentB = "0x00000000000000000000000000000000000000b2"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerter) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingAlerter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type failingStore struct{}

func (failingStore) Active(context.Context, string, time.Time) (Window, bool, error) {
	return Window{}, false, errors.New("store down")
}

func (failingStore) Hit(context.Context, string, int, time.Duration, time.Time) (Window, error) {
	return Window{}, errors.New("store down")
}

func (failingStore) Close() error { return nil }

func baseConfig() Config {
	return Config{BaseRate: 60, MaxRate: 300, Multiplier: 0.5, Window: time.Minute}
}

func newTestLimiter(t *testing.T, cfg Config, clock *fakeClock, opts ...Option) *Limiter {
	t.Helper()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	l, err := New(cfg, opts...)
	require.NoError(t, err)
	return l
}

func TestComputeLimitReputationScenario(t *testing.T) {
	assert.Equal(t, 120, ComputeLimit(60, 300, 2.0, 0.5))
}

func TestComputeLimitBounds(t *testing.T) {
	assert.Equal(t, 60, ComputeLimit(60, 300, 0, 0.5))
	assert.Equal(t, 60, ComputeLimit(60, 300, -4, 0.5), "negative scores are floored at zero")
	assert.Equal(t, 300, ComputeLimit(60, 300, 100, 0.5))
	assert.Equal(t, 60, ComputeLimit(60, 300, 0.03, 0.5), "fractional results are floored")
}

func TestComputeLimitMonotonic(t *testing.T) {
	prev := 0
	for score := -2.0; score <= 20; score += 0.125 {
		limit := ComputeLimit(60, 300, score, 0.5)
		assert.GreaterOrEqual(t, limit, prev, "score %.3f", score)
		assert.GreaterOrEqual(t, limit, 60)
		assert.LessOrEqual(t, limit, 300)
		prev = limit
	}
}

func TestConfigValidation(t *testing.T) {
	_, err := New(Config{BaseRate: 100, MaxRate: 10})
	assert.Error(t, err)

	_, err = New(Config{BaseRate: 10, Multiplier: -1})
	assert.Error(t, err)

	cfg := Config{}.WithDefaults()
	assert.Equal(t, 60, cfg.BaseRate)
	assert.Equal(t, 300, cfg.MaxRate)
	assert.Equal(t, time.Minute, cfg.Window)
	assert.NoError(t, cfg.Validate())
}

func TestAdmitReputationWeightedLimit(t *testing.T) {
	clock := newFakeClock()
	source := reputation.NewStatic(map[string]float64{agentA: 2.0}, 0)
	l := newTestLimiter(t, baseConfig(), clock, WithSource(source))
	ctx := context.Background()

	for i := 1; i <= 120; i++ {
		d := l.Admit(ctx, agentA)
		require.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, 120, d.Limit)
		assert.Equal(t, 120-i, d.Remaining)
	}

	clock.Advance(15 * time.Second)
	d := l.Admit(ctx, agentA)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 45*time.Second, d.RetryAfter)
	assert.Equal(t, 45*time.Second, d.ResetAt.Sub(clock.Now()))
}

func TestAdmitLimitFixedWithinWindow(t *testing.T) {
	clock := newFakeClock()
	var score atomic.Value
	score.Store(2.0)
	source := reputation.SourceFunc(func(context.Context, string) (float64, error) {
		return score.Load().(float64), nil
	})
	cfg := baseConfig()
	cfg.CacheTTL = 30 * time.Second
	l := newTestLimiter(t, cfg, clock, WithSource(source))
	ctx := context.Background()

	assert.Equal(t, 120, l.Admit(ctx, agentA).Limit)

	score.Store(8.0)
	clock.Advance(40 * time.Second)
	assert.Equal(t, 120, l.Admit(ctx, agentA).Limit, "limit must not change inside a window")

	clock.Advance(21 * time.Second)
	d := l.Admit(ctx, agentA)
	assert.Equal(t, 300, d.Limit)
	assert.Equal(t, 299, d.Remaining, "new window starts a fresh count")
}

func TestAdmitNonAddressUsesBaseRate(t *testing.T) {
	var calls atomic.Int32
	source := reputation.SourceFunc(func(context.Context, string) (float64, error) {
		calls.Add(1)
		return 10, nil
	})
	l := newTestLimiter(t, baseConfig(), newFakeClock(), WithSource(source))

	d := l.Admit(context.Background(), "203.0.113.7")
	assert.Equal(t, 60, d.Limit)
	assert.Zero(t, calls.Load())
}

func TestAdmitSourceFailureFallsBackUncached(t *testing.T) {
	clock := newFakeClock()
	var calls atomic.Int32
	source := reputation.SourceFunc(func(context.Context, string) (float64, error) {
		calls.Add(1)
		return 0, errors.New("registry down")
	})
	alerter := &recordingAlerter{}
	l := newTestLimiter(t, baseConfig(), clock, WithSource(source), WithAlerter(alerter))
	ctx := context.Background()

	assert.Equal(t, 60, l.Admit(ctx, agentA).Limit)
	clock.Advance(time.Minute)
	assert.Equal(t, 60, l.Admit(ctx, agentA).Limit)

	assert.EqualValues(t, 2, calls.Load(), "failures must not be cached")
	assert.Zero(t, l.Cache().Len())
	assert.Equal(t, 1, alerter.count(), "alerts are throttled")
}

func TestAdmitSourceTimeout(t *testing.T) {
	source := reputation.SourceFunc(func(ctx context.Context, _ string) (float64, error) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return 5, nil
	})
	cfg := baseConfig()
	cfg.LookupTimeout = 20 * time.Millisecond
	l := newTestLimiter(t, cfg, newFakeClock(), WithSource(source))

	start := time.Now()
	d := l.Admit(context.Background(), agentA)
	assert.True(t, d.Allowed)
	assert.Equal(t, 60, d.Limit)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAdmitSourcePanic(t *testing.T) {
	source := reputation.SourceFunc(func(context.Context, string) (float64, error) {
		panic("boom")
	})
	l := newTestLimiter(t, baseConfig(), newFakeClock(), WithSource(source))

	d := l.Admit(context.Background(), agentA)
	assert.True(t, d.Allowed)
	assert.Equal(t, 60, d.Limit)
}

func TestAdmitCachesScoreAcrossWindows(t *testing.T) {
	clock := newFakeClock()
	var calls atomic.Int32
	source := reputation.SourceFunc(func(context.Context, string) (float64, error) {
		calls.Add(1)
		return 2, nil
	})
	l := newTestLimiter(t, baseConfig(), clock, WithSource(source))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.Equal(t, 120, l.Admit(ctx, agentA).Limit)
		clock.Advance(time.Minute)
	}
	assert.EqualValues(t, 1, calls.Load())

	clock.Advance(5 * time.Minute)
	l.Admit(ctx, agentA)
	assert.EqualValues(t, 2, calls.Load(), "expired cache entries are a miss")
}

func TestAdmitLookupBudget(t *testing.T) {
	var calls atomic.Int32
	source := reputation.SourceFunc(func(context.Context, string) (float64, error) {
		calls.Add(1)
		return 2, nil
	})
	cfg := baseConfig()
	cfg.LookupQPS = 1
	cfg.LookupBurst = 1
	l := newTestLimiter(t, cfg, newFakeClock(), WithSource(source))
	ctx := context.Background()

	assert.Equal(t, 120, l.Admit(ctx, agentA).Limit)
	assert.Equal(t, 60, l.Admit(ctx, agentB).Limit, "over budget lookups use the base rate")
	assert.EqualValues(t, 1, calls.Load())
}

func TestAdmitConcurrentNeverExceedsLimit(t *testing.T) {
	cfg := baseConfig()
	cfg.BaseRate = 50
	l := newTestLimiter(t, cfg, newFakeClock())

	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Admit(context.Background(), "198.51.100.1").Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 50, allowed.Load())
}

func TestAdmitStoreFailureFailsOpen(t *testing.T) {
	l := newTestLimiter(t, baseConfig(), newFakeClock(), WithStore(failingStore{}))

	d := l.Admit(context.Background(), agentA)
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)
	assert.Equal(t, 60, d.Limit)
}

func TestSweepRemovesExpiredState(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore()
	source := reputation.NewStatic(nil, 1)
	l := newTestLimiter(t, baseConfig(), clock, WithStore(store), WithSource(source))

	l.Admit(context.Background(), agentA)
	require.Equal(t, 1, store.Len())
	require.Equal(t, 1, l.Cache().Len())

	clock.Advance(10 * time.Minute)
	l.Sweep()
	assert.Zero(t, store.Len())
	assert.Zero(t, l.Cache().Len())
}
