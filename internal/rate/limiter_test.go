package rate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *miniredis.Miniredis, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(rdb, cfg, c.Now), mr, c
}

func TestFixedWindowPerDevice(t *testing.T) {
	l, mr, _ := newTestLimiter(t, Config{
		Device: Rule{Limit: 3, Period: time.Minute, Window: WindowFixed},
	})
	ctx := context.Background()
	req := Request{TenantID: "t", DeviceID: "d1"}

	for i := 0; i < 3; i++ {
		d, err := l.Admit(ctx, req)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}

	d, err := l.Admit(ctx, req)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ScopeDevice, d.Scope)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)

	other, err := l.Admit(ctx, Request{TenantID: "t", DeviceID: "d2"})
	require.NoError(t, err)
	assert.True(t, other.Allowed)

	mr.FastForward(time.Minute)
	d, err = l.Admit(ctx, req)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestSlidingWindowUserDevice(t *testing.T) {
	l, _, c := newTestLimiter(t, Config{
		UserDevice: Rule{Limit: 2, Period: 10 * time.Second, Window: WindowSliding},
	})
	ctx := context.Background()
	req := Request{TenantID: "t", DeviceID: "d1", UserID: "5"}

	d, err := l.Admit(ctx, req)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	c.Advance(4 * time.Second)
	d, err = l.Admit(ctx, req)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	c.Advance(time.Second)
	d, err = l.Admit(ctx, req)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ScopeUserDevice, d.Scope)
	assert.Equal(t, 5*time.Second, d.RetryAfter)

	c.Advance(5 * time.Second)
	d, err = l.Admit(ctx, req)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRouteOverrideAndCheck(t *testing.T) {
	l, _, _ := newTestLimiter(t, Config{
		Route:  Rule{Limit: 100, Period: time.Minute},
		Routes: map[string]Rule{"login": {Limit: 1, Period: time.Minute}},
	})
	ctx := context.Background()

	require.NoError(t, l.Check(ctx, Request{Route: "login", DeviceID: "d"}))
	err := l.Check(ctx, Request{Route: "login", DeviceID: "d"})
	assert.True(t, errors.Is(err, ErrRateLimited))

	require.NoError(t, l.Check(ctx, Request{Route: "refresh", DeviceID: "d"}))
}

func TestDisabledRulesAdmitEverything(t *testing.T) {
	l, _, _ := newTestLimiter(t, Config{})
	for i := 0; i < 50; i++ {
		d, err := l.Admit(context.Background(), Request{DeviceID: "d", UserID: "u", Route: "x"})
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
}
