package tenantAuth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketIndexBoundaries(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want int
	}{
		{0, 0},
		{5 * time.Millisecond, 0},
		{6 * time.Millisecond, 1},
		{25 * time.Millisecond, 2},
		{26 * time.Millisecond, 3},
		{100 * time.Millisecond, 4},
		{250 * time.Millisecond, 5},
		{500 * time.Millisecond, 6},
		{2 * time.Second, 7},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, bucketIndex(tc.d), "duration %s", tc.d)
	}
}

func TestMetricsOnlyValidateLatencyHasHistogram(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})
	m.Observe(MetricRefreshSuccess, time.Millisecond)
	m.Observe(MetricValidateLatency, 30*time.Millisecond)

	snap := m.Snapshot()
	require.Len(t, snap.Histograms, 1)
	assert.Equal(t, []uint64{0, 0, 0, 1, 0, 0, 0, 0}, snap.Histograms[MetricValidateLatency])
}

func TestMetricsDisabledRecordsNothing(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false, EnableLatencyHistograms: true})
	m.Inc(MetricLoginSuccess)
	m.Observe(MetricValidateLatency, time.Millisecond)

	assert.Zero(t, m.Value(MetricLoginSuccess))
	assert.False(t, m.LatencyEnabled())
	assert.Empty(t, m.Snapshot().Counters)

	var nilMetrics *Metrics
	nilMetrics.Add(MetricRetentionDeleted, 3)
	assert.False(t, nilMetrics.Enabled())
	assert.Empty(t, nilMetrics.Snapshot().Histograms)
}

func TestMetricsConcurrentRotations(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	const workers, perWorker = 16, 2000
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				m.Inc(MetricRefreshRotated)
				m.Add(MetricSessionInvalidated, 2)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(workers*perWorker), m.Value(MetricRefreshRotated))
	assert.Equal(t, uint64(2*workers*perWorker), m.Value(MetricSessionInvalidated))
}

func TestEngineCountsSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	userID := env.registerVerified(ctx, "ann@example.com")
	device := newDevice()

	_, err := env.engine.Login(ctx, LoginRequest{Identifier: "ann@example.com", Password: "wrong-password-1", Device: device})
	require.ErrorIs(t, err, ErrInvalidCredentials)
	s := env.login(ctx, "ann@example.com", device)
	env.login(ctx, "ann@example.com", newDevice())

	_, err = env.engine.Logout(ctx, s.SessionID)
	require.NoError(t, err)
	_, err = env.engine.LogoutAll(ctx, userID)
	require.NoError(t, err)

	c := env.engine.MetricsSnapshot().Counters
	assert.Equal(t, uint64(1), c[MetricRegistrationSuccess])
	assert.Equal(t, uint64(1), c[MetricLoginFailure])
	assert.Equal(t, uint64(2), c[MetricLoginSuccess])
	assert.Equal(t, uint64(2), c[MetricSessionCreated])
	assert.Equal(t, uint64(1), c[MetricLogout])
	assert.Equal(t, uint64(1), c[MetricLogoutAll])
	assert.Equal(t, uint64(2), c[MetricSessionInvalidated])
}
