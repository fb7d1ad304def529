package rtp

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// mockTimeProvider is a settable clock for deterministic tests.
type mockTimeProvider struct {
	mu  sync.Mutex
	now time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// feedJittery sends n arrivals whose transit alternates by swing.
func feedJittery(l *LatencyEstimator, base time.Time, n int, swing time.Duration) time.Duration {
	var applied time.Duration
	for i := 0; i < n; i++ {
		capture := time.Duration(i) * 33 * time.Millisecond
		arrival := base.Add(capture + time.Duration(i%2)*swing)
		applied = l.Update(capture, arrival)
	}
	return applied
}

func TestLatencyEstimatorSteadyStream(t *testing.T) {
	l := NewLatencyEstimator(200*time.Millisecond, 100*time.Millisecond)
	base := time.Now()

	for i := 0; i < 50; i++ {
		capture := time.Duration(i) * 33 * time.Millisecond
		assert.Zero(t, l.Update(capture, base.Add(capture)))
	}
	assert.Zero(t, l.Jitter())
}

func TestLatencyEstimatorClamps(t *testing.T) {
	tests := []struct {
		name              string
		maxLatency        time.Duration
		maxNetworkLatency time.Duration
		want              time.Duration
	}{
		{"network share", 200 * time.Millisecond, 20 * time.Millisecond, 20 * time.Millisecond},
		{"total budget", 10 * time.Millisecond, 20 * time.Millisecond, 10 * time.Millisecond},
		{"network only", 0, 30 * time.Millisecond, 30 * time.Millisecond},
		{"unconstrained", 0, 0, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			l := NewLatencyEstimator(tc.maxLatency, tc.maxNetworkLatency)
			applied := feedJittery(l, time.Now(), 60, 40*time.Millisecond)

			assert.Equal(t, tc.want, applied)
			assert.Equal(t, tc.want, l.Applied())
			assert.Greater(t, l.Jitter(), 30*time.Millisecond)
		})
	}
}

func TestLatencyEstimatorRisesAndDecays(t *testing.T) {
	l := NewLatencyEstimator(time.Second, time.Second)
	base := time.Now()

	peak := feedJittery(l, base, 60, 20*time.Millisecond)
	assert.Greater(t, peak, 50*time.Millisecond)

	prev := peak
	start := 60 * 33 * time.Millisecond
	for i := 0; i < 200; i++ {
		capture := start + time.Duration(i)*33*time.Millisecond
		applied := l.Update(capture, base.Add(capture+20*time.Millisecond))
		assert.LessOrEqual(t, applied, prev)
		prev = applied
	}
	assert.Less(t, prev, peak/4)
}

func TestLatencyEstimatorReset(t *testing.T) {
	l := NewLatencyEstimator(time.Second, time.Second)
	feedJittery(l, time.Now(), 30, 30*time.Millisecond)

	l.Reset()
	assert.Zero(t, l.Applied())
	assert.Zero(t, l.Jitter())
}
