package rtp

import "time"

// jitterMultiplier is how many interarrival jitters of headroom the
// estimator tries to hold back.
const jitterMultiplier = 4

// LatencyEstimator tracks network jitter on access unit arrivals and derives
// the latency applied to shifted timestamps.
//
// The applied latency rises to the target immediately and decays toward it
// by 1/16 of the difference per access unit. It never exceeds the total
// budget (MaxLatency) and the jitter share of it never exceeds
// MaxNetworkLatency.
type LatencyEstimator struct {
	maxLatency        time.Duration
	maxNetworkLatency time.Duration

	jitter      time.Duration
	prevTransit time.Duration
	hasTransit  bool
	applied     time.Duration
}

// NewLatencyEstimator creates an estimator. Zero limits mean unconstrained;
// with both at zero the applied latency stays zero.
func NewLatencyEstimator(maxLatency, maxNetworkLatency time.Duration) *LatencyEstimator {
	return &LatencyEstimator{
		maxLatency:        maxLatency,
		maxNetworkLatency: maxNetworkLatency,
	}
}

// Update feeds one access unit arrival, given its capture time on the media
// clock and its local arrival time, and returns the applied latency.
func (l *LatencyEstimator) Update(capture time.Duration, arrival time.Time) time.Duration {
	transit := time.Duration(arrival.UnixNano()) - capture
	if l.hasTransit {
		d := transit - l.prevTransit
		if d < 0 {
			d = -d
		}
		// RFC 3550 section 6.4.1 estimator.
		l.jitter += (d - l.jitter) / 16
	}
	l.prevTransit = transit
	l.hasTransit = true

	ceiling := l.maxLatency
	if ceiling == 0 {
		ceiling = l.maxNetworkLatency
	}
	if ceiling == 0 {
		l.applied = 0
		return 0
	}

	target := l.jitter * jitterMultiplier
	if l.maxNetworkLatency > 0 && target > l.maxNetworkLatency {
		target = l.maxNetworkLatency
	}

	if target > l.applied {
		l.applied = target
	} else {
		l.applied -= (l.applied - target) / 16
	}

	if l.applied > ceiling {
		l.applied = ceiling
	}
	if l.applied < 0 {
		l.applied = 0
	}
	return l.applied
}

// Applied returns the current applied latency.
func (l *LatencyEstimator) Applied() time.Duration {
	return l.applied
}

// Jitter returns the smoothed interarrival jitter.
func (l *LatencyEstimator) Jitter() time.Duration {
	return l.jitter
}

// Reset forgets transit history, used after a stream discontinuity.
func (l *LatencyEstimator) Reset() {
	l.hasTransit = false
	l.jitter = 0
	l.applied = 0
}
