package rtp

import (
	"time"

	"github.com/opd-ai/avstream/au"
)

// DropPolicy decides which access units are sacrificed when the observed
// throughput would exceed the configured bitrate. Drop is only consulted for
// units that do not fit in the current budget.
type DropPolicy interface {
	Drop(a *au.AccessUnit) bool
	Name() string
}

type dropPolicy struct {
	name string
	drop func(*au.AccessUnit) bool
}

func (p dropPolicy) Drop(a *au.AccessUnit) bool {
	return p.drop(a)
}

func (p dropPolicy) Name() string {
	return p.name
}

// Built-in drop policies.
var (
	// DropNonReference sacrifices units no later frame depends on and lets
	// reference units through even when over budget.
	DropNonReference DropPolicy = dropPolicy{"non-reference", func(a *au.AccessUnit) bool { return !a.IsReference() }}

	// DropNone never drops; the bitrate ceiling is only observed.
	DropNone DropPolicy = dropPolicy{"none", func(*au.AccessUnit) bool { return false }}

	// DropAll drops every unit that does not fit, reference or not.
	DropAll DropPolicy = dropPolicy{"all", func(*au.AccessUnit) bool { return true }}
)

// Shaper is a token bucket over access unit payload bytes. It refills at
// maxBitrate/8 bytes per second and holds at most one second of burst.
type Shaper struct {
	rate   float64
	burst  float64
	tokens float64
	last   time.Time
	policy DropPolicy
}

// NewShaper creates a shaper for maxBitrate bits per second. A zero
// maxBitrate disables shaping. A nil policy means DropNonReference.
func NewShaper(maxBitrate int, policy DropPolicy) *Shaper {
	if policy == nil {
		policy = DropNonReference
	}
	rate := float64(maxBitrate) / 8
	return &Shaper{
		rate:   rate,
		burst:  rate,
		tokens: rate,
		policy: policy,
	}
}

// Policy returns the active drop policy.
func (s *Shaper) Policy() DropPolicy {
	return s.policy
}

// Admit charges a against the budget and reports whether it should be
// forwarded. Units admitted over budget put the bucket into debt, bounded
// by one burst, so later non-reference units are dropped until it recovers.
func (s *Shaper) Admit(a *au.AccessUnit, now time.Time) bool {
	if s == nil || s.rate <= 0 {
		return true
	}

	if !s.last.IsZero() {
		elapsed := now.Sub(s.last).Seconds()
		if elapsed > 0 {
			s.tokens += elapsed * s.rate
			if s.tokens > s.burst {
				s.tokens = s.burst
			}
		}
	}
	s.last = now

	size := float64(a.Size())
	if s.tokens >= size {
		s.tokens -= size
		return true
	}
	if s.policy.Drop(a) {
		return false
	}

	s.tokens -= size
	if s.tokens < -s.burst {
		s.tokens = -s.burst
	}
	return true
}
