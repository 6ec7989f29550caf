package moltbook

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// BackoffPolicy computes jittered exponential delays between retry attempts.
type BackoffPolicy struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewBackoffPolicy builds a policy from the configured initial/ceiling delays.
func NewBackoffPolicy(base, max time.Duration) *BackoffPolicy {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if max < base {
		max = base
	}
	return &BackoffPolicy{baseDelay: base, maxDelay: max}
}

// Delay returns the wait before retry attempt n (0-based). The delay doubles
// per attempt up to the ceiling; half of it is replaced with random jitter so
// concurrent crawlers against the same upstream do not retry in lockstep.
func (p *BackoffPolicy) Delay(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
