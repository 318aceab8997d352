package task

import (
	"math/rand"
	"time"
)

const (
	DefaultBackoffBase = 60 * time.Second
	DefaultBackoffMax  = 600 * time.Second
)

// Backoff is an exponential retry policy: Base doubled per attempt, capped at
// Max. With Jitter the actual delay is drawn from [0, computed].
type Backoff struct {
	Base   time.Duration `json:"base"`
	Max    time.Duration `json:"max"`
	Jitter bool          `json:"jitter"`
}

func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBackoffBase, Max: DefaultBackoffMax, Jitter: true}
}

func (b Backoff) IsZero() bool {
	return b.Base == 0 && b.Max == 0
}

// Delay returns the un-jittered delay before retry number attempt (1-based).
// It is non-decreasing in attempt and never exceeds Max.
func (b Backoff) Delay(attempt int) time.Duration {
	base, ceiling := b.Base, b.Max
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if ceiling <= 0 {
		ceiling = DefaultBackoffMax
	}
	if base >= ceiling {
		return ceiling
	}
	if attempt < 1 {
		attempt = 1
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return d
}

// Next returns the delay to apply before retry number attempt.
func (b Backoff) Next(attempt int) time.Duration {
	d := b.Delay(attempt)
	if !b.Jitter {
		return d
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
