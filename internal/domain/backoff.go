package domain

import (
	"fmt"
	"math"
	"time"
)

// BackoffKind selects how the retry delay grows.
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffFixed       BackoffKind = "fixed"
)

// MaxDelay is the saturation point of an exponential backoff.
const MaxDelay = time.Duration(math.MaxInt64)

// Backoff describes the delay before a failed job becomes eligible again.
type Backoff struct {
	Kind  BackoffKind   `json:"kind"`
	Delay time.Duration `json:"delay"`
}

// After returns the wait after the given number of attempts has been made.
// For exponential backoff it is Delay * 2^(attemptsMade-1), saturating at
// MaxDelay instead of wrapping.
func (b Backoff) After(attemptsMade int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if b.Kind == BackoffFixed {
		return b.Delay
	}
	shift := attemptsMade - 1
	if shift < 0 {
		shift = 0
	}
	if shift >= 63 || b.Delay > MaxDelay>>uint(shift) {
		return MaxDelay
	}
	return b.Delay << uint(shift)
}

// IsZero reports whether no backoff was configured.
func (b Backoff) IsZero() bool { return b.Kind == "" && b.Delay == 0 }

// ParseBackoffKind validates a textual backoff kind.
func ParseBackoffKind(s string) (BackoffKind, error) {
	switch BackoffKind(s) {
	case BackoffExponential, "":
		return BackoffExponential, nil
	case BackoffFixed:
		return BackoffFixed, nil
	}
	return "", fmt.Errorf("unknown backoff kind %q", s)
}
