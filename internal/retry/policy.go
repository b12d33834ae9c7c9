// Package retry maps attempt counts to backoff delays. It performs no I/O.
package retry

import (
	"errors"
	"math"
	"time"
)

// Policy is an exponential backoff schedule with a retry ceiling.
type Policy struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// Default returns the policy used when nothing is configured.
func Default() Policy {
	return Policy{
		MaxRetries:        5,
		InitialDelay:      2 * time.Second,
		MaxDelay:          5 * time.Minute,
		BackoffMultiplier: 2,
	}
}

// Validate rejects schedules that cannot satisfy NextDelay's bounds.
func (p Policy) Validate() error {
	var errs []error
	if p.MaxRetries < 1 {
		errs = append(errs, errors.New("max retries must be at least 1"))
	}
	if p.InitialDelay < 0 {
		errs = append(errs, errors.New("initial delay must not be negative"))
	}
	if p.MaxDelay < p.InitialDelay {
		errs = append(errs, errors.New("max delay must be >= initial delay"))
	}
	if p.BackoffMultiplier < 1 {
		errs = append(errs, errors.New("backoff multiplier must be >= 1"))
	}
	return errors.Join(errs...)
}

// NextDelay returns min(MaxDelay, InitialDelay * BackoffMultiplier^attempts),
// where attempts is the count before the current try.
func (p Policy) NextDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempts))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// IsTerminal reports whether a job with this many failed attempts is done retrying.
func (p Policy) IsTerminal(attempts int) bool {
	return attempts >= p.MaxRetries
}
