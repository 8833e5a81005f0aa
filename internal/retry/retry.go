// Package retry decides what happens to a job after a failed attempt and
// computes when it becomes eligible again. Everything here is pure: the only
// input besides the arguments is the jitter source, which tests can replace.
package retry

import (
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Decision is the outcome class of a failed attempt.
type Decision int

const (
	// Retry returns the job to pending with a backoff delay.
	Retry Decision = iota
	// Terminal moves the job to failed; no further automatic processing.
	Terminal
)

func (d Decision) String() string {
	switch d {
	case Retry:
		return "retry"
	case Terminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Outcome pairs a decision with the next eligibility time. RunAt is zero for
// Terminal outcomes.
type Outcome struct {
	Decision Decision
	RunAt    time.Time
}

// TerminalOutcome is the outcome used for non-retryable failures.
func TerminalOutcome() Outcome {
	return Outcome{Decision: Terminal}
}

// Policy is exponential backoff with symmetric jitter:
//
//	delay = min(MaxDelay, BaseDelay * 2^(attempts-1) * (1 + u*Jitter)), u uniform in [-1, 1)
type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter is the fraction of the computed delay that may be added or removed.
	Jitter float64

	rand func() float64
}

// NewPolicy creates a Policy. Jitter is clamped to [0, 1].
func NewPolicy(base, maxDelay time.Duration, jitter float64) *Policy {
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	return &Policy{
		BaseDelay: base,
		MaxDelay:  maxDelay,
		Jitter:    jitter,
		rand:      rand.Float64, //nolint:gosec // jitter intentionally uses non-crypto rand
	}
}

// WithRandom returns a copy of p that draws jitter from fn, which must return
// values in [0, 1).
func (p *Policy) WithRandom(fn func() float64) *Policy {
	cp := *p
	cp.rand = fn
	return &cp
}

// Delay returns the backoff before the next attempt, given how many attempts
// have already been consumed (1-indexed).
func (p *Policy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	d := float64(p.BaseDelay) * math.Pow(2, float64(attempts-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}

	if p.Jitter > 0 {
		u := 2*p.random() - 1
		d += d * p.Jitter * u
	}

	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if d < 0 {
		d = 0
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Decide returns Retry while attempts remain, Terminal otherwise.
func (p *Policy) Decide(attempts, maxAttempts int) Decision {
	if attempts < maxAttempts {
		return Retry
	}
	return Terminal
}

// Next combines Decide and Delay relative to now.
func (p *Policy) Next(attempts, maxAttempts int, now time.Time) Outcome {
	if p.Decide(attempts, maxAttempts) == Terminal {
		return TerminalOutcome()
	}
	return Outcome{Decision: Retry, RunAt: now.Add(p.Delay(attempts))}
}

// For picks the outcome for a handler error: permanent errors are terminal
// regardless of the attempts left.
func (p *Policy) For(err error, attempts, maxAttempts int, now time.Time) Outcome {
	if IsPermanent(err) {
		return TerminalOutcome()
	}
	return p.Next(attempts, maxAttempts, now)
}

func (p *Policy) random() float64 {
	if p.rand == nil {
		return rand.Float64() //nolint:gosec // see NewPolicy
	}
	return p.rand()
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable. Handlers return it when trying again
// cannot help, e.g. a malformed payload.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether any error in err's chain was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
