// Package ledger keeps bounded per-IP histories of recent login attempts.
package ledger

import (
	"math"
	"net/netip"
	"sync"

	"github.com/itsChris/guessguard/internal/attempt"
	"github.com/itsChris/guessguard/internal/sequence"
)

// Default ledger capacities.
const (
	DefaultSuccessCapacity = 32
	DefaultFailureCapacity = 32
)

// Option configures an IPHistory.
type Option func(*historyOptions)

type historyOptions struct {
	successCapacity int
	failureCapacity int
}

// WithSuccessCapacity sets how many successful attempts are kept.
func WithSuccessCapacity(n int) Option {
	return func(o *historyOptions) {
		if n > 0 {
			o.successCapacity = n
		}
	}
}

// WithFailureCapacity sets how many failed attempts are kept.
func WithFailureCapacity(n int) Option {
	return func(o *historyOptions) {
		if n > 0 {
			o.failureCapacity = n
		}
	}
}

// IPHistory holds the recent successful and failed login attempts seen
// from one source address. RecentSuccesses keeps at most one attempt per
// account.
type IPHistory struct {
	Address netip.Addr

	mu        sync.Mutex
	successes *sequence.Sequence[*attempt.LoginAttempt]
	failures  *sequence.Sequence[*attempt.LoginAttempt]
}

// NewIPHistory creates an empty history for addr.
func NewIPHistory(addr netip.Addr, opts ...Option) *IPHistory {
	o := historyOptions{
		successCapacity: DefaultSuccessCapacity,
		failureCapacity: DefaultFailureCapacity,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &IPHistory{
		Address:   addr,
		successes: sequence.New[*attempt.LoginAttempt](o.successCapacity),
		failures:  sequence.New[*attempt.LoginAttempt](o.failureCapacity),
	}
}

// RecordLoginAttempt stores a. A successful attempt replaces any earlier
// success for the same account; any other outcome is appended to the
// failures. The history keeps the pointer, so later outcome corrections
// are visible through it.
func (h *IPHistory) RecordLoginAttempt(a *attempt.LoginAttempt) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !a.Outcome.IsSuccess() {
		h.failures.Add(a)
		return
	}

	prev, ok := h.successes.FindFirst(func(s *attempt.LoginAttempt) bool {
		return s.UsernameOrAccountID == a.UsernameOrAccountID
	})
	if ok {
		h.successes.Remove(prev)
	}
	h.successes.Add(a)
}

// UpdateLoginAttemptsWithNewOutcomes applies revised outcomes to stored
// failures with a matching UniqueKey and returns how many were updated.
// When changed holds the same key more than once, the last one wins.
// Successes are never revised.
func (h *IPHistory) UpdateLoginAttemptsWithNewOutcomes(changed []attempt.LoginAttempt) int {
	if len(changed) == 0 {
		return 0
	}
	revised := make(map[string]attempt.Outcome, len(changed))
	for _, c := range changed {
		revised[c.UniqueKey] = c.Outcome
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	updated := 0
	for stored := range h.failures.MostRecentToOldest() {
		if outcome, ok := revised[stored.UniqueKey]; ok {
			stored.Outcome = outcome
			updated++
		}
	}
	return updated
}

// RecentSuccesses returns copies of the stored successes, newest first.
func (h *IPHistory) RecentSuccesses() []attempt.LoginAttempt {
	return h.copyOf(h.successes)
}

// RecentFailures returns copies of the stored failures, newest first.
func (h *IPHistory) RecentFailures() []attempt.LoginAttempt {
	return h.copyOf(h.failures)
}

func (h *IPHistory) copyOf(s *sequence.Sequence[*attempt.LoginAttempt]) []attempt.LoginAttempt {
	h.mu.Lock()
	defer h.mu.Unlock()

	items := s.Snapshot()
	out := make([]attempt.LoginAttempt, len(items))
	for i, a := range items {
		out[i] = *a
	}
	return out
}

// Len returns the total number of stored attempts.
func (h *IPHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.successes.Len() + h.failures.Len()
}

// ReduceMemory drops round(fraction × Len()) of the oldest attempts, split
// between successes and failures in proportion to their sizes, and returns
// how many were removed. fraction is clamped to [0, 1]. The error is always
// nil.
func (h *IPHistory) ReduceMemory(fraction float64) (int, error) {
	switch {
	case math.IsNaN(fraction) || fraction < 0:
		fraction = 0
	case fraction > 1:
		fraction = 1
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	successes, failures := h.successes.Len(), h.failures.Len()
	target := int(math.Round(fraction * float64(successes+failures)))
	fromFailures := min(int(math.Round(fraction*float64(failures))), target)
	fromSuccesses := target - fromFailures
	if fromSuccesses > successes {
		fromFailures += fromSuccesses - successes
		fromSuccesses = successes
	}
	return h.successes.RemoveOldest(fromSuccesses) + h.failures.RemoveOldest(fromFailures), nil
}
