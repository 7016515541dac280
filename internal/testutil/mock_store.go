// Package testutil holds test doubles shared across packages.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/itsChris/guessguard/internal/attempt"
)

// MockCall records a method invocation with its arguments.
type MockCall struct {
	Method string
	Args   []any
}

// MockAttemptStore implements the journal and compaction stores in memory
// and records every call.
type MockAttemptStore struct {
	mu    sync.Mutex
	Calls []MockCall

	Inserted  []attempt.LoginAttempt
	Corrected []attempt.LoginAttempt
	Cutoffs   []time.Time

	// Override functions for custom behavior.
	InsertAttemptsFn  func(attempts []attempt.LoginAttempt) error
	UpdateOutcomesFn  func(changed []attempt.LoginAttempt) (int64, error)
	CompactAttemptsFn func(before time.Time) (int64, error)
}

// NewMockAttemptStore creates an empty MockAttemptStore.
func NewMockAttemptStore() *MockAttemptStore {
	return &MockAttemptStore{}
}

func (m *MockAttemptStore) InsertAttempts(ctx context.Context, attempts []attempt.LoginAttempt) error {
	m.mu.Lock()
	m.Calls = append(m.Calls, MockCall{Method: "InsertAttempts", Args: []any{len(attempts)}})
	fn := m.InsertAttemptsFn
	m.mu.Unlock()
	if fn != nil {
		if err := fn(attempts); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.Inserted = append(m.Inserted, attempts...)
	m.mu.Unlock()
	return nil
}

func (m *MockAttemptStore) UpdateOutcomes(ctx context.Context, changed []attempt.LoginAttempt) (int64, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, MockCall{Method: "UpdateOutcomes", Args: []any{len(changed)}})
	fn := m.UpdateOutcomesFn
	m.mu.Unlock()
	if fn != nil {
		return fn(changed)
	}
	m.mu.Lock()
	m.Corrected = append(m.Corrected, changed...)
	m.mu.Unlock()
	return int64(len(changed)), nil
}

func (m *MockAttemptStore) CompactAttempts(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, MockCall{Method: "CompactAttempts", Args: []any{before}})
	m.Cutoffs = append(m.Cutoffs, before)
	fn := m.CompactAttemptsFn
	m.mu.Unlock()
	if fn != nil {
		return fn(before)
	}
	return 0, nil
}

// Counts returns the number of inserted and corrected attempts.
func (m *MockAttemptStore) Counts() (inserted, corrected int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Inserted), len(m.Corrected)
}

// CallCount returns how many times method was called.
func (m *MockAttemptStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// LastCutoff returns the most recent compaction cutoff.
func (m *MockAttemptStore) LastCutoff() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Cutoffs) == 0 {
		return time.Time{}, false
	}
	return m.Cutoffs[len(m.Cutoffs)-1], true
}
