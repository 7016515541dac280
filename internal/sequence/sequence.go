// Package sequence provides a fixed-capacity, recency-ordered container.
package sequence

import (
	"iter"
	"math"
	"sync"
)

// Sequence is a thread-safe circular buffer that keeps at most capacity
// items. Adding to a full sequence evicts the oldest item.
type Sequence[T comparable] struct {
	mu    sync.RWMutex
	items []T
	head  int // index of the oldest item
	count int
}

// New creates a Sequence that holds at most capacity items.
// A capacity below 1 is treated as 1.
func New[T comparable](capacity int) *Sequence[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Sequence[T]{
		items: make([]T, capacity),
	}
}

// Capacity returns the maximum number of items the sequence holds.
func (s *Sequence[T]) Capacity() int {
	return len(s.items)
}

// Len returns the number of items currently stored.
func (s *Sequence[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Add inserts item at the most-recent position. If the sequence was full,
// the oldest item is evicted and returned.
func (s *Sequence[T]) Add(item T) (evicted T, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := len(s.items)
	if s.count == size {
		evicted = s.items[s.head]
		s.items[s.head] = item
		s.head = (s.head + 1) % size
		return evicted, true
	}
	s.items[(s.head+s.count)%size] = item
	s.count++
	return evicted, false
}

// Remove deletes the most recent occurrence of item. It reports whether
// anything was removed; removing an absent item is a no-op.
func (s *Sequence[T]) Remove(item T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := s.count - 1; i >= 0; i-- {
		if s.items[s.index(i)] == item {
			s.removeAt(i)
			return true
		}
	}
	return false
}

// FindFirst returns the most recent item satisfying match.
func (s *Sequence[T]) FindFirst(match func(T) bool) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := s.count - 1; i >= 0; i-- {
		if item := s.items[s.index(i)]; match(item) {
			return item, true
		}
	}
	var zero T
	return zero, false
}

// MostRecentToOldest returns an iterator over the items, newest first.
// Each iteration works on a snapshot taken when it starts, so concurrent
// writers never affect an iteration in progress.
func (s *Sequence[T]) MostRecentToOldest() iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, item := range s.Snapshot() {
			if !yield(item) {
				return
			}
		}
	}
}

// Snapshot returns a copy of the items, newest first.
func (s *Sequence[T]) Snapshot() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.count == 0 {
		return nil
	}
	out := make([]T, 0, s.count)
	for i := s.count - 1; i >= 0; i-- {
		out = append(out, s.items[s.index(i)])
	}
	return out
}

// ReduceByFraction removes round(fraction × Len()) of the oldest items and
// returns how many were removed. fraction is clamped to [0, 1].
func (s *Sequence[T]) ReduceByFraction(fraction float64) int {
	switch {
	case math.IsNaN(fraction) || fraction < 0:
		fraction = 0
	case fraction > 1:
		fraction = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := int(math.Round(fraction * float64(s.count)))
	if n > s.count {
		n = s.count
	}
	s.dropOldest(n)
	return n
}

// RemoveOldest removes up to n of the oldest items and returns how many
// were removed.
func (s *Sequence[T]) RemoveOldest(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n = max(0, min(n, s.count))
	s.dropOldest(n)
	return n
}

// Clear removes every item.
func (s *Sequence[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropOldest(s.count)
	s.head = 0
}

// index maps a logical position (0 = oldest) to a slot in items.
func (s *Sequence[T]) index(i int) int {
	return (s.head + i) % len(s.items)
}

func (s *Sequence[T]) dropOldest(n int) {
	var zero T
	for i := 0; i < n; i++ {
		s.items[s.head] = zero
		s.head = (s.head + 1) % len(s.items)
	}
	s.count -= n
}

// removeAt deletes the item at logical position i, shifting newer items
// one slot toward the oldest end.
func (s *Sequence[T]) removeAt(i int) {
	for j := i; j < s.count-1; j++ {
		s.items[s.index(j)] = s.items[s.index(j+1)]
	}
	var zero T
	s.items[s.index(s.count-1)] = zero
	s.count--
}
