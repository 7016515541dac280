package ledger

import (
	"container/list"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/netip"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/yl2chen/cidranger"

	"github.com/itsChris/guessguard/internal/attempt"
)

// Registry defaults.
const (
	DefaultShards = 64
	DefaultMaxIPs = 100_000
)

var (
	// ErrInvalidAddress is returned for attempts without a usable source address.
	ErrInvalidAddress = errors.New("ledger: invalid address")
	// ErrUntrackedAddress is returned for attempts from an untracked network.
	ErrUntrackedAddress = errors.New("ledger: address is in an untracked network")
)

// Observer receives registry events, typically for metrics.
type Observer interface {
	AttemptRecorded(outcome attempt.Outcome)
	AttemptUntracked()
	OutcomesCorrected(n int)
	LedgersEvicted(n int)
}

// RegistryConfig controls registry sizing.
type RegistryConfig struct {
	Shards            int
	MaxIPs            int
	SuccessCapacity   int
	FailureCapacity   int
	UntrackedNetworks []netip.Prefix
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithObserver attaches an Observer to the registry.
func WithObserver(obs Observer) RegistryOption {
	return func(r *Registry) {
		r.observer = obs
	}
}

// Registry maps source addresses to their IPHistory. Histories are created
// on first use and the least recently used ones are evicted once a shard
// reaches its share of MaxIPs.
type Registry struct {
	shards    []*shard
	untracked cidranger.Ranger
	histOpts  []Option
	observer  Observer
	logger    *slog.Logger
}

type shard struct {
	mu      sync.Mutex
	max     int
	entries map[netip.Addr]*list.Element
	lru     *list.List // front is most recently used; values are *IPHistory
}

// NewRegistry creates a Registry.
func NewRegistry(cfg RegistryConfig, logger *slog.Logger, opts ...RegistryOption) (*Registry, error) {
	if logger == nil {
		return nil, fmt.Errorf("new registry: logger is required")
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}
	if cfg.MaxIPs <= 0 {
		cfg.MaxIPs = DefaultMaxIPs
	}
	if cfg.MaxIPs < cfg.Shards {
		cfg.Shards = cfg.MaxIPs
	}

	untracked := cidranger.NewPCTrieRanger()
	for _, p := range cfg.UntrackedNetworks {
		_, ipNet, err := net.ParseCIDR(p.Masked().String())
		if err != nil {
			return nil, fmt.Errorf("new registry: untracked network %s: %w", p, err)
		}
		if err := untracked.Insert(cidranger.NewBasicRangerEntry(*ipNet)); err != nil {
			return nil, fmt.Errorf("new registry: untracked network %s: %w", p, err)
		}
	}

	perShard := (cfg.MaxIPs + cfg.Shards - 1) / cfg.Shards
	r := &Registry{
		shards:    make([]*shard, cfg.Shards),
		untracked: untracked,
		histOpts: []Option{
			WithSuccessCapacity(cfg.SuccessCapacity),
			WithFailureCapacity(cfg.FailureCapacity),
		},
		logger: logger.With("component", "ledger"),
	}
	for i := range r.shards {
		r.shards[i] = &shard{
			max:     perShard,
			entries: make(map[netip.Addr]*list.Element),
			lru:     list.New(),
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// RecordLoginAttempt stores a copy of a in the history of its source
// address, creating the history if needed.
func (r *Registry) RecordLoginAttempt(a attempt.LoginAttempt) error {
	if !a.Address.IsValid() {
		return ErrInvalidAddress
	}
	a.Address = a.Address.Unmap()
	if r.isUntracked(a.Address) {
		if r.observer != nil {
			r.observer.AttemptUntracked()
		}
		return ErrUntrackedAddress
	}

	// The history owns a once recorded; read the outcome first.
	outcome := a.Outcome
	s := r.shardFor(a.Address)
	evicted := s.record(a.Address, r.histOpts, &a)

	if r.observer != nil {
		r.observer.AttemptRecorded(outcome)
		if evicted > 0 {
			r.observer.LedgersEvicted(evicted)
		}
	}
	return nil
}

// UpdateLoginAttemptsWithNewOutcomes routes each revised attempt to the
// history of its address and returns the total number of stored attempts
// updated. Attempts for unknown addresses are skipped.
func (r *Registry) UpdateLoginAttemptsWithNewOutcomes(changed []attempt.LoginAttempt) int {
	byAddr := make(map[netip.Addr][]attempt.LoginAttempt)
	for _, c := range changed {
		if !c.Address.IsValid() {
			continue
		}
		addr := c.Address.Unmap()
		byAddr[addr] = append(byAddr[addr], c)
	}

	updated := 0
	for addr, batch := range byAddr {
		h, ok := r.Get(addr)
		if !ok {
			continue
		}
		updated += h.UpdateLoginAttemptsWithNewOutcomes(batch)
	}

	if r.observer != nil && updated > 0 {
		r.observer.OutcomesCorrected(updated)
	}
	return updated
}

// Get returns the history for addr without creating one.
func (r *Registry) Get(addr netip.Addr) (*IPHistory, bool) {
	addr = addr.Unmap()
	s := r.shardFor(addr)

	s.mu.Lock()
	defer s.mu.Unlock()
	elem, ok := s.entries[addr]
	if !ok {
		return nil, false
	}
	return elem.Value.(*IPHistory), true
}

// Forget drops the history for addr and reports whether one existed.
func (r *Registry) Forget(addr netip.Addr) bool {
	addr = addr.Unmap()
	s := r.shardFor(addr)

	s.mu.Lock()
	defer s.mu.Unlock()
	elem, ok := s.entries[addr]
	if !ok {
		return false
	}
	s.lru.Remove(elem)
	delete(s.entries, addr)
	return true
}

// Len returns the number of tracked addresses.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// ReduceMemory evicts round(fraction × Len()) of the least recently used
// histories, shrinks every remaining history by fraction and drops
// histories left empty. It returns the number of attempts removed,
// including those held by evicted histories.
func (r *Registry) ReduceMemory(fraction float64) (int, error) {
	switch {
	case math.IsNaN(fraction) || fraction < 0:
		fraction = 0
	case fraction > 1:
		fraction = 1
	}

	removed, evicted, dropped := 0, 0, 0
	seen := 0
	for _, s := range r.shards {
		s.mu.Lock()
		// Quotas follow the running total so the sum over all shards
		// is round(fraction × total) even when shards are small.
		seen += len(s.entries)
		quota := int(math.Round(fraction*float64(seen))) - evicted
		n, attempts := s.evictOldest(quota)
		evicted += n
		removed += attempts

		histories := make([]*IPHistory, 0, len(s.entries))
		for e := s.lru.Front(); e != nil; e = e.Next() {
			histories = append(histories, e.Value.(*IPHistory))
		}
		s.mu.Unlock()

		for _, h := range histories {
			n, _ := h.ReduceMemory(fraction)
			removed += n
		}
		dropped += s.dropEmpty()
	}

	if r.observer != nil && evicted+dropped > 0 {
		r.observer.LedgersEvicted(evicted + dropped)
	}
	r.logger.Debug("registry_reduced",
		"fraction", fraction,
		"attempts_removed", removed,
		"ledgers_evicted", evicted,
		"ledgers_dropped", dropped,
		"operation", "reduce_memory",
	)
	return removed, nil
}

func (r *Registry) isUntracked(addr netip.Addr) bool {
	ok, err := r.untracked.Contains(net.IP(addr.AsSlice()))
	return err == nil && ok
}

func (r *Registry) shardFor(addr netip.Addr) *shard {
	b := addr.As16()
	return r.shards[int(xxhash.Checksum32(b[:])%uint32(len(r.shards)))]
}

// record adds a to the history for addr, creating it if needed, and
// returns how many histories were evicted to make room. The shard lock is
// held throughout so a new history is never seen empty.
func (s *shard) record(addr netip.Addr, opts []Option, a *attempt.LoginAttempt) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.entries[addr]; ok {
		s.lru.MoveToFront(elem)
		elem.Value.(*IPHistory).RecordLoginAttempt(a)
		return 0
	}

	h := NewIPHistory(addr, opts...)
	h.RecordLoginAttempt(a)
	s.entries[addr] = s.lru.PushFront(h)

	evicted, _ := s.evictOldest(s.lru.Len() - s.max)
	return evicted
}

// evictOldest removes up to n histories from the back of the LRU list and
// returns how many histories and attempts went with them. s.mu must be held.
func (s *shard) evictOldest(n int) (histories, attempts int) {
	for ; histories < n && s.lru.Len() > 0; histories++ {
		oldest := s.lru.Back()
		h := oldest.Value.(*IPHistory)
		s.lru.Remove(oldest)
		delete(s.entries, h.Address)
		attempts += h.Len()
	}
	return histories, attempts
}

func (s *shard) dropEmpty() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for e := s.lru.Front(); e != nil; {
		next := e.Next()
		h := e.Value.(*IPHistory)
		if h.Len() == 0 {
			s.lru.Remove(e)
			delete(s.entries, h.Address)
			dropped++
		}
		e = next
	}
	return dropped
}
