package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// FailureLimiter throttles clients that keep presenting bad admin tokens.
// Each client may fail limit times per window before it is blocked until
// its budget refills.
type FailureLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    int
	every    rate.Limit
	done     chan struct{}
	stopOnce sync.Once
}

// NewFailureLimiter creates a limiter and starts its cleanup goroutine.
func NewFailureLimiter(limit int, window time.Duration) *FailureLimiter {
	if limit < 1 {
		limit = 1
	}
	l := &FailureLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		every:    rate.Every(window / time.Duration(limit)),
		done:     make(chan struct{}),
	}
	go l.cleanup(window)
	return l
}

// Blocked reports whether client has exhausted its failure budget.
func (l *FailureLimiter) Blocked(client string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[client]
	l.mu.Unlock()
	if !ok {
		return false
	}
	return lim.Tokens() < 1
}

// Fail records a failed attempt by client.
func (l *FailureLimiter) Fail(client string) {
	l.mu.Lock()
	lim, ok := l.limiters[client]
	if !ok {
		lim = rate.NewLimiter(l.every, l.limit)
		l.limiters[client] = lim
	}
	l.mu.Unlock()
	lim.Allow()
}

// Len returns the number of clients with a partially spent budget.
func (l *FailureLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Stop terminates the background cleanup goroutine.
func (l *FailureLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

func (l *FailureLimiter) cleanup(window time.Duration) {
	ticker := time.NewTicker(window)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.prune()
		}
	}
}

// prune forgets clients whose budget has fully refilled.
func (l *FailureLimiter) prune() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for client, lim := range l.limiters {
		if lim.Tokens() >= float64(l.limit) {
			delete(l.limiters, client)
		}
	}
}
