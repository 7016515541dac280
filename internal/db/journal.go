package db

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itsChris/guessguard/internal/attempt"
	"github.com/itsChris/guessguard/internal/logging"
)

// Journal defaults.
const (
	DefaultJournalQueueSize = 1024
	journalBatchSize        = 256
	journalWriteTimeout     = 5 * time.Second
)

// AttemptStore is the persistence used by a Journal.
type AttemptStore interface {
	InsertAttempts(ctx context.Context, attempts []attempt.LoginAttempt) error
	UpdateOutcomes(ctx context.Context, changed []attempt.LoginAttempt) (int64, error)
}

type journalOp struct {
	attempts   []attempt.LoginAttempt
	correction bool
}

// Journal writes attempts to an AttemptStore from a background goroutine
// so request paths never wait on the database. When the queue is full new
// entries are dropped and counted.
type Journal struct {
	store  AttemptStore
	logger *slog.Logger
	queue  chan journalOp

	dropped atomic.Uint64
	onDrop  func(n int)

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewJournal creates a Journal with room for queueSize pending writes.
// onDrop, if not nil, is called with the number of attempts dropped.
func NewJournal(store AttemptStore, logger *slog.Logger, queueSize int, onDrop func(n int)) (*Journal, error) {
	if store == nil {
		return nil, fmt.Errorf("new journal: store is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("new journal: logger is required")
	}
	if queueSize <= 0 {
		queueSize = DefaultJournalQueueSize
	}
	return &Journal{
		store:  store,
		logger: logger.With("component", "journal"),
		queue:  make(chan journalOp, queueSize),
		onDrop: onDrop,
	}, nil
}

// Start launches the writer goroutine. Calling Start twice is a no-op.
func (j *Journal) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return
	}
	j.started = true

	ctx, j.cancel = context.WithCancel(ctx)
	j.done = make(chan struct{})
	go j.run(ctx)
}

// Record queues attempts for insertion. It never blocks and reports
// whether the attempts were queued.
func (j *Journal) Record(attempts ...attempt.LoginAttempt) bool {
	return j.enqueue(journalOp{attempts: attempts})
}

// Correct queues outcome corrections. It never blocks and reports whether
// the corrections were queued.
func (j *Journal) Correct(changed []attempt.LoginAttempt) bool {
	return j.enqueue(journalOp{attempts: changed, correction: true})
}

func (j *Journal) enqueue(op journalOp) bool {
	if len(op.attempts) == 0 {
		return true
	}
	select {
	case j.queue <- op:
		return true
	default:
		j.dropped.Add(uint64(len(op.attempts)))
		if j.onDrop != nil {
			j.onDrop(len(op.attempts))
		}
		return false
	}
}

// Dropped returns how many attempts were discarded because the queue was full.
func (j *Journal) Dropped() uint64 {
	return j.dropped.Load()
}

// Pending returns the number of queued writes.
func (j *Journal) Pending() int {
	return len(j.queue)
}

// Close stops the writer after flushing queued writes, waiting at most
// timeout. It reports whether the flush finished in time.
func (j *Journal) Close(timeout time.Duration) bool {
	j.mu.Lock()
	started := j.started
	j.mu.Unlock()
	if !started {
		return true
	}

	j.cancel()
	select {
	case <-j.done:
		return true
	case <-time.After(timeout):
		j.logger.Warn("journal_drain_timeout",
			"pending", j.Pending(),
			"timeout", timeout.String(),
		)
		return false
	}
}

func (j *Journal) run(ctx context.Context) {
	defer close(j.done)

	taskID := logging.GenerateTaskID("journal")
	j.logger.Info("journal_started", "queue_size", cap(j.queue), "task_id", taskID)

	for {
		select {
		case <-ctx.Done():
			j.drain()
			j.logger.Info("journal_stopped", "task_id", taskID, "dropped", j.Dropped())
			return
		case op := <-j.queue:
			j.process(op)
		}
	}
}

// process writes op, batching any inserts already waiting behind it.
func (j *Journal) process(op journalOp) {
	if op.correction {
		j.write(op)
		return
	}

	batch := op.attempts
	for len(batch) < journalBatchSize {
		select {
		case next := <-j.queue:
			if next.correction {
				j.write(journalOp{attempts: batch})
				j.write(next)
				return
			}
			batch = append(batch, next.attempts...)
		default:
			j.write(journalOp{attempts: batch})
			return
		}
	}
	j.write(journalOp{attempts: batch})
}

func (j *Journal) drain() {
	for {
		select {
		case op := <-j.queue:
			j.process(op)
		default:
			return
		}
	}
}

func (j *Journal) write(op journalOp) {
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()

	if op.correction {
		if _, err := j.store.UpdateOutcomes(ctx, op.attempts); err != nil {
			j.logger.Error("journal_correction_failed",
				"error", err,
				"error_type", fmt.Sprintf("%T", err),
				"count", len(op.attempts),
				"operation", "correct",
			)
		}
		return
	}
	if err := j.store.InsertAttempts(ctx, op.attempts); err != nil {
		j.logger.Error("journal_insert_failed",
			"error", err,
			"error_type", fmt.Sprintf("%T", err),
			"count", len(op.attempts),
			"operation", "record",
		)
	}
}
