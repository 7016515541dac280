package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/itsChris/guessguard/internal/logging"
)

// JournalStore is the journal pruning needed by the Compactor.
type JournalStore interface {
	CompactAttempts(ctx context.Context, before time.Time) (int64, error)
}

// Compactor periodically deletes journaled attempts older than the
// retention window.
type Compactor struct {
	store     JournalStore
	logger    *slog.Logger
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
}

// NewCompactor creates a Compactor that runs every interval.
func NewCompactor(store JournalStore, logger *slog.Logger, interval, retention time.Duration) (*Compactor, error) {
	if store == nil {
		return nil, fmt.Errorf("new compactor: store is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("new compactor: logger is required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("new compactor: interval must be positive")
	}
	if retention <= 0 {
		return nil, fmt.Errorf("new compactor: retention must be positive")
	}
	return &Compactor{
		store:     store,
		logger:    logger.With("component", "compactor"),
		interval:  interval,
		retention: retention,
		now:       time.Now,
	}, nil
}

// Run compacts once per interval until ctx is cancelled.
func (c *Compactor) Run(ctx context.Context) {
	taskID := logging.GenerateTaskID("compactor")
	ctx = logging.WithTaskID(ctx, taskID)

	c.logger.Info("compactor_started",
		"interval", c.interval.String(),
		"retention", c.retention.String(),
		"task_id", taskID,
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("compactor_stopped", "task_id", taskID)
			return
		case <-ticker.C:
			c.Compact(ctx)
		}
	}
}

// Compact runs a single compaction and returns the rows deleted.
func (c *Compactor) Compact(ctx context.Context) int64 {
	cutoff := c.now().Add(-c.retention)

	deleted, err := c.store.CompactAttempts(ctx, cutoff)
	if err != nil {
		c.logger.Error("compaction_failed",
			"error", err,
			"error_type", fmt.Sprintf("%T", err),
			"operation", "compact",
			"cutoff", cutoff.Unix(),
			"task_id", logging.TaskID(ctx),
		)
		return 0
	}

	if deleted > 0 {
		c.logger.Info("compaction_complete",
			"deleted", deleted,
			"cutoff", cutoff.Unix(),
			"operation", "compact",
		)
	} else {
		c.logger.Debug("compaction_noop",
			"cutoff", cutoff.Unix(),
			"operation", "compact",
		)
	}
	return deleted
}
