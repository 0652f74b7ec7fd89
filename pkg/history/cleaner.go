package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/deepscope-io/deepscope/pkg/config"
	"github.com/deepscope-io/deepscope/pkg/metrics"
)

// Cleaner periodically removes records older than the retention window.
// Deletion is idempotent, so overlapping runs from several processes are harmless.
type Cleaner struct {
	config *config.RetentionConfig
	store  Store
	logger *slog.Logger
	now    func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCleaner creates a cleaner. It does nothing until Start.
func NewCleaner(cfg *config.RetentionConfig, store Store, logger *slog.Logger) *Cleaner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{
		config: cfg,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Start launches the background loop. It is a no-op when retention is
// disabled or the loop is already running.
func (c *Cleaner) Start(ctx context.Context) {
	if c.cancel != nil || !c.config.Enabled() {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	go c.run(ctx)

	c.logger.Info("History cleanup started",
		"max_age", c.config.MaxAge,
		"interval", c.config.CleanupInterval)
}

// Stop signals the loop to exit and waits for it to finish.
func (c *Cleaner) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	c.logger.Info("History cleanup stopped")
}

func (c *Cleaner) run(ctx context.Context) {
	defer close(c.done)

	c.RunOnce(ctx)

	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce deletes expired records and returns how many were removed.
func (c *Cleaner) RunOnce(ctx context.Context) int {
	cutoff := c.now().Add(-c.config.MaxAge)
	count, err := c.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		c.logger.Error("Retention: history cleanup failed", "error", err)
		return 0
	}
	if count > 0 {
		metrics.HistoryRecordsDeleted.Add(float64(count))
		c.logger.Info("Retention: deleted old research records", "count", count)
	}
	return count
}
