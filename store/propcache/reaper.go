package propcache

import (
	"context"
	"log/slog"
	"time"

	"github.com/wolfeidau/vfs-cache/telemetry"
)

// Reaper periodically deletes expired entries from a Bolt cache so the
// database does not grow with properties nobody asks for again.
type Reaper struct {
	db        *Bolt
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithReaperInterval sets the cleanup interval.
func WithReaperInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		r.interval = d
	}
}

// WithReaperBatchSize sets the maximum entries deleted per cycle.
func WithReaperBatchSize(n int) ReaperOption {
	return func(r *Reaper) {
		r.batchSize = n
	}
}

// WithReaperLogger sets the logger.
func WithReaperLogger(logger *slog.Logger) ReaperOption {
	return func(r *Reaper) {
		r.logger = logger
	}
}

// NewReaper creates a reaper. Defaults: interval=5m, batchSize=100.
func NewReaper(db *Bolt, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		db:        db,
		interval:  5 * time.Minute,
		batchSize: 100,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run reaps on every tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("property cache reaper started", "interval", r.interval, "batchSize", r.batchSize)
	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("property cache reaper stopped")
			return
		case <-ticker.C:
			r.ReapNow(ctx)
		}
	}
}

// ReapNow runs one cycle and returns the number of entries deleted.
func (r *Reaper) ReapNow(ctx context.Context) int {
	expired, err := r.db.Expired(ctx, r.db.now(), r.batchSize)
	if err != nil {
		r.logger.Error("failed to list expired properties", "error", err)
		return 0
	}
	var deleted int
	for _, key := range expired {
		if err := r.db.Delete(ctx, key); err != nil {
			r.logger.Warn("failed to delete expired properties", "key", key, "error", err)
			continue
		}
		telemetry.RecordCacheEviction(ctx, "propcache")
		deleted++
	}
	if deleted > 0 {
		r.logger.Debug("expired properties reaped", "deleted", deleted, "total", len(expired))
	}
	return deleted
}
