package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// RetentionCleaner removes expired rows from the store.
type RetentionCleaner interface {
	CleanupOldData(ctx context.Context) error
}

// CacheCollector frees disk held by the repository cache.
type CacheCollector interface {
	GC(ctx context.Context, minFreeBytes uint64) error
}

// Maintenance schedules the housekeeping jobs the worker runs between scans:
// store retention and repo cache garbage collection.
type Maintenance struct {
	cleaner      RetentionCleaner
	cache        CacheCollector
	minFreeBytes uint64
	schedule     string
	cron         *cron.Cron
}

// NewMaintenance builds the scheduler; schedule uses cron syntax, including
// the @every form.
func NewMaintenance(cleaner RetentionCleaner, cache CacheCollector, minFreeBytes uint64, schedule string) *Maintenance {
	if schedule == "" {
		schedule = "@every 6h"
	}
	return &Maintenance{
		cleaner:      cleaner,
		cache:        cache,
		minFreeBytes: minFreeBytes,
		schedule:     schedule,
	}
}

// Start registers the jobs and starts the cron loop. The returned error only
// covers schedule parsing; job failures are logged and retried next tick.
func (m *Maintenance) Start(ctx context.Context) error {
	m.cron = cron.New()
	_, err := m.cron.AddFunc(m.schedule, func() {
		if m.cleaner != nil {
			if err := m.cleaner.CleanupOldData(ctx); err != nil {
				slog.Error("maintenance cleanup failed", slog.Any("error", err))
			}
		}
		if m.cache != nil {
			if err := m.cache.GC(ctx, m.minFreeBytes); err != nil {
				slog.Error("maintenance repo cache gc failed", slog.Any("error", err))
			}
		}
	})
	if err != nil {
		return err
	}
	m.cron.Start()
	return nil
}

// Stop halts scheduling; running jobs finish on their own.
func (m *Maintenance) Stop() {
	if m.cron != nil {
		m.cron.Stop()
	}
}
