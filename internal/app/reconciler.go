package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
)

// LeaseExpirer reaps expired concurrency slots and reports the jobs that held
// them.
type LeaseExpirer interface {
	Expire(ctx domain.Context, now time.Time) ([]string, error)
}

// FailureRouter decides retry versus escalation for a failed attempt.
type FailureRouter interface {
	HandleFailure(ctx context.Context, job domain.ScanJob, payload domain.ScanTaskPayload, scanErr error) error
}

// ReconcilerConfig bounds the periodic sweep.
type ReconcilerConfig struct {
	Interval time.Duration
	// StaleRunning is how long a running job may go without an update before
	// its dispatcher is presumed dead.
	StaleRunning time.Duration
	// StaleQueued is how long a queued job may sit unclaimed before its task
	// record is presumed lost and re-published.
	StaleQueued time.Duration
	PageLimit   int
}

// Reconciler is the safety net under the dispatcher fleet. Every interval it
// reaps expired leases, fails over running jobs nobody is driving anymore,
// re-publishes queued jobs whose task records went missing, and backfills
// triage records for permanent failures the DLQ consumer missed.
type Reconciler struct {
	jobs     domain.ScanJobRepository
	failed   domain.FailedCommitRepository
	locks    LeaseExpirer
	queue    domain.Queue
	failures FailureRouter
	cfg      ReconcilerConfig
}

// NewReconciler constructs a reconciler; zero config fields get safe defaults.
func NewReconciler(jobs domain.ScanJobRepository, failed domain.FailedCommitRepository, locks LeaseExpirer, queue domain.Queue, failures FailureRouter, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.StaleRunning <= 0 {
		cfg.StaleRunning = 15 * time.Minute
	}
	if cfg.StaleQueued <= 0 {
		cfg.StaleQueued = 30 * time.Minute
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 200
	}
	return &Reconciler{jobs: jobs, failed: failed, locks: locks, queue: queue, failures: failures, cfg: cfg}
}

// Run sweeps once immediately, then on every tick until the context ends.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciler stopping")
			return
		case <-ticker.C:
			r.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs all four reconciliation passes. Each pass is independent; a
// failing pass is logged and the rest still run.
func (r *Reconciler) SweepOnce(ctx context.Context) {
	tracer := otel.Tracer("app.reconciler")
	ctx, span := tracer.Start(ctx, "Reconciler.SweepOnce")
	defer span.End()

	now := time.Now()
	expired := r.expireLeases(ctx, now)
	failedOver := r.failOverStaleRunning(ctx, now)
	requeued := r.requeueStaleQueued(ctx, now)
	backfilled := r.backfillFailedCommits(ctx, now)

	span.SetAttributes(
		attribute.Int("reconciler.leases_expired", expired),
		attribute.Int("reconciler.running_failed_over", failedOver),
		attribute.Int("reconciler.queued_republished", requeued),
		attribute.Int("reconciler.triage_backfilled", backfilled),
	)
}

// expireLeases reaps dead slots and fails over the jobs that held them.
func (r *Reconciler) expireLeases(ctx context.Context, now time.Time) int {
	jobIDs, err := r.locks.Expire(ctx, now)
	if err != nil {
		slog.Error("reconciler failed to expire leases", slog.Any("error", err))
		return 0
	}
	count := 0
	for _, id := range jobIDs {
		job, err := r.jobs.Get(ctx, id)
		if err != nil {
			slog.Error("reconciler failed to load lease holder",
				slog.String("job_id", id), slog.Any("error", err))
			continue
		}
		if job.State != domain.JobRunning {
			continue
		}
		if r.failOver(ctx, job, domain.ReasonLeaseExpired, "lease expired without heartbeat") {
			count++
		}
	}
	return count
}

// failOverStaleRunning catches running jobs whose lease rows were already
// cleaned up but whose dispatcher died before writing a terminal state.
func (r *Reconciler) failOverStaleRunning(ctx context.Context, now time.Time) int {
	jobs, err := r.jobs.ListStale(ctx, domain.JobRunning, now.Add(-r.cfg.StaleRunning), r.cfg.PageLimit)
	if err != nil {
		slog.Error("reconciler failed to list stale running jobs", slog.Any("error", err))
		return 0
	}
	count := 0
	for _, job := range jobs {
		if r.failOver(ctx, job, domain.ReasonLeaseExpired, fmt.Sprintf("no progress for %v", r.cfg.StaleRunning)) {
			count++
		}
	}
	return count
}

// failOver moves one running job to failed_temp and hands it to the retry
// router. Losing the transition race to a live dispatcher is fine.
func (r *Reconciler) failOver(ctx context.Context, job domain.ScanJob, reason, detail string) bool {
	lastErr := fmt.Sprintf("%s: %s", reason, detail)
	err := r.jobs.Transition(ctx, domain.JobTransition{
		JobID:        job.ID,
		FromState:    domain.JobRunning,
		FromAttempts: job.Attempts,
		ToState:      domain.JobFailedTemp,
		Attempts:     job.Attempts,
		LastError:    &lastErr,
		ClearLease:   true,
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			return false
		}
		slog.Error("reconciler fail-over transition failed",
			slog.String("job_id", job.ID), slog.Any("error", err))
		return false
	}
	observability.RecordTransition(string(domain.JobRunning), string(domain.JobFailedTemp))

	job.State = domain.JobFailedTemp
	payload := domain.ScanTaskPayload{
		JobID:     job.ID,
		ProjectID: job.ProjectID,
		Priority:  job.Priority,
		Attempt:   job.Attempts,
	}
	scanErr := domain.NewTransientError(reason, errors.New(detail))
	if err := r.failures.HandleFailure(ctx, job, payload, scanErr); err != nil {
		slog.Error("reconciler failed to route fail-over",
			slog.String("job_id", job.ID), slog.Any("error", err))
	}
	slog.Info("reconciler failed over running job",
		slog.String("job_id", job.ID), slog.String("reason", reason))
	return true
}

// requeueStaleQueued re-publishes queued jobs nobody claimed. The scan
// handler skips jobs that are no longer queued, so a duplicate task record is
// harmless.
func (r *Reconciler) requeueStaleQueued(ctx context.Context, now time.Time) int {
	jobs, err := r.jobs.ListStale(ctx, domain.JobQueued, now.Add(-r.cfg.StaleQueued), r.cfg.PageLimit)
	if err != nil {
		slog.Error("reconciler failed to list stale queued jobs", slog.Any("error", err))
		return 0
	}
	count := 0
	for _, job := range jobs {
		payload := domain.ScanTaskPayload{
			JobID:     job.ID,
			ProjectID: job.ProjectID,
			Priority:  job.Priority,
			Attempt:   job.Attempts,
		}
		if err := r.queue.EnqueueScan(ctx, payload); err != nil {
			slog.Error("reconciler failed to re-publish queued job",
				slog.String("job_id", job.ID), slog.Any("error", err))
			continue
		}
		count++
	}
	if count > 0 {
		slog.Info("reconciler re-published stale queued jobs", slog.Int("count", count))
	}
	return count
}

// backfillFailedCommits makes sure every failed_permanent job has a triage
// record, covering the window where the DLQ record was lost. Upsert is
// idempotent by job id, so re-sweeping settled jobs is a no-op.
func (r *Reconciler) backfillFailedCommits(ctx context.Context, now time.Time) int {
	jobs, err := r.jobs.ListStale(ctx, domain.JobFailedPermanent, now, r.cfg.PageLimit)
	if err != nil {
		slog.Error("reconciler failed to list permanent failures", slog.Any("error", err))
		return 0
	}
	count := 0
	for _, job := range jobs {
		if _, err := r.failed.GetByJobID(ctx, job.ID); err == nil {
			continue
		} else if !errors.Is(err, domain.ErrNotFound) {
			slog.Error("reconciler failed to probe triage record",
				slog.String("job_id", job.ID), slog.Any("error", err))
			continue
		}
		lastError := ""
		if job.LastError != nil {
			lastError = *job.LastError
		}
		fc := domain.FailedCommit{
			ScanJobID:      job.ID,
			ProjectID:      job.ProjectID,
			CommitSHA:      job.CommitSHA,
			Reason:         domain.ReasonRetriesExhausted,
			LastError:      lastError,
			ScannerLogPath: job.ScannerLogPath,
			Disposition:    domain.DispositionPending,
			ConfigOverride: job.ConfigOverride,
		}
		if _, err := r.failed.Upsert(ctx, fc); err != nil {
			slog.Error("reconciler failed to backfill triage record",
				slog.String("job_id", job.ID), slog.Any("error", err))
			continue
		}
		count++
	}
	if count > 0 {
		slog.Info("reconciler backfilled triage records", slog.Int("count", count))
	}
	return count
}
