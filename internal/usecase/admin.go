package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
)

// TriageService backs the operator endpoints: listing permanently failed
// commits, re-queueing them, and resolving them without retry.
type TriageService struct {
	Failed domain.FailedCommitRepository
	Jobs   domain.ScanJobRepository
	Locks  domain.LockRepository
	Queue  domain.Queue
}

// NewTriageService constructs a TriageService with its dependencies.
func NewTriageService(f domain.FailedCommitRepository, j domain.ScanJobRepository, l domain.LockRepository, q domain.Queue) TriageService {
	return TriageService{Failed: f, Jobs: j, Locks: l, Queue: q}
}

// FailedCommitPage is one page of triage records.
type FailedCommitPage struct {
	Items   []domain.FailedCommit
	Total   int
	Page    int
	PerPage int
}

// List returns a page of failed commits, optionally filtered by disposition.
func (s TriageService) List(ctx domain.Context, disposition domain.Disposition, page, perPage int) (FailedCommitPage, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 200 {
		perPage = 50
	}
	items, total, err := s.Failed.List(ctx, disposition, perPage, (page-1)*perPage)
	if err != nil {
		return FailedCommitPage{}, fmt.Errorf("op=triage.List: %w", err)
	}
	return FailedCommitPage{Items: items, Total: total, Page: page, PerPage: perPage}, nil
}

// Retry resets a permanently failed job to queued with zero attempts and
// re-enqueues it on the high priority class. A non-nil configOverride
// replaces the job's scan configuration for the rerun.
func (s TriageService) Retry(ctx domain.Context, failedCommitID string, configOverride *string) (domain.ScanJob, error) {
	fc, err := s.Failed.Get(ctx, failedCommitID)
	if err != nil {
		return domain.ScanJob{}, fmt.Errorf("op=triage.Retry: %w", err)
	}
	job, err := s.Jobs.Get(ctx, fc.ScanJobID)
	if err != nil {
		return domain.ScanJob{}, fmt.Errorf("op=triage.Retry: load job: %w", err)
	}
	if job.State != domain.JobFailedPermanent {
		return domain.ScanJob{}, fmt.Errorf("op=triage.Retry: job in state %s: %w", job.State, domain.ErrConflict)
	}

	prio := domain.PriorityHigh
	err = s.Jobs.Transition(ctx, domain.JobTransition{
		JobID:        job.ID,
		FromState:    domain.JobFailedPermanent,
		FromAttempts: job.Attempts,
		ToState:      domain.JobQueued,
		Attempts:     0,
		Priority:     &prio,
		Override:     configOverride,
		ClearLease:   true,
	})
	if err != nil {
		return domain.ScanJob{}, fmt.Errorf("op=triage.Retry: transition: %w", err)
	}
	observability.RecordTransition(string(domain.JobFailedPermanent), string(domain.JobQueued))

	if err := s.Failed.UpdateDisposition(ctx, failedCommitID, domain.DispositionQueued, configOverride); err != nil {
		slog.Error("failed to update disposition",
			slog.String("failed_commit_id", failedCommitID),
			slog.Any("error", err))
	}

	err = s.Queue.EnqueueScan(ctx, domain.ScanTaskPayload{
		JobID:     job.ID,
		ProjectID: job.ProjectID,
		Priority:  domain.PriorityHigh,
	})
	if err != nil {
		return domain.ScanJob{}, fmt.Errorf("op=triage.Retry: enqueue: %w", err)
	}

	job.State = domain.JobQueued
	job.Attempts = 0
	job.Priority = domain.PriorityHigh
	if configOverride != nil {
		job.ConfigOverride = configOverride
	}
	slog.Info("failed commit requeued",
		slog.String("failed_commit_id", failedCommitID),
		slog.String("job_id", job.ID))
	return job, nil
}

// Resolve closes a triage record without retrying its job.
func (s TriageService) Resolve(ctx domain.Context, failedCommitID string) error {
	if err := s.Failed.UpdateDisposition(ctx, failedCommitID, domain.DispositionResolved, nil); err != nil {
		return fmt.Errorf("op=triage.Resolve: %w", err)
	}
	return nil
}

// Stats is the operator dashboard snapshot.
type Stats struct {
	JobsByState        map[domain.JobState]int
	RunningPerInstance map[string]int
	QueueDepthEstimate int
}

// GetStats aggregates job counts by state and active slots per instance. The
// queue depth estimate is the number of queued jobs.
func (s TriageService) GetStats(ctx domain.Context) (Stats, error) {
	counts, err := s.Jobs.CountAll(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("op=triage.GetStats: %w", err)
	}
	active, err := s.Locks.ListActive(ctx, time.Now().UTC())
	if err != nil {
		return Stats{}, fmt.Errorf("op=triage.GetStats: locks: %w", err)
	}
	perInstance := make(map[string]int)
	for _, lock := range active {
		perInstance[lock.InstanceName]++
	}
	return Stats{
		JobsByState:        counts,
		RunningPerInstance: perInstance,
		QueueDepthEstimate: counts[domain.JobQueued],
	}, nil
}
