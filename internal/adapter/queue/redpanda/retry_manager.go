package redpanda

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
)

// taskPublisher is the slice of the producer the retry manager needs.
type taskPublisher interface {
	EnqueueScan(ctx domain.Context, p domain.ScanTaskPayload) error
	PublishDeadLetter(ctx domain.Context, dl domain.DeadLetter) error
}

// RetryManager decides what happens to a scan job after a failed attempt:
// re-enqueue on the retry topic after a backoff delay, or escalate to
// failed_permanent and the DLQ when the failure is permanent or the attempt
// budget is spent.
type RetryManager struct {
	publisher taskPublisher
	jobs      domain.ScanJobRepository
	config    domain.RetryConfig
}

// NewRetryManager constructs a retry manager.
func NewRetryManager(publisher taskPublisher, jobs domain.ScanJobRepository, config domain.RetryConfig) *RetryManager {
	return &RetryManager{publisher: publisher, jobs: jobs, config: config}
}

// HandleFailure routes a failed attempt. The caller has already transitioned
// the job running -> failed_temp; this method owns the failed_temp edge.
func (rm *RetryManager) HandleFailure(ctx context.Context, job domain.ScanJob, payload domain.ScanTaskPayload, scanErr error) error {
	reason := domain.FailureReason(scanErr)
	permanent := domain.IsPermanent(scanErr)
	observability.RecordFailure(reason, permanent)

	if permanent {
		return rm.escalate(ctx, job, payload, reason, scanErr.Error())
	}
	if rm.config.Exhausted(job.Attempts) {
		slog.Info("retry budget spent, escalating",
			slog.String("job_id", job.ID),
			slog.Int("attempts", job.Attempts),
			slog.Int("max_retries", rm.config.MaxRetries))
		return rm.escalate(ctx, job, payload, domain.ReasonRetriesExhausted, scanErr.Error())
	}

	delay := rm.config.Delay(job.Attempts - 1)
	notBefore := time.Now().Add(delay)
	priority := domain.PriorityRetry

	lastErr := scanErr.Error()
	err := rm.jobs.Transition(ctx, domain.JobTransition{
		JobID:        job.ID,
		FromState:    domain.JobFailedTemp,
		FromAttempts: job.Attempts,
		ToState:      domain.JobQueued,
		Attempts:     job.Attempts,
		LastError:    &lastErr,
		Priority:     &priority,
		ClearLease:   true,
	})
	if err != nil {
		return fmt.Errorf("op=redpanda.HandleFailure: requeue transition: %w", err)
	}
	observability.RecordTransition(string(domain.JobFailedTemp), string(domain.JobQueued))

	retryPayload := domain.ScanTaskPayload{
		JobID:     job.ID,
		ProjectID: job.ProjectID,
		Priority:  domain.PriorityRetry,
		Attempt:   job.Attempts,
		NotBefore: notBefore,
	}
	go rm.scheduleRetry(retryPayload, delay)

	slog.Info("job scheduled for retry",
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.Attempts),
		slog.Duration("delay", delay),
		slog.String("reason", reason))
	return nil
}

// scheduleRetry publishes the retry record after the backoff delay. The job
// is re-read first so an operator resolve in the meantime wins.
func (rm *RetryManager) scheduleRetry(payload domain.ScanTaskPayload, delay time.Duration) {
	time.Sleep(delay)
	ctx := context.Background()

	job, err := rm.jobs.Get(ctx, payload.JobID)
	if err != nil {
		slog.Error("failed to re-read job for retry",
			slog.String("job_id", payload.JobID),
			slog.Any("error", err))
		return
	}
	if job.State != domain.JobQueued {
		slog.Info("job state changed, skipping retry",
			slog.String("job_id", payload.JobID),
			slog.String("current_state", string(job.State)))
		return
	}

	if err := rm.publisher.EnqueueScan(ctx, payload); err != nil {
		slog.Error("failed to enqueue retry",
			slog.String("job_id", payload.JobID),
			slog.Any("error", err))
	}
}

// escalate moves the job to failed_permanent and records it on the DLQ topic
// so the DLQ consumer can persist a durable failed-commit row.
func (rm *RetryManager) escalate(ctx context.Context, job domain.ScanJob, payload domain.ScanTaskPayload, reason, lastError string) error {
	err := rm.jobs.Transition(ctx, domain.JobTransition{
		JobID:        job.ID,
		FromState:    domain.JobFailedTemp,
		FromAttempts: job.Attempts,
		ToState:      domain.JobFailedPermanent,
		Attempts:     job.Attempts,
		LastError:    &lastError,
		ClearLease:   true,
	})
	if err != nil {
		return fmt.Errorf("op=redpanda.escalate: %w", err)
	}
	observability.RecordTransition(string(domain.JobFailedTemp), string(domain.JobFailedPermanent))

	dl := domain.DeadLetter{
		JobID:        job.ID,
		Payload:      payload,
		Reason:       reason,
		LastError:    lastError,
		Attempts:     job.Attempts,
		MovedToDLQAt: time.Now(),
		CanRetry:     reason != domain.ReasonConfigInvalid,
	}
	if err := rm.publisher.PublishDeadLetter(ctx, dl); err != nil {
		// The job is already failed_permanent; the reconciler backfills the
		// failed-commit row if this publish is lost.
		slog.Error("failed to publish dead letter",
			slog.String("job_id", job.ID),
			slog.Any("error", err))
		return fmt.Errorf("op=redpanda.escalate: publish dead letter: %w", err)
	}

	slog.Info("job moved to DLQ",
		slog.String("job_id", job.ID),
		slog.String("reason", reason),
		slog.Int("attempts", job.Attempts))
	return nil
}
