package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
)

// FailureRouter decides retry versus escalation for a failed attempt.
type FailureRouter interface {
	HandleFailure(ctx context.Context, job domain.ScanJob, payload domain.ScanTaskPayload, scanErr error) error
}

// WebhookService correlates validated completion callbacks with running jobs.
// Signature validation happens at the transport; this service only sees
// authentic events.
type WebhookService struct {
	Jobs     domain.ScanJobRepository
	Events   domain.WebhookEventRepository
	Queue    domain.Queue
	Failures FailureRouter
}

// NewWebhookService constructs a WebhookService with its dependencies.
func NewWebhookService(j domain.ScanJobRepository, e domain.WebhookEventRepository, q domain.Queue, f FailureRouter) WebhookService {
	return WebhookService{Jobs: j, Events: e, Queue: q, Failures: f}
}

// WebhookInput is the parsed completion callback.
type WebhookInput struct {
	AnalysisID   string
	ComponentKey string
	Status       string
	RawPayload   []byte
}

// Process persists the event, then correlates it with a running job. An event
// with no matching job is kept as an orphan; duplicate deliveries are
// idempotent through the state-conditional transition.
func (s WebhookService) Process(ctx domain.Context, in WebhookInput) error {
	if in.AnalysisID == "" {
		return fmt.Errorf("%w: analysis id required", domain.ErrInvalidArgument)
	}

	job, jobErr := s.Jobs.GetByAnalysisID(ctx, in.AnalysisID)
	matched := jobErr == nil && job.State == domain.JobRunning

	// Persist before acting so a crash between write and correlate loses
	// nothing: the dispatcher replays unmatched events after the scan.
	ev := domain.WebhookEvent{
		ID:           ulid.Make().String(),
		AnalysisID:   in.AnalysisID,
		ComponentKey: in.ComponentKey,
		Status:       in.Status,
		Payload:      in.RawPayload,
		Orphan:       !matched,
		ReceivedAt:   time.Now().UTC(),
	}
	evID, err := s.Events.Create(ctx, ev)
	if err != nil {
		return fmt.Errorf("op=webhook.Process: persist event: %w", err)
	}

	if !matched {
		observability.RecordWebhook(in.Status, "orphan")
		slog.Info("webhook kept as orphan",
			slog.String("analysis_id", in.AnalysisID),
			slog.String("status", in.Status))
		return nil
	}

	if err := s.Events.MarkMatched(ctx, evID, job.ID); err != nil {
		slog.Error("failed to mark webhook matched",
			slog.String("event_id", evID),
			slog.Any("error", err))
	}

	if strings.EqualFold(in.Status, "SUCCESS") {
		observability.RecordWebhook(in.Status, "matched")
		err := s.Queue.EnqueueMetrics(ctx, domain.MetricsTaskPayload{
			JobID:       job.ID,
			AnalysisID:  in.AnalysisID,
			AnalysisKey: in.ComponentKey,
		})
		if err != nil {
			return fmt.Errorf("op=webhook.Process: enqueue metrics: %w", err)
		}
		slog.Info("analysis succeeded, metrics enqueued",
			slog.String("job_id", job.ID),
			slog.String("analysis_id", in.AnalysisID))
		return nil
	}

	observability.RecordWebhook(in.Status, "failed")
	return s.failAnalysis(ctx, job, in.Status)
}

// failAnalysis moves the job to failed_temp when the server reports a failed
// analysis, then routes retry or escalation.
func (s WebhookService) failAnalysis(ctx domain.Context, job domain.ScanJob, status string) error {
	scanErr := domain.NewTransientError(domain.ReasonAnalysisFailed,
		fmt.Errorf("op=webhook.failAnalysis: server reported %s", status))
	lastErr := scanErr.Error()
	err := s.Jobs.Transition(ctx, domain.JobTransition{
		JobID:        job.ID,
		FromState:    domain.JobRunning,
		FromAttempts: job.Attempts,
		ToState:      domain.JobFailedTemp,
		Attempts:     job.Attempts,
		LastError:    &lastErr,
		ClearLease:   true,
	})
	if err != nil {
		// A duplicate delivery or the dispatcher got there first.
		slog.Info("failure transition skipped",
			slog.String("job_id", job.ID),
			slog.Any("error", err))
		return nil
	}
	observability.RecordTransition(string(domain.JobRunning), string(domain.JobFailedTemp))

	job.State = domain.JobFailedTemp
	return s.Failures.HandleFailure(ctx, job, domain.ScanTaskPayload{
		JobID:     job.ID,
		ProjectID: job.ProjectID,
		Priority:  job.Priority,
		Attempt:   job.Attempts,
	}, scanErr)
}
