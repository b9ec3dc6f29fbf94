package shared

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
)

// MetricsHandler harvests measures for a completed analysis, persists them,
// and moves the job to succeeded. It also finalizes the project status once
// no active jobs remain.
type MetricsHandler struct {
	jobs       domain.ScanJobRepository
	results    domain.ScanResultRepository
	failed     domain.FailedCommitRepository
	projects   domain.ProjectRepository
	locks      LockManager
	measures   domain.MeasuresClient
	failures   FailureRouter
	metricKeys []string
	chunkSize  int
}

// NewMetricsHandler wires a measures harvester. chunkSize bounds how many
// metric keys go into a single measures request.
func NewMetricsHandler(
	jobs domain.ScanJobRepository,
	results domain.ScanResultRepository,
	failed domain.FailedCommitRepository,
	projects domain.ProjectRepository,
	locks LockManager,
	measures domain.MeasuresClient,
	failures FailureRouter,
	metricKeys []string,
	chunkSize int,
) *MetricsHandler {
	if chunkSize <= 0 {
		chunkSize = 25
	}
	return &MetricsHandler{
		jobs:       jobs,
		results:    results,
		failed:     failed,
		projects:   projects,
		locks:      locks,
		measures:   measures,
		failures:   failures,
		metricKeys: metricKeys,
		chunkSize:  chunkSize,
	}
}

// Handle processes one metrics task record.
func (h *MetricsHandler) Handle(ctx context.Context, _ string, value []byte) error {
	tracer := otel.Tracer("queue.handler")
	ctx, span := tracer.Start(ctx, "HandleMetrics")
	defer span.End()

	var payload domain.MetricsTaskPayload
	if err := json.Unmarshal(value, &payload); err != nil {
		return fmt.Errorf("op=shared.HandleMetrics: unmarshal payload: %w", err)
	}
	span.SetAttributes(attribute.String("job.id", payload.JobID))

	job, err := h.jobs.Get(ctx, payload.JobID)
	if err != nil {
		return fmt.Errorf("op=shared.HandleMetrics: load job: %w", err)
	}
	if job.State != domain.JobRunning {
		slog.Info("skipping metrics task, job not running",
			slog.String("job_id", job.ID),
			slog.String("state", string(job.State)))
		return nil
	}

	instance, err := h.resolveInstance(job)
	if err != nil {
		return h.failRunning(ctx, job, payload, err)
	}

	analysisKey := payload.AnalysisKey
	if analysisKey == "" {
		analysisKey = job.ComponentKey()
	}

	fetchStart := time.Now()
	measures, err := h.fetchAll(ctx, instance, analysisKey)
	observability.ObserveMeasuresFetch(instance.Name, time.Since(fetchStart))
	if err != nil {
		return h.failRunning(ctx, job, payload, domain.NewTransientError(domain.ReasonMetricsFailed,
			fmt.Errorf("op=shared.HandleMetrics: %w", err)))
	}

	err = h.results.Upsert(ctx, domain.ScanResult{
		ScanJobID:   job.ID,
		AnalysisKey: analysisKey,
		AnalysisID:  payload.AnalysisID,
		Measures:    measures,
		FetchedAt:   time.Now(),
	})
	if err != nil {
		return h.failRunning(ctx, job, payload, domain.NewTransientError(domain.ReasonMetricsFailed,
			fmt.Errorf("op=shared.HandleMetrics: persist result: %w", err)))
	}

	lease := job.Lease
	err = h.jobs.Transition(ctx, domain.JobTransition{
		JobID:        job.ID,
		FromState:    domain.JobRunning,
		FromAttempts: job.Attempts,
		ToState:      domain.JobSucceeded,
		Attempts:     job.Attempts,
		ClearLease:   true,
	})
	if err != nil {
		if isLostRace(err) {
			slog.Info("job already decided elsewhere, result kept",
				slog.String("job_id", job.ID))
			return nil
		}
		return fmt.Errorf("op=shared.HandleMetrics: succeed transition: %w", err)
	}
	observability.RecordTransition(string(domain.JobRunning), string(domain.JobSucceeded))
	observability.CompleteJob("metrics")

	if lease != nil {
		if err := h.locks.Release(ctx, *lease); err != nil {
			slog.Error("failed to release slot after success",
				slog.String("job_id", job.ID),
				slog.Any("error", err))
		}
	}

	// An operator rescan that finally succeeds closes its triage record.
	if err := h.failed.ResolveByJob(ctx, job.ID); err != nil {
		slog.Error("failed to resolve triage record",
			slog.String("job_id", job.ID),
			slog.Any("error", err))
	}

	h.finalizeProject(ctx, job.ProjectID)
	return nil
}

// resolveInstance maps the job's lease back to the instance the analysis ran
// on; measures must be fetched from the same server.
func (h *MetricsHandler) resolveInstance(job domain.ScanJob) (domain.Instance, error) {
	if job.Lease == nil {
		return domain.Instance{}, domain.NewTransientError(domain.ReasonMetricsFailed,
			fmt.Errorf("op=shared.resolveInstance: running job %s has no lease", job.ID))
	}
	instance, ok := h.locks.InstanceByName(job.Lease.Instance)
	if !ok {
		return domain.Instance{}, domain.NewTransientError(domain.ReasonMetricsFailed,
			fmt.Errorf("op=shared.resolveInstance: unknown instance %q", job.Lease.Instance))
	}
	return instance, nil
}

// fetchAll pulls every configured metric key in chunks and merges the pages.
func (h *MetricsHandler) fetchAll(ctx context.Context, instance domain.Instance, componentKey string) (map[string]string, error) {
	merged := make(map[string]string, len(h.metricKeys))
	for start := 0; start < len(h.metricKeys); start += h.chunkSize {
		end := start + h.chunkSize
		if end > len(h.metricKeys) {
			end = len(h.metricKeys)
		}
		page, err := h.measures.FetchComponent(ctx, instance, componentKey, h.metricKeys[start:end])
		if err != nil {
			return nil, fmt.Errorf("fetch measures [%d:%d]: %w", start, end, err)
		}
		for k, v := range page {
			merged[k] = v
		}
	}
	return merged, nil
}

// finalizeProject flips the project to done or partial once its last job
// reaches a terminal state. Errors are logged; the reconciler catches up.
func (h *MetricsHandler) finalizeProject(ctx context.Context, projectID string) {
	counts, err := h.jobs.CountByState(ctx, projectID)
	if err != nil {
		slog.Error("failed to count project jobs",
			slog.String("project_id", projectID),
			slog.Any("error", err))
		return
	}
	active := counts[domain.JobPending] + counts[domain.JobQueued] +
		counts[domain.JobRunning] + counts[domain.JobFailedTemp]
	if active > 0 {
		return
	}
	status := domain.ProjectDone
	if counts[domain.JobFailedPermanent] > 0 {
		status = domain.ProjectPartial
	}
	if err := h.projects.UpdateStatus(ctx, projectID, status); err != nil {
		slog.Error("failed to finalize project status",
			slog.String("project_id", projectID),
			slog.Any("error", err))
		return
	}
	slog.Info("project finalized",
		slog.String("project_id", projectID),
		slog.String("status", string(status)))
}

// failRunning mirrors the dispatcher's failure path for a metrics-phase error.
func (h *MetricsHandler) failRunning(ctx context.Context, job domain.ScanJob, payload domain.MetricsTaskPayload, fetchErr error) error {
	lastErr := fetchErr.Error()
	lease := job.Lease
	err := h.jobs.Transition(ctx, domain.JobTransition{
		JobID:        job.ID,
		FromState:    domain.JobRunning,
		FromAttempts: job.Attempts,
		ToState:      domain.JobFailedTemp,
		Attempts:     job.Attempts,
		LastError:    &lastErr,
		ClearLease:   true,
	})
	if err != nil {
		if isLostRace(err) {
			return nil
		}
		return fmt.Errorf("op=shared.failRunning: %w", err)
	}
	observability.RecordTransition(string(domain.JobRunning), string(domain.JobFailedTemp))
	observability.FailJob("metrics")

	if lease != nil {
		if err := h.locks.Release(ctx, *lease); err != nil {
			slog.Error("failed to release slot after metrics failure",
				slog.String("job_id", job.ID),
				slog.Any("error", err))
		}
	}

	job.State = domain.JobFailedTemp
	return h.failures.HandleFailure(ctx, job, domain.ScanTaskPayload{
		JobID:     job.ID,
		ProjectID: job.ProjectID,
		Priority:  job.Priority,
		Attempt:   job.Attempts,
	}, fetchErr)
}
