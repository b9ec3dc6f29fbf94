// Package shared implements the queue task handlers that drive a scan job
// from queued to terminal: ingest, scan dispatch, and measures harvest.
// Handlers are transport-agnostic; the broker consumer feeds them raw record
// values.
package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
)

// LockManager is the slice of the lock manager the dispatcher needs.
type LockManager interface {
	Acquire(ctx domain.Context, jobID string) (domain.Lease, domain.Instance, bool, error)
	Heartbeat(ctx domain.Context, lease domain.Lease) (bool, error)
	Release(ctx domain.Context, lease domain.Lease) error
	TTL() time.Duration
	InstanceByName(name string) (domain.Instance, bool)
}

// FailureRouter decides retry versus escalation for a failed attempt. The
// broker retry manager implements it.
type FailureRouter interface {
	HandleFailure(ctx context.Context, job domain.ScanJob, payload domain.ScanTaskPayload, scanErr error) error
}

// ScanHandlerConfig tunes dispatcher timing.
type ScanHandlerConfig struct {
	// WebhookWaitTimeout bounds how long a dispatcher waits for the
	// completion callback before declaring the analysis lost.
	WebhookWaitTimeout time.Duration
	// CompletionPollInterval is the cadence of job re-reads during the wait.
	CompletionPollInterval time.Duration
	// NoSlotRequeueDelay spaces out re-deliveries while the fleet is full.
	NoSlotRequeueDelay time.Duration
	// DispatcherID isolates working copies of concurrent dispatchers.
	DispatcherID string
}

// ScanHandler runs one scan attempt end to end: claim a slot, check out the
// commit, run the scanner, bind the submission id, and wait for the webhook
// to move the job out of running.
type ScanHandler struct {
	jobs     domain.ScanJobRepository
	webhooks domain.WebhookEventRepository
	locks    LockManager
	cache    domain.RepoCache
	scanner  domain.Scanner
	queue    domain.Queue
	failures FailureRouter
	cfg      ScanHandlerConfig
}

// NewScanHandler wires a dispatcher.
func NewScanHandler(
	jobs domain.ScanJobRepository,
	webhooks domain.WebhookEventRepository,
	locks LockManager,
	cache domain.RepoCache,
	scanner domain.Scanner,
	queue domain.Queue,
	failures FailureRouter,
	cfg ScanHandlerConfig,
) *ScanHandler {
	if cfg.CompletionPollInterval <= 0 {
		cfg.CompletionPollInterval = 5 * time.Second
	}
	if cfg.NoSlotRequeueDelay <= 0 {
		cfg.NoSlotRequeueDelay = 15 * time.Second
	}
	return &ScanHandler{
		jobs:     jobs,
		webhooks: webhooks,
		locks:    locks,
		cache:    cache,
		scanner:  scanner,
		queue:    queue,
		failures: failures,
		cfg:      cfg,
	}
}

// Handle processes one scan task record.
func (h *ScanHandler) Handle(ctx context.Context, _ string, value []byte) error {
	tracer := otel.Tracer("queue.handler")
	ctx, span := tracer.Start(ctx, "HandleScan")
	defer span.End()

	var payload domain.ScanTaskPayload
	if err := json.Unmarshal(value, &payload); err != nil {
		return fmt.Errorf("op=shared.HandleScan: unmarshal payload: %w", err)
	}
	span.SetAttributes(attribute.String("job.id", payload.JobID))

	if err := h.waitUntilDue(ctx, payload.NotBefore); err != nil {
		return err
	}

	job, err := h.jobs.Get(ctx, payload.JobID)
	if err != nil {
		return fmt.Errorf("op=shared.HandleScan: load job: %w", err)
	}
	if job.State != domain.JobQueued {
		// Duplicate delivery, or an operator moved the job. Not our record.
		slog.Info("skipping scan task, job not queued",
			slog.String("job_id", job.ID),
			slog.String("state", string(job.State)))
		return nil
	}

	lease, instance, ok, err := h.locks.Acquire(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("op=shared.HandleScan: acquire slot: %w", err)
	}
	if !ok {
		observability.RecordLeaseAcquire("fleet", "exhausted")
		return h.requeueNoSlot(ctx, payload)
	}
	observability.RecordLeaseAcquire(instance.Name, "acquired")

	attempts := job.Attempts + 1
	err = h.jobs.Transition(ctx, domain.JobTransition{
		JobID:        job.ID,
		FromState:    domain.JobQueued,
		FromAttempts: job.Attempts,
		ToState:      domain.JobRunning,
		Attempts:     attempts,
		Lease:        &lease,
	})
	if err != nil {
		_ = h.locks.Release(ctx, lease)
		if isLostRace(err) {
			slog.Info("lost dispatch race, dropping duplicate",
				slog.String("job_id", job.ID))
			return nil
		}
		return fmt.Errorf("op=shared.HandleScan: start transition: %w", err)
	}
	observability.RecordTransition(string(domain.JobQueued), string(domain.JobRunning))
	observability.StartProcessingJob("scan")

	job.State = domain.JobRunning
	job.Attempts = attempts
	job.Lease = &lease
	payload.Attempt = attempts

	err = h.runAttempt(ctx, job, payload, lease, instance)
	if err != nil {
		observability.FailJob("scan")
		return err
	}
	observability.CompleteJob("scan")
	return nil
}

// runAttempt owns the lease from here on: whatever happens, the slot is
// released before returning.
func (h *ScanHandler) runAttempt(ctx context.Context, job domain.ScanJob, payload domain.ScanTaskPayload, lease domain.Lease, instance domain.Instance) error {
	defer func() {
		if err := h.locks.Release(context.WithoutCancel(ctx), lease); err != nil {
			slog.Error("failed to release slot",
				slog.String("job_id", job.ID),
				slog.Any("error", err))
		}
	}()

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	lost := make(chan struct{})
	go h.heartbeatLoop(hbCtx, job.ID, lease, lost)

	workdir, err := h.checkout(ctx, job)
	if err != nil {
		return h.failRunning(ctx, job, payload, err)
	}
	defer func() {
		if err := h.cache.Release(workdir); err != nil {
			slog.Error("failed to release working copy",
				slog.String("job_id", job.ID),
				slog.String("workdir", workdir),
				slog.Any("error", err))
		}
	}()

	// A reaped lease kills the scanner; the slot no longer belongs to us.
	scanCtx, scanCancel := context.WithCancel(ctx)
	defer scanCancel()
	go func() {
		select {
		case <-lost:
			scanCancel()
		case <-scanCtx.Done():
		}
	}()

	override := ""
	if job.ConfigOverride != nil {
		override = *job.ConfigOverride
	}
	scanStart := time.Now()
	out, scanErr := h.scanner.Run(scanCtx, domain.ScanInput{
		Workdir:        workdir,
		ComponentKey:   job.ComponentKey(),
		Instance:       instance,
		ConfigOverride: override,
	})
	if scanErr != nil {
		observability.ObserveScannerRun(instance.Name, "failure", time.Since(scanStart))
		if leaseLost(lost) {
			scanErr = domain.NewTransientError(domain.ReasonLeaseExpired,
				fmt.Errorf("op=shared.runAttempt: lease reaped during scan"))
		}
		return h.failRunning(ctx, job, payload, scanErr)
	}
	observability.ObserveScannerRun(instance.Name, "success", time.Since(scanStart))

	if err := h.jobs.RecordSubmission(ctx, job.ID, out.SubmissionID, out.LogPath); err != nil {
		return h.failRunning(ctx, job, payload, domain.NewTransientError(domain.ReasonScanFailed,
			fmt.Errorf("op=shared.runAttempt: record submission: %w", err)))
	}
	job.AnalysisID = &out.SubmissionID
	job.ScannerLogPath = &out.LogPath

	// The webhook may have landed before the submission id was persisted and
	// been filed as an orphan. Replay any such events now.
	if done, err := h.replayEarlyWebhooks(ctx, job, payload, out.SubmissionID); done || err != nil {
		return err
	}

	return h.awaitCompletion(ctx, job, payload, lost)
}

// checkout materializes the job's commit in an isolated working copy.
func (h *ScanHandler) checkout(ctx context.Context, job domain.ScanJob) (string, error) {
	if _, err := h.cache.Ensure(ctx, job.RepoSlug); err != nil {
		return "", err
	}
	workdir, err := h.cache.Checkout(ctx, job.RepoSlug, job.CommitSHA, h.cfg.DispatcherID)
	if err != nil {
		return "", err
	}
	return workdir, nil
}

// heartbeatLoop renews the lease at a third of the TTL until cancelled.
// A lost lease closes the lost channel and stops renewing.
func (h *ScanHandler) heartbeatLoop(ctx context.Context, jobID string, lease domain.Lease, lost chan struct{}) {
	interval := h.locks.TTL() / 3
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := h.locks.Heartbeat(ctx, lease)
			if err != nil {
				slog.Error("heartbeat failed",
					slog.String("job_id", jobID),
					slog.Any("error", err))
				continue
			}
			if !ok {
				slog.Warn("lease reaped, stopping heartbeat",
					slog.String("job_id", jobID),
					slog.String("instance", lease.Instance),
					slog.Int("slot", lease.Slot))
				close(lost)
				return
			}
		}
	}
}

// replayEarlyWebhooks handles the race where the completion callback beat the
// submission-id write. done=true means the job already reached a decision.
func (h *ScanHandler) replayEarlyWebhooks(ctx context.Context, job domain.ScanJob, payload domain.ScanTaskPayload, analysisID string) (bool, error) {
	events, err := h.webhooks.FindByAnalysisID(ctx, analysisID)
	if err != nil {
		slog.Error("failed to query webhook events",
			slog.String("job_id", job.ID),
			slog.Any("error", err))
		return false, nil
	}
	for _, ev := range events {
		if ev.MatchedJobID != nil {
			continue
		}
		if err := h.webhooks.MarkMatched(ctx, ev.ID, job.ID); err != nil {
			slog.Error("failed to match webhook event",
				slog.String("job_id", job.ID),
				slog.String("event_id", ev.ID),
				slog.Any("error", err))
			continue
		}
		if strings.EqualFold(ev.Status, "SUCCESS") {
			slog.Info("webhook arrived before submission id, enqueueing metrics",
				slog.String("job_id", job.ID),
				slog.String("analysis_id", analysisID))
			err := h.queue.EnqueueMetrics(ctx, domain.MetricsTaskPayload{
				JobID:       job.ID,
				AnalysisID:  analysisID,
				AnalysisKey: job.ComponentKey(),
			})
			if err != nil {
				return true, fmt.Errorf("op=shared.replayEarlyWebhooks: %w", err)
			}
			return false, nil
		}
		return true, h.failRunning(ctx, job, payload, domain.NewTransientError(domain.ReasonAnalysisFailed,
			fmt.Errorf("op=shared.replayEarlyWebhooks: server reported %s", ev.Status)))
	}
	return false, nil
}

// awaitCompletion polls the job until the webhook pipeline moves it out of
// running, the lease is lost, or the wait budget runs out.
func (h *ScanHandler) awaitCompletion(ctx context.Context, job domain.ScanJob, payload domain.ScanTaskPayload, lost chan struct{}) error {
	deadline := time.NewTimer(h.cfg.WebhookWaitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(h.cfg.CompletionPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-lost:
			return h.failRunning(ctx, job, payload, domain.NewTransientError(domain.ReasonLeaseExpired,
				fmt.Errorf("op=shared.awaitCompletion: lease reaped while waiting for webhook")))
		case <-deadline.C:
			return h.failRunning(ctx, job, payload, domain.NewTransientError(domain.ReasonWebhookTimeout,
				fmt.Errorf("op=shared.awaitCompletion: no completion callback within %s", h.cfg.WebhookWaitTimeout)))
		case <-ticker.C:
			current, err := h.jobs.Get(ctx, job.ID)
			if err != nil {
				slog.Error("failed to poll job state",
					slog.String("job_id", job.ID),
					slog.Any("error", err))
				continue
			}
			if current.State != domain.JobRunning {
				slog.Info("job left running state",
					slog.String("job_id", job.ID),
					slog.String("state", string(current.State)))
				return nil
			}
		}
	}
}

// failRunning applies running -> failed_temp and hands the job to the
// failure router. A conflict means another actor already decided the job.
func (h *ScanHandler) failRunning(ctx context.Context, job domain.ScanJob, payload domain.ScanTaskPayload, scanErr error) error {
	lastErr := scanErr.Error()
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
			slog.Info("job already decided elsewhere, dropping failure",
				slog.String("job_id", job.ID),
				slog.String("error", lastErr))
			return nil
		}
		return fmt.Errorf("op=shared.failRunning: %w", err)
	}
	observability.RecordTransition(string(domain.JobRunning), string(domain.JobFailedTemp))

	job.State = domain.JobFailedTemp
	return h.failures.HandleFailure(ctx, job, payload, scanErr)
}

// requeueNoSlot republishes the task with a delay while every instance is at
// capacity. The job stays queued; no attempt is consumed.
func (h *ScanHandler) requeueNoSlot(ctx context.Context, payload domain.ScanTaskPayload) error {
	payload.NotBefore = time.Now().Add(h.cfg.NoSlotRequeueDelay)
	slog.Info("fleet at capacity, requeueing",
		slog.String("job_id", payload.JobID),
		slog.Duration("delay", h.cfg.NoSlotRequeueDelay))
	if err := h.queue.EnqueueScan(ctx, payload); err != nil {
		return fmt.Errorf("op=shared.requeueNoSlot: %w", err)
	}
	return nil
}

// waitUntilDue honors a record's NotBefore, bounded by the context.
func (h *ScanHandler) waitUntilDue(ctx context.Context, notBefore time.Time) error {
	delay := time.Until(notBefore)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func leaseLost(lost chan struct{}) bool {
	select {
	case <-lost:
		return true
	default:
		return false
	}
}

func isLostRace(err error) bool {
	return errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidArgument)
}
