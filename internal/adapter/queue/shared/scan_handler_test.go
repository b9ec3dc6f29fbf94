package shared

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
)

type scanFixture struct {
	jobs     *fakeJobs
	webhooks *fakeWebhooks
	locks    *fakeLocks
	cache    *fakeCache
	scanner  *fakeScanner
	queue    *fakeQueue
	router   *fakeRouter
	handler  *ScanHandler
}

func newScanFixture(jobs ...domain.ScanJob) *scanFixture {
	f := &scanFixture{
		jobs:     newFakeJobs(jobs...),
		webhooks: newFakeWebhooks(),
		locks:    newFakeLocks(),
		cache:    &fakeCache{},
		scanner:  &fakeScanner{out: domain.ScanOutput{SubmissionID: "sub-1", LogPath: "/var/log/scans/job-1.log"}},
		queue:    &fakeQueue{},
		router:   &fakeRouter{},
	}
	f.handler = NewScanHandler(f.jobs, f.webhooks, f.locks, f.cache, f.scanner, f.queue, f.router, ScanHandlerConfig{
		WebhookWaitTimeout:     500 * time.Millisecond,
		CompletionPollInterval: 5 * time.Millisecond,
		NoSlotRequeueDelay:     10 * time.Millisecond,
		DispatcherID:           "dispatcher-1",
	})
	return f
}

func queuedJob() domain.ScanJob {
	return domain.ScanJob{
		ID:         "job-1",
		ProjectID:  "proj-1",
		ProjectKey: "acme",
		RepoSlug:   "acme/app",
		CommitSHA:  "abc123",
		Branch:     "main",
		State:      domain.JobQueued,
		Attempts:   0,
		MaxRetries: 5,
		Priority:   domain.PriorityNormal,
	}
}

func scanRecord(t *testing.T, p domain.ScanTaskPayload) []byte {
	t.Helper()
	b, err := json.Marshal(p)
	require.NoError(t, err)
	return b
}

func TestScanHandler_HappyPath(t *testing.T) {
	f := newScanFixture(queuedJob())
	payload := domain.ScanTaskPayload{JobID: "job-1", ProjectID: "proj-1", Priority: domain.PriorityNormal}

	done := make(chan error, 1)
	go func() {
		done <- f.handler.Handle(context.Background(), "scan.jobs", scanRecord(t, payload))
	}()

	// The webhook pipeline moves the job out of running while the dispatcher
	// waits; simulate that once the submission id is bound.
	require.Eventually(t, func() bool {
		j, err := f.jobs.Get(context.Background(), "job-1")
		return err == nil && j.AnalysisID != nil
	}, time.Second, 5*time.Millisecond, "submission id must be recorded")

	j, err := f.jobs.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobRunning, j.State)
	assert.Equal(t, 1, j.Attempts)
	require.NotNil(t, j.Lease)
	assert.Equal(t, "sonar-a", j.Lease.Instance)

	j.State = domain.JobSucceeded
	j.Lease = nil
	f.jobs.set(j)

	require.NoError(t, <-done)
	assert.Equal(t, 1, f.locks.releaseCount(), "slot must be released")
	assert.Len(t, f.cache.releases, 1, "working copy must be released")
	assert.Equal(t, "acme_abc123", f.scanner.inputs[0].ComponentKey)
	assert.Zero(t, f.router.callCount())
}

func TestScanHandler_SkipsWhenNotQueued(t *testing.T) {
	j := queuedJob()
	j.State = domain.JobSucceeded
	f := newScanFixture(j)

	err := f.handler.Handle(context.Background(), "scan.jobs",
		scanRecord(t, domain.ScanTaskPayload{JobID: "job-1"}))
	require.NoError(t, err)
	assert.Empty(t, f.scanner.inputs)
	assert.Zero(t, f.locks.releaseCount())
}

func TestScanHandler_RequeuesWhenFleetFull(t *testing.T) {
	f := newScanFixture(queuedJob())
	f.locks.full = true

	err := f.handler.Handle(context.Background(), "scan.jobs",
		scanRecord(t, domain.ScanTaskPayload{JobID: "job-1", Priority: domain.PriorityNormal}))
	require.NoError(t, err)

	assert.Equal(t, domain.JobQueued, f.jobs.state("job-1"), "no attempt consumed")
	require.Len(t, f.queue.scans, 1)
	assert.False(t, f.queue.scans[0].NotBefore.IsZero(), "requeue must carry a delay")
	assert.Empty(t, f.scanner.inputs)
}

func TestScanHandler_CheckoutCommitMissing(t *testing.T) {
	f := newScanFixture(queuedJob())
	f.cache.checkoutErr = domain.NewPermanentError(domain.ReasonCommitMissing, errors.New("object not found"))

	err := f.handler.Handle(context.Background(), "scan.jobs",
		scanRecord(t, domain.ScanTaskPayload{JobID: "job-1"}))
	require.NoError(t, err)

	assert.Equal(t, domain.JobFailedTemp, f.jobs.state("job-1"))
	assert.Equal(t, domain.ReasonCommitMissing, f.router.lastReason())
	assert.Equal(t, 1, f.locks.releaseCount())
	assert.Empty(t, f.scanner.inputs)
}

func TestScanHandler_ScannerFailure(t *testing.T) {
	f := newScanFixture(queuedJob())
	f.scanner.err = domain.NewTransientError(domain.ReasonScanFailed, errors.New("exit status 2"))

	err := f.handler.Handle(context.Background(), "scan.jobs",
		scanRecord(t, domain.ScanTaskPayload{JobID: "job-1"}))
	require.NoError(t, err)

	assert.Equal(t, domain.JobFailedTemp, f.jobs.state("job-1"))
	assert.Equal(t, domain.ReasonScanFailed, f.router.lastReason())
	assert.Equal(t, 1, f.locks.releaseCount())
	assert.Len(t, f.cache.releases, 1, "working copy released on failure too")
}

func TestScanHandler_WebhookTimeout(t *testing.T) {
	f := newScanFixture(queuedJob())
	f.handler.cfg.WebhookWaitTimeout = 30 * time.Millisecond

	err := f.handler.Handle(context.Background(), "scan.jobs",
		scanRecord(t, domain.ScanTaskPayload{JobID: "job-1"}))
	require.NoError(t, err)

	assert.Equal(t, domain.JobFailedTemp, f.jobs.state("job-1"))
	assert.Equal(t, domain.ReasonWebhookTimeout, f.router.lastReason())
	assert.Equal(t, 1, f.locks.releaseCount())
}

func TestScanHandler_EarlyWebhookSuccessEnqueuesMetrics(t *testing.T) {
	f := newScanFixture(queuedJob())
	f.webhooks.events = []domain.WebhookEvent{{
		ID:           "ev-1",
		AnalysisID:   "sub-1",
		ComponentKey: "acme_abc123",
		Status:       "SUCCESS",
		Orphan:       true,
	}}

	done := make(chan error, 1)
	go func() {
		done <- f.handler.Handle(context.Background(), "scan.jobs",
			scanRecord(t, domain.ScanTaskPayload{JobID: "job-1"}))
	}()

	require.Eventually(t, func() bool {
		f.queue.mu.Lock()
		defer f.queue.mu.Unlock()
		return len(f.queue.metrics) == 1
	}, time.Second, 5*time.Millisecond, "orphan success event must trigger metrics")

	f.queue.mu.Lock()
	m := f.queue.metrics[0]
	f.queue.mu.Unlock()
	assert.Equal(t, "job-1", m.JobID)
	assert.Equal(t, "sub-1", m.AnalysisID)
	assert.Equal(t, "acme_abc123", m.AnalysisKey)
	assert.Equal(t, "job-1", f.webhooks.matched["ev-1"])

	j, err := f.jobs.Get(context.Background(), "job-1")
	require.NoError(t, err)
	j.State = domain.JobSucceeded
	j.Lease = nil
	f.jobs.set(j)
	require.NoError(t, <-done)
}

func TestScanHandler_EarlyWebhookFailureFailsJob(t *testing.T) {
	f := newScanFixture(queuedJob())
	f.webhooks.events = []domain.WebhookEvent{{
		ID:         "ev-1",
		AnalysisID: "sub-1",
		Status:     "FAILED",
		Orphan:     true,
	}}

	err := f.handler.Handle(context.Background(), "scan.jobs",
		scanRecord(t, domain.ScanTaskPayload{JobID: "job-1"}))
	require.NoError(t, err)

	assert.Equal(t, domain.JobFailedTemp, f.jobs.state("job-1"))
	assert.Equal(t, domain.ReasonAnalysisFailed, f.router.lastReason())
	assert.Equal(t, "job-1", f.webhooks.matched["ev-1"])
}

func TestScanHandler_HonorsNotBefore(t *testing.T) {
	f := newScanFixture(queuedJob())
	f.handler.cfg.WebhookWaitTimeout = 30 * time.Millisecond

	start := time.Now()
	err := f.handler.Handle(context.Background(), "scan.jobs",
		scanRecord(t, domain.ScanTaskPayload{JobID: "job-1", NotBefore: time.Now().Add(40 * time.Millisecond)}))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestScanHandler_MalformedPayload(t *testing.T) {
	f := newScanFixture()
	err := f.handler.Handle(context.Background(), "scan.jobs", []byte("{not json"))
	require.Error(t, err)
}
