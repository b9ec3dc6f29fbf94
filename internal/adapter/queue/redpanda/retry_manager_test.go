package redpanda

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
)

type fakePublisher struct {
	mu          sync.Mutex
	scans       []domain.ScanTaskPayload
	deadLetters []domain.DeadLetter
	scanErr     error
}

func (f *fakePublisher) EnqueueScan(_ domain.Context, p domain.ScanTaskPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scanErr != nil {
		return f.scanErr
	}
	f.scans = append(f.scans, p)
	return nil
}

func (f *fakePublisher) PublishDeadLetter(_ domain.Context, dl domain.DeadLetter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadLetters = append(f.deadLetters, dl)
	return nil
}

func (f *fakePublisher) scanCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.scans)
}

type fakeJobsRepo struct {
	mu          sync.Mutex
	jobs        map[string]domain.ScanJob
	transitions []domain.JobTransition
}

func newFakeJobsRepo(jobs ...domain.ScanJob) *fakeJobsRepo {
	r := &fakeJobsRepo{jobs: make(map[string]domain.ScanJob)}
	for _, j := range jobs {
		r.jobs[j.ID] = j
	}
	return r
}

func (r *fakeJobsRepo) CreateBatch(domain.Context, []domain.ScanJob) (int, int, error) {
	return 0, 0, errors.New("not implemented")
}

func (r *fakeJobsRepo) Get(_ domain.Context, id string) (domain.ScanJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.ScanJob{}, domain.ErrNotFound
	}
	return j, nil
}

func (r *fakeJobsRepo) GetByAnalysisID(domain.Context, string) (domain.ScanJob, error) {
	return domain.ScanJob{}, domain.ErrNotFound
}

func (r *fakeJobsRepo) Transition(_ domain.Context, t domain.JobTransition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[t.JobID]
	if !ok {
		return domain.ErrNotFound
	}
	if j.State != t.FromState || j.Attempts != t.FromAttempts {
		return domain.ErrConflict
	}
	j.State = t.ToState
	j.Attempts = t.Attempts
	if t.LastError != nil {
		j.LastError = t.LastError
	}
	if t.Priority != nil {
		j.Priority = *t.Priority
	}
	if t.ClearLease {
		j.Lease = nil
	}
	r.jobs[t.JobID] = j
	r.transitions = append(r.transitions, t)
	return nil
}

func (r *fakeJobsRepo) RecordSubmission(domain.Context, string, string, string) error {
	return errors.New("not implemented")
}

func (r *fakeJobsRepo) ListByProject(domain.Context, string, domain.JobState, int, int) ([]domain.ScanJob, int, error) {
	return nil, 0, nil
}

func (r *fakeJobsRepo) ListStale(domain.Context, domain.JobState, time.Time, int) ([]domain.ScanJob, error) {
	return nil, nil
}

func (r *fakeJobsRepo) CountByState(domain.Context, string) (map[domain.JobState]int, error) {
	return nil, nil
}

func (r *fakeJobsRepo) CountAll(domain.Context) (map[domain.JobState]int, error) {
	return nil, nil
}

func (r *fakeJobsRepo) state(id string) domain.JobState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[id].State
}

func fastRetryConfig() domain.RetryConfig {
	return domain.RetryConfig{MaxRetries: 3, Base: 5 * time.Millisecond, Cap: 20 * time.Millisecond}
}

func failedJob(attempts int) domain.ScanJob {
	return domain.ScanJob{
		ID:        "job-1",
		ProjectID: "proj-1",
		CommitSHA: "abc123",
		State:     domain.JobFailedTemp,
		Attempts:  attempts,
		Priority:  domain.PriorityNormal,
	}
}

func scanPayload(attempt int) domain.ScanTaskPayload {
	return domain.ScanTaskPayload{JobID: "job-1", ProjectID: "proj-1", Priority: domain.PriorityNormal, Attempt: attempt}
}

func TestRetryManager_TransientFailureRequeues(t *testing.T) {
	jobs := newFakeJobsRepo(failedJob(1))
	pub := &fakePublisher{}
	rm := NewRetryManager(pub, jobs, fastRetryConfig())

	err := rm.HandleFailure(context.Background(), failedJob(1), scanPayload(1),
		domain.NewTransientError(domain.ReasonScanFailed, errors.New("exit status 2")))
	require.NoError(t, err)

	assert.Equal(t, domain.JobQueued, jobs.state("job-1"))

	// The retry record is published after the backoff delay.
	assert.Eventually(t, func() bool { return pub.scanCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.PriorityRetry, pub.scans[0].Priority)
	assert.Equal(t, 1, pub.scans[0].Attempt)
	assert.False(t, pub.scans[0].NotBefore.IsZero())
	assert.Empty(t, pub.deadLetters)
}

func TestRetryManager_PermanentFailureEscalates(t *testing.T) {
	jobs := newFakeJobsRepo(failedJob(1))
	pub := &fakePublisher{}
	rm := NewRetryManager(pub, jobs, fastRetryConfig())

	err := rm.HandleFailure(context.Background(), failedJob(1), scanPayload(1),
		domain.NewPermanentError(domain.ReasonCommitMissing, errors.New("object not found")))
	require.NoError(t, err)

	assert.Equal(t, domain.JobFailedPermanent, jobs.state("job-1"))
	require.Len(t, pub.deadLetters, 1)
	assert.Equal(t, domain.ReasonCommitMissing, pub.deadLetters[0].Reason)
	assert.True(t, pub.deadLetters[0].CanRetry)
	assert.Empty(t, pub.scans)
}

func TestRetryManager_ExhaustedBudgetEscalates(t *testing.T) {
	jobs := newFakeJobsRepo(failedJob(4))
	pub := &fakePublisher{}
	rm := NewRetryManager(pub, jobs, fastRetryConfig())

	err := rm.HandleFailure(context.Background(), failedJob(4), scanPayload(4),
		domain.NewTransientError(domain.ReasonScanTimeout, errors.New("killed")))
	require.NoError(t, err)

	assert.Equal(t, domain.JobFailedPermanent, jobs.state("job-1"))
	require.Len(t, pub.deadLetters, 1)
	assert.Equal(t, domain.ReasonRetriesExhausted, pub.deadLetters[0].Reason)
}

func TestRetryManager_ConfigInvalidCannotRetry(t *testing.T) {
	jobs := newFakeJobsRepo(failedJob(1))
	pub := &fakePublisher{}
	rm := NewRetryManager(pub, jobs, fastRetryConfig())

	err := rm.HandleFailure(context.Background(), failedJob(1), scanPayload(1),
		domain.NewPermanentError(domain.ReasonConfigInvalid, errors.New("unexpected token")))
	require.NoError(t, err)

	require.Len(t, pub.deadLetters, 1)
	assert.False(t, pub.deadLetters[0].CanRetry)
}

func TestRetryManager_SkipsRetryWhenStateChanged(t *testing.T) {
	jobs := newFakeJobsRepo(failedJob(1))
	pub := &fakePublisher{}
	rm := NewRetryManager(pub, jobs, fastRetryConfig())

	err := rm.HandleFailure(context.Background(), failedJob(1), scanPayload(1),
		domain.NewTransientError(domain.ReasonScanFailed, errors.New("boom")))
	require.NoError(t, err)

	// An operator resolves the job before the backoff elapses.
	jobs.mu.Lock()
	j := jobs.jobs["job-1"]
	j.State = domain.JobRunning
	jobs.jobs["job-1"] = j
	jobs.mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, pub.scanCount(), "retry must not be published once the job moved on")
}

func TestRetryManager_ConflictOnStaleSnapshot(t *testing.T) {
	jobs := newFakeJobsRepo(failedJob(2))
	pub := &fakePublisher{}
	rm := NewRetryManager(pub, jobs, fastRetryConfig())

	err := rm.HandleFailure(context.Background(), failedJob(1), scanPayload(1),
		domain.NewTransientError(domain.ReasonScanFailed, errors.New("boom")))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConflict)
}
