package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
)

type fakeFailedRepo struct {
	mu      sync.Mutex
	upserts []domain.FailedCommit
}

func (f *fakeFailedRepo) Upsert(_ domain.Context, fc domain.FailedCommit) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, fc)
	return "fc-1", nil
}

func (f *fakeFailedRepo) Get(domain.Context, string) (domain.FailedCommit, error) {
	return domain.FailedCommit{}, domain.ErrNotFound
}

func (f *fakeFailedRepo) GetByJobID(domain.Context, string) (domain.FailedCommit, error) {
	return domain.FailedCommit{}, domain.ErrNotFound
}

func (f *fakeFailedRepo) List(domain.Context, domain.Disposition, int, int) ([]domain.FailedCommit, int, error) {
	return nil, 0, nil
}

func (f *fakeFailedRepo) UpdateDisposition(domain.Context, string, domain.Disposition, *string) error {
	return errors.New("not implemented")
}

func (f *fakeFailedRepo) ResolveByJob(domain.Context, string) error { return nil }

func deadLetterRecord(t *testing.T, dl domain.DeadLetter) *kgo.Record {
	t.Helper()
	b, err := json.Marshal(dl)
	require.NoError(t, err)
	return &kgo.Record{Topic: TopicDLQ, Key: []byte(dl.JobID), Value: b}
}

func TestDLQConsumer_PersistsFailedCommit(t *testing.T) {
	logPath := "/var/log/scans/proj_abc.log"
	job := domain.ScanJob{
		ID:             "job-1",
		ProjectID:      "proj-1",
		CommitSHA:      "abc123",
		State:          domain.JobFailedPermanent,
		Attempts:       4,
		ScannerLogPath: &logPath,
	}
	jobs := newFakeJobsRepo(job)
	failed := &fakeFailedRepo{}
	dc := &DLQConsumer{jobs: jobs, failed: failed}

	dl := domain.DeadLetter{
		JobID:        "job-1",
		Payload:      domain.ScanTaskPayload{JobID: "job-1", ProjectID: "proj-1"},
		Reason:       domain.ReasonRetriesExhausted,
		LastError:    "scan-timeout: killed after 30m",
		Attempts:     4,
		MovedToDLQAt: time.Now(),
		CanRetry:     true,
	}
	dc.processRecord(context.Background(), deadLetterRecord(t, dl))

	require.Len(t, failed.upserts, 1)
	fc := failed.upserts[0]
	assert.Equal(t, "job-1", fc.ScanJobID)
	assert.Equal(t, "proj-1", fc.ProjectID)
	assert.Equal(t, "abc123", fc.CommitSHA)
	assert.Equal(t, domain.ReasonRetriesExhausted, fc.Reason)
	assert.Equal(t, domain.DispositionPending, fc.Disposition)
	require.NotNil(t, fc.ScannerLogPath)
	assert.Equal(t, logPath, *fc.ScannerLogPath)
}

func TestDLQConsumer_SkipsWhenJobMovedOn(t *testing.T) {
	job := domain.ScanJob{ID: "job-1", ProjectID: "proj-1", CommitSHA: "abc123", State: domain.JobQueued}
	jobs := newFakeJobsRepo(job)
	failed := &fakeFailedRepo{}
	dc := &DLQConsumer{jobs: jobs, failed: failed}

	dc.processRecord(context.Background(), deadLetterRecord(t, domain.DeadLetter{JobID: "job-1"}))
	assert.Empty(t, failed.upserts)
}

func TestDLQConsumer_IgnoresMalformedRecord(t *testing.T) {
	jobs := newFakeJobsRepo()
	failed := &fakeFailedRepo{}
	dc := &DLQConsumer{jobs: jobs, failed: failed}

	dc.processRecord(context.Background(), &kgo.Record{Topic: TopicDLQ, Value: []byte("{not json")})
	assert.Empty(t, failed.upserts)
}

func TestDLQConsumer_SkipsUnknownJob(t *testing.T) {
	jobs := newFakeJobsRepo()
	failed := &fakeFailedRepo{}
	dc := &DLQConsumer{jobs: jobs, failed: failed}

	dc.processRecord(context.Background(), deadLetterRecord(t, domain.DeadLetter{JobID: "ghost"}))
	assert.Empty(t, failed.upserts)
}
