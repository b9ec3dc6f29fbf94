package httpserver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/config"
	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/usecase"
)

type fakeProjects struct {
	mu       sync.Mutex
	projects map[string]domain.Project
}

func newFakeProjects(projects ...domain.Project) *fakeProjects {
	f := &fakeProjects{projects: make(map[string]domain.Project)}
	for _, p := range projects {
		f.projects[p.ID] = p
	}
	return f
}

func (f *fakeProjects) Create(_ domain.Context, p domain.Project) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects[p.ID] = p
	return p.ID, nil
}

func (f *fakeProjects) Get(_ domain.Context, id string) (domain.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return domain.Project{}, domain.ErrNotFound
	}
	return p, nil
}

func (f *fakeProjects) UpdateStats(domain.Context, string, int, int, int) error  { return nil }
func (f *fakeProjects) UpdateStatus(domain.Context, string, domain.ProjectStatus) error {
	return nil
}

type fakeJobs struct {
	mu   sync.Mutex
	jobs map[string]domain.ScanJob
}

func newFakeJobs(jobs ...domain.ScanJob) *fakeJobs {
	r := &fakeJobs{jobs: make(map[string]domain.ScanJob)}
	for _, j := range jobs {
		r.jobs[j.ID] = j
	}
	return r
}

func (r *fakeJobs) CreateBatch(domain.Context, []domain.ScanJob) (int, int, error) {
	return 0, 0, errors.New("not implemented")
}

func (r *fakeJobs) Get(_ domain.Context, id string) (domain.ScanJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.ScanJob{}, domain.ErrNotFound
	}
	return j, nil
}

func (r *fakeJobs) GetByAnalysisID(_ domain.Context, analysisID string) (domain.ScanJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.AnalysisID != nil && *j.AnalysisID == analysisID {
			return j, nil
		}
	}
	return domain.ScanJob{}, domain.ErrNotFound
}

func (r *fakeJobs) Transition(_ domain.Context, t domain.JobTransition) error {
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
	if t.Priority != nil {
		j.Priority = *t.Priority
	}
	if t.ClearLease {
		j.Lease = nil
	}
	r.jobs[t.JobID] = j
	return nil
}

func (r *fakeJobs) RecordSubmission(domain.Context, string, string, string) error {
	return errors.New("not implemented")
}

func (r *fakeJobs) ListByProject(_ domain.Context, projectID string, state domain.JobState, limit, offset int) ([]domain.ScanJob, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ScanJob
	for _, j := range r.jobs {
		if j.ProjectID == projectID && (state == "" || j.State == state) {
			out = append(out, j)
		}
	}
	total := len(out)
	if offset >= len(out) {
		return nil, total, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (r *fakeJobs) ListStale(domain.Context, domain.JobState, time.Time, int) ([]domain.ScanJob, error) {
	return nil, nil
}

func (r *fakeJobs) CountByState(domain.Context, string) (map[domain.JobState]int, error) {
	return map[domain.JobState]int{}, nil
}

func (r *fakeJobs) CountAll(domain.Context) (map[domain.JobState]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[domain.JobState]int)
	for _, j := range r.jobs {
		counts[j.State]++
	}
	return counts, nil
}

type fakeQueue struct {
	mu      sync.Mutex
	ingests []domain.IngestTaskPayload
	scans   []domain.ScanTaskPayload
	metrics []domain.MetricsTaskPayload
}

func (q *fakeQueue) EnqueueIngest(_ domain.Context, p domain.IngestTaskPayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ingests = append(q.ingests, p)
	return nil
}

func (q *fakeQueue) EnqueueScan(_ domain.Context, p domain.ScanTaskPayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.scans = append(q.scans, p)
	return nil
}

func (q *fakeQueue) EnqueueMetrics(_ domain.Context, p domain.MetricsTaskPayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.metrics = append(q.metrics, p)
	return nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []domain.WebhookEvent
}

func (e *fakeEvents) Create(_ domain.Context, ev domain.WebhookEvent) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return ev.ID, nil
}

func (e *fakeEvents) FindByAnalysisID(domain.Context, string) ([]domain.WebhookEvent, error) {
	return nil, nil
}

func (e *fakeEvents) MarkMatched(domain.Context, string, string) error { return nil }

func (e *fakeEvents) DeleteOlderThan(domain.Context, time.Time) (int64, error) { return 0, nil }

type fakeRouter struct{}

func (fakeRouter) HandleFailure(context.Context, domain.ScanJob, domain.ScanTaskPayload, error) error {
	return nil
}

type fakeResults struct{}

func (fakeResults) Upsert(domain.Context, domain.ScanResult) error { return nil }

func (fakeResults) GetByJobID(domain.Context, string) (domain.ScanResult, error) {
	return domain.ScanResult{}, domain.ErrNotFound
}

func (fakeResults) ForEachByProject(_ domain.Context, _ string, fn func(string, string, map[string]string) error) error {
	return fn("abc123", "acme_abc123", map[string]string{"bugs": "2"})
}

type fakeFailed struct {
	mu           sync.Mutex
	records      map[string]domain.FailedCommit
	dispositions map[string]domain.Disposition
}

func newFakeFailed(records ...domain.FailedCommit) *fakeFailed {
	f := &fakeFailed{records: make(map[string]domain.FailedCommit), dispositions: make(map[string]domain.Disposition)}
	for _, fc := range records {
		f.records[fc.ID] = fc
	}
	return f
}

func (f *fakeFailed) Upsert(_ domain.Context, fc domain.FailedCommit) (string, error) {
	return fc.ID, nil
}

func (f *fakeFailed) Get(_ domain.Context, id string) (domain.FailedCommit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fc, ok := f.records[id]
	if !ok {
		return domain.FailedCommit{}, domain.ErrNotFound
	}
	return fc, nil
}

func (f *fakeFailed) GetByJobID(domain.Context, string) (domain.FailedCommit, error) {
	return domain.FailedCommit{}, domain.ErrNotFound
}

func (f *fakeFailed) List(_ domain.Context, _ domain.Disposition, _, _ int) ([]domain.FailedCommit, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.FailedCommit
	for _, fc := range f.records {
		out = append(out, fc)
	}
	return out, len(out), nil
}

func (f *fakeFailed) UpdateDisposition(_ domain.Context, id string, d domain.Disposition, _ *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispositions[id] = d
	return nil
}

func (f *fakeFailed) ResolveByJob(domain.Context, string) error { return nil }

type fakeLockRows struct{}

func (fakeLockRows) TryAcquire(domain.Context, string, int, string, string, time.Duration) (domain.InstanceLock, bool, error) {
	return domain.InstanceLock{}, false, errors.New("not implemented")
}

func (fakeLockRows) Heartbeat(domain.Context, string, int, string, time.Duration) (bool, error) {
	return false, errors.New("not implemented")
}

func (fakeLockRows) Release(domain.Context, string) (bool, error) { return false, nil }

func (fakeLockRows) ExpireLeases(domain.Context, time.Time) ([]string, error) { return nil, nil }

func (fakeLockRows) CountActive(domain.Context, string, time.Time) (int, error) { return 0, nil }

func (fakeLockRows) ListActive(domain.Context, time.Time) ([]domain.InstanceLock, error) {
	return nil, nil
}

// testConfig returns a config suitable for handler tests; dataDir isolates
// uploaded artifacts per test.
func testConfig(dataDir string) config.Config {
	return config.Config{
		AppEnv:                  "test",
		DataDir:                 dataDir,
		MaxUploadMB:             5,
		WebhookSecret:           "hook-secret",
		WebhookSignatureHeaders: []string{"X-Sonar-Webhook-HMAC-SHA256", "X-Hub-Signature-256"},
		WebhookSecretHeader:     "X-Sonar-Secret",
		AdminUsername:           "admin",
		AdminPassword:           "swordfish",
		AdminSessionSecret:      "0123456789abcdef0123456789abcdef",
	}
}

func testServer(dataDir string, jobs *fakeJobs, projects *fakeProjects, queue *fakeQueue, failed *fakeFailed) *Server {
	cfg := testConfig(dataDir)
	return NewServer(cfg,
		usecase.NewProjectService(projects, jobs, queue),
		usecase.NewExportService(projects, fakeResults{}, []string{"bugs"}),
		usecase.NewWebhookService(jobs, &fakeEvents{}, queue, fakeRouter{}),
		usecase.NewTriageService(failed, jobs, fakeLockRows{}, queue),
		nil, nil, nil,
	)
}
