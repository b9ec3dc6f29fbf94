package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
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

func (f *fakeProjects) UpdateStats(_ domain.Context, id string, builds, commits, branches int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.TotalBuilds, p.TotalCommits, p.UniqueBranches = builds, commits, branches
	f.projects[id] = p
	return nil
}

func (f *fakeProjects) UpdateStatus(_ domain.Context, id string, status domain.ProjectStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.Status = status
	f.projects[id] = p
	return nil
}

type fakeJobs struct {
	mu          sync.Mutex
	jobs        map[string]domain.ScanJob
	order       []string
	transitions []domain.JobTransition
}

func newFakeJobs(jobs ...domain.ScanJob) *fakeJobs {
	r := &fakeJobs{jobs: make(map[string]domain.ScanJob)}
	for _, j := range jobs {
		r.jobs[j.ID] = j
		r.order = append(r.order, j.ID)
	}
	return r
}

func (r *fakeJobs) CreateBatch(_ domain.Context, jobs []domain.ScanJob) (int, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	created, skipped := 0, 0
	for _, j := range jobs {
		dup := false
		for _, existing := range r.jobs {
			if existing.ProjectID == j.ProjectID && existing.CommitSHA == j.CommitSHA {
				dup = true
				break
			}
		}
		if dup {
			skipped++
			continue
		}
		r.jobs[j.ID] = j
		r.order = append(r.order, j.ID)
		created++
	}
	return created, skipped, nil
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
	if t.LastError != nil {
		j.LastError = t.LastError
	}
	if t.Priority != nil {
		j.Priority = *t.Priority
	}
	if t.Override != nil {
		j.ConfigOverride = t.Override
	}
	if t.Lease != nil {
		j.Lease = t.Lease
	}
	if t.ClearLease {
		j.Lease = nil
	}
	r.jobs[t.JobID] = j
	r.transitions = append(r.transitions, t)
	return nil
}

func (r *fakeJobs) RecordSubmission(domain.Context, string, string, string) error {
	return errors.New("not implemented")
}

func (r *fakeJobs) ListByProject(_ domain.Context, projectID string, state domain.JobState, limit, offset int) ([]domain.ScanJob, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []domain.ScanJob
	for _, id := range r.order {
		j := r.jobs[id]
		if j.ProjectID != projectID {
			continue
		}
		if state != "" && j.State != state {
			continue
		}
		all = append(all, j)
	}
	total := len(all)
	if offset >= len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

func (r *fakeJobs) ListStale(domain.Context, domain.JobState, time.Time, int) ([]domain.ScanJob, error) {
	return nil, nil
}

func (r *fakeJobs) CountByState(_ domain.Context, projectID string) (map[domain.JobState]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[domain.JobState]int)
	for _, j := range r.jobs {
		if j.ProjectID == projectID {
			counts[j.State]++
		}
	}
	return counts, nil
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

func (r *fakeJobs) byProject(projectID string) []domain.ScanJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ScanJob
	for _, id := range r.order {
		if r.jobs[id].ProjectID == projectID {
			out = append(out, r.jobs[id])
		}
	}
	return out
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
	mu      sync.Mutex
	events  []domain.WebhookEvent
	matched map[string]string
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{matched: make(map[string]string)}
}

func (e *fakeEvents) Create(_ domain.Context, ev domain.WebhookEvent) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return ev.ID, nil
}

func (e *fakeEvents) FindByAnalysisID(_ domain.Context, analysisID string) ([]domain.WebhookEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.WebhookEvent
	for _, ev := range e.events {
		if ev.AnalysisID == analysisID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (e *fakeEvents) MarkMatched(_ domain.Context, id, jobID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.matched[id] = jobID
	return nil
}

func (e *fakeEvents) DeleteOlderThan(domain.Context, time.Time) (int64, error) {
	return 0, nil
}

type fakeRouter struct {
	mu    sync.Mutex
	calls []error
}

func (r *fakeRouter) HandleFailure(_ context.Context, _ domain.ScanJob, _ domain.ScanTaskPayload, scanErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, scanErr)
	return nil
}

type resultRow struct {
	commitSHA    string
	componentKey string
	measures     map[string]string
}

type fakeResults struct {
	rows []resultRow
}

func (s *fakeResults) Upsert(domain.Context, domain.ScanResult) error {
	return errors.New("not implemented")
}

func (s *fakeResults) GetByJobID(domain.Context, string) (domain.ScanResult, error) {
	return domain.ScanResult{}, domain.ErrNotFound
}

func (s *fakeResults) ForEachByProject(_ domain.Context, _ string, fn func(string, string, map[string]string) error) error {
	for _, r := range s.rows {
		if err := fn(r.commitSHA, r.componentKey, r.measures); err != nil {
			return err
		}
	}
	return nil
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
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[fc.ID] = fc
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

func (f *fakeFailed) List(_ domain.Context, d domain.Disposition, _, _ int) ([]domain.FailedCommit, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.FailedCommit
	for _, fc := range f.records {
		if d == "" || fc.Disposition == d {
			out = append(out, fc)
		}
	}
	return out, len(out), nil
}

func (f *fakeFailed) UpdateDisposition(_ domain.Context, id string, d domain.Disposition, _ *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[id]; !ok {
		return domain.ErrNotFound
	}
	f.dispositions[id] = d
	return nil
}

func (f *fakeFailed) ResolveByJob(domain.Context, string) error { return nil }

type fakeLockRows struct {
	active []domain.InstanceLock
}

func (l *fakeLockRows) TryAcquire(domain.Context, string, int, string, string, time.Duration) (domain.InstanceLock, bool, error) {
	return domain.InstanceLock{}, false, errors.New("not implemented")
}

func (l *fakeLockRows) Heartbeat(domain.Context, string, int, string, time.Duration) (bool, error) {
	return false, errors.New("not implemented")
}

func (l *fakeLockRows) Release(domain.Context, string) (bool, error) { return false, nil }

func (l *fakeLockRows) ExpireLeases(domain.Context, time.Time) ([]string, error) { return nil, nil }

func (l *fakeLockRows) CountActive(domain.Context, string, time.Time) (int, error) { return 0, nil }

func (l *fakeLockRows) ListActive(domain.Context, time.Time) ([]domain.InstanceLock, error) {
	return l.active, nil
}
