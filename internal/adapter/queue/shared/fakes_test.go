package shared

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
)

type fakeJobs struct {
	mu          sync.Mutex
	jobs        map[string]domain.ScanJob
	transitions []domain.JobTransition
	submissions map[string]string
}

func newFakeJobs(jobs ...domain.ScanJob) *fakeJobs {
	r := &fakeJobs{jobs: make(map[string]domain.ScanJob), submissions: make(map[string]string)}
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

func (r *fakeJobs) GetByAnalysisID(domain.Context, string) (domain.ScanJob, error) {
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
	if t.Lease != nil {
		j.Lease = t.Lease
	}
	if t.ClearLease {
		j.Lease = nil
	}
	if t.Priority != nil {
		j.Priority = *t.Priority
	}
	r.jobs[t.JobID] = j
	r.transitions = append(r.transitions, t)
	return nil
}

func (r *fakeJobs) RecordSubmission(_ domain.Context, id, analysisID, logPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.AnalysisID = &analysisID
	j.ScannerLogPath = &logPath
	r.jobs[id] = j
	r.submissions[id] = analysisID
	return nil
}

func (r *fakeJobs) ListByProject(domain.Context, string, domain.JobState, int, int) ([]domain.ScanJob, int, error) {
	return nil, 0, nil
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
	return nil, nil
}

func (r *fakeJobs) state(id string) domain.JobState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[id].State
}

func (r *fakeJobs) set(j domain.ScanJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[j.ID] = j
}

type fakeLocks struct {
	mu        sync.Mutex
	full      bool
	acquireErr error
	heartbeatOK bool
	released  []domain.Lease
	instance  domain.Instance
	ttl       time.Duration
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{
		heartbeatOK: true,
		instance:    domain.Instance{Name: "sonar-a", Host: "http://sonar-a:9000", Token: "tok", ConcurrencyCap: 2},
		ttl:         time.Minute,
	}
}

func (l *fakeLocks) Acquire(_ domain.Context, jobID string) (domain.Lease, domain.Instance, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.acquireErr != nil {
		return domain.Lease{}, domain.Instance{}, false, l.acquireErr
	}
	if l.full {
		return domain.Lease{}, domain.Instance{}, false, nil
	}
	lease := domain.Lease{
		Instance:   l.instance.Name,
		Slot:       0,
		Token:      "token-" + jobID,
		AcquiredAt: time.Now(),
		ExpiresAt:  time.Now().Add(l.ttl),
	}
	return lease, l.instance, true, nil
}

func (l *fakeLocks) Heartbeat(domain.Context, domain.Lease) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.heartbeatOK, nil
}

func (l *fakeLocks) Release(_ domain.Context, lease domain.Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, lease)
	return nil
}

func (l *fakeLocks) TTL() time.Duration { return l.ttl }

func (l *fakeLocks) InstanceByName(name string) (domain.Instance, bool) {
	if name == l.instance.Name {
		return l.instance, true
	}
	return domain.Instance{}, false
}

func (l *fakeLocks) releaseCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.released)
}

type fakeCache struct {
	mu          sync.Mutex
	ensureErr   error
	checkoutErr error
	checkouts   []string
	releases    []string
}

func (c *fakeCache) Ensure(_ domain.Context, slug string) (string, error) {
	if c.ensureErr != nil {
		return "", c.ensureErr
	}
	return "/var/cache/repos/" + slug, nil
}

func (c *fakeCache) Checkout(_ domain.Context, slug, commit, dispatcherID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.checkoutErr != nil {
		return "", c.checkoutErr
	}
	dir := "/var/cache/work/" + slug + "/" + commit + "/" + dispatcherID
	c.checkouts = append(c.checkouts, dir)
	return dir, nil
}

func (c *fakeCache) Release(workdir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releases = append(c.releases, workdir)
	return nil
}

type fakeScanner struct {
	mu     sync.Mutex
	out    domain.ScanOutput
	err    error
	inputs []domain.ScanInput
	// block holds Run until the context is cancelled when set.
	block bool
}

func (s *fakeScanner) Run(ctx domain.Context, in domain.ScanInput) (domain.ScanOutput, error) {
	s.mu.Lock()
	s.inputs = append(s.inputs, in)
	block, out, err := s.block, s.out, s.err
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return domain.ScanOutput{}, ctx.Err()
	}
	return out, err
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

type fakeWebhooks struct {
	mu      sync.Mutex
	events  []domain.WebhookEvent
	matched map[string]string
}

func newFakeWebhooks(events ...domain.WebhookEvent) *fakeWebhooks {
	return &fakeWebhooks{events: events, matched: make(map[string]string)}
}

func (w *fakeWebhooks) Create(_ domain.Context, ev domain.WebhookEvent) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, ev)
	return ev.ID, nil
}

func (w *fakeWebhooks) FindByAnalysisID(_ domain.Context, analysisID string) ([]domain.WebhookEvent, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []domain.WebhookEvent
	for _, ev := range w.events {
		if ev.AnalysisID == analysisID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (w *fakeWebhooks) MarkMatched(_ domain.Context, id, jobID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.matched[id] = jobID
	for i, ev := range w.events {
		if ev.ID == id {
			j := jobID
			w.events[i].MatchedJobID = &j
		}
	}
	return nil
}

func (w *fakeWebhooks) DeleteOlderThan(domain.Context, time.Time) (int64, error) {
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

func (r *fakeRouter) lastReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return ""
	}
	return domain.FailureReason(r.calls[len(r.calls)-1])
}

func (r *fakeRouter) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fakeResults struct {
	mu      sync.Mutex
	upserts []domain.ScanResult
	err     error
}

func (s *fakeResults) Upsert(_ domain.Context, r domain.ScanResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.upserts = append(s.upserts, r)
	return nil
}

func (s *fakeResults) GetByJobID(domain.Context, string) (domain.ScanResult, error) {
	return domain.ScanResult{}, domain.ErrNotFound
}

func (s *fakeResults) ForEachByProject(domain.Context, string, func(string, string, map[string]string) error) error {
	return nil
}

type fakeProjects struct {
	mu       sync.Mutex
	statuses map[string]domain.ProjectStatus
}

func newFakeProjects() *fakeProjects {
	return &fakeProjects{statuses: make(map[string]domain.ProjectStatus)}
}

func (p *fakeProjects) Create(domain.Context, domain.Project) (string, error) {
	return "", errors.New("not implemented")
}

func (p *fakeProjects) Get(domain.Context, string) (domain.Project, error) {
	return domain.Project{}, domain.ErrNotFound
}

func (p *fakeProjects) UpdateStats(domain.Context, string, int, int, int) error {
	return nil
}

func (p *fakeProjects) UpdateStatus(_ domain.Context, id string, status domain.ProjectStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses[id] = status
	return nil
}

func (p *fakeProjects) status(id string) domain.ProjectStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statuses[id]
}

type fakeFailed struct {
	mu       sync.Mutex
	resolved []string
}

func (f *fakeFailed) Upsert(domain.Context, domain.FailedCommit) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeFailed) Get(domain.Context, string) (domain.FailedCommit, error) {
	return domain.FailedCommit{}, domain.ErrNotFound
}

func (f *fakeFailed) GetByJobID(domain.Context, string) (domain.FailedCommit, error) {
	return domain.FailedCommit{}, domain.ErrNotFound
}

func (f *fakeFailed) List(domain.Context, domain.Disposition, int, int) ([]domain.FailedCommit, int, error) {
	return nil, 0, nil
}

func (f *fakeFailed) UpdateDisposition(domain.Context, string, domain.Disposition, *string) error {
	return errors.New("not implemented")
}

func (f *fakeFailed) ResolveByJob(_ domain.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, jobID)
	return nil
}

type fakeMeasures struct {
	mu      sync.Mutex
	pages   map[string]string
	err     error
	batches [][]string
}

func (m *fakeMeasures) FetchComponent(_ domain.Context, _ domain.Instance, _ string, metricKeys []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.batches = append(m.batches, metricKeys)
	page := make(map[string]string)
	for _, k := range metricKeys {
		if v, ok := m.pages[k]; ok {
			page[k] = v
		}
	}
	return page, nil
}
