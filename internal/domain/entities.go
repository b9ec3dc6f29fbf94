package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrRateLimited         = errors.New("rate limited")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrInternal            = errors.New("internal error")
)

// ProjectStatus is the aggregate status of a CSV upload.
type ProjectStatus string

const (
	ProjectCreated    ProjectStatus = "created"
	ProjectCollecting ProjectStatus = "collecting"
	ProjectDone       ProjectStatus = "done"
	ProjectPartial    ProjectStatus = "partial"
)

// Project represents one uploaded CSV of commits to analyze.
// Invariants: ProjectKey non-empty; stats derived only by the ingestor.
//go:generate mockery --name=ProjectRepository --with-expecter --filename=project_repository_mock.go
//go:generate mockery --name=ScanJobRepository --with-expecter --filename=scan_job_repository_mock.go
//go:generate mockery --name=ScanResultRepository --with-expecter --filename=scan_result_repository_mock.go
//go:generate mockery --name=FailedCommitRepository --with-expecter --filename=failed_commit_repository_mock.go
//go:generate mockery --name=Queue --with-expecter --filename=queue_mock.go

type Project struct {
	ID             string
	Name           string
	ProjectKey     string
	CSVPath        string
	ConfigOverride *string
	TotalBuilds    int
	TotalCommits   int
	UniqueBranches int
	Status         ProjectStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// JobState is the lifecycle state of a ScanJob.
type JobState string

const (
	JobPending         JobState = "pending"
	JobQueued          JobState = "queued"
	JobRunning         JobState = "running"
	JobSucceeded       JobState = "succeeded"
	JobFailedTemp      JobState = "failed_temp"
	JobFailedPermanent JobState = "failed_permanent"
)

// Terminal reports whether the state ends the normal flow.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailedPermanent
}

// validTransitions lists every legal edge of the state machine. Operator retry
// (failed_permanent -> queued) is included; everything absent is a conflict.
var validTransitions = map[JobState][]JobState{
	JobPending:         {JobQueued},
	JobQueued:          {JobRunning},
	JobRunning:         {JobSucceeded, JobFailedTemp},
	JobFailedTemp:      {JobQueued, JobFailedPermanent},
	JobFailedPermanent: {JobQueued},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to JobState) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Priority is the queue class a ScanJob rides on.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityRetry  Priority = "retry"
	PriorityHigh   Priority = "high"
)

// Lease is one occupied concurrency slot on an analysis instance, bound to a job.
type Lease struct {
	Instance   string
	Slot       int
	Token      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// ScanJob is the durable unit of work for one commit of one project.
// Invariants: exactly one job per (project, commit); Attempts <= MaxRetries+1;
// a running job always carries a lease.
type ScanJob struct {
	ID             string
	ProjectID      string
	ProjectKey     string
	RepoSlug       string
	CommitSHA      string
	Branch         string
	State          JobState
	Attempts       int
	MaxRetries     int
	Priority       Priority
	ConfigOverride *string
	Lease          *Lease
	AnalysisID     *string
	LastError      *string
	ScannerLogPath *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ComponentKey addresses this job's analysis on the server.
func (j ScanJob) ComponentKey() string {
	return fmt.Sprintf("%s_%s", j.ProjectKey, j.CommitSHA)
}

// JobTransition describes one conditional state change. The write predicates on
// (JobID, FromState, FromAttempts); a mismatch yields ErrConflict so duplicate
// deliveries produce at most one transition.
type JobTransition struct {
	JobID        string
	FromState    JobState
	FromAttempts int
	ToState      JobState
	Attempts     int
	LastError    *string
	Lease        *Lease
	ClearLease   bool
	AnalysisID   *string
	LogPath      *string
	Priority     *Priority
	Override     *string
}

// ScanResult holds metrics harvested for one succeeded scan.
type ScanResult struct {
	ID          string
	ScanJobID   string
	AnalysisKey string
	AnalysisID  string
	Measures    map[string]string
	FetchedAt   time.Time
}

// Disposition is the triage state of a FailedCommit.
type Disposition string

const (
	DispositionPending  Disposition = "pending"
	DispositionQueued   Disposition = "queued"
	DispositionResolved Disposition = "resolved"
)

// FailedCommit is the durable dead-letter record for a permanently failed job.
type FailedCommit struct {
	ID             string
	ScanJobID      string
	ProjectID      string
	CommitSHA      string
	Reason         string
	LastError      string
	ScannerLogPath *string
	Disposition    Disposition
	ConfigOverride *string
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}

// InstanceLock is one claimed slot row; at most ConcurrencyCap un-expired rows
// exist per instance.
type InstanceLock struct {
	InstanceName string
	Slot         int
	Token        string
	HolderJobID  string
	AcquiredAt   time.Time
	ExpiresAt    time.Time
}

// Instance describes one analysis server from the scan config file.
type Instance struct {
	Name           string
	Host           string
	Token          string
	ConcurrencyCap int
	ScannerPath    string
}

// WebhookEvent records every validated completion callback, orphans included.
type WebhookEvent struct {
	ID           string
	AnalysisID   string
	ComponentKey string
	Status       string
	Payload      []byte
	MatchedJobID *string
	Orphan       bool
	ReceivedAt   time.Time
}

// Repositories (ports)

type ProjectRepository interface {
	Create(ctx Context, p Project) (string, error)
	Get(ctx Context, id string) (Project, error)
	UpdateStats(ctx Context, id string, totalBuilds, totalCommits, uniqueBranches int) error
	UpdateStatus(ctx Context, id string, status ProjectStatus) error
}

type ScanJobRepository interface {
	CreateBatch(ctx Context, jobs []ScanJob) (created int, skipped int, err error)
	Get(ctx Context, id string) (ScanJob, error)
	GetByAnalysisID(ctx Context, analysisID string) (ScanJob, error)
	// Transition applies one state-conditional write; ErrConflict on predicate
	// mismatch, ErrNotFound when the job does not exist.
	Transition(ctx Context, t JobTransition) error
	// RecordSubmission binds the parsed submission id and log path to a running job.
	RecordSubmission(ctx Context, id, analysisID, logPath string) error
	ListByProject(ctx Context, projectID string, state JobState, limit, offset int) ([]ScanJob, int, error)
	// ListStale returns jobs in the given state not updated since the cutoff.
	ListStale(ctx Context, state JobState, cutoff time.Time, limit int) ([]ScanJob, error)
	CountByState(ctx Context, projectID string) (map[JobState]int, error)
	CountAll(ctx Context) (map[JobState]int, error)
}

type ScanResultRepository interface {
	Upsert(ctx Context, r ScanResult) error
	GetByJobID(ctx Context, jobID string) (ScanResult, error)
	// ForEachByProject streams results of succeeded jobs in commit order.
	ForEachByProject(ctx Context, projectID string, fn func(commitSHA, componentKey string, measures map[string]string) error) error
}

type FailedCommitRepository interface {
	// Upsert is idempotent by scan job id; reconciler backfills through it.
	Upsert(ctx Context, fc FailedCommit) (string, error)
	Get(ctx Context, id string) (FailedCommit, error)
	GetByJobID(ctx Context, jobID string) (FailedCommit, error)
	List(ctx Context, disposition Disposition, limit, offset int) ([]FailedCommit, int, error)
	UpdateDisposition(ctx Context, id string, d Disposition, configOverride *string) error
	// ResolveByJob marks the record resolved when its job finally succeeds; no-op
	// when no record exists.
	ResolveByJob(ctx Context, jobID string) error
}

type WebhookEventRepository interface {
	Create(ctx Context, ev WebhookEvent) (string, error)
	FindByAnalysisID(ctx Context, analysisID string) ([]WebhookEvent, error)
	MarkMatched(ctx Context, id, jobID string) error
	DeleteOlderThan(ctx Context, cutoff time.Time) (int64, error)
}

// LockRepository is the storage half of the lock manager: every method is a
// single conditional statement so concurrent callers never over-claim.
type LockRepository interface {
	// TryAcquire claims the lowest free slot of the instance; ok=false when the
	// instance is at capacity.
	TryAcquire(ctx Context, instance string, cap int, token, jobID string, ttl time.Duration) (InstanceLock, bool, error)
	// Heartbeat extends the lease only while the token still matches.
	Heartbeat(ctx Context, instance string, slot int, token string, ttl time.Duration) (bool, error)
	// Release deletes the lease by token; ok=false when already reaped.
	Release(ctx Context, token string) (bool, error)
	// ExpireLeases reaps every lease past now and returns the orphaned job ids.
	ExpireLeases(ctx Context, now time.Time) ([]string, error)
	CountActive(ctx Context, instance string, now time.Time) (int, error)
	ListActive(ctx Context, now time.Time) ([]InstanceLock, error)
}

// Queue (port)

type Queue interface {
	EnqueueIngest(ctx Context, p IngestTaskPayload) error
	EnqueueScan(ctx Context, p ScanTaskPayload) error
	EnqueueMetrics(ctx Context, p MetricsTaskPayload) error
}

// RepoCache (port)
// Ensure serializes per slug; Checkout yields an isolated working copy that the
// caller must Release.
type RepoCache interface {
	Ensure(ctx Context, slug string) (string, error)
	Checkout(ctx Context, slug, commit, dispatcherID string) (string, error)
	Release(workdir string) error
}

// Scanner (port)

type ScanInput struct {
	Workdir        string
	ComponentKey   string
	Instance       Instance
	ConfigOverride string
}

type ScanOutput struct {
	SubmissionID string
	LogPath      string
}

type Scanner interface {
	Run(ctx Context, in ScanInput) (ScanOutput, error)
}

// MeasuresClient (port)
// FetchComponent fetches one chunk of metric keys for a component key.
type MeasuresClient interface {
	FetchComponent(ctx Context, instance Instance, componentKey string, metricKeys []string) (map[string]string, error)
}

// Task payloads

type IngestTaskPayload struct {
	ProjectID string
}

type ScanTaskPayload struct {
	JobID     string
	ProjectID string
	Priority  Priority
	Attempt   int
	// NotBefore delays processing; consumers re-schedule records seen early.
	NotBefore time.Time
}

type MetricsTaskPayload struct {
	JobID       string
	AnalysisID  string
	AnalysisKey string
}

// Context is an alias to allow decoupling from std context in domain
// Adapters and usecases should pass context.Context through

type Context = context.Context
