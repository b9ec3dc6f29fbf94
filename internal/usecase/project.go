package usecase

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
)

// ProjectService creates projects from uploaded CSVs and serves the project
// and job read models.
type ProjectService struct {
	Projects domain.ProjectRepository
	Jobs     domain.ScanJobRepository
	Queue    domain.Queue
}

// NewProjectService constructs a ProjectService with its dependencies.
func NewProjectService(p domain.ProjectRepository, j domain.ScanJobRepository, q domain.Queue) ProjectService {
	return ProjectService{Projects: p, Jobs: j, Queue: q}
}

// Create registers a project for an already-stored CSV artifact and enqueues
// its ingest task. The project key defaults to a slugged name when empty.
func (s ProjectService) Create(ctx domain.Context, name, projectKey, csvPath string, configOverride *string) (domain.Project, error) {
	if name == "" {
		return domain.Project{}, fmt.Errorf("%w: project name required", domain.ErrInvalidArgument)
	}
	if csvPath == "" {
		return domain.Project{}, fmt.Errorf("%w: csv path required", domain.ErrInvalidArgument)
	}
	if projectKey == "" {
		projectKey = name
	}
	now := time.Now().UTC()
	p := domain.Project{
		ID:             ulid.Make().String(),
		Name:           name,
		ProjectKey:     projectKey,
		CSVPath:        csvPath,
		ConfigOverride: configOverride,
		Status:         domain.ProjectCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	id, err := s.Projects.Create(ctx, p)
	if err != nil {
		return domain.Project{}, fmt.Errorf("op=project.Create: %w", err)
	}
	p.ID = id
	if err := s.Queue.EnqueueIngest(ctx, domain.IngestTaskPayload{ProjectID: id}); err != nil {
		return domain.Project{}, fmt.Errorf("op=project.Create: enqueue ingest: %w", err)
	}
	return p, nil
}

// ProjectDetails is the project read model: the row plus per-state counts.
type ProjectDetails struct {
	Project domain.Project
	Counts  map[domain.JobState]int
}

// Get returns a project with its job state breakdown.
func (s ProjectService) Get(ctx domain.Context, id string) (ProjectDetails, error) {
	p, err := s.Projects.Get(ctx, id)
	if err != nil {
		return ProjectDetails{}, fmt.Errorf("op=project.Get: %w", err)
	}
	counts, err := s.Jobs.CountByState(ctx, id)
	if err != nil {
		return ProjectDetails{}, fmt.Errorf("op=project.Get: counts: %w", err)
	}
	return ProjectDetails{Project: p, Counts: counts}, nil
}

// JobPage is one page of a project's jobs.
type JobPage struct {
	Jobs    []domain.ScanJob
	Total   int
	Page    int
	PerPage int
}

// ListJobs returns a page of the project's jobs, optionally filtered by state.
func (s ProjectService) ListJobs(ctx domain.Context, projectID string, state domain.JobState, page, perPage int) (JobPage, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 200 {
		perPage = 50
	}
	jobs, total, err := s.Jobs.ListByProject(ctx, projectID, state, perPage, (page-1)*perPage)
	if err != nil {
		return JobPage{}, fmt.Errorf("op=project.ListJobs: %w", err)
	}
	return JobPage{Jobs: jobs, Total: total, Page: page, PerPage: perPage}, nil
}

// GetJob returns one job with its full lifecycle detail.
func (s ProjectService) GetJob(ctx domain.Context, id string) (domain.ScanJob, error) {
	j, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return domain.ScanJob{}, fmt.Errorf("op=project.GetJob: %w", err)
	}
	return j, nil
}
