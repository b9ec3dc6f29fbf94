package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
)

func TestProject_CreateEnqueuesIngest(t *testing.T) {
	projects := newFakeProjects()
	queue := &fakeQueue{}
	svc := NewProjectService(projects, newFakeJobs(), queue)

	p, err := svc.Create(context.Background(), "acme app", "acme", "/data/csv/acme.csv", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, domain.ProjectCreated, p.Status)

	require.Len(t, queue.ingests, 1)
	assert.Equal(t, p.ID, queue.ingests[0].ProjectID)

	stored, err := projects.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme app", stored.Name)
	assert.Equal(t, "acme", stored.ProjectKey)
}

func TestProject_CreateDefaultsProjectKey(t *testing.T) {
	svc := NewProjectService(newFakeProjects(), newFakeJobs(), &fakeQueue{})
	p, err := svc.Create(context.Background(), "acme", "", "/data/csv/acme.csv", nil)
	require.NoError(t, err)
	assert.Equal(t, "acme", p.ProjectKey)
}

func TestProject_CreateValidation(t *testing.T) {
	svc := NewProjectService(newFakeProjects(), newFakeJobs(), &fakeQueue{})

	_, err := svc.Create(context.Background(), "", "k", "/x.csv", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.Create(context.Background(), "acme", "k", "", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestProject_GetWithCounts(t *testing.T) {
	projects := newFakeProjects(domain.Project{ID: "proj-1", Name: "acme", Status: domain.ProjectCollecting})
	jobs := newFakeJobs(
		domain.ScanJob{ID: "j1", ProjectID: "proj-1", CommitSHA: "a", State: domain.JobSucceeded},
		domain.ScanJob{ID: "j2", ProjectID: "proj-1", CommitSHA: "b", State: domain.JobRunning},
		domain.ScanJob{ID: "j3", ProjectID: "other", CommitSHA: "c", State: domain.JobQueued},
	)
	svc := NewProjectService(projects, jobs, &fakeQueue{})

	d, err := svc.Get(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Equal(t, 1, d.Counts[domain.JobSucceeded])
	assert.Equal(t, 1, d.Counts[domain.JobRunning])
	assert.Zero(t, d.Counts[domain.JobQueued], "other project's jobs excluded")
}

func TestProject_ListJobsPagination(t *testing.T) {
	jobs := newFakeJobs(
		domain.ScanJob{ID: "j1", ProjectID: "proj-1", CommitSHA: "a", State: domain.JobQueued},
		domain.ScanJob{ID: "j2", ProjectID: "proj-1", CommitSHA: "b", State: domain.JobQueued},
		domain.ScanJob{ID: "j3", ProjectID: "proj-1", CommitSHA: "c", State: domain.JobSucceeded},
	)
	svc := NewProjectService(newFakeProjects(), jobs, &fakeQueue{})

	page, err := svc.ListJobs(context.Background(), "proj-1", domain.JobQueued, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, "j1", page.Jobs[0].ID)

	page, err = svc.ListJobs(context.Background(), "proj-1", domain.JobQueued, 2, 1)
	require.NoError(t, err)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, "j2", page.Jobs[0].ID)

	// Out-of-range knobs fall back to defaults.
	page, err = svc.ListJobs(context.Background(), "proj-1", "", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 50, page.PerPage)
	assert.Len(t, page.Jobs, 3)
}

func TestProject_GetJob(t *testing.T) {
	jobs := newFakeJobs(domain.ScanJob{ID: "j1", ProjectID: "proj-1", CommitSHA: "a", State: domain.JobQueued})
	svc := NewProjectService(newFakeProjects(), jobs, &fakeQueue{})

	j, err := svc.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, "j1", j.ID)

	_, err = svc.GetJob(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
