package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
)

// ProjectRepo persists and loads projects using a minimal pgx pool.
type ProjectRepo struct{ Pool PgxPool }

// NewProjectRepo constructs a ProjectRepo with the given pool.
func NewProjectRepo(p PgxPool) *ProjectRepo { return &ProjectRepo{Pool: p} }

// Create stores a new project and returns its id (generates one if empty).
func (r *ProjectRepo) Create(ctx domain.Context, p domain.Project) (string, error) {
	tracer := otel.Tracer("repo.projects")
	ctx, span := tracer.Start(ctx, "projects.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "projects"),
	)
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO projects (id, name, project_key, csv_path, config_override, status, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$7)`
	_, err := r.Pool.Exec(ctx, q, id, p.Name, p.ProjectKey, p.CSVPath, p.ConfigOverride, domain.ProjectCreated, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=projects.create: %w", err)
	}
	return id, nil
}

// Get loads a project by id.
func (r *ProjectRepo) Get(ctx domain.Context, id string) (domain.Project, error) {
	tracer := otel.Tracer("repo.projects")
	ctx, span := tracer.Start(ctx, "projects.Get")
	defer span.End()
	q := `SELECT id, name, project_key, csv_path, config_override, total_builds, total_commits, unique_branches, status, created_at, updated_at
	FROM projects WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	var p domain.Project
	if err := row.Scan(&p.ID, &p.Name, &p.ProjectKey, &p.CSVPath, &p.ConfigOverride, &p.TotalBuilds, &p.TotalCommits, &p.UniqueBranches, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Project{}, fmt.Errorf("op=projects.get: %w", domain.ErrNotFound)
		}
		return domain.Project{}, fmt.Errorf("op=projects.get: %w", err)
	}
	return p, nil
}

// UpdateStats records the counters derived during CSV ingestion.
func (r *ProjectRepo) UpdateStats(ctx domain.Context, id string, totalBuilds, totalCommits, uniqueBranches int) error {
	tracer := otel.Tracer("repo.projects")
	ctx, span := tracer.Start(ctx, "projects.UpdateStats")
	defer span.End()
	q := `UPDATE projects SET total_builds=$2, total_commits=$3, unique_branches=$4, updated_at=$5 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, totalBuilds, totalCommits, uniqueBranches, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=projects.update_stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=projects.update_stats: %w", domain.ErrNotFound)
	}
	return nil
}

// UpdateStatus moves the project through its aggregate lifecycle.
func (r *ProjectRepo) UpdateStatus(ctx domain.Context, id string, status domain.ProjectStatus) error {
	tracer := otel.Tracer("repo.projects")
	ctx, span := tracer.Start(ctx, "projects.UpdateStatus")
	defer span.End()
	q := `UPDATE projects SET status=$2, updated_at=$3 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=projects.update_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=projects.update_status: %w", domain.ErrNotFound)
	}
	return nil
}
