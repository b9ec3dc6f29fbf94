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

// ScanJobRepo persists and loads scan jobs from PostgreSQL.
type ScanJobRepo struct{ Pool PgxPool }

// NewScanJobRepo constructs a ScanJobRepo with the given pool.
func NewScanJobRepo(p PgxPool) *ScanJobRepo { return &ScanJobRepo{Pool: p} }

const scanJobColumns = `id, project_id, project_key, repo_slug, commit_sha, branch, state, attempts, max_retries, priority, config_override,
	lease_instance, lease_slot, lease_token, lease_acquired_at, lease_expires_at,
	analysis_id, last_error, scanner_log_path, created_at, updated_at`

// CreateBatch inserts jobs inside one transaction. Duplicate (project, commit)
// pairs are skipped, not errors: re-submitting a CSV must not clone jobs.
func (r *ScanJobRepo) CreateBatch(ctx domain.Context, jobs []domain.ScanJob) (int, int, error) {
	tracer := otel.Tracer("repo.scan_jobs")
	ctx, span := tracer.Start(ctx, "scan_jobs.CreateBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("jobs.count", len(jobs)))
	if len(jobs) == 0 {
		return 0, 0, nil
	}
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, 0, fmt.Errorf("op=scan_jobs.create_batch: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `INSERT INTO scan_jobs (id, project_id, project_key, repo_slug, commit_sha, branch, state, attempts, max_retries, priority, config_override, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
	ON CONFLICT (project_id, commit_sha) DO NOTHING`
	created := 0
	now := time.Now().UTC()
	for _, j := range jobs {
		id := j.ID
		if id == "" {
			id = uuid.New().String()
		}
		state := j.State
		if state == "" {
			state = domain.JobPending
		}
		prio := j.Priority
		if prio == "" {
			prio = domain.PriorityNormal
		}
		tag, err := tx.Exec(ctx, q, id, j.ProjectID, j.ProjectKey, j.RepoSlug, j.CommitSHA, j.Branch, state, j.Attempts, j.MaxRetries, prio, j.ConfigOverride, now)
		if err != nil {
			return 0, 0, fmt.Errorf("op=scan_jobs.create_batch: %w", err)
		}
		created += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("op=scan_jobs.create_batch: commit: %w", err)
	}
	return created, len(jobs) - created, nil
}

// Get loads a scan job by id.
func (r *ScanJobRepo) Get(ctx domain.Context, id string) (domain.ScanJob, error) {
	tracer := otel.Tracer("repo.scan_jobs")
	ctx, span := tracer.Start(ctx, "scan_jobs.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+scanJobColumns+` FROM scan_jobs WHERE id=$1`, id)
	j, err := scanJobFromRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ScanJob{}, fmt.Errorf("op=scan_jobs.get: %w", domain.ErrNotFound)
		}
		return domain.ScanJob{}, fmt.Errorf("op=scan_jobs.get: %w", err)
	}
	return j, nil
}

// GetByAnalysisID loads the job that owns an analysis submission id.
func (r *ScanJobRepo) GetByAnalysisID(ctx domain.Context, analysisID string) (domain.ScanJob, error) {
	tracer := otel.Tracer("repo.scan_jobs")
	ctx, span := tracer.Start(ctx, "scan_jobs.GetByAnalysisID")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+scanJobColumns+` FROM scan_jobs WHERE analysis_id=$1`, analysisID)
	j, err := scanJobFromRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ScanJob{}, fmt.Errorf("op=scan_jobs.get_by_analysis: %w", domain.ErrNotFound)
		}
		return domain.ScanJob{}, fmt.Errorf("op=scan_jobs.get_by_analysis: %w", err)
	}
	return j, nil
}

// Transition applies one state change predicated on (id, from_state,
// from_attempts). Zero rows updated means the predicate no longer holds: the
// caller lost a race (or delivered a duplicate) and gets ErrConflict.
func (r *ScanJobRepo) Transition(ctx domain.Context, t domain.JobTransition) error {
	tracer := otel.Tracer("repo.scan_jobs")
	ctx, span := tracer.Start(ctx, "scan_jobs.Transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", t.JobID),
		attribute.String("job.from", string(t.FromState)),
		attribute.String("job.to", string(t.ToState)),
	)
	if !domain.CanTransition(t.FromState, t.ToState) {
		return fmt.Errorf("op=scan_jobs.transition: %s -> %s: %w", t.FromState, t.ToState, domain.ErrInvalidArgument)
	}

	keepLease := t.Lease == nil && !t.ClearLease
	var inst, token *string
	var slot *int
	var acquired, expires *time.Time
	if t.Lease != nil {
		inst, token = &t.Lease.Instance, &t.Lease.Token
		slot = &t.Lease.Slot
		acquired, expires = &t.Lease.AcquiredAt, &t.Lease.ExpiresAt
	}

	q := `UPDATE scan_jobs SET
		state=$4, attempts=$5, updated_at=$6,
		last_error=COALESCE($7, last_error),
		analysis_id=COALESCE($8, analysis_id),
		scanner_log_path=COALESCE($9, scanner_log_path),
		priority=COALESCE($10, priority),
		config_override=COALESCE($11, config_override),
		lease_instance=CASE WHEN $12 THEN lease_instance ELSE $13 END,
		lease_slot=CASE WHEN $12 THEN lease_slot ELSE $14 END,
		lease_token=CASE WHEN $12 THEN lease_token ELSE $15 END,
		lease_acquired_at=CASE WHEN $12 THEN lease_acquired_at ELSE $16 END,
		lease_expires_at=CASE WHEN $12 THEN lease_expires_at ELSE $17 END
	WHERE id=$1 AND state=$2 AND attempts=$3`
	tag, err := r.Pool.Exec(ctx, q,
		t.JobID, t.FromState, t.FromAttempts,
		t.ToState, t.Attempts, time.Now().UTC(),
		t.LastError, t.AnalysisID, t.LogPath, t.Priority, t.Override,
		keepLease, inst, slot, token, acquired, expires,
	)
	if err != nil {
		return fmt.Errorf("op=scan_jobs.transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		row := r.Pool.QueryRow(ctx, `SELECT state FROM scan_jobs WHERE id=$1`, t.JobID)
		var cur domain.JobState
		if err := row.Scan(&cur); err != nil {
			if err == pgx.ErrNoRows {
				return fmt.Errorf("op=scan_jobs.transition: %w", domain.ErrNotFound)
			}
			return fmt.Errorf("op=scan_jobs.transition: %w", err)
		}
		return fmt.Errorf("op=scan_jobs.transition: job in state %s: %w", cur, domain.ErrConflict)
	}
	return nil
}

// RecordSubmission binds the parsed submission id and scanner log path to a
// job that is still running. A job that already left running gets ErrConflict.
func (r *ScanJobRepo) RecordSubmission(ctx domain.Context, id, analysisID, logPath string) error {
	tracer := otel.Tracer("repo.scan_jobs")
	ctx, span := tracer.Start(ctx, "scan_jobs.RecordSubmission")
	defer span.End()
	q := `UPDATE scan_jobs SET analysis_id=$2, scanner_log_path=$3, updated_at=$4 WHERE id=$1 AND state=$5`
	tag, err := r.Pool.Exec(ctx, q, id, analysisID, logPath, time.Now().UTC(), domain.JobRunning)
	if err != nil {
		return fmt.Errorf("op=scan_jobs.record_submission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		row := r.Pool.QueryRow(ctx, `SELECT 1 FROM scan_jobs WHERE id=$1`, id)
		var one int
		if err := row.Scan(&one); err != nil {
			if err == pgx.ErrNoRows {
				return fmt.Errorf("op=scan_jobs.record_submission: %w", domain.ErrNotFound)
			}
			return fmt.Errorf("op=scan_jobs.record_submission: %w", err)
		}
		return fmt.Errorf("op=scan_jobs.record_submission: %w", domain.ErrConflict)
	}
	return nil
}

// ListByProject returns a page of a project's jobs plus the unfiltered total.
// An empty state lists every state.
func (r *ScanJobRepo) ListByProject(ctx domain.Context, projectID string, state domain.JobState, limit, offset int) ([]domain.ScanJob, int, error) {
	tracer := otel.Tracer("repo.scan_jobs")
	ctx, span := tracer.Start(ctx, "scan_jobs.ListByProject")
	defer span.End()
	if limit <= 0 {
		limit = 50
	}
	countQ := `SELECT COUNT(*) FROM scan_jobs WHERE project_id=$1 AND ($2='' OR state=$2::text)`
	var total int
	if err := r.Pool.QueryRow(ctx, countQ, projectID, string(state)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=scan_jobs.list_by_project: count: %w", err)
	}
	q := `SELECT ` + scanJobColumns + ` FROM scan_jobs
	WHERE project_id=$1 AND ($2='' OR state=$2::text)
	ORDER BY created_at ASC, id ASC LIMIT $3 OFFSET $4`
	rows, err := r.Pool.Query(ctx, q, projectID, string(state), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("op=scan_jobs.list_by_project: %w", err)
	}
	defer rows.Close()
	var out []domain.ScanJob
	for rows.Next() {
		j, err := scanJobFromRow(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("op=scan_jobs.list_by_project: scan: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("op=scan_jobs.list_by_project: rows: %w", err)
	}
	return out, total, nil
}

// ListStale returns jobs in the given state whose last update predates cutoff,
// oldest first, for the reconciler to page through.
func (r *ScanJobRepo) ListStale(ctx domain.Context, state domain.JobState, cutoff time.Time, limit int) ([]domain.ScanJob, error) {
	tracer := otel.Tracer("repo.scan_jobs")
	ctx, span := tracer.Start(ctx, "scan_jobs.ListStale")
	defer span.End()
	if limit <= 0 {
		limit = 200
	}
	q := `SELECT ` + scanJobColumns + ` FROM scan_jobs
	WHERE state=$1 AND updated_at < $2 ORDER BY updated_at ASC LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, state, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("op=scan_jobs.list_stale: %w", err)
	}
	defer rows.Close()
	var out []domain.ScanJob
	for rows.Next() {
		j, err := scanJobFromRow(rows)
		if err != nil {
			return nil, fmt.Errorf("op=scan_jobs.list_stale: scan: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=scan_jobs.list_stale: rows: %w", err)
	}
	return out, nil
}

// CountByState aggregates one project's jobs per state.
func (r *ScanJobRepo) CountByState(ctx domain.Context, projectID string) (map[domain.JobState]int, error) {
	tracer := otel.Tracer("repo.scan_jobs")
	ctx, span := tracer.Start(ctx, "scan_jobs.CountByState")
	defer span.End()
	q := `SELECT state, COUNT(*) FROM scan_jobs WHERE project_id=$1 GROUP BY state`
	rows, err := r.Pool.Query(ctx, q, projectID)
	if err != nil {
		return nil, fmt.Errorf("op=scan_jobs.count_by_state: %w", err)
	}
	defer rows.Close()
	return scanStateCounts(rows)
}

// CountAll aggregates every job per state for the stats endpoint.
func (r *ScanJobRepo) CountAll(ctx domain.Context) (map[domain.JobState]int, error) {
	tracer := otel.Tracer("repo.scan_jobs")
	ctx, span := tracer.Start(ctx, "scan_jobs.CountAll")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT state, COUNT(*) FROM scan_jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("op=scan_jobs.count_all: %w", err)
	}
	defer rows.Close()
	return scanStateCounts(rows)
}

func scanStateCounts(rows pgx.Rows) (map[domain.JobState]int, error) {
	out := map[domain.JobState]int{}
	for rows.Next() {
		var st domain.JobState
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("op=scan_jobs.count: scan: %w", err)
		}
		out[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=scan_jobs.count: rows: %w", err)
	}
	return out, nil
}

func scanJobFromRow(row pgx.Row) (domain.ScanJob, error) {
	var j domain.ScanJob
	var inst, token *string
	var slot *int
	var acquired, expires *time.Time
	err := row.Scan(
		&j.ID, &j.ProjectID, &j.ProjectKey, &j.RepoSlug, &j.CommitSHA, &j.Branch,
		&j.State, &j.Attempts, &j.MaxRetries, &j.Priority, &j.ConfigOverride,
		&inst, &slot, &token, &acquired, &expires,
		&j.AnalysisID, &j.LastError, &j.ScannerLogPath, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return domain.ScanJob{}, err
	}
	if inst != nil && slot != nil && token != nil && acquired != nil && expires != nil {
		j.Lease = &domain.Lease{Instance: *inst, Slot: *slot, Token: *token, AcquiredAt: *acquired, ExpiresAt: *expires}
	}
	return j, nil
}
