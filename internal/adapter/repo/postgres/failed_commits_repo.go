package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
)

// FailedCommitRepo is the durable dead-letter store operators triage from.
type FailedCommitRepo struct{ Pool PgxPool }

// NewFailedCommitRepo constructs a FailedCommitRepo with the given pool.
func NewFailedCommitRepo(p PgxPool) *FailedCommitRepo { return &FailedCommitRepo{Pool: p} }

const failedCommitColumns = `id, scan_job_id, project_id, commit_sha, reason, last_error, scanner_log_path, disposition, config_override, created_at, resolved_at`

// Upsert records a permanent failure, idempotent by scan job id. A repeated
// failure of the same job refreshes the record and reopens triage.
func (r *FailedCommitRepo) Upsert(ctx domain.Context, fc domain.FailedCommit) (string, error) {
	tracer := otel.Tracer("repo.failed_commits")
	ctx, span := tracer.Start(ctx, "failed_commits.Upsert")
	defer span.End()
	id := fc.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO failed_commits (id, scan_job_id, project_id, commit_sha, reason, last_error, scanner_log_path, disposition, config_override, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT (scan_job_id)
	DO UPDATE SET reason=EXCLUDED.reason, last_error=EXCLUDED.last_error, scanner_log_path=EXCLUDED.scanner_log_path,
		disposition=$8, resolved_at=NULL
	RETURNING id`
	row := r.Pool.QueryRow(ctx, q, id, fc.ScanJobID, fc.ProjectID, fc.CommitSHA, fc.Reason, fc.LastError, fc.ScannerLogPath, domain.DispositionPending, fc.ConfigOverride, time.Now().UTC())
	var got string
	if err := row.Scan(&got); err != nil {
		return "", fmt.Errorf("op=failed_commits.upsert: %w", err)
	}
	return got, nil
}

// Get loads a failed commit record by id.
func (r *FailedCommitRepo) Get(ctx domain.Context, id string) (domain.FailedCommit, error) {
	tracer := otel.Tracer("repo.failed_commits")
	ctx, span := tracer.Start(ctx, "failed_commits.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+failedCommitColumns+` FROM failed_commits WHERE id=$1`, id)
	return scanFailedCommit(row, "failed_commits.get")
}

// GetByJobID loads the record belonging to a scan job.
func (r *FailedCommitRepo) GetByJobID(ctx domain.Context, jobID string) (domain.FailedCommit, error) {
	tracer := otel.Tracer("repo.failed_commits")
	ctx, span := tracer.Start(ctx, "failed_commits.GetByJobID")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+failedCommitColumns+` FROM failed_commits WHERE scan_job_id=$1`, jobID)
	return scanFailedCommit(row, "failed_commits.get_by_job")
}

// List pages failed commits by disposition, newest first, plus the total for
// that disposition. An empty disposition lists everything.
func (r *FailedCommitRepo) List(ctx domain.Context, disposition domain.Disposition, limit, offset int) ([]domain.FailedCommit, int, error) {
	tracer := otel.Tracer("repo.failed_commits")
	ctx, span := tracer.Start(ctx, "failed_commits.List")
	defer span.End()
	if limit <= 0 {
		limit = 50
	}
	var total int
	countQ := `SELECT COUNT(*) FROM failed_commits WHERE ($1='' OR disposition=$1::text)`
	if err := r.Pool.QueryRow(ctx, countQ, string(disposition)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=failed_commits.list: count: %w", err)
	}
	q := `SELECT ` + failedCommitColumns + ` FROM failed_commits
	WHERE ($1='' OR disposition=$1::text)
	ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`
	rows, err := r.Pool.Query(ctx, q, string(disposition), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("op=failed_commits.list: %w", err)
	}
	defer rows.Close()
	var out []domain.FailedCommit
	for rows.Next() {
		fc, err := scanFailedCommit(rows, "failed_commits.list")
		if err != nil {
			return nil, 0, err
		}
		out = append(out, fc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("op=failed_commits.list: rows: %w", err)
	}
	return out, total, nil
}

// UpdateDisposition moves a record through triage, optionally attaching a new
// scan config override for the next attempt.
func (r *FailedCommitRepo) UpdateDisposition(ctx domain.Context, id string, d domain.Disposition, configOverride *string) error {
	tracer := otel.Tracer("repo.failed_commits")
	ctx, span := tracer.Start(ctx, "failed_commits.UpdateDisposition")
	defer span.End()
	q := `UPDATE failed_commits SET disposition=$2, config_override=COALESCE($3, config_override),
		resolved_at=CASE WHEN $2=$4 THEN now() ELSE resolved_at END
	WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, d, configOverride, domain.DispositionResolved)
	if err != nil {
		return fmt.Errorf("op=failed_commits.update_disposition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=failed_commits.update_disposition: %w", domain.ErrNotFound)
	}
	return nil
}

// ResolveByJob marks the record resolved once its job finally succeeds. A job
// without a record is a no-op; most jobs never failed permanently.
func (r *FailedCommitRepo) ResolveByJob(ctx domain.Context, jobID string) error {
	tracer := otel.Tracer("repo.failed_commits")
	ctx, span := tracer.Start(ctx, "failed_commits.ResolveByJob")
	defer span.End()
	q := `UPDATE failed_commits SET disposition=$2, resolved_at=now() WHERE scan_job_id=$1 AND disposition <> $2`
	if _, err := r.Pool.Exec(ctx, q, jobID, domain.DispositionResolved); err != nil {
		return fmt.Errorf("op=failed_commits.resolve_by_job: %w", err)
	}
	return nil
}

func scanFailedCommit(row pgx.Row, op string) (domain.FailedCommit, error) {
	var fc domain.FailedCommit
	if err := row.Scan(&fc.ID, &fc.ScanJobID, &fc.ProjectID, &fc.CommitSHA, &fc.Reason, &fc.LastError, &fc.ScannerLogPath, &fc.Disposition, &fc.ConfigOverride, &fc.CreatedAt, &fc.ResolvedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.FailedCommit{}, fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
		}
		return domain.FailedCommit{}, fmt.Errorf("op=%s: %w", op, err)
	}
	return fc, nil
}
