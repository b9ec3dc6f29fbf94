package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
)

// ScanResultRepo persists harvested metric measures, one row per scan job.
type ScanResultRepo struct{ Pool PgxPool }

// NewScanResultRepo constructs a ScanResultRepo with the given pool.
func NewScanResultRepo(p PgxPool) *ScanResultRepo { return &ScanResultRepo{Pool: p} }

// Upsert inserts or replaces the result keyed by scan_job_id, so a re-run of
// the metrics fetch overwrites rather than duplicates.
func (r *ScanResultRepo) Upsert(ctx domain.Context, res domain.ScanResult) error {
	tracer := otel.Tracer("repo.scan_results")
	ctx, span := tracer.Start(ctx, "scan_results.Upsert")
	defer span.End()
	id := res.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO scan_results (id, scan_job_id, analysis_key, analysis_id, measures, fetched_at)
	VALUES ($1,$2,$3,$4,$5,$6)
	ON CONFLICT (scan_job_id)
	DO UPDATE SET analysis_key=EXCLUDED.analysis_key, analysis_id=EXCLUDED.analysis_id, measures=EXCLUDED.measures, fetched_at=EXCLUDED.fetched_at`
	_, err := r.Pool.Exec(ctx, q, id, res.ScanJobID, res.AnalysisKey, res.AnalysisID, res.Measures, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=scan_results.upsert: %w", err)
	}
	return nil
}

// GetByJobID loads the result of one scan job.
func (r *ScanResultRepo) GetByJobID(ctx domain.Context, jobID string) (domain.ScanResult, error) {
	tracer := otel.Tracer("repo.scan_results")
	ctx, span := tracer.Start(ctx, "scan_results.GetByJobID")
	defer span.End()
	q := `SELECT id, scan_job_id, analysis_key, analysis_id, measures, fetched_at FROM scan_results WHERE scan_job_id=$1`
	row := r.Pool.QueryRow(ctx, q, jobID)
	var res domain.ScanResult
	if err := row.Scan(&res.ID, &res.ScanJobID, &res.AnalysisKey, &res.AnalysisID, &res.Measures, &res.FetchedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.ScanResult{}, fmt.Errorf("op=scan_results.get: %w", domain.ErrNotFound)
		}
		return domain.ScanResult{}, fmt.Errorf("op=scan_results.get: %w", err)
	}
	return res, nil
}

// ForEachByProject streams the results of a project's succeeded jobs in commit
// submission order, so CSV export stays memory-bounded.
func (r *ScanResultRepo) ForEachByProject(ctx domain.Context, projectID string, fn func(commitSHA, componentKey string, measures map[string]string) error) error {
	tracer := otel.Tracer("repo.scan_results")
	ctx, span := tracer.Start(ctx, "scan_results.ForEachByProject")
	defer span.End()
	q := `SELECT j.commit_sha, r.analysis_key, r.measures
	FROM scan_results r
	JOIN scan_jobs j ON j.id = r.scan_job_id
	WHERE j.project_id = $1 AND j.state = $2
	ORDER BY j.created_at ASC, j.id ASC`
	rows, err := r.Pool.Query(ctx, q, projectID, domain.JobSucceeded)
	if err != nil {
		return fmt.Errorf("op=scan_results.for_each: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sha, key string
		var measures map[string]string
		if err := rows.Scan(&sha, &key, &measures); err != nil {
			return fmt.Errorf("op=scan_results.for_each: scan: %w", err)
		}
		if err := fn(sha, key, measures); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("op=scan_results.for_each: rows: %w", err)
	}
	return nil
}
