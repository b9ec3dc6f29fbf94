package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
)

// WebhookEventRepo records every validated completion callback, matched or not.
// Orphans stay queryable so a dispatcher that persists its submission id late
// can still find the event that raced past it.
type WebhookEventRepo struct{ Pool PgxPool }

// NewWebhookEventRepo constructs a WebhookEventRepo with the given pool.
func NewWebhookEventRepo(p PgxPool) *WebhookEventRepo { return &WebhookEventRepo{Pool: p} }

// Create stores one webhook delivery and returns its id.
func (r *WebhookEventRepo) Create(ctx domain.Context, ev domain.WebhookEvent) (string, error) {
	tracer := otel.Tracer("repo.webhook_events")
	ctx, span := tracer.Start(ctx, "webhook_events.Create")
	defer span.End()
	id := ev.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO webhook_events (id, analysis_id, component_key, status, payload, matched_job_id, orphan, received_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := r.Pool.Exec(ctx, q, id, ev.AnalysisID, ev.ComponentKey, ev.Status, ev.Payload, ev.MatchedJobID, ev.Orphan, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=webhook_events.create: %w", err)
	}
	return id, nil
}

// FindByAnalysisID returns every event recorded for an analysis submission,
// oldest first.
func (r *WebhookEventRepo) FindByAnalysisID(ctx domain.Context, analysisID string) ([]domain.WebhookEvent, error) {
	tracer := otel.Tracer("repo.webhook_events")
	ctx, span := tracer.Start(ctx, "webhook_events.FindByAnalysisID")
	defer span.End()
	q := `SELECT id, analysis_id, component_key, status, payload, matched_job_id, orphan, received_at
	FROM webhook_events WHERE analysis_id=$1 ORDER BY received_at ASC`
	rows, err := r.Pool.Query(ctx, q, analysisID)
	if err != nil {
		return nil, fmt.Errorf("op=webhook_events.find: %w", err)
	}
	defer rows.Close()
	var out []domain.WebhookEvent
	for rows.Next() {
		var ev domain.WebhookEvent
		if err := rows.Scan(&ev.ID, &ev.AnalysisID, &ev.ComponentKey, &ev.Status, &ev.Payload, &ev.MatchedJobID, &ev.Orphan, &ev.ReceivedAt); err != nil {
			return nil, fmt.Errorf("op=webhook_events.find: scan: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=webhook_events.find: rows: %w", err)
	}
	return out, nil
}

// MarkMatched binds an event to the job that claimed it and clears the orphan
// flag.
func (r *WebhookEventRepo) MarkMatched(ctx domain.Context, id, jobID string) error {
	tracer := otel.Tracer("repo.webhook_events")
	ctx, span := tracer.Start(ctx, "webhook_events.MarkMatched")
	defer span.End()
	q := `UPDATE webhook_events SET matched_job_id=$2, orphan=false WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, jobID)
	if err != nil {
		return fmt.Errorf("op=webhook_events.mark_matched: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=webhook_events.mark_matched: %w", domain.ErrNotFound)
	}
	return nil
}

// DeleteOlderThan drops events received before the cutoff and reports how many
// were removed.
func (r *WebhookEventRepo) DeleteOlderThan(ctx domain.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.webhook_events")
	ctx, span := tracer.Start(ctx, "webhook_events.DeleteOlderThan")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM webhook_events WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=webhook_events.delete_older: %w", err)
	}
	return tag.RowsAffected(), nil
}
