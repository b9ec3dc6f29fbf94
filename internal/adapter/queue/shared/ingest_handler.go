package shared

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
)

// IngestRunner parses a project's CSV and fans out scan jobs. The ingest
// usecase implements it.
type IngestRunner interface {
	Run(ctx context.Context, projectID string) error
}

// IngestHandler is the thin broker-facing wrapper around the ingest usecase.
type IngestHandler struct {
	runner IngestRunner
}

func NewIngestHandler(runner IngestRunner) *IngestHandler {
	return &IngestHandler{runner: runner}
}

// Handle processes one ingest task record.
func (h *IngestHandler) Handle(ctx context.Context, _ string, value []byte) error {
	tracer := otel.Tracer("queue.handler")
	ctx, span := tracer.Start(ctx, "HandleIngest")
	defer span.End()

	var payload domain.IngestTaskPayload
	if err := json.Unmarshal(value, &payload); err != nil {
		return fmt.Errorf("op=shared.HandleIngest: unmarshal payload: %w", err)
	}
	span.SetAttributes(attribute.String("project.id", payload.ProjectID))
	observability.StartProcessingJob("ingest")

	if err := h.runner.Run(ctx, payload.ProjectID); err != nil {
		observability.FailJob("ingest")
		slog.Error("ingest failed",
			slog.String("project_id", payload.ProjectID),
			slog.Any("error", err))
		return fmt.Errorf("op=shared.HandleIngest: %w", err)
	}
	observability.CompleteJob("ingest")
	return nil
}
