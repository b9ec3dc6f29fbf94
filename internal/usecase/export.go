package usecase

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
)

// ExportService streams a project's scan results as CSV.
type ExportService struct {
	Projects   domain.ProjectRepository
	Results    domain.ScanResultRepository
	MetricKeys []string
}

// NewExportService constructs an ExportService. metricKeys fixes the column
// order of every export.
func NewExportService(p domain.ProjectRepository, r domain.ScanResultRepository, metricKeys []string) ExportService {
	return ExportService{Projects: p, Results: r, MetricKeys: metricKeys}
}

// Export writes `component_key,commit_sha,<metric keys...>` followed by one
// row per succeeded job, streamed straight from the store. Metrics absent
// from a result leave the cell empty.
func (s ExportService) Export(ctx domain.Context, projectID string, w io.Writer) error {
	if _, err := s.Projects.Get(ctx, projectID); err != nil {
		return fmt.Errorf("op=export.Export: %w", err)
	}

	cw := csv.NewWriter(w)
	header := append([]string{"component_key", "commit_sha"}, s.MetricKeys...)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("op=export.Export: write header: %w", err)
	}

	err := s.Results.ForEachByProject(ctx, projectID, func(commitSHA, componentKey string, measures map[string]string) error {
		row := make([]string, 0, len(header))
		row = append(row, componentKey, commitSHA)
		for _, key := range s.MetricKeys {
			row = append(row, measures[key])
		}
		return cw.Write(row)
	})
	if err != nil {
		return fmt.Errorf("op=export.Export: %w", err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("op=export.Export: flush: %w", err)
	}
	return nil
}
