// Package usecase contains application business logic services.
package usecase

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
)

// Header candidates accepted for each required CSV column, checked in order.
var (
	projectColumns = []string{"gh_project_name", "gh_project", "repository_slug", "github_slug", "project"}
	commitColumns  = []string{"git_trigger_commit", "git_commit", "commit", "sha", "git_sha"}
	branchColumns  = []string{"git_branch", "branch", "branch_name"}
)

// IngestService parses an uploaded commits CSV into scan jobs and fans them
// out onto the scan queue.
type IngestService struct {
	Projects   domain.ProjectRepository
	Jobs       domain.ScanJobRepository
	Queue      domain.Queue
	ChunkSize  int
	Encoding   string
	MaxRetries int
}

// NewIngestService constructs an IngestService. chunkSize bounds one insert
// batch; encoding names the single-byte fallback tried when the CSV is not
// valid UTF-8.
func NewIngestService(p domain.ProjectRepository, j domain.ScanJobRepository, q domain.Queue, chunkSize int, encoding string, maxRetries int) IngestService {
	if chunkSize <= 0 {
		chunkSize = 2000
	}
	return IngestService{Projects: p, Jobs: j, Queue: q, ChunkSize: chunkSize, Encoding: encoding, MaxRetries: maxRetries}
}

// commitRow is one deduplicated commit extracted from the CSV.
type commitRow struct {
	RepoSlug  string
	CommitSHA string
	Branch    string
}

// Run ingests the project's CSV: decode, validate columns, dedupe commits,
// derive stats, create jobs, and enqueue each one.
func (s IngestService) Run(ctx domain.Context, projectID string) error {
	project, err := s.Projects.Get(ctx, projectID)
	if err != nil {
		return fmt.Errorf("op=ingest.Run: load project: %w", err)
	}

	raw, err := os.ReadFile(project.CSVPath)
	if err != nil {
		return fmt.Errorf("op=ingest.Run: read csv: %w", err)
	}
	decoded, err := s.decode(raw)
	if err != nil {
		return err
	}

	commits, totalBuilds, uniqueBranches, err := parseCommitRows(decoded)
	if err != nil {
		return err
	}
	slog.Info("csv parsed",
		slog.String("project_id", projectID),
		slog.Int("total_builds", totalBuilds),
		slog.Int("total_commits", len(commits)),
		slog.Int("unique_branches", uniqueBranches))

	if err := s.Projects.UpdateStats(ctx, projectID, totalBuilds, len(commits), uniqueBranches); err != nil {
		return fmt.Errorf("op=ingest.Run: update stats: %w", err)
	}
	if err := s.Projects.UpdateStatus(ctx, projectID, domain.ProjectCollecting); err != nil {
		return fmt.Errorf("op=ingest.Run: update status: %w", err)
	}

	now := time.Now().UTC()
	for start := 0; start < len(commits); start += s.ChunkSize {
		end := start + s.ChunkSize
		if end > len(commits) {
			end = len(commits)
		}
		batch := make([]domain.ScanJob, 0, end-start)
		for _, c := range commits[start:end] {
			batch = append(batch, domain.ScanJob{
				ID:             uuid.New().String(),
				ProjectID:      projectID,
				ProjectKey:     project.ProjectKey,
				RepoSlug:       c.RepoSlug,
				CommitSHA:      c.CommitSHA,
				Branch:         c.Branch,
				State:          domain.JobPending,
				MaxRetries:     s.MaxRetries,
				Priority:       domain.PriorityNormal,
				ConfigOverride: project.ConfigOverride,
				CreatedAt:      now,
				UpdatedAt:      now,
			})
		}
		created, skipped, err := s.Jobs.CreateBatch(ctx, batch)
		if err != nil {
			return fmt.Errorf("op=ingest.Run: create batch: %w", err)
		}
		if skipped > 0 {
			slog.Info("skipped existing jobs",
				slog.String("project_id", projectID),
				slog.Int("created", created),
				slog.Int("skipped", skipped))
		}
	}

	return s.enqueuePending(ctx, projectID)
}

// enqueuePending moves every pending job of the project to queued and
// publishes its scan task. Re-running after a crash picks up where it left.
func (s IngestService) enqueuePending(ctx domain.Context, projectID string) error {
	for {
		pending, _, err := s.Jobs.ListByProject(ctx, projectID, domain.JobPending, s.ChunkSize, 0)
		if err != nil {
			return fmt.Errorf("op=ingest.enqueuePending: %w", err)
		}
		if len(pending) == 0 {
			return nil
		}
		for _, j := range pending {
			err := s.Jobs.Transition(ctx, domain.JobTransition{
				JobID:     j.ID,
				FromState: domain.JobPending,
				ToState:   domain.JobQueued,
			})
			if err != nil {
				// A concurrent ingest already queued it; the scan task exists.
				slog.Warn("pending job already moved",
					slog.String("job_id", j.ID),
					slog.Any("error", err))
				continue
			}
			err = s.Queue.EnqueueScan(ctx, domain.ScanTaskPayload{
				JobID:     j.ID,
				ProjectID: projectID,
				Priority:  domain.PriorityNormal,
			})
			if err != nil {
				return fmt.Errorf("op=ingest.enqueuePending: enqueue %s: %w", j.ID, err)
			}
		}
	}
}

// decode returns UTF-8 text, falling back to the configured single-byte
// encoding when the raw bytes are not valid UTF-8.
func (s IngestService) decode(raw []byte) (string, error) {
	if utf8.Valid(raw) {
		return string(raw), nil
	}
	name := s.Encoding
	if name == "" || strings.EqualFold(name, "utf-8") {
		return "", domain.NewPermanentError(domain.ReasonIngestEncoding,
			fmt.Errorf("op=ingest.decode: csv is not valid UTF-8 and no fallback encoding is configured"))
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil || enc == nil {
		return "", domain.NewPermanentError(domain.ReasonIngestEncoding,
			fmt.Errorf("op=ingest.decode: unknown encoding %q", name))
	}
	out, err := io.ReadAll(transform.NewReader(bytes.NewReader(raw), enc.NewDecoder()))
	if err != nil {
		return "", domain.NewPermanentError(domain.ReasonIngestEncoding,
			fmt.Errorf("op=ingest.decode: decode as %s: %w", name, err))
	}
	if !utf8.Valid(out) {
		return "", domain.NewPermanentError(domain.ReasonIngestEncoding,
			fmt.Errorf("op=ingest.decode: undecodable bytes under %s", name))
	}
	return string(out), nil
}

// parseCommitRows extracts deduplicated commits plus build stats. Dedupe is
// order-preserving by commit sha: the first row wins.
func parseCommitRows(data string) ([]commitRow, int, int, error) {
	r := csv.NewReader(strings.NewReader(data))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, 0, 0, domain.NewPermanentError(domain.ReasonIngestColumns,
			fmt.Errorf("op=ingest.parse: read header: %w", err))
	}
	projectIdx := findColumn(header, projectColumns)
	commitIdx := findColumn(header, commitColumns)
	branchIdx := findColumn(header, branchColumns)
	if projectIdx < 0 || commitIdx < 0 || branchIdx < 0 {
		return nil, 0, 0, domain.NewPermanentError(domain.ReasonIngestColumns,
			fmt.Errorf("op=ingest.parse: required columns missing (have %s)", strings.Join(header, ",")))
	}

	var commits []commitRow
	seen := make(map[string]struct{})
	branches := make(map[string]struct{})
	totalBuilds := 0
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, 0, domain.NewPermanentError(domain.ReasonIngestColumns,
				fmt.Errorf("op=ingest.parse: row %d: %w", totalBuilds+2, err))
		}
		if commitIdx >= len(row) || projectIdx >= len(row) || branchIdx >= len(row) {
			continue
		}
		sha := strings.TrimSpace(row[commitIdx])
		slug := strings.TrimSpace(row[projectIdx])
		branch := strings.TrimSpace(row[branchIdx])
		if sha == "" || slug == "" {
			continue
		}
		totalBuilds++
		if branch != "" {
			branches[branch] = struct{}{}
		}
		if _, dup := seen[sha]; dup {
			continue
		}
		seen[sha] = struct{}{}
		commits = append(commits, commitRow{RepoSlug: slug, CommitSHA: sha, Branch: branch})
	}
	return commits, totalBuilds, len(branches), nil
}

// findColumn returns the index of the first matching candidate, or -1.
func findColumn(header, candidates []string) int {
	for _, cand := range candidates {
		for i, h := range header {
			if strings.EqualFold(strings.TrimSpace(h), cand) {
				return i
			}
		}
	}
	return -1
}
