package httpserver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/config"
	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg         config.Config
	Projects    usecase.ProjectService
	Export      usecase.ExportService
	Webhooks    usecase.WebhookService
	Triage      usecase.TriageService
	DBCheck     func(ctx context.Context) error
	RedisCheck  func(ctx context.Context) error
	BrokerCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, projects usecase.ProjectService, export usecase.ExportService, webhooks usecase.WebhookService, triage usecase.TriageService, dbCheck, redisCheck, brokerCheck func(context.Context) error) *Server {
	return &Server{
		Cfg:         cfg,
		Projects:    projects,
		Export:      export,
		Webhooks:    webhooks,
		Triage:      triage,
		DBCheck:     dbCheck,
		RedisCheck:  redisCheck,
		BrokerCheck: brokerCheck,
	}
}

// csvMIMEAllowed accepts text/csv and the text/plain many CSV exporters emit.
func csvMIMEAllowed(m string) bool {
	m = strings.ToLower(m)
	return strings.HasPrefix(m, "text/csv") || strings.HasPrefix(m, "text/plain") ||
		strings.HasPrefix(m, "application/csv")
}

// CreateProjectHandler accepts a multipart CSV upload and registers a project.
func (s *Server) CreateProjectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
			writeError(w, r, fmt.Errorf("%w: content-type must be multipart/form-data", domain.ErrInvalidArgument), nil)
			return
		}
		maxBytes := s.Cfg.MaxUploadMB * 1024 * 1024
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "too large") {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Error: apiError{
					Code:    "INVALID_ARGUMENT",
					Message: "payload too large",
					Details: map[string]any{"max_mb": s.Cfg.MaxUploadMB},
				}})
				return
			}
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}

		file, header, err := r.FormFile("commits")
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: commits file required", domain.ErrInvalidArgument), map[string]string{"field": "commits"})
			return
		}
		defer func() { _ = file.Close() }()

		data, err := io.ReadAll(file)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: read commits: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if detected := mimetype.Detect(data); !csvMIMEAllowed(detected.String()) {
			writeJSON(w, http.StatusUnsupportedMediaType, errorEnvelope{Error: apiError{
				Code:    "INVALID_ARGUMENT",
				Message: "unsupported media type for commits (content)",
				Details: map[string]any{"mime": detected.String(), "filename": header.Filename},
			}})
			return
		}

		name := SanitizeString(r.FormValue("name"))
		if name == "" {
			name = strings.TrimSuffix(header.Filename, filepath.Ext(header.Filename))
		}
		projectKey := SanitizeString(r.FormValue("project_key"))
		var override *string
		if v := r.FormValue("config_override"); v != "" {
			override = &v
		}

		csvPath, err := s.storeCSV(data)
		if err != nil {
			writeError(w, r, fmt.Errorf("store csv: %w", err), nil)
			return
		}

		p, err := s.Projects.Create(r.Context(), name, projectKey, csvPath, override)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{
			"id":     p.ID,
			"name":   p.Name,
			"status": string(p.Status),
		})
	}
}

// storeCSV writes the upload under the data dir with a unique name.
func (s *Server) storeCSV(data []byte) (string, error) {
	dir := filepath.Join(s.Cfg.DataDir, "csv")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("op=httpserver.storeCSV: %w", err)
	}
	path := filepath.Join(dir, ulid.Make().String()+".csv")
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return "", fmt.Errorf("op=httpserver.storeCSV: %w", err)
	}
	return path, nil
}

// GetProjectHandler returns a project with its job state breakdown.
func (s *Server) GetProjectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		d, err := s.Projects.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		counts := map[string]int{}
		for st, n := range d.Counts {
			counts[string(st)] = n
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":              d.Project.ID,
			"name":            d.Project.Name,
			"project_key":     d.Project.ProjectKey,
			"status":          string(d.Project.Status),
			"total_builds":    d.Project.TotalBuilds,
			"total_commits":   d.Project.TotalCommits,
			"unique_branches": d.Project.UniqueBranches,
			"jobs_by_state":   counts,
			"created_at":      d.Project.CreatedAt,
		})
	}
}

// ListJobsHandler pages through a project's jobs.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "id")
		state := r.URL.Query().Get("state")
		if res := ValidateStatus(state); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid state filter", domain.ErrInvalidArgument), res.Errors)
			return
		}
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))

		jp, err := s.Projects.ListJobs(r.Context(), projectID, domain.JobState(state), page, perPage)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		items := make([]map[string]any, 0, len(jp.Jobs))
		for _, j := range jp.Jobs {
			items = append(items, jobEnvelope(j))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"jobs":     items,
			"total":    jp.Total,
			"page":     jp.Page,
			"per_page": jp.PerPage,
		})
	}
}

// GetJobHandler returns one job with full lifecycle detail.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if res := ValidateJobID(id); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidArgument), res.Errors)
			return
		}
		j, err := s.Projects.GetJob(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, jobEnvelope(j))
	}
}

func jobEnvelope(j domain.ScanJob) map[string]any {
	m := map[string]any{
		"id":          j.ID,
		"project_id":  j.ProjectID,
		"repo_slug":   j.RepoSlug,
		"commit_sha":  j.CommitSHA,
		"branch":      j.Branch,
		"state":       string(j.State),
		"attempts":    j.Attempts,
		"max_retries": j.MaxRetries,
		"priority":    string(j.Priority),
		"created_at":  j.CreatedAt,
		"updated_at":  j.UpdatedAt,
	}
	if j.AnalysisID != nil {
		m["analysis_id"] = *j.AnalysisID
	}
	if j.LastError != nil {
		m["last_error"] = *j.LastError
	}
	if j.ScannerLogPath != nil {
		m["scanner_log_path"] = *j.ScannerLogPath
	}
	if j.Lease != nil {
		m["lease"] = map[string]any{
			"instance":   j.Lease.Instance,
			"slot":       j.Lease.Slot,
			"expires_at": j.Lease.ExpiresAt,
		}
	}
	return m
}

// ExportHandler streams the project's results as CSV.
func (s *Server) ExportHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		// Existence is checked before any byte is written so errors can still
		// be JSON.
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "results-"+id+".csv"))
		if err := s.Export.Export(r.Context(), id, w); err != nil {
			w.Header().Del("Content-Disposition")
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			writeError(w, r, err, nil)
			return
		}
	}
}

// HealthzHandler is a trivial liveness probe.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler probes the DB, Redis, and the broker.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		probes := []struct {
			name string
			fn   func(context.Context) error
		}{
			{"db", s.DBCheck},
			{"redis", s.RedisCheck},
			{"broker", s.BrokerCheck},
		}
		checks := make([]check, 0, len(probes))
		ok := true
		for _, p := range probes {
			if p.fn == nil {
				continue
			}
			if err := p.fn(ctx); err != nil {
				checks = append(checks, check{Name: p.name, OK: false, Details: err.Error()})
				ok = false
			} else {
				checks = append(checks, check{Name: p.name, OK: true})
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
