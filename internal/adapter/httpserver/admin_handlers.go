package httpserver

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
)

// MountAdmin mounts the operator endpoints behind session auth.
func (s *Server) MountAdmin(r chi.Router) {
	if !s.Cfg.AdminEnabled() {
		return
	}
	sm := NewSessionManager(s.Cfg)
	r.Route("/admin", func(admin chi.Router) {
		admin.Post("/login", s.AdminLoginHandler(sm))
		admin.Post("/logout", s.AdminLogoutHandler(sm))

		admin.Group(func(protected chi.Router) {
			protected.Use(requireSession(sm))
			protected.Get("/failed-commits", s.ListFailedCommitsHandler())
			protected.Post("/failed-commits/{id}/retry", s.RetryFailedCommitHandler())
			protected.Post("/failed-commits/{id}/resolve", s.ResolveFailedCommitHandler())
			protected.Get("/stats", s.AdminStatsHandler())
		})
	})
}

// requireSession rejects requests without a valid session cookie. The admin
// surface is a JSON API, so failures are 401 envelopes, not redirects.
func requireSession(sm *SessionManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie("session")
			if err != nil || cookie.Value == "" {
				writeError(w, r, fmt.Errorf("%w: session required", domain.ErrUnauthorized), nil)
				return
			}
			if _, err := sm.ValidateSession(cookie.Value); err != nil {
				sm.ClearSessionCookie(w)
				writeError(w, r, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err), nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AdminLoginHandler authenticates the operator and issues a session cookie.
func (s *Server) AdminLoginHandler(sm *SessionManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if !s.adminCredentialsValid(req.Username, req.Password) {
			writeError(w, r, fmt.Errorf("%w: invalid credentials", domain.ErrUnauthorized), nil)
			return
		}
		sessionValue, err := sm.CreateSession(req.Username)
		if err != nil {
			writeError(w, r, fmt.Errorf("create session: %w", err), nil)
			return
		}
		sm.SetSessionCookie(w, sessionValue)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "username": req.Username})
	}
}

// adminCredentialsValid accepts either an argon2id hash or a plain secret in
// the password config, both compared in constant time.
func (s *Server) adminCredentialsValid(username, password string) bool {
	if subtle.ConstantTimeCompare([]byte(username), []byte(s.Cfg.AdminUsername)) != 1 {
		return false
	}
	configured := s.Cfg.AdminPassword
	if strings.HasPrefix(configured, "argon2id$") {
		return VerifyPassword(password, configured)
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(configured)) == 1
}

// AdminLogoutHandler clears the session cookie.
func (s *Server) AdminLogoutHandler(sm *SessionManager) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		sm.ClearSessionCookie(w)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ListFailedCommitsHandler pages through the triage queue.
func (s *Server) ListFailedCommitsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		disposition := domain.Disposition(r.URL.Query().Get("disposition"))
		switch disposition {
		case "", domain.DispositionPending, domain.DispositionQueued, domain.DispositionResolved:
		default:
			writeError(w, r, fmt.Errorf("%w: invalid disposition", domain.ErrInvalidArgument), nil)
			return
		}
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))

		res, err := s.Triage.List(r.Context(), disposition, page, perPage)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		items := make([]map[string]any, 0, len(res.Items))
		for _, fc := range res.Items {
			item := map[string]any{
				"id":          fc.ID,
				"scan_job_id": fc.ScanJobID,
				"project_id":  fc.ProjectID,
				"commit_sha":  fc.CommitSHA,
				"reason":      fc.Reason,
				"last_error":  fc.LastError,
				"disposition": string(fc.Disposition),
				"created_at":  fc.CreatedAt,
			}
			if fc.ScannerLogPath != nil {
				item["scanner_log_path"] = *fc.ScannerLogPath
			}
			items = append(items, item)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"failed_commits": items,
			"total":          res.Total,
			"page":           res.Page,
			"per_page":       res.PerPage,
		})
	}
}

// RetryFailedCommitHandler re-queues a permanently failed commit.
func (s *Server) RetryFailedCommitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req struct {
			ConfigOverride *string `json:"config_override"`
		}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
				writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
				return
			}
		}
		job, err := s.Triage.Retry(r.Context(), id, req.ConfigOverride)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"job_id":   job.ID,
			"state":    string(job.State),
			"priority": string(job.Priority),
		})
	}
}

// ResolveFailedCommitHandler closes a triage record without retrying.
func (s *Server) ResolveFailedCommitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Triage.Resolve(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
	}
}

// AdminStatsHandler returns the dashboard snapshot.
func (s *Server) AdminStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Triage.GetStats(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		byState := map[string]int{}
		for st, n := range stats.JobsByState {
			byState[string(st)] = n
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"jobs_by_state":        byState,
			"running_per_instance": stats.RunningPerInstance,
			"queue_depth_estimate": stats.QueueDepthEstimate,
		})
	}
}
