package httpserver

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/usecase"
)

// sonarWebhookPayload is the subset of the analysis-completed callback the
// orchestrator correlates on.
type sonarWebhookPayload struct {
	TaskID     string `json:"taskId"`
	AnalysedAt string `json:"analysedAt"`
	Status     string `json:"status"`
	Project    struct {
		Key  string `json:"key"`
		Name string `json:"name"`
	} `json:"project"`
	QualityGate struct {
		Status string `json:"status"`
	} `json:"qualityGate"`
}

// WebhookHandler validates the callback signature and hands the parsed event
// to the webhook usecase. Unauthenticated requests change no state.
func (s *Server) WebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: read body: %v", domain.ErrInvalidArgument, err), nil)
			return
		}

		if !s.webhookAuthentic(r, body) {
			writeError(w, r, fmt.Errorf("%w: webhook signature invalid", domain.ErrUnauthorized), nil)
			return
		}

		var payload sonarWebhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if payload.TaskID == "" {
			writeError(w, r, fmt.Errorf("%w: taskId required", domain.ErrInvalidArgument), nil)
			return
		}

		err = s.Webhooks.Process(r.Context(), usecase.WebhookInput{
			AnalysisID:   payload.TaskID,
			ComponentKey: payload.Project.Key,
			Status:       payload.Status,
			RawPayload:   body,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	}
}

// webhookAuthentic checks every configured signature header for a matching
// HMAC-SHA256 hex digest of the raw body, then the shared-secret header. Any
// single match authenticates the request.
func (s *Server) webhookAuthentic(r *http.Request, body []byte) bool {
	secret := s.Cfg.WebhookSecret
	if secret == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, header := range s.Cfg.WebhookSignatureHeaders {
		got := r.Header.Get(header)
		if got == "" {
			continue
		}
		// GitHub-style headers carry a sha256= prefix.
		got = strings.TrimPrefix(got, "sha256=")
		if hmac.Equal([]byte(strings.ToLower(got)), []byte(expected)) {
			return true
		}
	}

	if shared := r.Header.Get(s.Cfg.WebhookSecretHeader); shared != "" {
		return subtle.ConstantTimeCompare([]byte(shared), []byte(secret)) == 1
	}
	return false
}
