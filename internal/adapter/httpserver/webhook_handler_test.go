package httpserver

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
)

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func runningJobFor(analysisID string) domain.ScanJob {
	return domain.ScanJob{
		ID:         "j-1",
		ProjectID:  "p-1",
		ProjectKey: "acme",
		CommitSHA:  "abc123",
		State:      domain.JobRunning,
		Attempts:   1,
		MaxRetries: 5,
		Priority:   domain.PriorityNormal,
		AnalysisID: &analysisID,
		Lease:      &domain.Lease{Instance: "sonar-a", Slot: 0, Token: "tok"},
	}
}

const successPayload = `{"taskId":"an-1","status":"SUCCESS","analysedAt":"2026-08-25T10:00:00+0000","project":{"key":"acme_abc123","name":"acme"},"qualityGate":{"status":"OK"}}`

func postWebhook(s *Server, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sonarqube", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.WebhookHandler().ServeHTTP(rec, req)
	return rec
}

func TestWebhookHandler_ValidSignatureEnqueuesMetrics(t *testing.T) {
	jobs := newFakeJobs(runningJobFor("an-1"))
	queue := &fakeQueue{}
	s := testServer(t.TempDir(), jobs, newFakeProjects(), queue, newFakeFailed())

	rec := postWebhook(s, successPayload, map[string]string{
		"X-Sonar-Webhook-HMAC-SHA256": signBody("hook-secret", []byte(successPayload)),
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, queue.metrics, 1)
	assert.Equal(t, "j-1", queue.metrics[0].JobID)
	assert.Equal(t, "an-1", queue.metrics[0].AnalysisID)
	assert.Equal(t, "acme_abc123", queue.metrics[0].AnalysisKey)
}

func TestWebhookHandler_AcceptsPrefixedGitHubStyleHeader(t *testing.T) {
	jobs := newFakeJobs(runningJobFor("an-1"))
	queue := &fakeQueue{}
	s := testServer(t.TempDir(), jobs, newFakeProjects(), queue, newFakeFailed())

	rec := postWebhook(s, successPayload, map[string]string{
		"X-Hub-Signature-256": "sha256=" + signBody("hook-secret", []byte(successPayload)),
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, queue.metrics, 1)
}

func TestWebhookHandler_AcceptsSharedSecretHeader(t *testing.T) {
	jobs := newFakeJobs(runningJobFor("an-1"))
	queue := &fakeQueue{}
	s := testServer(t.TempDir(), jobs, newFakeProjects(), queue, newFakeFailed())

	rec := postWebhook(s, successPayload, map[string]string{
		"X-Sonar-Secret": "hook-secret",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, queue.metrics, 1)
}

func TestWebhookHandler_RejectsBadSignatureWithoutSideEffects(t *testing.T) {
	jobs := newFakeJobs(runningJobFor("an-1"))
	queue := &fakeQueue{}
	s := testServer(t.TempDir(), jobs, newFakeProjects(), queue, newFakeFailed())

	rec := postWebhook(s, successPayload, map[string]string{
		"X-Sonar-Webhook-HMAC-SHA256": signBody("wrong-secret", []byte(successPayload)),
	})

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, queue.metrics)
	j, err := jobs.Get(context.Background(), "j-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobRunning, j.State)
}

func TestWebhookHandler_NoSecretConfiguredRejectsAll(t *testing.T) {
	s := testServer(t.TempDir(), newFakeJobs(), newFakeProjects(), &fakeQueue{}, newFakeFailed())
	s.Cfg.WebhookSecret = ""

	rec := postWebhook(s, successPayload, map[string]string{
		"X-Sonar-Secret": "",
	})

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookHandler_FailureStatusMovesJobToRetry(t *testing.T) {
	jobs := newFakeJobs(runningJobFor("an-1"))
	queue := &fakeQueue{}
	s := testServer(t.TempDir(), jobs, newFakeProjects(), queue, newFakeFailed())

	payload := strings.Replace(successPayload, `"SUCCESS"`, `"FAILED"`, 1)
	rec := postWebhook(s, payload, map[string]string{
		"X-Sonar-Webhook-HMAC-SHA256": signBody("hook-secret", []byte(payload)),
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, queue.metrics)
	j, err := jobs.Get(context.Background(), "j-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailedTemp, j.State)
	assert.Nil(t, j.Lease)
}

func TestWebhookHandler_UnknownAnalysisKeptAsOrphan(t *testing.T) {
	queue := &fakeQueue{}
	s := testServer(t.TempDir(), newFakeJobs(), newFakeProjects(), queue, newFakeFailed())

	rec := postWebhook(s, successPayload, map[string]string{
		"X-Sonar-Webhook-HMAC-SHA256": signBody("hook-secret", []byte(successPayload)),
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, queue.metrics)
}

func TestWebhookHandler_MalformedJSON(t *testing.T) {
	s := testServer(t.TempDir(), newFakeJobs(), newFakeProjects(), &fakeQueue{}, newFakeFailed())

	body := `{"taskId":`
	rec := postWebhook(s, body, map[string]string{
		"X-Sonar-Webhook-HMAC-SHA256": signBody("hook-secret", []byte(body)),
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookHandler_RequiresTaskID(t *testing.T) {
	s := testServer(t.TempDir(), newFakeJobs(), newFakeProjects(), &fakeQueue{}, newFakeFailed())

	body := `{"status":"SUCCESS","project":{"key":"acme_abc123"}}`
	rec := postWebhook(s, body, map[string]string{
		"X-Sonar-Webhook-HMAC-SHA256": signBody("hook-secret", []byte(body)),
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
