package redpanda

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
)

func TestFailureCode(t *testing.T) {
	cases := []struct {
		reason string
		want   string
	}{
		{domain.ReasonNoSlotAvailable, "NO_SLOT_AVAILABLE"},
		{domain.ReasonLeaseExpired, "LEASE_EXPIRED"},
		{domain.ReasonAnalysisFailed, "ANALYSIS_FAILED"},
		{domain.ReasonScanTimeout, "SCAN_TIMEOUT"},
		{domain.ReasonCommitMissing, "COMMIT_MISSING"},
		{domain.ReasonRepoUnreachable, "REPO_UNREACHABLE"},
		{domain.ReasonSubmissionIDMissing, "SUBMISSION_ID_MISSING"},
		{domain.ReasonConfigInvalid, "CONFIG_INVALID"},
		{domain.ReasonMetricsFailed, "METRICS_FAILED"},
		{domain.ReasonWebhookTimeout, "WEBHOOK_TIMEOUT"},
		{domain.ReasonCheckoutFailed, "CHECKOUT_FAILED"},
		{domain.ReasonRetriesExhausted, "MAX_RETRIES_EXCEEDED"},
		{domain.ReasonScanFailed, "SCAN_FAILED"},
	}
	for _, tc := range cases {
		err := domain.NewTransientError(tc.reason, errors.New("boom"))
		assert.Equal(t, tc.want, failureCode(err), tc.reason)
	}
}

func TestFailureCode_UnclassifiedError(t *testing.T) {
	assert.Equal(t, "SCAN_FAILED", failureCode(errors.New("plain error")))
}
