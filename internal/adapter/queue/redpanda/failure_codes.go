package redpanda

import "github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"

// failureCode maps a classified scan error to a stable upper-snake code so
// queue logs line up with API error codes.
func failureCode(err error) string {
	switch domain.FailureReason(err) {
	case domain.ReasonNoSlotAvailable:
		return "NO_SLOT_AVAILABLE"
	case domain.ReasonLeaseExpired:
		return "LEASE_EXPIRED"
	case domain.ReasonAnalysisFailed:
		return "ANALYSIS_FAILED"
	case domain.ReasonScanTimeout:
		return "SCAN_TIMEOUT"
	case domain.ReasonCommitMissing:
		return "COMMIT_MISSING"
	case domain.ReasonRepoUnreachable:
		return "REPO_UNREACHABLE"
	case domain.ReasonSubmissionIDMissing:
		return "SUBMISSION_ID_MISSING"
	case domain.ReasonConfigInvalid:
		return "CONFIG_INVALID"
	case domain.ReasonMetricsFailed:
		return "METRICS_FAILED"
	case domain.ReasonWebhookTimeout:
		return "WEBHOOK_TIMEOUT"
	case domain.ReasonCheckoutFailed:
		return "CHECKOUT_FAILED"
	case domain.ReasonRetriesExhausted:
		return "MAX_RETRIES_EXCEEDED"
	default:
		return "SCAN_FAILED"
	}
}
