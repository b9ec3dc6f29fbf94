package domain

import (
	"errors"
	"fmt"
)

// Failure reasons persisted on jobs, dead letters, and failed commits.
const (
	ReasonNoSlotAvailable     = "no-slot-available"
	ReasonLeaseExpired        = "lease-expired"
	ReasonAnalysisFailed      = "analysis-failed"
	ReasonScanFailed          = "scan-failed"
	ReasonScanTimeout         = "scan-timeout"
	ReasonCommitMissing       = "commit-missing"
	ReasonRepoUnreachable     = "repo-unreachable"
	ReasonSubmissionIDMissing = "submission-id-missing"
	ReasonConfigInvalid       = "config-invalid"
	ReasonMetricsFailed       = "metrics-failed"
	ReasonWebhookTimeout      = "webhook-timeout"
	ReasonCheckoutFailed      = "checkout-failed"
	ReasonIngestEncoding      = "ingest-encoding"
	ReasonIngestColumns       = "ingest-columns-missing"
	ReasonRetriesExhausted    = "max-retries-exceeded"
)

// ScanError classifies a failure for the state machine: permanent failures go
// straight to failed_permanent, everything else counts against max_retries.
type ScanError struct {
	Reason    string
	Permanent bool
	Err       error
}

func (e *ScanError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// NewPermanentError wraps err as a non-retryable failure.
func NewPermanentError(reason string, err error) *ScanError {
	return &ScanError{Reason: reason, Permanent: true, Err: err}
}

// NewTransientError wraps err as a retryable, attempts-bounded failure.
func NewTransientError(reason string, err error) *ScanError {
	return &ScanError{Reason: reason, Permanent: false, Err: err}
}

// IsPermanent reports whether err carries a permanent classification.
func IsPermanent(err error) bool {
	var se *ScanError
	if errors.As(err, &se) {
		return se.Permanent
	}
	return false
}

// FailureReason extracts the classified reason, defaulting to scan-failed.
func FailureReason(err error) string {
	var se *ScanError
	if errors.As(err, &se) {
		return se.Reason
	}
	return ReasonScanFailed
}
