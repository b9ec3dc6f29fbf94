package httpserver

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
)

// ValidationError describes one rejected field.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult carries the outcome of validating request input.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

func invalid(field, code, message string) ValidationResult {
	return ValidationResult{
		Valid:  false,
		Errors: []ValidationError{{Field: field, Code: code, Message: message}},
	}
}

var jobIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateJobID rejects empty, oversized, or non-identifier job IDs before
// they reach the repository layer.
func ValidateJobID(jobID string) ValidationResult {
	switch {
	case jobID == "":
		return invalid("id", "REQUIRED", "Job ID is required")
	case len(jobID) > 100:
		return invalid("id", "TOO_LONG", "Job ID is too long (max 100 characters)")
	case !jobIDPattern.MatchString(jobID):
		return invalid("id", "INVALID_FORMAT", "Job ID contains invalid characters")
	}
	return ValidationResult{Valid: true}
}

// ValidateStatus checks a state filter against the job lifecycle states. An
// empty filter means no filtering and is valid.
func ValidateStatus(status string) ValidationResult {
	switch domain.JobState(status) {
	case "", domain.JobPending, domain.JobQueued, domain.JobRunning,
		domain.JobSucceeded, domain.JobFailedTemp, domain.JobFailedPermanent:
		return ValidationResult{Valid: true}
	}
	return invalid("state", "INVALID_VALUE",
		"State must be one of: pending, queued, running, succeeded, failed_temp, failed_permanent")
}

// SanitizeString normalizes free-form form input: strips null bytes, trims
// whitespace, caps the length, and forces valid UTF-8.
func SanitizeString(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	input = strings.TrimSpace(input)
	if len(input) > 1000 {
		input = input[:1000]
	}
	if !utf8.ValidString(input) {
		input = strings.ToValidUTF8(input, "")
	}
	return input
}
