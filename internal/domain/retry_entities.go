// Package domain defines retry and dead-letter entities for resilient job processing.
package domain

import (
	"math/rand"
	"time"
)

// RetryStatus represents the retry state of a task in flight.
type RetryStatus string

const (
	// RetryStatusNone indicates no retries have been attempted
	RetryStatusNone RetryStatus = "none"
	// RetryStatusRetrying indicates the task is being retried
	RetryStatusRetrying RetryStatus = "retrying"
	// RetryStatusExhausted indicates all retries have been exhausted
	RetryStatusExhausted RetryStatus = "exhausted"
	// RetryStatusDLQ indicates the task has been moved to the DLQ
	RetryStatusDLQ RetryStatus = "dlq"
)

// RetryConfig defines the re-enqueue delay policy for failed scans.
// Delay(n) = min(Base * 2^n, Cap) plus up to JitterRatio of random spread.
type RetryConfig struct {
	// MaxRetries bounds attempts: a job may run at most MaxRetries+1 times.
	MaxRetries int
	// Base is the delay before the first retry.
	Base time.Duration
	// Cap is the upper bound on any single delay.
	Cap time.Duration
	// JitterRatio in [0,1] spreads delays to avoid synchronized re-dispatch.
	JitterRatio float64
}

// DefaultRetryConfig mirrors the production defaults: one minute base, ten
// minute cap, five retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  5,
		Base:        time.Minute,
		Cap:         10 * time.Minute,
		JitterRatio: 0.1,
	}
}

// Delay computes the backoff before retry number attempt (0-based).
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := c.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= c.Cap {
			d = c.Cap
			break
		}
	}
	if d > c.Cap {
		d = c.Cap
	}
	if c.JitterRatio > 0 {
		j := time.Duration(rand.Float64() * c.JitterRatio * float64(d))
		d += j
	}
	return d
}

// Exhausted reports whether another retry would exceed the attempts bound.
func (c RetryConfig) Exhausted(attempts int) bool {
	return attempts > c.MaxRetries
}

// RetryInfo tracks delivery attempts for one queued task.
type RetryInfo struct {
	AttemptCount  int
	MaxAttempts   int
	LastAttemptAt time.Time
	NextRetryAt   time.Time
	RetryStatus   RetryStatus
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// UpdateRetryAttempt bumps the counter after an attempt.
func (ri *RetryInfo) UpdateRetryAttempt(err error) {
	ri.AttemptCount++
	ri.LastAttemptAt = time.Now()
	ri.UpdatedAt = time.Now()
	if err != nil {
		ri.LastError = err.Error()
	}
}

// MarkAsRetrying marks the task as scheduled for another delivery.
func (ri *RetryInfo) MarkAsRetrying(next time.Time) {
	ri.RetryStatus = RetryStatusRetrying
	ri.NextRetryAt = next
	ri.UpdatedAt = time.Now()
}

// MarkAsExhausted marks the task as out of attempts.
func (ri *RetryInfo) MarkAsExhausted() {
	ri.RetryStatus = RetryStatusExhausted
	ri.UpdatedAt = time.Now()
}

// MarkAsDLQ marks the task as moved to the dead-letter topic.
func (ri *RetryInfo) MarkAsDLQ() {
	ri.RetryStatus = RetryStatusDLQ
	ri.UpdatedAt = time.Now()
}

// DeadLetter is the broker-side record produced when a job goes
// failed_permanent; the DLQ consumer persists it as a FailedCommit.
type DeadLetter struct {
	JobID        string
	Payload      ScanTaskPayload
	Reason       string
	LastError    string
	Attempts     int
	MovedToDLQAt time.Time
	CanRetry     bool
}
