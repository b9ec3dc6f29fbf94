package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// AdaptiveTimeoutManager nudges a per-operation timeout toward the observed
// behavior of the endpoint: fast successes shrink it, failures and timeouts
// grow it, always inside [minTimeout, maxTimeout].
type AdaptiveTimeoutManager struct {
	mu sync.RWMutex

	baseTimeout time.Duration
	minTimeout  time.Duration
	maxTimeout  time.Duration

	successCount int64
	failureCount int64
	timeoutCount int64

	successFactor float64
	failureFactor float64
	timeoutFactor float64

	currentTimeout time.Duration

	lastUpdate time.Time
}

// NewAdaptiveTimeoutManager starts the timeout at baseTimeout.
func NewAdaptiveTimeoutManager(baseTimeout, minTimeout, maxTimeout time.Duration) *AdaptiveTimeoutManager {
	return &AdaptiveTimeoutManager{
		baseTimeout:    baseTimeout,
		minTimeout:     minTimeout,
		maxTimeout:     maxTimeout,
		currentTimeout: baseTimeout,
		successFactor:  0.95,
		failureFactor:  1.05,
		timeoutFactor:  1.10,
	}
}

// GetTimeout returns the current timeout.
func (atm *AdaptiveTimeoutManager) GetTimeout() time.Duration {
	atm.mu.RLock()
	defer atm.mu.RUnlock()
	return atm.currentTimeout
}

// RecordSuccess shrinks the timeout when the operation finished in under half
// the current budget.
func (atm *AdaptiveTimeoutManager) RecordSuccess(duration time.Duration) {
	atm.mu.Lock()
	defer atm.mu.Unlock()

	atm.successCount++

	if duration < atm.currentTimeout/2 {
		newTimeout := time.Duration(float64(atm.currentTimeout) * atm.successFactor)
		if newTimeout >= atm.minTimeout {
			atm.currentTimeout = newTimeout
		}
	}

	atm.lastUpdate = time.Now()
}

// RecordFailure grows the timeout; slow endpoints tend to fail under pressure
// and a larger budget gives the next attempt a chance.
func (atm *AdaptiveTimeoutManager) RecordFailure(err error) {
	atm.mu.Lock()
	defer atm.mu.Unlock()

	atm.failureCount++

	newTimeout := time.Duration(float64(atm.currentTimeout) * atm.failureFactor)
	if newTimeout <= atm.maxTimeout {
		atm.currentTimeout = newTimeout
		slog.Debug("adaptive timeout increased after failure",
			slog.Duration("new_timeout", atm.currentTimeout),
			slog.String("error", err.Error()))
	}

	atm.lastUpdate = time.Now()
}

// RecordTimeout grows the timeout more aggressively than a plain failure.
func (atm *AdaptiveTimeoutManager) RecordTimeout() {
	atm.mu.Lock()
	defer atm.mu.Unlock()

	atm.timeoutCount++

	newTimeout := time.Duration(float64(atm.currentTimeout) * atm.timeoutFactor)
	if newTimeout <= atm.maxTimeout {
		atm.currentTimeout = newTimeout
		slog.Debug("adaptive timeout increased after deadline",
			slog.Duration("new_timeout", atm.currentTimeout))
	}

	atm.lastUpdate = time.Now()
}

// WithTimeout derives a context bounded by the current timeout.
func (atm *AdaptiveTimeoutManager) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, atm.GetTimeout())
}

// GetStats snapshots the manager for health reporting.
func (atm *AdaptiveTimeoutManager) GetStats() map[string]interface{} {
	atm.mu.RLock()
	defer atm.mu.RUnlock()

	total := atm.successCount + atm.failureCount + atm.timeoutCount
	successRate := float64(0)
	if total > 0 {
		successRate = float64(atm.successCount) / float64(total) * 100
	}

	return map[string]interface{}{
		"current_timeout": atm.currentTimeout.String(),
		"base_timeout":    atm.baseTimeout.String(),
		"min_timeout":     atm.minTimeout.String(),
		"max_timeout":     atm.maxTimeout.String(),
		"success_count":   atm.successCount,
		"failure_count":   atm.failureCount,
		"timeout_count":   atm.timeoutCount,
		"success_rate":    fmt.Sprintf("%.2f%%", successRate),
		"last_update":     atm.lastUpdate.Format(time.RFC3339),
	}
}

// Reset returns the timeout to its base value and zeroes the counters.
func (atm *AdaptiveTimeoutManager) Reset() {
	atm.mu.Lock()
	defer atm.mu.Unlock()

	atm.currentTimeout = atm.baseTimeout
	atm.successCount = 0
	atm.failureCount = 0
	atm.timeoutCount = 0
	atm.lastUpdate = time.Now()
}
