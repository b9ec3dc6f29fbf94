package redpanda

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// AdaptivePoller tunes the fetch-loop sleep interval from observed poll
// outcomes: consecutive failures stretch the interval toward maxInterval,
// steady successes shrink it toward minInterval.
type AdaptivePoller struct {
	mu                 sync.RWMutex
	baseInterval       time.Duration
	maxInterval        time.Duration
	minInterval        time.Duration
	backoffFactor      float64
	successCount       int
	failureCount       int
	consecutiveSuccess int
	consecutiveFailure int
	lastPollTime       time.Time
	healthy            bool
}

// NewAdaptivePoller creates a poller with the given base interval.
func NewAdaptivePoller(baseInterval time.Duration) *AdaptivePoller {
	return &AdaptivePoller{
		baseInterval:  baseInterval,
		maxInterval:   10 * time.Second,
		minInterval:   500 * time.Millisecond,
		backoffFactor: 1.2,
		healthy:       true,
	}
}

// GetNextInterval returns the sleep before the next poll.
func (ap *AdaptivePoller) GetNextInterval() time.Duration {
	ap.mu.Lock()
	defer ap.mu.Unlock()

	// After ten straight failures pin the interval at the max; the broker is
	// down and faster polling only burns CPU.
	if ap.consecutiveFailure >= 10 {
		ap.healthy = false
		slog.Warn("poller pinned at max interval",
			slog.Int("consecutive_failures", ap.consecutiveFailure),
			slog.Duration("interval", ap.maxInterval))
		return ap.maxInterval
	}

	if ap.failureCount > ap.successCount {
		backoffMultiplier := math.Pow(ap.backoffFactor, float64(ap.consecutiveFailure))
		interval := float64(ap.baseInterval) * backoffMultiplier
		// Jitter spreads concurrent consumers apart.
		interval += interval * 0.1 * (0.5 - math.Mod(float64(time.Now().UnixNano()), 1.0))
		if interval > float64(ap.maxInterval) {
			interval = float64(ap.maxInterval)
		}
		return time.Duration(interval)
	}

	successMultiplier := math.Max(0.5, 1.0/float64(ap.consecutiveSuccess+1))
	interval := float64(ap.baseInterval) * successMultiplier
	if interval < float64(ap.minInterval) {
		interval = float64(ap.minInterval)
	}
	ap.healthy = true
	return time.Duration(interval)
}

// RecordSuccess records a successful poll.
func (ap *AdaptivePoller) RecordSuccess() {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	ap.successCount++
	ap.consecutiveSuccess++
	ap.consecutiveFailure = 0
	ap.lastPollTime = time.Now()
	ap.healthy = true
}

// RecordFailure records a failed poll.
func (ap *AdaptivePoller) RecordFailure() {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	ap.failureCount++
	ap.consecutiveFailure++
	ap.consecutiveSuccess = 0
	ap.lastPollTime = time.Now()
	ap.healthy = false
}

// IsHealthy reports whether the last poll succeeded.
func (ap *AdaptivePoller) IsHealthy() bool {
	ap.mu.RLock()
	defer ap.mu.RUnlock()
	return ap.healthy
}

// Stats exposes counters for health endpoints.
func (ap *AdaptivePoller) Stats() map[string]interface{} {
	ap.mu.RLock()
	defer ap.mu.RUnlock()

	totalPolls := ap.successCount + ap.failureCount
	successRate := 0.0
	if totalPolls > 0 {
		successRate = float64(ap.successCount) / float64(totalPolls)
	}
	return map[string]interface{}{
		"base_interval":       ap.baseInterval,
		"success_count":       ap.successCount,
		"failure_count":       ap.failureCount,
		"consecutive_success": ap.consecutiveSuccess,
		"consecutive_failure": ap.consecutiveFailure,
		"success_rate":        successRate,
		"is_healthy":          ap.healthy,
		"last_poll_time":      ap.lastPollTime,
	}
}
