package observability

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ConnectionType identifies which kind of external system a connection talks to.
type ConnectionType string

const (
	ConnectionTypeDatabase ConnectionType = "database"
	ConnectionTypeQueue    ConnectionType = "queue"
	ConnectionTypeSonar    ConnectionType = "sonar"
	ConnectionTypeGit      ConnectionType = "git"
	ConnectionTypeScanner  ConnectionType = "scanner"
	ConnectionTypeHTTP     ConnectionType = "http"
)

// OperationType identifies the kind of call being measured.
type OperationType string

const (
	OperationTypeQuery    OperationType = "query"
	OperationTypePoll     OperationType = "poll"
	OperationTypePublish  OperationType = "publish"
	OperationTypeConsume  OperationType = "consume"
	OperationTypeFetch    OperationType = "fetch"
	OperationTypeCheckout OperationType = "checkout"
	OperationTypeScan     OperationType = "scan"
	OperationTypeRequest  OperationType = "request"
)

// ConnectionMetrics accumulates per-endpoint counters, latency bounds, error
// tallies, and a coarse circuit view for one external connection. All methods
// are safe for concurrent use.
type ConnectionMetrics struct {
	mu sync.RWMutex

	ConnectionType ConnectionType
	OperationType  OperationType
	Endpoint       string

	TotalRequests   int64
	SuccessRequests int64
	FailureRequests int64
	TimeoutRequests int64

	TotalLatency time.Duration
	MinLatency   time.Duration
	MaxLatency   time.Duration
	AvgLatency   time.Duration

	ErrorCounts map[string]int64

	FirstRequest time.Time
	LastRequest  time.Time
	LastSuccess  time.Time
	LastFailure  time.Time

	CircuitState     string
	CircuitFailures  int64
	CircuitSuccesses int64
}

// NewConnectionMetrics returns zeroed metrics for one endpoint.
func NewConnectionMetrics(connType ConnectionType, opType OperationType, endpoint string) *ConnectionMetrics {
	return &ConnectionMetrics{
		ConnectionType: connType,
		OperationType:  opType,
		Endpoint:       endpoint,
		// Sentinel so the first sample always becomes the minimum.
		MinLatency:   time.Hour,
		ErrorCounts:  make(map[string]int64),
		CircuitState: "closed",
	}
}

// RecordRequest counts a request start.
func (cm *ConnectionMetrics) RecordRequest() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.TotalRequests++
	now := time.Now()
	if cm.FirstRequest.IsZero() {
		cm.FirstRequest = now
	}
	cm.LastRequest = now
}

// RecordSuccess counts a success and folds its latency into the aggregates.
func (cm *ConnectionMetrics) RecordSuccess(duration time.Duration) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.SuccessRequests++
	cm.LastSuccess = time.Now()

	cm.TotalLatency += duration
	if duration < cm.MinLatency {
		cm.MinLatency = duration
	}
	if duration > cm.MaxLatency {
		cm.MaxLatency = duration
	}
	cm.AvgLatency = cm.TotalLatency / time.Duration(cm.SuccessRequests)

	cm.CircuitSuccesses++
	if cm.CircuitState == "half-open" && cm.CircuitSuccesses >= 5 {
		cm.CircuitState = "closed"
		cm.CircuitFailures = 0
		cm.CircuitSuccesses = 0
	}
}

// RecordFailure counts a failure under its error message.
func (cm *ConnectionMetrics) RecordFailure(err error, _ time.Duration) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.FailureRequests++
	cm.LastFailure = time.Now()

	errorType := "unknown"
	if err != nil {
		errorType = err.Error()
	}
	cm.ErrorCounts[errorType]++

	cm.CircuitFailures++
	switch {
	case cm.CircuitState == "closed" && cm.CircuitFailures >= 5:
		cm.CircuitState = "open"
	case cm.CircuitState == "open" && time.Since(cm.LastFailure) > 30*time.Second:
		cm.CircuitState = "half-open"
		cm.CircuitFailures = 0
		cm.CircuitSuccesses = 0
	}
}

// RecordTimeout counts a timeout, tracked separately from other failures.
func (cm *ConnectionMetrics) RecordTimeout(_ time.Duration) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.TimeoutRequests++
	cm.LastFailure = time.Now()
	cm.ErrorCounts["timeout"]++

	cm.CircuitFailures++
	if cm.CircuitState == "closed" && cm.CircuitFailures >= 5 {
		cm.CircuitState = "open"
	}
}

// GetStats snapshots the metrics for health endpoints and debug logs.
func (cm *ConnectionMetrics) GetStats() map[string]interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	var successRate, timeoutRate float64
	if cm.TotalRequests > 0 {
		successRate = float64(cm.SuccessRequests) / float64(cm.TotalRequests) * 100
		timeoutRate = float64(cm.TimeoutRequests) / float64(cm.TotalRequests) * 100
	}

	var uptime time.Duration
	if !cm.FirstRequest.IsZero() {
		uptime = time.Since(cm.FirstRequest)
	}

	return map[string]interface{}{
		"connection_type":   string(cm.ConnectionType),
		"operation_type":    string(cm.OperationType),
		"endpoint":          cm.Endpoint,
		"total_requests":    cm.TotalRequests,
		"success_requests":  cm.SuccessRequests,
		"failure_requests":  cm.FailureRequests,
		"timeout_requests":  cm.TimeoutRequests,
		"success_rate":      fmt.Sprintf("%.2f%%", successRate),
		"timeout_rate":      fmt.Sprintf("%.2f%%", timeoutRate),
		"avg_latency":       cm.AvgLatency.String(),
		"min_latency":       cm.MinLatency.String(),
		"max_latency":       cm.MaxLatency.String(),
		"uptime":            uptime.String(),
		"circuit_state":     cm.CircuitState,
		"circuit_failures":  cm.CircuitFailures,
		"circuit_successes": cm.CircuitSuccesses,
		"error_counts":      cm.ErrorCounts,
		"first_request":     cm.FirstRequest.Format(time.RFC3339),
		"last_request":      cm.LastRequest.Format(time.RFC3339),
		"last_success":      cm.LastSuccess.Format(time.RFC3339),
		"last_failure":      cm.LastFailure.Format(time.RFC3339),
	}
}

// IsHealthy reports whether the connection should keep receiving traffic:
// the circuit must not be open, and a failure within the last five minutes
// with an overall failure rate above half marks it unhealthy.
func (cm *ConnectionMetrics) IsHealthy() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.CircuitState == "open" {
		return false
	}

	if !cm.LastFailure.IsZero() && time.Since(cm.LastFailure) < 5*time.Minute {
		total := cm.SuccessRequests + cm.FailureRequests
		if total > 0 && float64(cm.FailureRequests)/float64(total) > 0.5 {
			return false
		}
	}

	return true
}

// Reset zeroes every counter and closes the circuit view.
func (cm *ConnectionMetrics) Reset() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.TotalRequests = 0
	cm.SuccessRequests = 0
	cm.FailureRequests = 0
	cm.TimeoutRequests = 0
	cm.TotalLatency = 0
	cm.MinLatency = time.Hour
	cm.MaxLatency = 0
	cm.AvgLatency = 0
	cm.ErrorCounts = make(map[string]int64)
	cm.CircuitState = "closed"
	cm.CircuitFailures = 0
	cm.CircuitSuccesses = 0
	cm.FirstRequest = time.Time{}
	cm.LastRequest = time.Time{}
	cm.LastSuccess = time.Time{}
	cm.LastFailure = time.Time{}

	slog.Info("connection metrics reset",
		slog.String("connection_type", string(cm.ConnectionType)),
		slog.String("operation_type", string(cm.OperationType)),
		slog.String("endpoint", cm.Endpoint))
}
