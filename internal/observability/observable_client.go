// Package observability wraps external connections (broker, database, analysis
// servers) with connection metrics, adaptive timeouts, and circuit breaking,
// and carries the per-request logger through contexts.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ObservableClient wraps one external endpoint with metrics, an adaptive
// timeout, and a circuit breaker.
type ObservableClient struct {
	AdaptiveTimeout *AdaptiveTimeoutManager
	Metrics         *ConnectionMetrics

	ConnectionType ConnectionType
	OperationType  OperationType
	Endpoint       string

	CircuitBreaker *CircuitBreaker
}

// NewObservableClient builds a client wrapper for one endpoint.
func NewObservableClient(
	connType ConnectionType,
	opType OperationType,
	endpoint string,
	baseTimeout, minTimeout, maxTimeout time.Duration,
) *ObservableClient {
	return &ObservableClient{
		AdaptiveTimeout: NewAdaptiveTimeoutManager(baseTimeout, minTimeout, maxTimeout),
		Metrics:         NewConnectionMetrics(connType, opType, endpoint),
		ConnectionType:  connType,
		OperationType:   opType,
		Endpoint:        endpoint,
		CircuitBreaker:  NewCircuitBreaker(5, 30*time.Second, 0.5),
	}
}

// ExecuteWithMetrics runs one operation under the adaptive timeout and feeds
// the outcome into the metrics and the breaker.
func (oc *ObservableClient) ExecuteWithMetrics(
	ctx context.Context,
	operationName string,
	operation func(ctx context.Context) error,
) error {
	oc.Metrics.RecordRequest()

	if !oc.CircuitBreaker.CanExecute() {
		oc.Metrics.RecordFailure(fmt.Errorf("circuit breaker open"), 0)
		return fmt.Errorf("circuit breaker open for %s", oc.Endpoint)
	}

	timeoutCtx, cancel := oc.AdaptiveTimeout.WithTimeout(ctx)
	defer cancel()

	start := time.Now()
	err := operation(timeoutCtx)
	duration := time.Since(start)

	switch {
	case err != nil && timeoutCtx.Err() == context.DeadlineExceeded:
		oc.Metrics.RecordTimeout(duration)
		oc.AdaptiveTimeout.RecordTimeout()
		oc.CircuitBreaker.RecordFailure()

		slog.Error("operation timeout",
			slog.String("operation", operationName),
			slog.String("connection_type", string(oc.ConnectionType)),
			slog.String("endpoint", oc.Endpoint),
			slog.Duration("timeout", oc.AdaptiveTimeout.GetTimeout()),
			slog.Duration("duration", duration))
	case err != nil:
		oc.Metrics.RecordFailure(err, duration)
		oc.AdaptiveTimeout.RecordFailure(err)
		oc.CircuitBreaker.RecordFailure()

		slog.Error("operation failed",
			slog.String("operation", operationName),
			slog.String("connection_type", string(oc.ConnectionType)),
			slog.String("endpoint", oc.Endpoint),
			slog.String("error", err.Error()),
			slog.Duration("duration", duration))
	default:
		oc.Metrics.RecordSuccess(duration)
		oc.AdaptiveTimeout.RecordSuccess(duration)
		oc.CircuitBreaker.RecordSuccess()

		slog.Debug("operation successful",
			slog.String("operation", operationName),
			slog.String("connection_type", string(oc.ConnectionType)),
			slog.String("endpoint", oc.Endpoint),
			slog.Duration("duration", duration))
	}

	return err
}

// ExecuteWithRetry re-runs a failed operation with linear backoff. A breaker
// rejection short-circuits the remaining attempts.
func (oc *ObservableClient) ExecuteWithRetry(
	ctx context.Context,
	operationName string,
	operation func(ctx context.Context) error,
	maxRetries int,
	baseDelay time.Duration,
) error {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := oc.ExecuteWithMetrics(ctx, fmt.Sprintf("%s_attempt_%d", operationName, attempt+1), operation)
		if err == nil {
			return nil
		}

		lastErr = err

		if err.Error() == fmt.Sprintf("circuit breaker open for %s", oc.Endpoint) {
			break
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", maxRetries+1, lastErr)
}

// GetHealthStatus reports the connection's metrics, timeout, and breaker state.
func (oc *ObservableClient) GetHealthStatus() map[string]interface{} {
	stats := oc.Metrics.GetStats()
	stats["adaptive_timeout"] = oc.AdaptiveTimeout.GetStats()
	stats["circuit_breaker"] = oc.CircuitBreaker.GetStats()
	stats["is_healthy"] = oc.Metrics.IsHealthy()

	return stats
}

// IsHealthy returns true while the metrics look sound and the breaker admits
// traffic.
func (oc *ObservableClient) IsHealthy() bool {
	return oc.Metrics.IsHealthy() && oc.CircuitBreaker.CanExecute()
}

// Reset clears metrics, timeout history, and breaker state.
func (oc *ObservableClient) Reset() {
	oc.Metrics.Reset()
	oc.AdaptiveTimeout.Reset()
	oc.CircuitBreaker.Reset()

	slog.Info("observable client reset",
		slog.String("connection_type", string(oc.ConnectionType)),
		slog.String("endpoint", oc.Endpoint))
}
