package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/adapter/observability"
)

// IntegratedObservableClient adds OpenTelemetry spans and Prometheus series
// on top of the adaptive-timeout execution wrapper. One instance per external
// endpoint.
type IntegratedObservableClient struct {
	AdaptiveTimeout *AdaptiveTimeoutManager
	Metrics         *ConnectionMetrics

	ConnectionType ConnectionType
	OperationType  OperationType
	Endpoint       string
	ServiceName    string

	tracer trace.Tracer
}

// NewIntegratedObservableClient builds a wrapper for one endpoint with the
// given timeout bounds.
func NewIntegratedObservableClient(
	connectionType ConnectionType,
	operationType OperationType,
	endpoint string,
	serviceName string,
	baseTimeout time.Duration,
	minTimeout time.Duration,
	maxTimeout time.Duration,
) *IntegratedObservableClient {
	return &IntegratedObservableClient{
		AdaptiveTimeout: NewAdaptiveTimeoutManager(baseTimeout, minTimeout, maxTimeout),
		Metrics:         NewConnectionMetrics(connectionType, operationType, endpoint),
		ConnectionType:  connectionType,
		OperationType:   operationType,
		Endpoint:        endpoint,
		ServiceName:     serviceName,
		tracer:          otel.Tracer("scan-orchestrator"),
	}
}

// ExecuteWithMetrics runs fn inside a span and the adaptive timeout, then
// records the outcome in both the timeout manager and Prometheus.
func (c *IntegratedObservableClient) ExecuteWithMetrics(
	ctx context.Context,
	operation string,
	fn func(ctx context.Context) error,
) error {
	spanCtx, span := c.tracer.Start(ctx, fmt.Sprintf("%s.%s", c.ServiceName, operation))
	defer span.End()

	span.SetAttributes(
		attribute.String("connection.type", string(c.ConnectionType)),
		attribute.String("operation.type", string(c.OperationType)),
		attribute.String("endpoint", c.Endpoint),
		attribute.String("service.name", c.ServiceName),
		attribute.String("operation.name", operation),
	)

	timeout := c.AdaptiveTimeout.GetTimeout()
	span.SetAttributes(attribute.Float64("timeout.seconds", timeout.Seconds()))

	timeoutCtx, cancel := context.WithTimeout(spanCtx, timeout)
	defer cancel()

	start := time.Now()
	err := fn(timeoutCtx)
	duration := time.Since(start)

	switch {
	case err == nil:
		c.AdaptiveTimeout.RecordSuccess(duration)
		span.SetStatus(codes.Ok, "success")
	case timeoutCtx.Err() == context.DeadlineExceeded:
		c.AdaptiveTimeout.RecordTimeout()
		span.SetStatus(codes.Error, "timeout")
		span.SetAttributes(attribute.Bool("timeout", true))
	default:
		c.AdaptiveTimeout.RecordFailure(err)
		span.SetStatus(codes.Error, err.Error())
	}

	c.recordPrometheusMetrics(operation, duration, err)

	span.SetAttributes(
		attribute.Float64("duration.seconds", duration.Seconds()),
		attribute.Bool("success", err == nil),
	)

	return err
}

// recordPrometheusMetrics maps the call outcome onto the exported series for
// its connection type.
func (c *IntegratedObservableClient) recordPrometheusMetrics(operation string, duration time.Duration, err error) {
	status := "success"
	switch {
	case err == context.DeadlineExceeded:
		status = "timeout"
	case err != nil:
		status = "error"
	}

	switch c.ConnectionType {
	case ConnectionTypeSonar:
		observability.MeasuresFetchDuration.WithLabelValues(
			c.Endpoint,
		).Observe(duration.Seconds())

	case ConnectionTypeQueue:
		// Broker poll/publish outcomes share the request duration series.
		observability.HTTPRequestDuration.WithLabelValues(
			c.Endpoint,
			operation,
		).Observe(duration.Seconds())

	case ConnectionTypeHTTP:
		observability.HTTPRequestsTotal.WithLabelValues(
			c.Endpoint,
			operation,
			status,
		).Inc()
		observability.HTTPRequestDuration.WithLabelValues(
			c.Endpoint,
			operation,
		).Observe(duration.Seconds())

	case ConnectionTypeDatabase:
		observability.HTTPRequestsTotal.WithLabelValues(
			"database",
			operation,
			status,
		).Inc()
		observability.HTTPRequestDuration.WithLabelValues(
			"database",
			operation,
		).Observe(duration.Seconds())
	}

	slog.Debug("external connection executed",
		slog.String("connection_type", string(c.ConnectionType)),
		slog.String("operation_type", string(c.OperationType)),
		slog.String("endpoint", c.Endpoint),
		slog.String("operation", operation),
		slog.Duration("duration", duration),
		slog.Bool("success", err == nil),
		slog.String("status", status),
		slog.Duration("timeout", c.AdaptiveTimeout.GetTimeout()),
	)
}

// GetHealthStatus summarizes the adaptive-timeout view of the endpoint.
func (c *IntegratedObservableClient) GetHealthStatus() map[string]interface{} {
	stats := c.AdaptiveTimeout.GetStats()
	successRate, _ := stats["success_rate"].(float64)

	return map[string]interface{}{
		"is_healthy":      successRate > 0.8,
		"current_timeout": c.AdaptiveTimeout.GetTimeout().Seconds(),
		"success_rate":    successRate,
		"total_requests":  stats["total_requests"],
		"last_update":     stats["last_update"],
	}
}

// IsHealthy reports whether the recent success rate clears 80%.
func (c *IntegratedObservableClient) IsHealthy() bool {
	successRate, _ := c.AdaptiveTimeout.GetStats()["success_rate"].(float64)
	return successRate > 0.8
}
