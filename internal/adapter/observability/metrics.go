package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_jobs_enqueued_total",
			Help: "Total number of tasks enqueued by topic class",
		},
		[]string{"type"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scan_jobs_processing",
			Help: "Number of tasks currently processing",
		},
		[]string{"type"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_jobs_completed_total",
			Help: "Total number of tasks completed",
		},
		[]string{"type"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_jobs_failed_total",
			Help: "Total number of tasks failed",
		},
		[]string{"type"},
	)

	JobStateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_job_state_transitions_total",
			Help: "Scan job state machine transitions",
		},
		[]string{"from", "to"},
	)
	JobFailuresByReasonTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_job_failures_by_reason_total",
			Help: "Scan job failures by classified reason",
		},
		[]string{"reason", "permanent"},
	)

	LeaseAcquireTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lease_acquire_total",
			Help: "Lease acquisition attempts by instance and outcome",
		},
		[]string{"instance", "outcome"},
	)
	LeasesActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "leases_active",
			Help: "Currently held concurrency slots per instance",
		},
		[]string{"instance"},
	)

	ScannerRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scanner_run_duration_seconds",
			Help:    "Scanner CLI run duration in seconds",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"instance", "outcome"},
	)

	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Validated webhook deliveries by status and correlation outcome",
		},
		[]string{"status", "outcome"},
	)

	MeasuresFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "measures_fetch_duration_seconds",
			Help:    "Measures API fetch duration per component, all chunks included",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"instance"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobStateTransitionsTotal)
	prometheus.MustRegister(JobFailuresByReasonTotal)
	prometheus.MustRegister(LeaseAcquireTotal)
	prometheus.MustRegister(LeasesActive)
	prometheus.MustRegister(ScannerRunDuration)
	prometheus.MustRegister(WebhookEventsTotal)
	prometheus.MustRegister(MeasuresFetchDuration)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func EnqueueJob(jobType string) {
	JobsEnqueuedTotal.WithLabelValues(jobType).Inc()
}

func StartProcessingJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Inc()
}

func CompleteJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Dec()
	JobsCompletedTotal.WithLabelValues(jobType).Inc()
}

func FailJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Dec()
	JobsFailedTotal.WithLabelValues(jobType).Inc()
}

// RecordTransition records one applied state machine edge.
func RecordTransition(from, to string) {
	JobStateTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordFailure records a classified job failure.
func RecordFailure(reason string, permanent bool) {
	p := "false"
	if permanent {
		p = "true"
	}
	JobFailuresByReasonTotal.WithLabelValues(reason, p).Inc()
}

// RecordLeaseAcquire records one claim attempt against an instance.
func RecordLeaseAcquire(instance, outcome string) {
	LeaseAcquireTotal.WithLabelValues(instance, outcome).Inc()
}

// ObserveScannerRun records one CLI run.
func ObserveScannerRun(instance, outcome string, d time.Duration) {
	ScannerRunDuration.WithLabelValues(instance, outcome).Observe(d.Seconds())
}

// RecordWebhook records one validated delivery and its correlation outcome
// (matched, orphan).
func RecordWebhook(status, outcome string) {
	WebhookEventsTotal.WithLabelValues(status, outcome).Inc()
}

// ObserveMeasuresFetch records the full measures harvest for one component.
func ObserveMeasuresFetch(instance string, d time.Duration) {
	MeasuresFetchDuration.WithLabelValues(instance).Observe(d.Seconds())
}
