// Package redpanda provides the Redpanda/Kafka transport for scan
// orchestration tasks.
//
// Producers publish with exactly-once semantics; consumers read committed
// records inside a group transact session and dispatch them to per-topic
// handlers. Retries ride a dedicated topic so the main scan topic never
// sees delayed records.
package redpanda

import "github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"

// Topic names. One topic per queue class keeps priority routing a pure
// producer-side decision.
const (
	TopicIngest    = "scan.ingest"
	TopicScan      = "scan.jobs"
	TopicScanRetry = "scan.jobs.retry"
	TopicScanHigh  = "scan.jobs.high"
	TopicMetrics   = "scan.metrics"
	TopicDLQ       = "scan.dlq"
)

// AllTopics lists every topic the orchestrator owns, in creation order.
var AllTopics = []string{TopicIngest, TopicScan, TopicScanRetry, TopicScanHigh, TopicMetrics, TopicDLQ}

// ScanTopics lists the topics dispatcher workers consume. High-priority
// first so a fresh consumer subscribes to operator retries immediately.
var ScanTopics = []string{TopicScanHigh, TopicScanRetry, TopicScan}

// TopicForPriority maps a job's queue class to its topic. Unknown values
// fall back to the normal topic rather than dead-ending the job.
func TopicForPriority(p domain.Priority) string {
	switch p {
	case domain.PriorityHigh:
		return TopicScanHigh
	case domain.PriorityRetry:
		return TopicScanRetry
	default:
		return TopicScan
	}
}
