package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
)

// Producer publishes orchestration tasks with exactly-once semantics and
// implements domain.Queue.
type Producer struct {
	client *kgo.Client
	// transactionChan serializes transactions; franz-go allows one open
	// transaction per transactional client.
	transactionChan chan struct{}
}

// NewProducer constructs a transactional producer and ensures all topics exist.
func NewProducer(brokers []string) (*Producer, error) {
	return NewProducerWithTransactionalID(brokers, "scan-orchestrator-producer")
}

// NewProducerWithTransactionalID constructs a Producer with a custom
// transactional ID so tests and sidecars can avoid fencing each other.
func NewProducerWithTransactionalID(brokers []string, transactionalID string) (*Producer, error) {
	slog.Info("creating redpanda producer",
		slog.Any("brokers", brokers),
		slog.String("transactional_id", transactionalID))

	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda client: %w", err)
	}

	ensureTopics(context.Background(), client, 8)

	return &Producer{
		client:          client,
		transactionChan: make(chan struct{}, 1),
	}, nil
}

// EnqueueIngest publishes a CSV ingestion task.
func (p *Producer) EnqueueIngest(ctx domain.Context, payload domain.IngestTaskPayload) error {
	headers := []kgo.RecordHeader{
		{Key: "project_id", Value: []byte(payload.ProjectID)},
	}
	if err := p.publish(ctx, TopicIngest, payload.ProjectID, payload, headers); err != nil {
		return err
	}
	observability.EnqueueJob("ingest")
	return nil
}

// EnqueueScan publishes a scan task to the topic matching its queue class.
// The job ID keys the record so redeliveries of one job stay ordered.
func (p *Producer) EnqueueScan(ctx domain.Context, payload domain.ScanTaskPayload) error {
	topic := TopicForPriority(payload.Priority)
	headers := []kgo.RecordHeader{
		{Key: "job_id", Value: []byte(payload.JobID)},
		{Key: "project_id", Value: []byte(payload.ProjectID)},
		{Key: "attempt", Value: []byte(fmt.Sprintf("%d", payload.Attempt))},
	}
	if err := p.publish(ctx, topic, payload.JobID, payload, headers); err != nil {
		return err
	}
	observability.EnqueueJob("scan")
	return nil
}

// EnqueueMetrics publishes a measures-harvest task for a completed analysis.
func (p *Producer) EnqueueMetrics(ctx domain.Context, payload domain.MetricsTaskPayload) error {
	headers := []kgo.RecordHeader{
		{Key: "job_id", Value: []byte(payload.JobID)},
		{Key: "analysis_id", Value: []byte(payload.AnalysisID)},
	}
	if err := p.publish(ctx, TopicMetrics, payload.JobID, payload, headers); err != nil {
		return err
	}
	observability.EnqueueJob("metrics")
	return nil
}

// PublishDeadLetter records a permanently failed job on the DLQ topic.
func (p *Producer) PublishDeadLetter(ctx domain.Context, dl domain.DeadLetter) error {
	headers := []kgo.RecordHeader{
		{Key: "job_id", Value: []byte(dl.JobID)},
		{Key: "reason", Value: []byte(dl.Reason)},
	}
	if err := p.publish(ctx, TopicDLQ, dl.JobID, dl, headers); err != nil {
		return err
	}
	observability.EnqueueJob("dlq")
	return nil
}

// publish runs one begin/produce/commit cycle. Any failure inside the
// transaction aborts it so partial writes are never visible downstream.
func (p *Producer) publish(ctx domain.Context, topic, key string, payload any, headers []kgo.RecordHeader) error {
	select {
	case p.transactionChan <- struct{}{}:
		defer func() { <-p.transactionChan }()
	case <-ctx.Done():
		return fmt.Errorf("op=redpanda.publish: %w", ctx.Err())
	}

	if err := p.client.BeginTransaction(); err != nil {
		return fmt.Errorf("op=redpanda.publish: begin transaction: %w", err)
	}

	b, err := json.Marshal(payload)
	if err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("failed to abort transaction", slog.Any("error", abortErr))
		}
		return fmt.Errorf("op=redpanda.publish: marshal payload: %w", err)
	}

	record := &kgo.Record{
		Topic:   topic,
		Key:     []byte(key),
		Value:   b,
		Headers: headers,
	}

	e := kgo.AbortingFirstErrPromise(p.client)
	p.client.Produce(ctx, record, e.Promise())
	if err := e.Err(); err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("failed to abort transaction", slog.Any("error", abortErr))
		}
		return fmt.Errorf("op=redpanda.publish: produce: %w", err)
	}

	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("op=redpanda.publish: commit transaction: %w", err)
	}

	slog.Info("task enqueued",
		slog.String("topic", topic),
		slog.String("key", key),
		slog.Int("payload_size", len(b)))
	return nil
}

// Close closes the underlying client.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	if p.transactionChan != nil {
		select {
		case <-p.transactionChan:
		default:
			close(p.transactionChan)
		}
	}
	return nil
}
