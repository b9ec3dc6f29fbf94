package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
)

// DLQConsumer drains the dead-letter topic and persists each record as a
// FailedCommit row for operator triage. Persistence is idempotent by job id,
// so redelivered dead letters collapse into one row.
type DLQConsumer struct {
	client   *kgo.Client
	jobs     domain.ScanJobRepository
	failed   domain.FailedCommitRepository
	groupID  string
	shutdown chan struct{}
}

// NewDLQConsumer constructs a consumer over the DLQ topic.
func NewDLQConsumer(brokers []string, groupID string, jobs domain.ScanJobRepository, failed domain.FailedCommitRepository) (*DLQConsumer, error) {
	slog.Info("creating DLQ consumer", slog.Any("brokers", brokers), slog.String("group_id", groupID))

	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("missing required group ID")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(TopicDLQ),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.RequireStableFetchOffsets(),
		kgo.FetchMaxBytes(1048576),
		kgo.FetchMaxWait(100 * time.Millisecond),
		kgo.FetchMinBytes(1),
		kgo.FetchMaxPartitionBytes(1048576),
		kgo.DialTimeout(30 * time.Second),
		kgo.RequestTimeoutOverhead(10 * time.Second),
		kgo.RetryTimeout(60 * time.Second),
		kgo.SessionTimeout(30 * time.Second),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("DLQ consumer client: %w", err)
	}

	return &DLQConsumer{
		client:   client,
		jobs:     jobs,
		failed:   failed,
		groupID:  groupID,
		shutdown: make(chan struct{}),
	}, nil
}

// Start begins draining dead letters in the background.
func (dc *DLQConsumer) Start(ctx context.Context) error {
	slog.Info("starting DLQ consumer", slog.String("group_id", dc.groupID))
	go dc.loop(ctx)
	return nil
}

// Stop stops the consumer.
func (dc *DLQConsumer) Stop() {
	close(dc.shutdown)
	dc.client.Close()
}

func (dc *DLQConsumer) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-dc.shutdown:
			return
		default:
			fetchCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
			fetches := dc.client.PollFetches(fetchCtx)
			cancel()

			if errs := fetches.Errors(); len(errs) > 0 {
				for _, err := range errs {
					slog.Error("DLQ fetch error",
						slog.String("topic", err.Topic),
						slog.Int("partition", int(err.Partition)),
						slog.Any("error", err.Err))
				}
				time.Sleep(2 * time.Second)
				continue
			}
			if fetches.NumRecords() == 0 {
				time.Sleep(100 * time.Millisecond)
				continue
			}

			fetches.EachRecord(func(record *kgo.Record) {
				dc.processRecord(ctx, record)
			})
		}
	}
}

// processRecord persists one dead letter as a FailedCommit. Jobs already
// resolved by an operator between publish and consume are skipped.
func (dc *DLQConsumer) processRecord(ctx context.Context, record *kgo.Record) {
	var dl domain.DeadLetter
	if err := json.Unmarshal(record.Value, &dl); err != nil {
		slog.Error("failed to unmarshal dead letter",
			slog.Int64("offset", record.Offset),
			slog.Any("error", err))
		return
	}

	job, err := dc.jobs.Get(ctx, dl.JobID)
	if err != nil {
		slog.Error("failed to load job for dead letter",
			slog.String("job_id", dl.JobID),
			slog.Any("error", err))
		return
	}
	if job.State != domain.JobFailedPermanent {
		slog.Info("job no longer failed_permanent, skipping dead letter",
			slog.String("job_id", dl.JobID),
			slog.String("state", string(job.State)))
		return
	}

	fc := domain.FailedCommit{
		ScanJobID:      job.ID,
		ProjectID:      job.ProjectID,
		CommitSHA:      job.CommitSHA,
		Reason:         dl.Reason,
		LastError:      dl.LastError,
		ScannerLogPath: job.ScannerLogPath,
		Disposition:    domain.DispositionPending,
		ConfigOverride: job.ConfigOverride,
	}
	id, err := dc.failed.Upsert(ctx, fc)
	if err != nil {
		slog.Error("failed to persist failed commit",
			slog.String("job_id", dl.JobID),
			slog.Any("error", err))
		return
	}

	slog.Info("dead letter persisted for triage",
		slog.String("job_id", dl.JobID),
		slog.String("failed_commit_id", id),
		slog.String("reason", dl.Reason))
}
