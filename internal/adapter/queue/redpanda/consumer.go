package redpanda

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/observability"
)

// Handler processes one record from a topic. Returning an error leaves the
// offset committed (the record was delivered); failure handling is the
// handler's responsibility, typically via the retry manager.
type Handler func(ctx context.Context, topic string, value []byte) error

// Consumer reads committed records from a set of topics inside a group
// transact session and dispatches each one to its topic handler through a
// dynamically sized worker pool.
type Consumer struct {
	session  *kgo.GroupTransactSession
	handlers map[string]Handler

	observableClient *observability.IntegratedObservableClient
	groupID          string
	topics           []string

	maxWorkers    int
	minWorkers    int
	activeWorkers int
	workerMu      sync.RWMutex
	jobQueue      chan *kgo.Record

	adaptivePoller *AdaptivePoller
	shutdown       chan struct{}

	brokers         []string
	transactionalID string
}

// NewConsumer constructs a consumer over the given topics with default
// worker bounds.
func NewConsumer(brokers []string, groupID string, topics []string, handlers map[string]Handler) (*Consumer, error) {
	return NewConsumerWithConfig(brokers, groupID, "scan-orchestrator-consumer", topics, handlers, 2, 10)
}

// NewConsumerWithConfig constructs a consumer with explicit transactional ID
// and worker-pool bounds. Tests use distinct transactional IDs to avoid
// fencing each other.
func NewConsumerWithConfig(brokers []string, groupID, transactionalID string, topics []string, handlers map[string]Handler, minWorkers, maxWorkers int) (*Consumer, error) {
	slog.Info("creating redpanda consumer",
		slog.Any("brokers", brokers),
		slog.String("group_id", groupID),
		slog.Any("topics", topics))

	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("missing required group ID")
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("no topics to consume")
	}

	observableClient := observability.NewIntegratedObservableClient(
		observability.ConnectionTypeQueue,
		observability.OperationTypePoll,
		brokers[0],
		"scan-orchestrator-worker",
		10*time.Second,
		1*time.Second,
		60*time.Second,
	)

	tempClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("temp client: %w", err)
	}
	ensureTopics(context.Background(), tempClient, 8)
	tempClient.Close()

	kotelTracer := kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)
	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotelTracer),
	)

	opts := consumerOpts(brokers, groupID, transactionalID, topics)
	opts = append(opts, kgo.WithHooks(kotelService.Hooks()...))

	session, err := kgo.NewGroupTransactSession(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda transactional session: %w", err)
	}

	slog.Info("redpanda consumer created",
		slog.Int("min_workers", minWorkers),
		slog.Int("max_workers", maxWorkers))
	return &Consumer{
		observableClient: observableClient,
		session:          session,
		handlers:         handlers,
		groupID:          groupID,
		topics:           topics,
		minWorkers:       minWorkers,
		maxWorkers:       maxWorkers,
		jobQueue:         make(chan *kgo.Record, maxWorkers*2),
		shutdown:         make(chan struct{}),
		activeWorkers:    minWorkers,
		brokers:          brokers,
		transactionalID:  transactionalID,
		adaptivePoller:   NewAdaptivePoller(100 * time.Millisecond),
	}, nil
}

func consumerOpts(brokers []string, groupID, transactionalID string, topics []string) []kgo.Opt {
	return []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.RequireStableFetchOffsets(),

		kgo.DialTimeout(10 * time.Second),
		kgo.RequestTimeoutOverhead(5 * time.Second),
		kgo.RetryTimeout(30 * time.Second),
		kgo.SessionTimeout(30 * time.Second),
		kgo.HeartbeatInterval(3 * time.Second),
		kgo.RebalanceTimeout(10 * time.Second),

		kgo.FetchMaxBytes(10 * 1024 * 1024),
		kgo.FetchMaxWait(10 * time.Second),
		kgo.FetchMinBytes(512),
		kgo.FetchMaxPartitionBytes(2 * 1024 * 1024),

		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(1 * time.Second),
	}
}

// Start runs the fetch loop, the worker pool, and the scaling manager until
// the context is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	slog.Info("starting redpanda consumer",
		slog.String("group_id", c.groupID),
		slog.Any("topics", c.topics),
		slog.Int("min_workers", c.minWorkers),
		slog.Int("max_workers", c.maxWorkers))

	c.startWorkerPool(ctx)
	go c.messageFetcher(ctx)
	go c.workerPoolManager(ctx)

	<-ctx.Done()
	slog.Info("redpanda consumer shutting down")
	close(c.shutdown)
	return ctx.Err()
}

func (c *Consumer) startWorkerPool(ctx context.Context) {
	for i := 0; i < c.minWorkers; i++ {
		go c.worker(ctx, i)
	}
}

// workerPoolManager rescales the pool on a short cadence.
func (c *Consumer) workerPoolManager(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.scaleWorkers(ctx)
		}
	}
}

// scaleWorkers grows the pool while records queue up and shrinks it back to
// minWorkers when the backlog drains. Workers also self-terminate after a job
// when the pool is over capacity.
func (c *Consumer) scaleWorkers(ctx context.Context) {
	queueLen := len(c.jobQueue)
	activeWorkers := c.getActiveWorkers()

	if queueLen > 0 && activeWorkers < c.maxWorkers {
		workersToAdd := minInt(queueLen, c.maxWorkers-activeWorkers)
		for i := 0; i < workersToAdd; i++ {
			if c.getActiveWorkers() < c.maxWorkers {
				c.incrementActiveWorkers()
				go c.worker(ctx, c.getActiveWorkers())
			}
		}
		if workersToAdd > 0 {
			slog.Info("scaled up workers",
				slog.Int("added", workersToAdd),
				slog.Int("queue_length", queueLen),
				slog.Int("total_active", c.getActiveWorkers()))
		}
	}

	if activeWorkers > c.minWorkers && (queueLen == 0 || activeWorkers > queueLen) {
		workersToRemove := activeWorkers - c.minWorkers
		if queueLen > 0 && activeWorkers > queueLen {
			workersToRemove = minInt(workersToRemove, activeWorkers-queueLen)
		}
		for i := 0; i < workersToRemove; i++ {
			if c.getActiveWorkers() > c.minWorkers {
				c.decrementActiveWorkers()
			}
		}
		if workersToRemove > 0 {
			slog.Info("scaled down workers",
				slog.Int("removed", workersToRemove),
				slog.Int("queue_length", queueLen),
				slog.Int("total_active", c.getActiveWorkers()))
		}
	}
}

// messageFetcher polls the session and feeds records into the job queue.
// Poll cadence adapts to observed success/failure so an idle consumer backs
// off instead of hammering the broker.
func (c *Consumer) messageFetcher(ctx context.Context) {
	pollCount := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		default:
			pollCount++
			nextInterval := c.adaptivePoller.GetNextInterval()

			var fetches kgo.Fetches
			err := c.observableClient.ExecuteWithMetrics(ctx, "poll_fetches", func(fetchCtx context.Context) error {
				if !c.isConnectionHealthy() {
					slog.Warn("connection unhealthy, attempting to reconnect")
					if err := c.reconnect(); err != nil {
						return fmt.Errorf("connection unhealthy: %w", err)
					}
				}
				fetches = c.session.PollFetches(fetchCtx)
				return nil
			})
			if err != nil {
				backoffDuration := nextInterval
				if strings.Contains(err.Error(), "context deadline exceeded") ||
					strings.Contains(err.Error(), "connection") ||
					strings.Contains(err.Error(), "timeout") {
					backoffDuration = time.Duration(pollCount) * 2 * time.Second
					if backoffDuration > 10*time.Second {
						backoffDuration = 10 * time.Second
					}
				}
				c.adaptivePoller.RecordFailure()
				time.Sleep(backoffDuration)
				continue
			}

			if errs := fetches.Errors(); len(errs) > 0 {
				fatal := false
				for _, ferr := range errs {
					slog.Error("fetch error",
						slog.String("topic", ferr.Topic),
						slog.Int("partition", int(ferr.Partition)),
						slog.Any("error", ferr.Err))
					if ferr.Err != nil && (ferr.Err.Error() == "unable to dial" || ferr.Err.Error() == "context canceled") {
						fatal = true
					}
				}
				if fatal {
					slog.Error("fatal connection error, stopping message fetcher")
					return
				}
				c.adaptivePoller.RecordFailure()
				time.Sleep(2 * time.Second)
				continue
			}

			if fetches.NumRecords() == 0 {
				c.adaptivePoller.RecordSuccess()
				time.Sleep(nextInterval)
				continue
			}

			c.adaptivePoller.RecordSuccess()
			fetches.EachRecord(func(record *kgo.Record) {
				select {
				case c.jobQueue <- record:
				default:
					// Queue full: process inline rather than stall the fetch loop.
					slog.Warn("job queue full, processing synchronously",
						slog.String("topic", record.Topic),
						slog.Int64("offset", record.Offset))
					go func(rec *kgo.Record) { _ = c.processRecord(ctx, rec) }(record)
				}
			})
		}
	}
}

// worker drains the job queue until shutdown or a scale-down signal.
func (c *Consumer) worker(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case record := <-c.jobQueue:
			if record == nil {
				return
			}
			if err := c.processRecord(ctx, record); err != nil {
				slog.Error("failed to process record",
					slog.Int("worker_id", workerID),
					slog.String("topic", record.Topic),
					slog.Int64("offset", record.Offset),
					slog.Any("error", err))
			}

			activeWorkers := c.getActiveWorkers()
			queueLen := len(c.jobQueue)
			if activeWorkers > c.minWorkers && (queueLen == 0 || activeWorkers > queueLen) {
				return
			}
		}
	}
}

func (c *Consumer) getActiveWorkers() int {
	c.workerMu.RLock()
	defer c.workerMu.RUnlock()
	return c.activeWorkers
}

func (c *Consumer) incrementActiveWorkers() {
	c.workerMu.Lock()
	defer c.workerMu.Unlock()
	c.activeWorkers++
}

func (c *Consumer) decrementActiveWorkers() {
	c.workerMu.Lock()
	defer c.workerMu.Unlock()
	if c.activeWorkers > 0 {
		c.activeWorkers--
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// processRecord enriches the context with record identity and dispatches to
// the topic handler.
func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) error {
	tracer := otel.Tracer("queue.consumer")
	ctx, span := tracer.Start(ctx, "ProcessRecord")
	defer span.End()

	handler, ok := c.handlers[record.Topic]
	if !ok {
		slog.Error("no handler registered for topic",
			slog.String("topic", record.Topic),
			slog.Int64("offset", record.Offset))
		return fmt.Errorf("op=redpanda.processRecord: no handler for topic %s", record.Topic)
	}

	jobID := string(record.Key)
	for _, h := range record.Headers {
		if h.Key == "job_id" {
			jobID = string(h.Value)
			break
		}
	}
	lg := observability.LoggerFromContext(ctx).With(
		slog.String("topic", record.Topic),
		slog.String("job_id", jobID),
	)
	ctx = observability.ContextWithLogger(ctx, lg)

	lg.Info("processing record", slog.Int64("offset", record.Offset))
	if err := handler(ctx, record.Topic, record.Value); err != nil {
		lg.Error("record handler failed", slog.Any("error", err))
		return err
	}
	lg.Info("record processed")
	return nil
}

// Close closes the session and internal channels.
func (c *Consumer) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	if c.shutdown != nil {
		select {
		case <-c.shutdown:
		default:
			close(c.shutdown)
		}
	}
	if c.jobQueue != nil {
		select {
		case <-c.jobQueue:
		default:
			close(c.jobQueue)
		}
	}
	return nil
}

// GetHealthStatus reports connection and pool health for readiness probes.
func (c *Consumer) GetHealthStatus() map[string]interface{} {
	if c.observableClient == nil {
		return map[string]interface{}{
			"status": "unhealthy",
			"reason": "observable client not initialized",
		}
	}
	healthStatus := c.observableClient.GetHealthStatus()
	healthStatus["consumer_type"] = "redpanda"
	healthStatus["group_id"] = c.groupID
	healthStatus["topics"] = c.topics
	healthStatus["active_workers"] = c.getActiveWorkers()
	healthStatus["min_workers"] = c.minWorkers
	healthStatus["max_workers"] = c.maxWorkers
	return healthStatus
}

func (c *Consumer) isConnectionHealthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.session == nil {
		return false
	}
	fetches := c.session.PollFetches(ctx)
	return len(fetches.Errors()) == 0
}

// reconnect rebuilds the transact session after a dropped connection.
func (c *Consumer) reconnect() error {
	slog.Info("reconnecting to redpanda")
	if c.session != nil {
		c.session.Close()
	}
	session, err := kgo.NewGroupTransactSession(consumerOpts(c.brokers, c.groupID, c.transactionalID, c.topics)...)
	if err != nil {
		return fmt.Errorf("op=redpanda.reconnect: %w", err)
	}
	c.session = session
	slog.Info("reconnected to redpanda")
	return nil
}

// IsHealthy reports whether recent polls have been succeeding.
func (c *Consumer) IsHealthy() bool {
	if c.observableClient == nil {
		return false
	}
	return c.observableClient.IsHealthy()
}
