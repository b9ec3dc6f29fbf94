// Command worker runs the background side of the orchestrator: ingest,
// scan dispatch, measures harvest, DLQ triage intake, the lease reconciler,
// and scheduled maintenance.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/adapter/gitrepo"
	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/adapter/queue/shared"
	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/adapter/scanner"
	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/adapter/sonar"
	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/app"
	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/config"
	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/service/lockmgr"
	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/service/ratelimiter"
	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// The worker exposes its own /metrics endpoint so queue and scanner
	// metrics are scraped even when the API server is down.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	scanCfg, err := config.LoadScanConfig(cfg.ScanConfigFile)
	if err != nil {
		slog.Error("scan config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	instances := scanCfg.DomainInstances()

	projectRepo := postgres.NewProjectRepo(pool)
	jobRepo := postgres.NewScanJobRepo(pool)
	resultRepo := postgres.NewScanResultRepo(pool)
	failedRepo := postgres.NewFailedCommitRepo(pool)
	lockRepo := postgres.NewInstanceLockRepo(pool)
	eventRepo := postgres.NewWebhookEventRepo(pool)

	repoCache := gitrepo.New(cfg.RepoCacheDir, cfg.GitBaseURL, cfg.GitToken)
	scannerCLI := scanner.NewCLI(filepath.Join(cfg.DataDir, "scanner-logs"), cfg.ScanTimeout, scanCfg.DefaultScannerArgs)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = rdb.Close() }()

	// One token bucket per analysis server; the measures client consults it
	// before every read-API call.
	buckets := make(map[string]ratelimiter.BucketConfig, len(instances))
	if cfg.InstanceAPIRatePerMin > 0 {
		for _, inst := range instances {
			buckets[inst.Name] = ratelimiter.NewBucketConfigFromPerMinute(cfg.InstanceAPIRatePerMin)
		}
	}
	limiter := ratelimiter.NewRedisLuaLimiter(rdb, pool, buckets)
	if err := limiter.WarmFromPostgres(ctx); err != nil {
		slog.Warn("rate limit bucket warm-up failed", slog.Any("error", err))
	}

	maxElapsed, initial, maxInterval, multiplier := cfg.GetMetricsBackoffConfig()
	measures := sonar.NewClient(
		&http.Client{
			Timeout:   cfg.MetricsHTTPTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter,
		sonar.BackoffConfig{
			MaxElapsedTime:  maxElapsed,
			InitialInterval: initial,
			MaxInterval:     maxInterval,
			Multiplier:      multiplier,
			MaxServerErrors: cfg.MetricsRetryMax,
		},
	)

	lockMgr := lockmgr.New(lockRepo, instances, cfg.LeaseTTL)

	// A transactional ID distinct from the API server's producer avoids
	// fencing between the two processes.
	producer, err := redpanda.NewProducerWithTransactionalID(cfg.KafkaBrokers, "scan-orchestrator-worker-producer")
	if err != nil {
		slog.Error("queue producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close queue producer", slog.Any("error", err))
		}
	}()

	retryMgr := redpanda.NewRetryManager(producer, jobRepo, toDomainRetry(cfg))

	ingestSvc := usecase.NewIngestService(projectRepo, jobRepo, producer, cfg.IngestionChunkSize, cfg.CSVEncoding, cfg.MaxRetries)
	ingestHandler := shared.NewIngestHandler(ingestSvc)

	dispatcherID, err := os.Hostname()
	if err != nil || dispatcherID == "" {
		dispatcherID = "dispatcher-1"
	}
	scanHandler := shared.NewScanHandler(jobRepo, eventRepo, lockMgr, repoCache, scannerCLI, producer, retryMgr, shared.ScanHandlerConfig{
		WebhookWaitTimeout:     cfg.WebhookWaitTimeout,
		CompletionPollInterval: cfg.CompletionPollInterval,
		DispatcherID:           dispatcherID,
	})
	metricsHandler := shared.NewMetricsHandler(jobRepo, resultRepo, failedRepo, projectRepo, lockMgr, measures, retryMgr, scanCfg.MetricKeys, cfg.MetricsChunkSize)

	minWorkers, maxWorkers := workerBounds(cfg.ConsumerMaxConcurrency)
	slog.Info("worker scaling configuration",
		slog.Int("min_workers", minWorkers),
		slog.Int("max_workers", maxWorkers),
		slog.Duration("scaling_interval", cfg.WorkerScalingInterval),
		slog.Duration("idle_timeout", cfg.WorkerIdleTimeout))

	scanHandlers := make(map[string]redpanda.Handler, len(redpanda.ScanTopics))
	for _, topic := range redpanda.ScanTopics {
		scanHandlers[topic] = scanHandler.Handle
	}
	scanConsumer, err := redpanda.NewConsumerWithConfig(
		cfg.KafkaBrokers,
		"scan-dispatchers",
		"scan-orchestrator-dispatcher",
		redpanda.ScanTopics,
		scanHandlers,
		minWorkers,
		maxWorkers,
	)
	if err != nil {
		slog.Error("scan consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = scanConsumer.Close() }()

	ingestConsumer, err := redpanda.NewConsumer(
		cfg.KafkaBrokers,
		"scan-ingesters",
		[]string{redpanda.TopicIngest},
		map[string]redpanda.Handler{redpanda.TopicIngest: ingestHandler.Handle},
	)
	if err != nil {
		slog.Error("ingest consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = ingestConsumer.Close() }()

	metricsConsumer, err := redpanda.NewConsumer(
		cfg.KafkaBrokers,
		"scan-harvesters",
		[]string{redpanda.TopicMetrics},
		map[string]redpanda.Handler{redpanda.TopicMetrics: metricsHandler.Handle},
	)
	if err != nil {
		slog.Error("metrics consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = metricsConsumer.Close() }()

	dlqConsumer, err := redpanda.NewDLQConsumer(cfg.KafkaBrokers, "scan-dlq-workers", jobRepo, failedRepo)
	if err != nil {
		slog.Error("DLQ consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer dlqConsumer.Stop()
	if err := dlqConsumer.Start(ctx); err != nil {
		slog.Error("DLQ consumer start error", slog.Any("error", err))
	}

	reconciler := app.NewReconciler(jobRepo, failedRepo, lockMgr, producer, retryMgr, app.ReconcilerConfig{
		Interval:     cfg.ReconcilerInterval,
		StaleRunning: cfg.StaleRunningThreshold,
		StaleQueued:  cfg.StaleQueueThreshold,
		PageLimit:    cfg.ReconcilerPageLimit,
	})
	go reconciler.Run(ctx)

	var cleaner app.RetentionCleaner
	if cfg.DataRetentionDays > 0 {
		cleaner = postgres.NewCleanupService(pool, cfg.DataRetentionDays)
	}
	maintenance := app.NewMaintenance(cleaner, repoCache, cfg.RepoCacheMinFreeBytes, cfg.MaintenanceSchedule)
	if err := maintenance.Start(ctx); err != nil {
		slog.Error("maintenance scheduler start failed", slog.Any("error", err))
	}
	defer maintenance.Stop()

	for name, c := range map[string]*redpanda.Consumer{
		"scan":    scanConsumer,
		"ingest":  ingestConsumer,
		"metrics": metricsConsumer,
	} {
		go func(name string, c *redpanda.Consumer) {
			slog.Info("starting consumer", slog.String("consumer", name))
			if err := c.Start(ctx); err != nil {
				slog.Error("consumer error", slog.String("consumer", name), slog.Any("error", err))
			}
		}(name, c)
	}

	slog.Info("worker started, waiting for shutdown signal")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
}

// workerBounds derives the dispatcher pool size from the configured
// concurrency cap. A cap of one pins a strict single-dispatcher mode.
func workerBounds(maxConcurrency int) (minWorkers, maxWorkers int) {
	minWorkers = maxConcurrency / 2
	if maxConcurrency <= 1 {
		minWorkers = 1
	} else if minWorkers < 4 {
		minWorkers = 4
	}
	maxWorkers = maxConcurrency
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	return minWorkers, maxWorkers
}

func toDomainRetry(cfg config.Config) domain.RetryConfig {
	rc := cfg.GetRetryConfig()
	return domain.RetryConfig{MaxRetries: rc.MaxRetries, Base: rc.Base, Cap: rc.Cap, JitterRatio: rc.JitterRatio}
}
