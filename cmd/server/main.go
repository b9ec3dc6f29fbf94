// Command server starts the scan orchestrator HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"

	httpserver "github.com/fairyhunter13/sonar-scan-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/app"
	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/config"
	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/domain"
	"github.com/fairyhunter13/sonar-scan-orchestrator/internal/usecase"
)

// redisAdapter narrows *redis.Client to the readiness interface.
type redisAdapter struct{ c *redis.Client }

func (r redisAdapter) Ping(ctx context.Context) app.RedisPingResult { return r.c.Ping(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	scanCfg, err := config.LoadScanConfig(cfg.ScanConfigFile)
	if err != nil {
		slog.Error("scan config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	projectRepo := postgres.NewProjectRepo(pool)
	jobRepo := postgres.NewScanJobRepo(pool)
	resultRepo := postgres.NewScanResultRepo(pool)
	failedRepo := postgres.NewFailedCommitRepo(pool)
	lockRepo := postgres.NewInstanceLockRepo(pool)
	eventRepo := postgres.NewWebhookEventRepo(pool)

	if cfg.DataRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("cleanup service started",
			slog.Int("retention_days", cfg.DataRetentionDays),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	producer, err := redpanda.NewProducer(cfg.KafkaBrokers)
	if err != nil {
		slog.Error("redpanda producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close queue producer", slog.Any("error", err))
		}
	}()

	retryMgr := redpanda.NewRetryManager(producer, jobRepo, toDomainRetry(cfg))

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = rdb.Close() }()

	brokerProbe, err := kgo.NewClient(kgo.SeedBrokers(cfg.KafkaBrokers...))
	if err != nil {
		slog.Error("redpanda probe client failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer brokerProbe.Close()

	dbCheck, redisCheck, brokerCheck := app.BuildReadinessChecks(pool, redisAdapter{rdb}, brokerProbe)

	projectSvc := usecase.NewProjectService(projectRepo, jobRepo, producer)
	exportSvc := usecase.NewExportService(projectRepo, resultRepo, scanCfg.MetricKeys)
	webhookSvc := usecase.NewWebhookService(jobRepo, eventRepo, producer, retryMgr)
	triageSvc := usecase.NewTriageService(failedRepo, jobRepo, lockRepo, producer)

	srv := httpserver.NewServer(cfg, projectSvc, exportSvc, webhookSvc, triageSvc, dbCheck, redisCheck, brokerCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

func toDomainRetry(cfg config.Config) domain.RetryConfig {
	rc := cfg.GetRetryConfig()
	return domain.RetryConfig{MaxRetries: rc.MaxRetries, Base: rc.Base, Cap: rc.Cap, JitterRatio: rc.JitterRatio}
}
