package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"sos-mesh-relay/api/internal/fanout"
	"sos-mesh-relay/api/internal/repos"
	"sos-mesh-relay/api/internal/sos"
	"sos-mesh-relay/api/internal/verify"
	"sos-mesh-relay/shared/cachex"
	"sos-mesh-relay/shared/config"
	"sos-mesh-relay/shared/dbx"
	"sos-mesh-relay/shared/lockx"
	"sos-mesh-relay/shared/logx"
	"sos-mesh-relay/shared/metricsx"
	"sos-mesh-relay/shared/mqx"
	"sos-mesh-relay/shared/observability"
)

func main() {
	cfg, problems := config.Load("sos-worker", 8083)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if tc, ok := observability.FromConfig(cfg, version); ok {
		if shutdown, err := observability.InitTracer(context.Background(), tc); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	dbPool, err := dbx.NewPool(context.Background(), cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "db init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer dbPool.Close()

	outboxRepo := repos.NewOutboxRepo(dbPool)
	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka producer init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer producer.Close()

	// Expiry takes the same per-alert lock and fanout as api lifecycle calls.
	var locker sos.Locker = lockx.NewKeyedMutex()
	sinks := []fanout.Sink{{Name: "outbox", Notifier: fanout.NewOutboxNotifier(outboxRepo)}}
	if cfg.RedisAddr != "" {
		cache, err := cachex.New(cfg)
		if err == nil {
			defer cache.Close()
			sinks = append(sinks, fanout.Sink{Name: "redis", Notifier: fanout.NewRedisBridge(cache.Client(), logger)})
			if cfg.LockBackend == config.LockRedis {
				locker = lockx.NewRedisLocker(cache.Client(), "", cfg.LockTTL(), cfg.LockWait())
			}
		}
	}
	alerts := sos.New(sos.Options{
		Store:         repos.NewAlertsRepo(dbPool),
		Verifier:      verify.New(cfg.AppSignatureSecret, cfg.AppBundleIDs, cfg.AlertTTL),
		Locker:        locker,
		Notifier:      fanout.NewMulti(sinks...),
		Logger:        logger,
		TTL:           cfg.AlertTTL,
		NotifyTimeout: cfg.NotifyTimeout(),
	})

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues: map[string]int{
			cfg.AsynqQueue: 1,
		},
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return retryDelay(n)
		},
	})
	defer server.Shutdown()

	client := asynq.NewClient(redisOpt)
	defer client.Close()

	hostname, _ := os.Hostname()
	worker := &tasks{
		outbox:      outboxRepo,
		producer:    producer,
		queue:       client,
		alerts:      alerts,
		logger:      logger,
		queueName:   cfg.AsynqQueue,
		owner:       cfg.ServiceName + "@" + hostname,
		batchSize:   cfg.OutboxBatchSize,
		sweepBatch:  cfg.ExpirySweepBatch,
		maxAttempts: cfg.OutboxMaxAttempts,
		now:         time.Now,
	}
	mux := asynq.NewServeMux()
	worker.register(mux)

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})
	defer scheduler.Shutdown()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	schedules := []struct {
		every int
		task  string
	}{
		{every: cfg.OutboxScanSec, task: taskOutboxScan},
		{every: cfg.ExpirySweepSec, task: taskExpireSweep},
	}
	for _, s := range schedules {
		cronspec := "@every " + strconv.Itoa(s.every) + "s"
		if _, err := scheduler.Register(cronspec, asynq.NewTask(s.task, nil, asynq.Queue(cfg.AsynqQueue), asynq.Unique(time.Duration(s.every)*time.Second))); err != nil {
			logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("task", s.task),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}
	if err := scheduler.Start(); err != nil {
		logger.Error(context.Background(), "scheduler_start_failed", "scheduler start failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			info, err := inspector.GetQueueInfo(cfg.AsynqQueue)
			if err != nil {
				continue
			}
			metricsx.SetAsynqQueueDepth(cfg.AsynqQueue, info.Size)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "worker_start", "sos worker started",
			slog.String("queue", cfg.AsynqQueue),
			slog.Int("concurrency", cfg.AsynqConcurrency),
			slog.Int("outbox_scan_seconds", cfg.OutboxScanSec),
			slog.Int("expiry_sweep_seconds", cfg.ExpirySweepSec),
		)
		errCh <- server.Run(mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			logger.Error(context.Background(), "worker_failed", "worker failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	logger.Info(context.Background(), "worker_stop", "sos worker stopped")
}
