package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sos-mesh-relay/shared/config"
	"sos-mesh-relay/shared/events"
	"sos-mesh-relay/shared/influxx"
	"sos-mesh-relay/shared/logx"
	"sos-mesh-relay/shared/metricsx"
	"sos-mesh-relay/shared/mqx"
	"sos-mesh-relay/shared/observability"
)

func main() {
	cfg, problems := config.Load("sos-events-consumer", 8082)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.KafkaGroupID == "" {
		problems = append(problems, config.Problem{Field: "KAFKA_GROUP_ID", Message: "KAFKA_GROUP_ID is required"})
	}
	influx, err := influxx.New(cfg)
	if err != nil {
		problems = append(problems, config.Problem{Field: "INFLUX_URL", Message: err.Error()})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}
	defer influx.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := influx.Ping(pingCtx); err != nil {
		logger.Warn(pingCtx, "influx_unreachable", "influx ping failed, writes will be retried",
			slog.String("error_code", "UNAVAILABLE"),
			slog.String("error", err.Error()),
		)
	}
	pingCancel()

	if tc, ok := observability.FromConfig(cfg, version); ok {
		if shutdown, err := observability.InitTracer(context.Background(), tc); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	reader, err := mqx.NewConsumer(cfg, events.TopicSOSAlerts, cfg.KafkaGroupID)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka reader init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer reader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	logger.Info(ctx, "consumer_start", "sos events consumer started",
		slog.String("topic", events.TopicSOSAlerts),
		slog.String("group", cfg.KafkaGroupID),
	)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		headers := mqx.Headers(msg)
		spanCtx, span := otel.Tracer("mqx").Start(mqx.ExtractContext(ctx, msg), "kafka.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		span.SetAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", events.TopicSOSAlerts),
			attribute.String("event_id", headers["event_id"]),
			attribute.String("event_type", headers["event_type"]),
		)
		err = deliverAlertEvent(spanCtx, influx, msg.Value, writeBackoff, func(attempt int, err error) {
			metricsx.IncInfluxWriteFailure()
			logger.Error(ctx, "influx_write_failed", "failed to write alert event",
				slog.String("error_code", "UNAVAILABLE"),
				slog.String("event_id", headers["event_id"]),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		if errors.Is(err, context.Canceled) {
			break
		}
		if err != nil {
			logger.Warn(ctx, "event_malformed", "skipping malformed alert event",
				slog.String("error_code", "INVALID_ARGUMENT"),
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
		stats := reader.Stats()
		metricsx.SetKafkaLag(stats.Topic, cfg.KafkaGroupID, stats.Lag)
	}

	logger.Info(context.Background(), "consumer_stop", "sos events consumer stopped")
}
