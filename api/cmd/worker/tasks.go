package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"sos-mesh-relay/api/internal/models"
	"sos-mesh-relay/api/internal/repos"
	"sos-mesh-relay/shared/logx"
)

const (
	taskOutboxScan     = "outbox.scan"
	taskOutboxDispatch = "outbox.dispatch"
	taskExpireSweep    = "alerts.expire_sweep"

	staleClaimAfter = 5 * time.Minute
)

type dispatchPayload struct {
	EventID string `json:"event_id"`
}

type outboxStore interface {
	ClaimPending(ctx context.Context, owner string, limit int) ([]models.OutboxEvent, error)
	GetByID(ctx context.Context, eventID uuid.UUID) (models.OutboxEvent, error)
	MarkDelivered(ctx context.Context, eventID uuid.UUID) error
	MarkFailed(ctx context.Context, eventID uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

type publisher interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

type enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type expirer interface {
	ExpireDue(ctx context.Context, limit int) (int, error)
}

type tasks struct {
	outbox      outboxStore
	producer    publisher
	queue       enqueuer
	alerts      expirer
	logger      logx.Logger
	queueName   string
	owner       string
	batchSize   int
	sweepBatch  int
	maxAttempts int
	now         func() time.Time
}

func (t *tasks) register(mux *asynq.ServeMux) {
	mux.HandleFunc(taskOutboxScan, t.handleScan)
	mux.HandleFunc(taskOutboxDispatch, t.handleDispatch)
	if t.alerts != nil {
		mux.HandleFunc(taskExpireSweep, t.handleExpireSweep)
	}
}

func (t *tasks) handleScan(ctx context.Context, _ *asynq.Task) error {
	if released, err := t.outbox.ReleaseStale(ctx, staleClaimAfter); err != nil {
		t.logger.Warn(ctx, "outbox_release_failed", "failed to release stale claims",
			slog.String("error_code", "UNAVAILABLE"),
			slog.String("error", err.Error()),
		)
	} else if released > 0 {
		t.logger.Info(ctx, "outbox_released", "released stale outbox claims", slog.Int64("count", released))
	}

	events, err := t.outbox.ClaimPending(ctx, t.owner, t.batchSize)
	if err != nil {
		return err
	}
	for _, event := range events {
		payload, _ := json.Marshal(dispatchPayload{EventID: event.EventID.String()})
		task := asynq.NewTask(taskOutboxDispatch, payload, asynq.Queue(t.queueName))
		if _, err := t.queue.Enqueue(task); err != nil {
			t.logger.Error(ctx, "enqueue_failed", "failed to enqueue outbox dispatch",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("event_id", event.EventID.String()),
				slog.String("error", err.Error()),
			)
			t.fail(ctx, event, err)
		}
	}
	return nil
}

func (t *tasks) handleDispatch(ctx context.Context, task *asynq.Task) error {
	ctx, span := otel.Tracer("asynq").Start(ctx, taskOutboxDispatch)
	defer span.End()

	var payload dispatchPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	eventID, err := uuid.Parse(strings.TrimSpace(payload.EventID))
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	span.SetAttributes(attribute.String("event_id", eventID.String()))

	event, err := t.outbox.GetByID(ctx, eventID)
	if err != nil {
		return err
	}
	if event.Status == repos.OutboxStatusDelivered || event.Status == repos.OutboxStatusDead {
		return nil
	}
	span.SetAttributes(
		attribute.String("messaging.destination", event.Topic),
		attribute.String("event_type", event.EventType),
	)

	if err := t.producer.Publish(ctx, event.Topic, []byte(event.AggregateID), event.Payload, dispatchHeaders(event, t.now())); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if dead := t.fail(ctx, event, err); dead {
			return nil
		}
		return err
	}
	return t.outbox.MarkDelivered(ctx, event.EventID)
}

// fail records a failed attempt and reports whether the event is now dead.
func (t *tasks) fail(ctx context.Context, event models.OutboxEvent, cause error) bool {
	attempts := event.Attempts + 1
	nextRetry := t.now().UTC().Add(retryDelay(attempts))
	dead := attempts >= t.maxAttempts
	if err := t.outbox.MarkFailed(ctx, event.EventID, attempts, &nextRetry, cause.Error(), dead); err != nil {
		t.logger.Error(ctx, "outbox_mark_failed", "failed to record outbox failure",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("event_id", event.EventID.String()),
			slog.String("error", err.Error()),
		)
	}
	if dead {
		t.logger.Warn(ctx, "outbox_dead", "outbox event moved to dead-letter",
			slog.String("event_id", event.EventID.String()),
			slog.String("event_type", event.EventType),
			slog.Int("attempts", attempts),
		)
	}
	return dead
}

func (t *tasks) handleExpireSweep(ctx context.Context, _ *asynq.Task) error {
	ctx, span := otel.Tracer("asynq").Start(ctx, taskExpireSweep)
	defer span.End()

	n, err := t.alerts.ExpireDue(ctx, t.sweepBatch)
	span.SetAttributes(attribute.Int("expired", n))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if n > 0 {
		t.logger.Info(ctx, "alerts_expired", "expired overdue alerts", slog.Int("count", n))
	}
	return nil
}

func dispatchHeaders(event models.OutboxEvent, now time.Time) map[string]string {
	return map[string]string{
		"event_id":       event.EventID.String(),
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID,
		"event_type":     event.EventType,
		"published_at":   now.UTC().Format(time.RFC3339Nano),
	}
}

func retryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 5 * time.Second
	}
	delay := time.Duration(attempt*attempt) * 5 * time.Second
	if delay > 5*time.Minute {
		return 5 * time.Minute
	}
	return delay
}
