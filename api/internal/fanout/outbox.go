package fanout

import (
	"context"
	"encoding/json"

	"sos-mesh-relay/api/internal/models"
	"sos-mesh-relay/shared/events"
)

type OutboxWriter interface {
	Enqueue(ctx context.Context, event models.OutboxEvent) error
}

// OutboxNotifier records dashboard events in the outbox so the worker can
// publish them to Kafka. Device messages are not durable and are skipped.
type OutboxNotifier struct {
	writer OutboxWriter
	topic  string
}

func NewOutboxNotifier(writer OutboxWriter) *OutboxNotifier {
	return &OutboxNotifier{writer: writer, topic: events.TopicSOSAlerts}
}

func (o *OutboxNotifier) Publish(ctx context.Context, ev Event) error {
	eventType := ev.Type
	if ev.UpdateType != "" {
		eventType = ev.Type + "." + ev.UpdateType
	}
	env, err := events.NewEnvelope(events.AggregateAlert, ev.Alert.MessageID, eventType, ev.Alert, ev.Timestamp)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return o.writer.Enqueue(ctx, models.OutboxEvent{
		EventID:       env.EventID,
		AggregateType: env.AggregateType,
		AggregateID:   env.AggregateID,
		EventType:     env.EventType,
		Topic:         o.topic,
		Payload:       payload,
		CreatedAt:     env.OccurredAt,
	})
}

func (o *OutboxNotifier) SendToDevice(context.Context, string, DeviceMessage) error {
	return ErrDeviceOffline
}
