package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"sos-mesh-relay/api/internal/models"
	"sos-mesh-relay/shared/events"
)

const measurementAlertEvents = "sos_alert_events"

type pointWriter interface {
	WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error
}

var errMalformedEvent = errors.New("malformed alert event")

// alertPoint turns one outbox envelope into an InfluxDB point.
func alertPoint(payload []byte) (map[string]string, map[string]any, time.Time, error) {
	var envelope events.Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, nil, time.Time{}, errors.Join(errMalformedEvent, err)
	}
	if envelope.EventID == uuid.Nil || strings.TrimSpace(envelope.AggregateID) == "" {
		return nil, nil, time.Time{}, errors.Join(errMalformedEvent, errors.New("missing event_id/aggregate_id"))
	}
	if envelope.AggregateType != events.AggregateAlert {
		return nil, nil, time.Time{}, errors.Join(errMalformedEvent, errors.New("unexpected aggregate_type "+envelope.AggregateType))
	}
	var alert models.Alert
	if err := json.Unmarshal(envelope.Payload, &alert); err != nil {
		return nil, nil, time.Time{}, errors.Join(errMalformedEvent, err)
	}

	eventType, updateType, _ := strings.Cut(envelope.EventType, ".")
	tags := map[string]string{
		"event_type":     eventType,
		"emergency_type": alert.EmergencyType,
		"priority":       alert.Priority,
		"status":         alert.Status,
		"delivered_via":  alert.DeliveredVia,
	}
	if updateType != "" {
		tags["update_type"] = updateType
	}
	fields := map[string]any{
		"message_id":  envelope.AggregateID,
		"event_id":    envelope.EventID.String(),
		"hop_count":   alert.HopCount,
		"is_verified": alert.IsVerified,
		"latitude":    alert.Location.Latitude,
		"longitude":   alert.Location.Longitude,
		"responders":  len(alert.Responders),
	}
	ts := envelope.OccurredAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return tags, fields, ts, nil
}

func handleAlertEvent(ctx context.Context, w pointWriter, payload []byte) error {
	tags, fields, ts, err := alertPoint(payload)
	if err != nil {
		return err
	}
	return w.WritePoint(ctx, measurementAlertEvents, tags, fields, ts)
}

// deliverAlertEvent retries failed writes until ctx ends so the offset is
// never committed past an unwritten event. Malformed events return at once.
func deliverAlertEvent(ctx context.Context, w pointWriter, payload []byte, backoff func(int) time.Duration, onRetry func(int, error)) error {
	for attempt := 1; ; attempt++ {
		err := handleAlertEvent(ctx, w, payload)
		if err == nil || errors.Is(err, errMalformedEvent) {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}
}

func writeBackoff(attempt int) time.Duration {
	return min(time.Duration(attempt)*500*time.Millisecond, 10*time.Second)
}
