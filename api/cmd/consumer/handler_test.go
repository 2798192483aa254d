package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"sos-mesh-relay/api/internal/models"
	"sos-mesh-relay/shared/events"
)

type capturedPoint struct {
	measurement string
	tags        map[string]string
	fields      map[string]any
	ts          time.Time
}

type pointSink struct {
	points []capturedPoint
}

func (s *pointSink) WritePoint(_ context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error {
	s.points = append(s.points, capturedPoint{measurement: measurement, tags: tags, fields: fields, ts: ts})
	return nil
}

func envelope(t *testing.T, eventType string, alert models.Alert, at time.Time) []byte {
	t.Helper()
	env, err := events.NewEnvelope(events.AggregateAlert, alert.MessageID, eventType, alert, at)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestHandleAlertEventWritesPoint(t *testing.T) {
	at := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	alert := models.Alert{
		MessageID:     "msg-1",
		EmergencyType: "medical",
		Priority:      "critical",
		Status:        models.StatusActive,
		DeliveredVia:  models.DeliveredMeshRelay,
		HopCount:      3,
		IsVerified:    true,
		Location:      models.Location{Latitude: 1.5, Longitude: 2.5},
	}
	sink := &pointSink{}
	if err := handleAlertEvent(context.Background(), sink, envelope(t, "sos_update.relay_path", alert, at)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(sink.points) != 1 {
		t.Fatalf("expected one point, got %d", len(sink.points))
	}
	p := sink.points[0]
	if p.measurement != measurementAlertEvents || !p.ts.Equal(at) {
		t.Fatalf("unexpected point: %+v", p)
	}
	if p.tags["event_type"] != "sos_update" || p.tags["update_type"] != "relay_path" || p.tags["delivered_via"] != models.DeliveredMeshRelay {
		t.Fatalf("unexpected tags: %v", p.tags)
	}
	if p.fields["hop_count"] != 3 || p.fields["message_id"] != "msg-1" || p.fields["is_verified"] != true {
		t.Fatalf("unexpected fields: %v", p.fields)
	}
}

func TestHandleAlertEventRejectsMalformed(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "not json", payload: []byte("{")},
		{name: "missing ids", payload: []byte(`{"aggregate_type":"sos_alert"}`)},
		{name: "other aggregate", payload: []byte(`{"event_id":"0b8f6f5e-3c1d-4a7b-9e2f-1d3c5b7a9e0f","aggregate_id":"x","aggregate_type":"device"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &pointSink{}
			err := handleAlertEvent(context.Background(), sink, tt.payload)
			if !errors.Is(err, errMalformedEvent) {
				t.Fatalf("expected malformed error, got %v", err)
			}
			if len(sink.points) != 0 {
				t.Fatalf("no point expected")
			}
		})
	}
}

type flakyWriter struct {
	failures int
	calls    int
}

func (f *flakyWriter) WritePoint(context.Context, string, map[string]string, map[string]any, time.Time) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("influx down")
	}
	return nil
}

func TestDeliverAlertEventRetriesWrites(t *testing.T) {
	raw := envelope(t, "sos_alert.created", models.Alert{MessageID: "msg-2", Status: models.StatusActive}, time.Now())
	w := &flakyWriter{failures: 2}
	var retries []int
	err := deliverAlertEvent(context.Background(), w, raw,
		func(int) time.Duration { return time.Millisecond },
		func(attempt int, err error) { retries = append(retries, attempt) },
	)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if w.calls != 3 || len(retries) != 2 {
		t.Fatalf("expected 3 calls and 2 retries, got %d/%v", w.calls, retries)
	}
}

func TestDeliverAlertEventStopsOnCancel(t *testing.T) {
	raw := envelope(t, "sos_alert.created", models.Alert{MessageID: "msg-3"}, time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	w := &flakyWriter{failures: 1000}
	err := deliverAlertEvent(ctx, w, raw,
		func(int) time.Duration { return time.Hour },
		func(int, error) { cancel() },
	)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDeliverAlertEventSkipsMalformed(t *testing.T) {
	w := &flakyWriter{}
	err := deliverAlertEvent(context.Background(), w, []byte("nope"), writeBackoff, nil)
	if !errors.Is(err, errMalformedEvent) || w.calls != 0 {
		t.Fatalf("expected immediate malformed error, got %v after %d calls", err, w.calls)
	}
}
