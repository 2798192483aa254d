package mqx

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"sos-mesh-relay/shared/config"
)

func TestHeaderCarrierOrdersKeys(t *testing.T) {
	c := HeaderCarrier{"event_type": "sos_alert.created", "aggregate_id": "m-1", "event_id": "e-1"}
	hs := c.kafkaHeaders()
	if len(hs) != 3 || hs[0].Key != "aggregate_id" || hs[2].Key != "event_type" {
		t.Fatalf("unexpected header order %+v", hs)
	}
	if got := Headers(kafka.Message{Headers: hs}); got["event_id"] != "e-1" {
		t.Fatalf("round trip lost header: %v", got)
	}
}

func TestExtractContextContinuesTrace(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	parent := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	carrier := HeaderCarrier{}
	otel.GetTextMapPropagator().Inject(parent, carrier)
	if carrier.Get("traceparent") == "" {
		t.Fatalf("traceparent not injected: %v", carrier)
	}

	ctx := ExtractContext(context.Background(), kafka.Message{Headers: carrier.kafkaHeaders()})
	if got := trace.SpanContextFromContext(ctx).TraceID(); got != traceID {
		t.Fatalf("expected trace %s, got %s", traceID, got)
	}
}

func TestConstructorsRequireBrokers(t *testing.T) {
	if _, err := NewProducer(config.Config{}); err == nil {
		t.Fatalf("producer without brokers must fail")
	}
	if _, err := NewConsumer(config.Config{KafkaBrokers: []string{"localhost:9092"}}, "sos.alerts", ""); err == nil {
		t.Fatalf("consumer without group must fail")
	}
}
