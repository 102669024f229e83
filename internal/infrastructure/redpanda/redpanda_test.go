package redpanda

import (
	"context"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/drfirst/go-visitflow/internal/domain/visit"
)

func TestRouteVisitEvent(t *testing.T) {
	tests := []struct {
		eventType visit.EventType
		want      string
	}{
		{visit.EventStockShortfallReported, TopicStockShortfall},
		{visit.EventPrescriptionConfirmed, TopicVisitEvents},
		{visit.EventBillFinalized, TopicVisitEvents},
	}
	for _, tt := range tests {
		topic, key := RouteVisitEvent(&visit.Event{AggregateID: "v-1", EventType: tt.eventType})
		if topic != tt.want || key != "v-1" {
			t.Errorf("%s routed to %s/%s", tt.eventType, topic, key)
		}
	}
}

func TestTraceHeadersRoundTrip(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	record := &kgo.Record{Headers: []kgo.RecordHeader{{Key: "traceparent", Value: []byte("stale")}}}
	injectTraceHeaders(ctx, record)
	if len(record.Headers) != 1 {
		t.Fatalf("existing header not overwritten: %v", record.Headers)
	}

	got := trace.SpanContextFromContext(extractTraceContext(context.Background(), record))
	if got.TraceID() != traceID || got.SpanID() != spanID {
		t.Errorf("extracted %s/%s", got.TraceID(), got.SpanID())
	}
}
