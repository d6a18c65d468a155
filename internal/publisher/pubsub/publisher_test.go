package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestPublishWithoutTopic(t *testing.T) {
	t.Parallel()

	var p *Publisher
	_, err := p.Publish(context.Background(), "events", map[string]string{"k": "v"})
	require.Error(t, err)

	_, err = New(nil).Publish(context.Background(), "events", "payload")
	require.Error(t, err)
}

func TestDialRequiresProjectAndTopic(t *testing.T) {
	t.Parallel()

	_, _, err := Dial(context.Background(), "", "topic")
	require.Error(t, err)
	_, _, err = Dial(context.Background(), "project", "")
	require.Error(t, err)
}

func TestCarrierPropagatesTraceContext(t *testing.T) {
	t.Parallel()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	carrier := &pubsubCarrier{attrs: map[string]string{}}
	propagation.TraceContext{}.Inject(ctx, carrier)
	require.Contains(t, carrier.Keys(), "traceparent")

	extracted := propagation.TraceContext{}.Extract(context.Background(), carrier)
	require.Equal(t, traceID, trace.SpanContextFromContext(extracted).TraceID())
}
