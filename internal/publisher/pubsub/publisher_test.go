package pubsub

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/crawler"
)

func TestPublishWithoutPublisher(t *testing.T) {
	t.Parallel()

	p := New(nil)
	_, err := p.Publish(context.Background(), "topic", map[string]string{"k": "v"})
	require.Error(t, err)
	require.NoError(t, p.Close())
}

func TestDialRequiresTopic(t *testing.T) {
	t.Parallel()

	_, err := Dial(context.Background(), "project", "")
	require.Error(t, err)
	_, err = Dial(context.Background(), "", "topic")
	require.Error(t, err)
}

func TestCarrier(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("traceparent", "00-abc-def-01")
	c.Set("status", "success")
	assert.Equal(t, "00-abc-def-01", c.Get("traceparent"))
	keys := c.Keys()
	sort.Strings(keys)
	assert.Equal(t, []string{"status", "traceparent"}, keys)
}

func TestMessageAttributesCarryTraceContext(t *testing.T) {
	t.Parallel()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))
	event := crawler.OutcomeEvent{RunID: "run-1", Status: crawler.StatusSuccess, Domain: "lemonde.fr"}

	attrs := messageAttributes(ctx, propagation.TraceContext{}, event)
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", attrs["traceparent"])
	assert.Equal(t, "success", attrs["status"])
	assert.Equal(t, "lemonde.fr", attrs["domain"])
}

func TestMessageAttributesWithoutSpan(t *testing.T) {
	t.Parallel()

	attrs := messageAttributes(context.Background(), propagation.TraceContext{},
		crawler.OutcomeEvent{RunID: "run-1", Status: crawler.StatusBlocked})
	assert.NotContains(t, attrs, "traceparent")
	assert.NotContains(t, attrs, "domain", "empty attributes are dropped")
	assert.Equal(t, "blocked", attrs["status"])
}
