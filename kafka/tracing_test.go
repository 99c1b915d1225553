package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/loipv/kafka-bridge/native"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newTestTracing() (*TracingConfig, *tracetest.InMemoryExporter) {
	exporter := tracetest.NewInMemoryExporter()
	return &TracingConfig{
		Enabled:        true,
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter)),
		Propagator:     propagation.TraceContext{},
	}, exporter
}

func spanNames(spans tracetest.SpanStubs) []string {
	names := make([]string, 0, len(spans))
	for _, s := range spans {
		names = append(names, s.Name)
	}
	return names
}

func attr(s tracetest.SpanStub, key string) (attribute.Value, bool) {
	for _, kv := range s.Attributes {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestNilTracingServiceIsNoop(t *testing.T) {
	var ts *TracingService
	ctx := context.Background()

	got, end := ts.StartConsumerSpan(ctx, "g", &Message{Topic: "T"})
	assert.Equal(t, ctx, got)
	end(errors.New("ignored"))

	nm := &native.Message{}
	ts.InjectTraceContext(ctx, nm)
	assert.Empty(t, nm.Headers)
	assert.Nil(t, newTracingFromConfig(&TracingConfig{Enabled: false}))
}

func TestConsumerTracesRebalanceAndCommit(t *testing.T) {
	cfg, exporter := newTestTracing()
	c := newTestConsumer(t, ConsumerWithTracing(cfg))

	c.handle.PushAssign(tp("T", 0, native.OffsetInvalid), tp("T", 1, native.OffsetInvalid))
	_, err := c.Poll(0)
	require.NoError(t, err)
	require.NoError(t, c.Commit(context.Background(), NewTopicPartitionList(tp("T", 0, 1)), false))

	spans := exporter.GetSpans()
	require.Equal(t, []string{"rebalance assign", "g commit"}, spanNames(spans))

	count, ok := attr(spans[0], MessagingBatchMessageCountKey)
	require.True(t, ok)
	assert.Equal(t, int64(2), count.AsInt64())

	async, ok := attr(spans[1], commitAsyncKey)
	require.True(t, ok)
	assert.False(t, async.AsBool())
	assert.Equal(t, trace.SpanKindClient, spans[1].SpanKind)
}

func TestConsumerTracesFailedSeek(t *testing.T) {
	cfg, exporter := newTestTracing()
	c := newTestConsumer(t, ConsumerWithTracing(cfg))

	require.Error(t, c.Seek(context.Background(), "T", 4, 0, 0))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "T seek", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
}

func TestConsumeContinuesProducerTrace(t *testing.T) {
	cfg, exporter := newTestTracing()
	tracing := NewTracingService(cfg)

	ctx, end := tracing.StartProducerSpan(context.Background(), "T", &Message{})
	nm := &native.Message{Topic: "T", Partition: 0, Offset: 0}
	tracing.InjectTraceContext(ctx, nm)
	end(nil)
	parent := trace.SpanContextFromContext(ctx)

	c := newTestConsumer(t, ConsumerWithTracing(cfg))
	c.handle.PushAssign(tp("T", 0, native.OffsetInvalid))
	c.handle.PushMessage(nm)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var handlerSpan trace.SpanContext
	err := c.Consume(runCtx, func(ctx context.Context, msg *Message) error {
		handlerSpan = trace.SpanContextFromContext(ctx)
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, parent.TraceID(), handlerSpan.TraceID())

	var process tracetest.SpanStub
	for _, s := range exporter.GetSpans() {
		if s.Name == "g T process" {
			process = s
		}
	}
	require.Equal(t, "g T process", process.Name)
	assert.Equal(t, parent.SpanID(), process.Parent.SpanID())
	assert.Equal(t, trace.SpanKindConsumer, process.SpanKind)
}
