package kafka

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/loipv/kafka-bridge/native"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Semantic convention attributes for messaging
const (
	MessagingSystemKey              = "messaging.system"
	MessagingDestinationNameKey     = "messaging.destination.name"
	MessagingDestinationPartitionID = "messaging.destination.partition.id"
	MessagingOperationNameKey       = "messaging.operation.name"
	MessagingOperationTypeKey       = "messaging.operation.type"
	MessagingKafkaOffsetKey         = "messaging.kafka.offset"
	MessagingKafkaConsumerGroupKey  = "messaging.kafka.consumer.group"
	MessagingKafkaMessageKeyKey     = "messaging.kafka.message.key"
	MessagingClientIDKey            = "messaging.client.id"
	MessagingBatchMessageCountKey   = "messaging.batch.message_count"

	rebalanceKindKey  = "messaging.kafka.rebalance.kind"
	commitAsyncKey    = "messaging.kafka.commit.async"
	defaultTracerName = "github.com/loipv/kafka-bridge"
)

// TracingConfig holds OpenTelemetry tracing configuration
type TracingConfig struct {
	Enabled       bool
	TracerName    string
	TracerVersion string
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
	// Propagator defaults to the global text map propagator.
	Propagator propagation.TextMapPropagator
}

// TracingService provides OpenTelemetry tracing for Kafka operations. A nil
// *TracingService traces nothing.
type TracingService struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	config     *TracingConfig
}

// NewTracingService creates a new tracing service
func NewTracingService(config *TracingConfig) *TracingService {
	tracerName := config.TracerName
	if tracerName == "" {
		tracerName = defaultTracerName
	}

	tracerVersion := config.TracerVersion
	if tracerVersion == "" {
		tracerVersion = Version
	}

	provider := config.TracerProvider
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	propagator := config.Propagator
	if propagator == nil {
		propagator = otel.GetTextMapPropagator()
	}

	return &TracingService{
		tracer:     provider.Tracer(tracerName, trace.WithInstrumentationVersion(tracerVersion)),
		propagator: propagator,
		config:     config,
	}
}

func newTracingFromConfig(config *TracingConfig) *TracingService {
	if config == nil || !config.Enabled {
		return nil
	}
	return NewTracingService(config)
}

func endSpan(span trace.Span) func(error) {
	return func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func noopEnd(error) {}

var kafkaSystem = attribute.String(MessagingSystemKey, "kafka")

// start opens a span tagged as a Kafka operation. The returned function ends
// it, recording err when non-nil.
func (t *TracingService) start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if t == nil {
		return ctx, noopEnd
	}
	attrs = append([]attribute.KeyValue{kafkaSystem}, attrs...)
	ctx, span := t.tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
	return ctx, endSpan(span)
}

func operation(name string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(MessagingOperationNameKey, name),
		attribute.String(MessagingOperationTypeKey, name),
	}
}

// StartProducerSpan starts a new span for producing a message
func (t *TracingService) StartProducerSpan(ctx context.Context, topic string, msg *Message) (context.Context, func(error)) {
	attrs := append(operation("publish"), attribute.String(MessagingDestinationNameKey, topic))
	if msg.Key != nil {
		attrs = append(attrs, attribute.String(MessagingKafkaMessageKeyKey, string(msg.Key)))
	}
	if msg.Partition > 0 {
		attrs = append(attrs, attribute.Int(MessagingDestinationPartitionID, int(msg.Partition)))
	}
	return t.start(ctx, topic+" publish", trace.SpanKindProducer, attrs...)
}

// StartConsumerSpan starts the span a handler runs in, as a child of the
// producer's span when the message carries one.
func (t *TracingService) StartConsumerSpan(ctx context.Context, groupID string, msg *Message) (context.Context, func(error)) {
	ctx = t.ExtractTraceContext(ctx, msg)

	attrs := append(operation("process"),
		attribute.String(MessagingDestinationNameKey, msg.Topic),
		attribute.Int(MessagingDestinationPartitionID, int(msg.Partition)),
		attribute.Int64(MessagingKafkaOffsetKey, msg.Offset),
		attribute.String(MessagingKafkaConsumerGroupKey, groupID),
	)
	if msg.Key != nil {
		attrs = append(attrs, attribute.String(MessagingKafkaMessageKeyKey, string(msg.Key)))
	}
	return t.start(ctx, fmt.Sprintf("%s %s process", groupID, msg.Topic), trace.SpanKindConsumer, attrs...)
}

// StartRebalanceSpan covers one rebalance event, listener hooks included.
func (t *TracingService) StartRebalanceSpan(ctx context.Context, client string, kind RebalanceKind, partitions *TopicPartitionList) (context.Context, func(error)) {
	return t.start(ctx, "rebalance "+kind.String(), trace.SpanKindInternal,
		attribute.String(MessagingClientIDKey, client),
		attribute.String(rebalanceKindKey, kind.String()),
		attribute.Int(MessagingBatchMessageCountKey, partitions.Len()),
		attribute.StringSlice(MessagingDestinationNameKey, partitions.Topics()),
	)
}

// StartSeekSpan covers a blocking seek.
func (t *TracingService) StartSeekSpan(ctx context.Context, topic string, partition int32, offset int64) (context.Context, func(error)) {
	return t.start(ctx, topic+" seek", trace.SpanKindInternal,
		attribute.String(MessagingDestinationNameKey, topic),
		attribute.Int(MessagingDestinationPartitionID, int(partition)),
		attribute.Int64(MessagingKafkaOffsetKey, offset),
	)
}

// StartCommitSpan covers an offset commit. partitions is nil when the
// current positions are committed.
func (t *TracingService) StartCommitSpan(ctx context.Context, groupID string, partitions *TopicPartitionList, async bool) (context.Context, func(error)) {
	return t.start(ctx, groupID+" commit", trace.SpanKindClient,
		attribute.String(MessagingOperationNameKey, "commit"),
		attribute.String(MessagingKafkaConsumerGroupKey, groupID),
		attribute.Bool(commitAsyncKey, async),
		attribute.Int(MessagingBatchMessageCountKey, partitions.Len()),
	)
}

// InjectTraceContext writes the span context of ctx into the outgoing
// record's headers.
func (t *TracingService) InjectTraceContext(ctx context.Context, msg *native.Message) {
	if t == nil {
		return
	}
	t.propagator.Inject(ctx, nativeCarrier{msg: msg})
}

// ExtractTraceContext returns ctx carrying the span context found in the
// message headers, if any.
func (t *TracingService) ExtractTraceContext(ctx context.Context, msg *Message) context.Context {
	if t == nil || len(msg.Headers) == 0 {
		return ctx
	}
	return t.propagator.Extract(ctx, headersCarrier(msg.Headers))
}

// nativeCarrier is a propagation.TextMapCarrier over the ordered headers of
// an outgoing record.
type nativeCarrier struct {
	msg *native.Message
}

func (c nativeCarrier) Get(key string) string {
	if i := c.index(key); i >= 0 {
		return string(c.msg.Headers[i].Value)
	}
	return ""
}

func (c nativeCarrier) Set(key, val string) {
	if i := c.index(key); i >= 0 {
		c.msg.Headers[i].Value = []byte(val)
		return
	}
	c.msg.Headers = append(c.msg.Headers, native.Header{Key: key, Value: []byte(val)})
}

func (c nativeCarrier) Keys() []string {
	keys := make([]string, len(c.msg.Headers))
	for i, h := range c.msg.Headers {
		keys[i] = h.Key
	}
	return keys
}

func (c nativeCarrier) index(key string) int {
	return slices.IndexFunc(c.msg.Headers, func(h native.Header) bool { return h.Key == key })
}

// headersCarrier reads trace headers of a received message. Extraction never
// writes, so Set is a no-op.
type headersCarrier Headers

func (c headersCarrier) Get(key string) string {
	return string(c[key])
}

func (c headersCarrier) Set(string, string) {}

func (c headersCarrier) Keys() []string {
	return slices.Collect(maps.Keys(c))
}
