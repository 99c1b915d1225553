package kafka

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/loipv/kafka-bridge/native"
	"github.com/loipv/kafka-bridge/native/nativetest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

type testProducer struct {
	*Producer
	engine   *nativetest.Engine
	handle   *nativetest.Producer
	registry *Registry
}

func newTestProducer(t *testing.T, opts ...ClientOption) *testProducer {
	t.Helper()

	engine := nativetest.New()
	reg := NewRegistry()
	base := []ClientOption{
		WithEngine(engine),
		WithRegistry(reg),
		WithBrokers("x"),
		WithPollInterval(5 * time.Millisecond),
	}
	p, err := NewProducer(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	return &testProducer{Producer: p, engine: engine, handle: engine.LastProducer(), registry: reg}
}

func TestNewProducerRequiresBrokers(t *testing.T) {
	engine := nativetest.New()
	_, err := NewProducer(WithEngine(engine))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "brokers are required")
	assert.Empty(t, engine.Producers())
}

func TestNewProducerCreationError(t *testing.T) {
	engine := nativetest.New()
	engine.FailCreate("ssl.ca.location failed")
	reg := NewRegistry()

	_, err := NewProducer(WithEngine(engine), WithRegistry(reg), WithBrokers("x"))

	var cerr *ClientCreationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, native.KindProducer, cerr.Kind)
	assert.Zero(t, reg.Len())
}

func TestProducerSend(t *testing.T) {
	p := newTestProducer(t)

	err := p.Send(context.Background(), "orders", &Message{
		Key:     []byte("k"),
		Value:   []byte("v"),
		Headers: Headers{"b": []byte("2"), "a": []byte("1")},
	})
	require.NoError(t, err)

	produced := p.handle.Produced()
	require.Len(t, produced, 1)
	assert.Equal(t, "orders", produced[0].Topic)
	assert.Equal(t, "v", string(produced[0].Value))
	assert.Equal(t, []native.Header{{Key: "a", Value: []byte("1")}, {Key: "b", Value: []byte("2")}}, produced[0].Headers)
}

func TestProducerSendExplicitPartition(t *testing.T) {
	p := newTestProducer(t)

	require.NoError(t, p.Send(context.Background(), "orders", &Message{Value: []byte("v"), Partition: 3}))
	assert.Equal(t, int32(3), p.handle.Produced()[0].Partition)
}

func TestProducerSendDeliveryError(t *testing.T) {
	p := newTestProducer(t)
	p.handle.FailDelivery(native.NewError(native.ErrUnknownTopic, "Broker: Unknown topic or partition"))

	err := p.Send(context.Background(), "missing", &Message{Value: []byte("v")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unknown topic or partition")
}

func TestProducerSendProduceError(t *testing.T) {
	p := newTestProducer(t)
	p.handle.FailProduce(native.NewError(native.ErrQueueFull, "Local: Queue full"))

	err := p.Send(context.Background(), "orders", &Message{Value: []byte("v")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Queue full")

	p.waitMu.Lock()
	defer p.waitMu.Unlock()
	assert.Empty(t, p.waiters)
}

func TestProducerSendBatch(t *testing.T) {
	p := newTestProducer(t)

	msgs := []*Message{{Value: []byte("1")}, {Value: []byte("2")}, {Value: []byte("3")}}
	require.NoError(t, p.SendBatch(context.Background(), "orders", msgs))
	require.NoError(t, p.SendBatch(context.Background(), "orders", nil))

	produced := p.handle.Produced()
	require.Len(t, produced, 3)
	for i, m := range produced {
		assert.Equal(t, int64(i), m.Offset)
	}
}

func TestProducerSendBatchCollectsErrors(t *testing.T) {
	p := newTestProducer(t)
	p.handle.FailDelivery(native.NewError(native.ErrTransport, "Broker: transport failure"))

	err := p.SendBatch(context.Background(), "orders", []*Message{{Value: []byte("1")}, {Value: []byte("2")}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to send 2 messages")
}

func TestProducerProduceUsesDeliveryHandler(t *testing.T) {
	type report struct {
		msg *Message
		err error
	}
	reports := make(chan report, 1)
	p := newTestProducer(t, WithDeliveryHandler(func(msg *Message, err error) {
		reports <- report{msg: msg, err: err}
	}))

	require.NoError(t, p.Produce(context.Background(), "events", &Message{Value: []byte("fire")}))

	select {
	case r := <-reports:
		require.NoError(t, r.err)
		require.NotNil(t, r.msg)
		assert.Equal(t, "events", r.msg.Topic)
		assert.Equal(t, "fire", string(r.msg.Value))
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery report")
	}
}

func TestProducerFlush(t *testing.T) {
	p := newTestProducer(t)
	require.NoError(t, p.Produce(context.Background(), "events", &Message{Value: []byte("v")}))
	require.NoError(t, p.Flush(time.Second))
	assert.Zero(t, p.handle.Pending())
}

func TestProducerClose(t *testing.T) {
	p := newTestProducer(t)
	require.Equal(t, 1, p.registry.Len())

	require.NoError(t, p.Close())
	assert.Zero(t, p.registry.Len())
	assert.True(t, p.handle.Destroyed())
	require.NoError(t, p.Close())

	err := p.Send(context.Background(), "orders", &Message{Value: []byte("late")})
	assert.ErrorContains(t, err, ErrClosed.Error())
	err = p.Produce(context.Background(), "orders", &Message{Value: []byte("late")})
	assert.ErrorContains(t, err, ErrClosed.Error())
}

func TestProducerSendConcurrentWithClose(t *testing.T) {
	p := newTestProducer(t)

	const senders = 16
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := make(chan struct{})
	errs := make([]error, senders)
	var wg sync.WaitGroup
	for i := range senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for range 20 {
				if errs[i] = p.Send(ctx, "orders", &Message{Value: []byte("v")}); errs[i] != nil {
					return
				}
			}
		}()
	}

	close(start)
	time.Sleep(time.Millisecond)
	require.NoError(t, p.Close())
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			assert.ErrorContains(t, err, ErrClosed.Error())
		}
	}
	assert.Zero(t, p.handle.Pending())
}

func TestProducerStats(t *testing.T) {
	var got *Stats
	received := make(chan struct{})
	p := newTestProducer(t, WithStatsHandler(func(s *Stats) {
		got = s
		close(received)
	}))

	p.handle.PushStats(`{"name":"rdkafka#producer-1","type":"producer","txmsgs":12}`)

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("no statistics")
	}
	require.NotNil(t, got)
	assert.Equal(t, int64(12), got.TxMsgs)
	assert.Same(t, got, p.Stats())
}

func TestProducerMetrics(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	p := newTestProducer(t, WithMetrics(m))

	require.NoError(t, p.Send(context.Background(), "orders", &Message{Value: []byte("v")}))
	p.handle.FailDelivery(native.NewError(native.ErrFail, "boom"))
	require.Error(t, p.Send(context.Background(), "orders", &Message{Value: []byte("v")}))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues(p.String(), "orders", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues(p.String(), "orders", "error")))
}

func TestProducerTracing(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	p := newTestProducer(t, WithTracing(&TracingConfig{
		Enabled:        true,
		TracerProvider: provider,
		Propagator:     propagation.TraceContext{},
	}))

	require.NoError(t, p.Send(context.Background(), "orders", &Message{Key: []byte("k"), Value: []byte("v")}))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "orders publish", spans[0].Name)
	assert.Equal(t, trace.SpanKindProducer, spans[0].SpanKind)

	produced := p.handle.Produced()
	require.Len(t, produced, 1)
	var traceparent string
	for _, h := range produced[0].Headers {
		if h.Key == "traceparent" {
			traceparent = string(h.Value)
		}
	}
	require.NotEmpty(t, traceparent)
	assert.Contains(t, traceparent, spans[0].SpanContext.TraceID().String())
}
