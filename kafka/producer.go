package kafka

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loipv/kafka-bridge/native"
	"github.com/roadrunner-server/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Producer sends messages through a native producer handle. A background
// goroutine polls the handle so delivery reports, statistics and logs are
// served without the caller's help.
type Producer struct {
	handle   native.ProducerHandle
	opaque   native.Opaque
	registry *Registry
	name     string

	config  *ClientConfig
	logger  *zap.Logger
	tracer  *TracingService
	metrics *Metrics
	stats   statsHolder

	nextID  atomic.Uint64
	waitMu  sync.Mutex
	waiters map[uint64]chan error

	// closeMu orders every enqueue before Close's flush
	closeMu sync.RWMutex
	closed  atomic.Bool
	done    chan struct{}
	wg     sync.WaitGroup
}

// NewProducer creates a producer and starts its poll loop.
func NewProducer(opts ...ClientOption) (*Producer, error) {
	const op = errors.Op("kafka_new_producer")

	config := newDefaultClientConfig()
	for _, opt := range opts {
		opt(config)
	}

	if len(config.Brokers) == 0 && !hasProperty(config.Properties, "bootstrap.servers") {
		return nil, errors.E(op, errors.Str("brokers are required"))
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}

	logger := orNop(config.Logger)
	p := &Producer{
		config:  config,
		logger:  logger,
		tracer:  newTracingFromConfig(config.Tracing),
		metrics: config.Metrics,
		waiters: make(map[uint64]chan error),
		done:    make(chan struct{}),
	}

	entry := &Entry{
		TokenRefresh: config.TokenRefresh,
		Producer:     p,
		Log:          config.OnLog,
		Stats:        config.OnStats,
		Error:        config.OnError,
		Logger:       logger,
	}

	b := newBuilder(config.Engine, config.Registry, logger)
	h, err := b.buildProducer(config.optionTable(), entry)
	if err != nil {
		return nil, err
	}
	p.handle = h
	p.opaque = h.Opaque()
	p.registry = b.registry
	p.name = h.Name()

	p.wg.Add(1)
	go p.pollLoop()

	return p, nil
}

// Send sends a single message to a topic and waits for its delivery report
func (p *Producer) Send(ctx context.Context, topic string, msg *Message) error {
	const op = errors.Op("kafka_producer_send")
	if p.closed.Load() {
		return errors.E(op, ErrClosed)
	}

	ctx, end := p.tracer.StartProducerSpan(ctx, topic, msg)
	id, ch, err := p.produce(ctx, topic, msg)
	if err != nil {
		end(err)
		return errors.E(op, err)
	}

	select {
	case err := <-ch:
		end(err)
		if err != nil {
			return errors.E(op, err)
		}
		return nil
	case <-ctx.Done():
		p.forget(id)
		end(ctx.Err())
		return ctx.Err()
	}
}

// SendBatch sends multiple messages to a single topic and waits for all of
// their delivery reports
func (p *Producer) SendBatch(ctx context.Context, topic string, msgs []*Message) error {
	const op = errors.Op("kafka_producer_send_batch")
	if p.closed.Load() {
		return errors.E(op, ErrClosed)
	}
	if len(msgs) == 0 {
		return nil
	}

	type pending struct {
		id  uint64
		ch  chan error
		end func(error)
	}
	inflight := make([]pending, 0, len(msgs))
	var errs error

	for _, msg := range msgs {
		msgCtx, end := p.tracer.StartProducerSpan(ctx, topic, msg)
		id, ch, err := p.produce(msgCtx, topic, msg)
		if err != nil {
			end(err)
			errs = multierr.Append(errs, err)
			continue
		}
		inflight = append(inflight, pending{id: id, ch: ch, end: end})
	}

	for i, pd := range inflight {
		select {
		case err := <-pd.ch:
			pd.end(err)
			errs = multierr.Append(errs, err)
		case <-ctx.Done():
			for _, rest := range inflight[i:] {
				p.forget(rest.id)
				rest.end(ctx.Err())
			}
			return ctx.Err()
		}
	}

	if errs != nil {
		return errors.E(op, errors.Errorf("failed to send %d messages: %v", len(multierr.Errors(errs)), errs))
	}
	return nil
}

// Produce enqueues a message without waiting. Its delivery report goes to
// the delivery handler.
func (p *Producer) Produce(ctx context.Context, topic string, msg *Message) error {
	const op = errors.Op("kafka_producer_produce")
	if p.closed.Load() {
		return errors.E(op, ErrClosed)
	}

	ctx, end := p.tracer.StartProducerSpan(ctx, topic, msg)
	nm := msg.toNative(topic)
	p.tracer.InjectTraceContext(ctx, nm)
	err := p.enqueue(nm, 0)
	end(err)
	if err != nil {
		return errors.E(op, err)
	}
	return nil
}

func (p *Producer) produce(ctx context.Context, topic string, msg *Message) (uint64, chan error, error) {
	nm := msg.toNative(topic)
	p.tracer.InjectTraceContext(ctx, nm)

	id := p.nextID.Add(1)
	ch := make(chan error, 1)
	p.waitMu.Lock()
	p.waiters[id] = ch
	p.waitMu.Unlock()

	if err := p.enqueue(nm, id); err != nil {
		p.forget(id)
		return 0, nil, err
	}
	return id, ch, nil
}

func (p *Producer) enqueue(nm *native.Message, id uint64) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed.Load() {
		return ErrClosed
	}
	return p.handle.Produce(nm, id)
}

func (p *Producer) forget(id uint64) {
	p.waitMu.Lock()
	delete(p.waiters, id)
	p.waitMu.Unlock()
}

// deliver routes a delivery report to its waiter or to the delivery handler.
func (p *Producer) deliver(r *native.DeliveryReport) {
	var topic string
	if r.Message != nil {
		topic = r.Message.Topic
	}
	p.metrics.observeDelivery(p.name, topic, r.Err)

	p.waitMu.Lock()
	ch, ok := p.waiters[r.ID]
	delete(p.waiters, r.ID)
	p.waitMu.Unlock()
	if ok {
		ch <- r.Err
		return
	}

	if p.config.OnDelivery != nil {
		var msg *Message
		if r.Message != nil {
			msg = messageFromNative(r.Message)
		}
		p.config.OnDelivery(msg, r.Err)
		return
	}
	if r.Err != nil {
		p.logger.Error("delivery failed", zap.String("topic", topic), zap.Error(r.Err))
	}
}

// Flush waits for all queued messages to be sent
func (p *Producer) Flush(timeout time.Duration) error {
	const op = errors.Op("kafka_producer_flush")
	if remaining := p.handle.Flush(timeout); remaining > 0 {
		return errors.E(op, errors.Errorf("%d messages still in queue after flush", remaining))
	}
	return nil
}

// Stats returns the latest statistics snapshot, or nil.
func (p *Producer) Stats() *Stats {
	return p.stats.load()
}

func (p *Producer) observeStats(s *Stats) {
	p.stats.store(s)
	p.metrics.observeStats(p.name, s)
}

func (p *Producer) String() string {
	return p.name
}

func (p *Producer) pollLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		default:
		}
		if _, err := p.handle.Poll(p.config.PollInterval); err != nil && !native.IsTimeout(err) {
			if native.Code(err) == native.ErrDestroy {
				return
			}
			p.logger.Warn("producer poll failed", zap.Error(err))
		}
	}
}

// Close flushes outstanding messages, stops the poll loop, removes the
// registry entry and destroys the native handle.
func (p *Producer) Close() error {
	const op = errors.Op("kafka_producer_close")
	p.closeMu.Lock()
	closing := p.closed.CompareAndSwap(false, true)
	p.closeMu.Unlock()
	if !closing {
		return nil
	}

	if remaining := p.handle.Flush(DefaultFlushTimeout); remaining > 0 {
		p.logger.Warn("closing with undelivered messages", zap.Int("remaining", remaining))
	}

	close(p.done)
	p.wg.Wait()

	p.waitMu.Lock()
	for id, ch := range p.waiters {
		ch <- errors.E(op, ErrClosed)
		delete(p.waiters, id)
	}
	p.waitMu.Unlock()

	if err := p.registry.Deregister(p.opaque); err != nil {
		p.logger.Error("producer registry entry already gone", zap.Error(err))
	}
	if err := p.handle.Destroy(); err != nil {
		return errors.E(op, err)
	}
	return nil
}
