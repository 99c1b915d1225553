package kafka

import (
	"context"
	stderr "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loipv/kafka-bridge/native"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

// Consumer is a group consumer on top of a native consumer handle.
//
// Engine callbacks (rebalance, logs, statistics, errors) run inside Poll on
// the polling goroutine. Seek and Commit may be called from those callbacks.
// Close must not be.
type Consumer struct {
	handle   native.ConsumerHandle
	opaque   native.Opaque
	registry *Registry
	name     string

	config     *ConsumerConfig
	logger     *zap.Logger
	tracer     *TracingService
	metrics    *Metrics
	rebalancer *rebalancer
	stats      statsHolder

	// pollMu is held for the whole of a Poll; Close takes it to stop polling.
	pollMu  sync.Mutex
	running atomic.Bool
	closed  atomic.Bool

	failMu  sync.Mutex
	failure error
}

// NewConsumer creates a consumer and subscribes it to the configured topics.
func NewConsumer(opts ...ConsumerOption) (*Consumer, error) {
	const op = errors.Op("kafka_new_consumer")

	config := newDefaultConsumerConfig()
	for _, opt := range opts {
		opt(config)
	}

	if len(config.Brokers) == 0 && !hasProperty(config.Properties, "bootstrap.servers") {
		return nil, errors.E(op, errors.Str("brokers are required"))
	}
	if config.GroupID == "" && !hasProperty(config.Properties, "group.id") {
		return nil, errors.E(op, errors.Str("group ID is required"))
	}
	if len(config.Topics) == 0 {
		return nil, errors.E(op, errors.Str("at least one topic is required"))
	}

	logger := orNop(config.Logger).With(zap.String("group", config.GroupID))
	c := &Consumer{
		config:  config,
		logger:  logger,
		tracer:  newTracingFromConfig(config.Tracing),
		metrics: config.Metrics,
	}
	c.rebalancer = newRebalancer(config.RebalanceListener, config.StartOffset, logger)
	c.rebalancer.tracer = c.tracer
	c.rebalancer.metrics = c.metrics

	entry := &Entry{
		Rebalance:    config.RebalanceListener,
		TokenRefresh: config.TokenRefresh,
		Consumer:     c,
		Log:          config.OnLog,
		Stats:        config.OnStats,
		Error:        config.ErrorHandler,
		Logger:       logger,
	}

	b := newBuilder(config.Engine, config.Registry, logger)
	h, err := b.buildConsumer(config.optionTable(), entry)
	if err != nil {
		return nil, err
	}
	c.handle = h
	c.opaque = h.Opaque()
	c.registry = b.registry
	c.name = h.Name()
	c.rebalancer.client = c.name

	if err := h.Subscribe(config.Topics); err != nil {
		_ = c.Close()
		return nil, errors.E(op, err)
	}

	c.logger.Info("consumer subscribed",
		zap.String("client", c.name),
		zap.Strings("topics", config.Topics),
	)
	return c, nil
}

// Poll serves engine events for at most timeout and returns the next
// message, or nil when none arrived. A failed rebalance is returned by this
// and every later call.
func (c *Consumer) Poll(timeout time.Duration) (*Message, error) {
	const op = errors.Op("kafka_consumer_poll")

	c.pollMu.Lock()
	defer c.pollMu.Unlock()

	if c.closed.Load() {
		return nil, errors.E(op, ErrClosed)
	}
	if err := c.Err(); err != nil {
		return nil, err
	}

	nm, err := c.handle.Poll(timeout)
	if ferr := c.Err(); ferr != nil {
		return nil, ferr
	}
	if err != nil {
		if native.IsTimeout(err) {
			return nil, nil
		}
		return nil, err
	}
	if nm == nil {
		return nil, nil
	}

	msg := messageFromNative(nm)
	if c.config.EndOffset > 0 && msg.Offset >= c.config.EndOffset {
		return nil, c.rewind(msg)
	}
	return msg, nil
}

// Consume polls until ctx is done or the consumer is closed, handing every
// message to handler. Handler errors go to the error handler. It returns
// early on a failed rebalance.
func (c *Consumer) Consume(ctx context.Context, handler MessageHandler) error {
	const op = errors.Op("kafka_consumer_consume")

	if !c.running.CompareAndSwap(false, true) {
		return errors.E(op, errors.Str("consumer is already running"))
	}
	defer c.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := c.Poll(c.config.PollTimeout)
		if err != nil {
			if c.closed.Load() {
				return nil
			}
			var rerr *RebalanceError
			if stderr.As(err, &rerr) {
				return err
			}
			c.handleError(err, nil)
			continue
		}
		if msg == nil {
			continue
		}
		c.processMessage(ctx, handler, msg)
	}
}

func (c *Consumer) processMessage(ctx context.Context, handler MessageHandler, msg *Message) {
	ctx, end := c.tracer.StartConsumerSpan(ctx, c.config.GroupID, msg)

	err := handler(ctx, msg)
	end(err)
	if err != nil {
		c.handleError(err, msg)
		return
	}

	if !c.config.AutoCommit {
		next := NewTopicPartitionList(TopicPartition{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset + 1})
		if err := c.Commit(ctx, next, true); err != nil {
			c.handleError(err, msg)
		}
	}
}

func (c *Consumer) handleError(err error, msg *Message) {
	if c.config.ErrorHandler != nil {
		c.config.ErrorHandler(err, msg)
		return
	}
	if msg != nil {
		c.logger.Warn("message handler failed",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		return
	}
	c.logger.Warn("poll failed", zap.Error(err))
}

// rewind moves a partition that reached the end offset back to the rewind
// offset and commits it, so a restart resumes there too.
func (c *Consumer) rewind(msg *Message) error {
	start := c.config.RewindOffset
	c.logger.Info("end offset reached, rewinding partition",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.Int64("end", c.config.EndOffset),
		zap.Int64("rewind", start),
	)

	ctx := context.Background()
	if err := c.Seek(ctx, msg.Topic, msg.Partition, start, c.config.SeekTimeout); err != nil {
		return err
	}
	list := NewTopicPartitionList(TopicPartition{Topic: msg.Topic, Partition: msg.Partition, Offset: start})
	if err := c.Commit(ctx, list, false); err != nil {
		return err
	}
	c.metrics.observeRewind(c.name, msg.Topic)
	return nil
}

func (c *Consumer) rebalance(h native.ConsumerHandle, code native.ErrorCode, proposed *TopicPartitionList) error {
	err := c.rebalancer.handle(h, code, proposed)
	if err != nil {
		c.failMu.Lock()
		if c.failure == nil {
			c.failure = err
		}
		c.failMu.Unlock()
	}
	return err
}

// Err returns the rebalance failure that broke the consumer, if any. Such a
// consumer has to be closed and recreated.
func (c *Consumer) Err() error {
	c.failMu.Lock()
	defer c.failMu.Unlock()
	return c.failure
}

// Seek moves the consumed position of a partition. It blocks for at most
// timeout; a timeout is a *TimeoutError and leaves committed offsets alone.
func (c *Consumer) Seek(ctx context.Context, topic string, partition int32, offset int64, timeout time.Duration) error {
	const op = errors.Op("kafka_consumer_seek")
	if c.closed.Load() {
		return errors.E(op, ErrClosed)
	}

	_, end := c.tracer.StartSeekSpan(ctx, topic, partition, offset)
	err := c.handle.Seek(topic, partition, offset, timeout)
	if err != nil {
		if native.IsTimeout(err) {
			err = &TimeoutError{Op: "seek", Topic: topic, Partition: partition, After: timeout, Err: err}
		} else {
			err = &SeekError{Topic: topic, Partition: partition, Offset: offset, Diagnostic: diagnostic(err), Err: err}
		}
	}
	end(err)
	c.metrics.observeSeek(c.name, err)
	return err
}

// Commit commits partitions, or the current positions when partitions is
// nil. A sync commit blocks until the coordinator acknowledges it. An async
// commit returns at once and its failure reaches the error handler.
// Only partitions owned by this consumer can be committed.
func (c *Consumer) Commit(ctx context.Context, partitions *TopicPartitionList, async bool) error {
	const op = errors.Op("kafka_consumer_commit")
	if c.closed.Load() {
		return errors.E(op, ErrClosed)
	}

	_, end := c.tracer.StartCommitSpan(ctx, c.config.GroupID, partitions, async)
	err := c.handle.Commit(partitions, async)
	if err != nil {
		err = &CommitError{Async: async, Partitions: partitions.Clone(), Diagnostic: diagnostic(err), Err: err}
	}
	end(err)
	c.metrics.observeCommit(c.name, async, err)
	return err
}

// CommitMessage synchronously commits the offset after msg.
func (c *Consumer) CommitMessage(ctx context.Context, msg *Message) error {
	next := NewTopicPartitionList(TopicPartition{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset + 1})
	return c.Commit(ctx, next, false)
}

// Committed fetches the committed offsets of partitions.
func (c *Consumer) Committed(partitions *TopicPartitionList, timeout time.Duration) (*TopicPartitionList, error) {
	const op = errors.Op("kafka_consumer_committed")
	if c.closed.Load() {
		return nil, errors.E(op, ErrClosed)
	}
	if timeout <= 0 {
		timeout = c.config.CommittedTimeout
	}
	out, err := c.handle.Committed(partitions, timeout)
	if err != nil {
		if native.IsTimeout(err) {
			return nil, &TimeoutError{Op: "committed", After: timeout, Err: err}
		}
		return nil, errors.E(op, err)
	}
	return out, nil
}

// Assignment returns the partitions currently assigned.
func (c *Consumer) Assignment() (*TopicPartitionList, error) {
	const op = errors.Op("kafka_consumer_assignment")
	if c.closed.Load() {
		return nil, errors.E(op, ErrClosed)
	}
	list, err := c.handle.Assignment()
	if err != nil {
		return nil, errors.E(op, err)
	}
	return list, nil
}

func (c *Consumer) RebalanceState() RebalanceState {
	return c.rebalancer.State()
}

// Stats returns the latest statistics snapshot, or nil.
func (c *Consumer) Stats() *Stats {
	return c.stats.load()
}

func (c *Consumer) observeStats(s *Stats) {
	c.stats.store(s)
	c.metrics.observeStats(c.name, s)
}

// String returns the engine's name for the handle.
func (c *Consumer) String() string {
	return c.name
}

// Close stops polling, removes the consumer's registry entry and destroys
// the native handle, in that order. It waits for an in-flight Poll.
func (c *Consumer) Close() error {
	const op = errors.Op("kafka_consumer_close")
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.pollMu.Lock()
	defer c.pollMu.Unlock()

	if err := c.registry.Deregister(c.opaque); err != nil {
		c.logger.Error("consumer registry entry already gone", zap.Error(err))
	}
	if err := c.handle.Destroy(); err != nil {
		return errors.E(op, err)
	}
	c.logger.Info("consumer closed", zap.String("client", c.name))
	return nil
}

func hasProperty(props []Option, key string) bool {
	for _, p := range props {
		if p.Key == key {
			return true
		}
	}
	return false
}
