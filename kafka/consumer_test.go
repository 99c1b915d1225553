package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loipv/kafka-bridge/native"
	"github.com/loipv/kafka-bridge/native/nativetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConsumer struct {
	*Consumer
	engine   *nativetest.Engine
	handle   *nativetest.Consumer
	registry *Registry
}

func newTestConsumer(t *testing.T, opts ...ConsumerOption) *testConsumer {
	t.Helper()

	engine := nativetest.New()
	reg := NewRegistry()
	base := []ConsumerOption{
		ConsumerWithEngine(engine),
		ConsumerWithRegistry(reg),
		ConsumerWithConfigValue("bootstrap.servers", "x"),
		WithGroupID("g"),
		WithTopics("T"),
		WithPollTimeout(10 * time.Millisecond),
	}
	c, err := NewConsumer(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return &testConsumer{Consumer: c, engine: engine, handle: engine.LastConsumer(), registry: reg}
}

func tp(topic string, partition int32, offset int64) native.TopicPartition {
	return native.TopicPartition{Topic: topic, Partition: partition, Offset: offset}
}

func record(topic string, partition int32, offset int64, value string) *native.Message {
	return &native.Message{Topic: topic, Partition: partition, Offset: offset, Value: []byte(value)}
}

func TestNewConsumerValidation(t *testing.T) {
	engine := nativetest.New()

	_, err := NewConsumer(ConsumerWithEngine(engine), WithGroupID("g"), WithTopics("T"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "brokers are required")

	_, err = NewConsumer(ConsumerWithEngine(engine), ConsumerWithBrokers("x"), WithTopics("T"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "group ID is required")

	_, err = NewConsumer(ConsumerWithEngine(engine), ConsumerWithBrokers("x"), WithGroupID("g"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one topic is required")

	assert.Empty(t, engine.Consumers())
}

func TestNewConsumerConfigError(t *testing.T) {
	engine := nativetest.New()
	engine.RejectKey("session.timeout.ms", "Configuration property \"session.timeout.ms\" value 1 is outside allowed range")
	reg := NewRegistry()

	_, err := NewConsumer(
		ConsumerWithEngine(engine),
		ConsumerWithRegistry(reg),
		ConsumerWithBrokers("x"),
		WithGroupID("g"),
		WithTopics("T"),
		WithSessionTimeout(time.Millisecond),
	)

	var cerr *ConfigError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "session.timeout.ms", cerr.Key)
	assert.Zero(t, reg.Len())
}

func TestConsumerEndToEnd(t *testing.T) {
	c := newTestConsumer(t)
	assert.Equal(t, []string{"T"}, c.handle.Subscription())
	assert.Equal(t, "nativetest#consumer-1", c.String())

	c.handle.PushAssign(tp("T", 0, native.OffsetInvalid))
	c.handle.PushMessage(record("T", 0, 0, "hello"))

	msg, err := c.Poll(time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "T", msg.Topic)
	assert.Equal(t, int32(0), msg.Partition)
	assert.Equal(t, "hello", string(msg.Value))

	assignment, err := c.Assignment()
	require.NoError(t, err)
	assert.Equal(t, 1, assignment.Len())
	assert.Equal(t, StateStable, c.RebalanceState())

	msg, err = c.Poll(0)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestConsumerAssignsProposedListUnchanged(t *testing.T) {
	c := newTestConsumer(t)
	proposed := native.NewTopicPartitionListFrom(tp("T", 0, native.OffsetInvalid), tp("T", 1, native.OffsetInvalid))

	c.handle.PushRebalance(native.ErrAssignPartitions, proposed)
	msg, err := c.Poll(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)

	assigns := c.handle.Assigns()
	require.Len(t, assigns, 1)
	assert.True(t, proposed.Equal(assigns[0]), "assigned %s, proposed %s", assigns[0], proposed)
	assert.ElementsMatch(t, proposed.Partitions(), assigns[0].Partitions())
	assert.Empty(t, c.handle.Seeks())
	assert.Empty(t, c.handle.RebalanceErrors())
}

func TestConsumerAssignHappensBeforeFirstMessage(t *testing.T) {
	var assignedAt, handledAt int
	step := 0
	c := newTestConsumer(t, WithRebalanceListener(RebalanceFuncs{
		Assigned: func(*TopicPartitionList) { step++; assignedAt = step },
	}))

	c.handle.PushAssign(tp("T", 0, native.OffsetInvalid))
	c.handle.PushMessage(record("T", 0, 0, "v"))

	msg, err := c.Poll(time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	step++
	handledAt = step

	assert.Less(t, assignedAt, handledAt)
}

func TestConsumerEndOffsetRewind(t *testing.T) {
	c := newTestConsumer(t, WithEndOffset(100), WithSeekTimeout(time.Second))

	c.handle.PushAssign(tp("T", 0, native.OffsetInvalid))
	c.handle.PushMessage(record("T", 0, 99, "last"))
	c.handle.PushMessage(record("T", 0, 100, "past the end"))

	msg, err := c.Poll(time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, int64(99), msg.Offset)

	msg, err = c.Poll(time.Second)
	require.NoError(t, err)
	assert.Nil(t, msg)

	require.Equal(t, []nativetest.SeekCall{{Topic: "T", Partition: 0, Offset: 0, Timeout: time.Second}}, c.handle.Seeks())

	commits := c.handle.Commits()
	require.Len(t, commits, 1)
	assert.False(t, commits[0].Async)
	off, ok := commits[0].Partitions.Offset("T", 0)
	require.True(t, ok)
	assert.Equal(t, int64(0), off)

	committed, ok := c.handle.CommittedOffsets().Offset("T", 0)
	require.True(t, ok)
	assert.Equal(t, int64(0), committed)

	pos, ok := c.handle.Position("T", 0)
	require.True(t, ok)
	assert.Equal(t, int64(0), pos)
}

func TestConsumerRewindOffset(t *testing.T) {
	c := newTestConsumer(t, WithEndOffset(10), WithRewindOffset(3))

	c.handle.PushAssign(tp("T", 2, native.OffsetInvalid))
	c.handle.PushMessage(record("T", 2, 10, "x"))

	msg, err := c.Poll(time.Second)
	require.NoError(t, err)
	assert.Nil(t, msg)

	seeks := c.handle.Seeks()
	require.Len(t, seeks, 1)
	assert.Equal(t, int64(3), seeks[0].Offset)
	assert.Equal(t, int32(2), seeks[0].Partition)
}

func TestConsumerSeekTimeout(t *testing.T) {
	c := newTestConsumer(t)
	c.handle.PushAssign(tp("T", 0, native.OffsetInvalid))
	_, err := c.Poll(0)
	require.NoError(t, err)

	require.NoError(t, c.Commit(context.Background(), NewTopicPartitionList(tp("T", 0, 42)), false))
	before := c.handle.CommittedOffsets()

	c.handle.SetSeekLatency(200 * time.Millisecond)
	err = c.Seek(context.Background(), "T", 0, 7, 20*time.Millisecond)

	var terr *TimeoutError
	require.True(t, errors.As(err, &terr))
	assert.True(t, terr.Temporary())
	assert.Equal(t, "seek", terr.Op)
	assert.Equal(t, "T", terr.Topic)
	assert.Equal(t, 20*time.Millisecond, terr.After)
	assert.True(t, terr.Timeout())
	assert.True(t, before.Equal(c.handle.CommittedOffsets()))
}

func TestConsumerSeekUnownedPartition(t *testing.T) {
	c := newTestConsumer(t)

	err := c.Seek(context.Background(), "T", 5, 0, time.Second)

	var serr *SeekError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, int32(5), serr.Partition)
	assert.Equal(t, native.ErrState, native.Code(err))
}

func TestConsumerSeekMovesPosition(t *testing.T) {
	c := newTestConsumer(t)
	c.handle.PushAssign(tp("T", 0, native.OffsetInvalid))
	_, err := c.Poll(0)
	require.NoError(t, err)

	require.NoError(t, c.Seek(context.Background(), "T", 0, 17, time.Second))

	pos, ok := c.handle.Position("T", 0)
	require.True(t, ok)
	assert.Equal(t, int64(17), pos)
	_, ok = c.handle.CommittedOffsets().Offset("T", 0)
	assert.False(t, ok)
}

func TestConsumerSyncCommitError(t *testing.T) {
	c := newTestConsumer(t)
	c.handle.PushAssign(tp("T", 0, native.OffsetInvalid))
	_, err := c.Poll(0)
	require.NoError(t, err)

	c.handle.FailCommit(native.NewError(native.ErrTransport, "Broker: coordinator not available"))
	list := NewTopicPartitionList(tp("T", 0, 5))
	err = c.Commit(context.Background(), list, false)

	var cerr *CommitError
	require.True(t, errors.As(err, &cerr))
	assert.False(t, cerr.Async)
	assert.Equal(t, "Broker: coordinator not available", cerr.Diagnostic)
	assert.True(t, list.Equal(cerr.Partitions))
}

func TestConsumerCommitUnownedPartition(t *testing.T) {
	c := newTestConsumer(t)

	err := c.Commit(context.Background(), NewTopicPartitionList(tp("T", 3, 1)), false)

	var cerr *CommitError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, native.ErrUnknownPartition, native.Code(err))
}

func TestConsumerAsyncCommitErrorReachesHandler(t *testing.T) {
	var mu sync.Mutex
	var got []error
	c := newTestConsumer(t, WithErrorHandler(func(err error, _ *Message) {
		mu.Lock()
		got = append(got, err)
		mu.Unlock()
	}))
	c.handle.PushAssign(tp("T", 0, native.OffsetInvalid))
	_, err := c.Poll(0)
	require.NoError(t, err)

	c.handle.FailCommit(native.NewError(native.ErrTransport, "Broker: request timed out"))
	require.NoError(t, c.Commit(context.Background(), NewTopicPartitionList(tp("T", 0, 9)), true))

	_, err = c.Poll(0)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, native.ErrTransport, native.Code(got[0]))
}

func TestConsumerCommitMessageAndCommitted(t *testing.T) {
	c := newTestConsumer(t)
	c.handle.PushAssign(tp("T", 0, native.OffsetInvalid), tp("T", 1, native.OffsetInvalid))
	c.handle.PushMessage(record("T", 1, 4, "v"))

	msg, err := c.Poll(time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.NoError(t, c.CommitMessage(context.Background(), msg))

	committed, err := c.Committed(NewTopicPartitionList(tp("T", 0, 0), tp("T", 1, 0)), 0)
	require.NoError(t, err)

	off, _ := committed.Offset("T", 0)
	assert.Equal(t, OffsetInvalid, off)
	off, _ = committed.Offset("T", 1)
	assert.Equal(t, int64(5), off)
}

func TestConsumerCommitCurrentPositions(t *testing.T) {
	c := newTestConsumer(t, WithAutoCommit(false))
	c.handle.PushAssign(tp("T", 0, native.OffsetInvalid))
	c.handle.PushMessage(record("T", 0, 11, "v"))

	_, err := c.Poll(time.Second)
	require.NoError(t, err)
	require.NoError(t, c.Commit(context.Background(), nil, false))

	off, ok := c.handle.CommittedOffsets().Offset("T", 0)
	require.True(t, ok)
	assert.Equal(t, int64(12), off)
}

func TestConsumerCloseOrder(t *testing.T) {
	c := newTestConsumer(t)
	require.Equal(t, 1, c.registry.Len())

	require.NoError(t, c.Close())
	assert.Zero(t, c.registry.Len())
	assert.True(t, c.handle.Destroyed())

	require.NoError(t, c.Close())

	_, err := c.Poll(0)
	assert.ErrorContains(t, err, ErrClosed.Error())
	assert.ErrorContains(t, c.Seek(context.Background(), "T", 0, 0, time.Second), ErrClosed.Error())
	assert.ErrorContains(t, c.Commit(context.Background(), nil, false), ErrClosed.Error())
}

func TestConsumerCloseWaitsForPoll(t *testing.T) {
	c := newTestConsumer(t)

	polling := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(polling)
		_, err := c.Poll(200 * time.Millisecond)
		done <- err
	}()
	<-polling
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, c.Close())
	<-done
	assert.True(t, c.handle.Destroyed())
	assert.Zero(t, c.registry.Len())
}

func TestConsumerConsume(t *testing.T) {
	c := newTestConsumer(t, WithAutoCommit(false))
	c.handle.PushAssign(tp("T", 0, native.OffsetInvalid))
	for i := int64(0); i < 3; i++ {
		c.handle.PushMessage(record("T", 0, i, "v"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var offsets []int64
	err := c.Consume(ctx, func(_ context.Context, msg *Message) error {
		offsets = append(offsets, msg.Offset)
		if len(offsets) == 3 {
			cancel()
		}
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int64{0, 1, 2}, offsets)

	commits := c.handle.Commits()
	require.Len(t, commits, 3)
	for _, call := range commits {
		assert.True(t, call.Async)
	}
	off, _ := c.handle.CommittedOffsets().Offset("T", 0)
	assert.Equal(t, int64(3), off)
}

func TestConsumerConsumeHandlerError(t *testing.T) {
	var handled []error
	c := newTestConsumer(t, WithErrorHandler(func(err error, msg *Message) {
		require.NotNil(t, msg)
		handled = append(handled, err)
	}))
	c.handle.PushAssign(tp("T", 0, native.OffsetInvalid))
	c.handle.PushMessage(record("T", 0, 0, "bad"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boom := errors.New("boom")
	err := c.Consume(ctx, func(context.Context, *Message) error {
		cancel()
		return boom
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []error{boom}, handled)
}

func TestConsumerConsumeTwice(t *testing.T) {
	c := newTestConsumer(t)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- c.Consume(ctx, func(context.Context, *Message) error { return nil })
	}()
	go func() {
		for !c.running.Load() {
			time.Sleep(time.Millisecond)
		}
		close(started)
	}()
	<-started

	err := c.Consume(context.Background(), func(context.Context, *Message) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestConsumerConsumeStopsOnClose(t *testing.T) {
	c := newTestConsumer(t)

	done := make(chan error, 1)
	go func() {
		done <- c.Consume(context.Background(), func(context.Context, *Message) error { return nil })
	}()
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, c.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Consume did not return after Close")
	}
}
