package nativetest

import (
	"time"

	"github.com/loipv/kafka-bridge/native"
)

// SeekCall is one recorded Seek.
type SeekCall struct {
	Topic     string
	Partition int32
	Offset    int64
	Timeout   time.Duration
}

// CommitCall is one recorded Commit. Partitions is nil when the consumer
// committed its current positions.
type CommitCall struct {
	Partitions *native.TopicPartitionList
	Async      bool
}

// Consumer is a scripted consumer handle.
type Consumer struct {
	*handle

	subscription []string
	assignment   *native.TopicPartitionList
	committed    *native.TopicPartitionList
	positions    *native.TopicPartitionList

	assigns      []*native.TopicPartitionList
	unassigns    int
	seeks        []SeekCall
	commits      []CommitCall
	rebalanceErr []error

	seekLatency time.Duration
	seekErr     error
	commitErr   error
	assignErr   error
	unassignErr error
}

var _ native.ConsumerHandle = (*Consumer)(nil)

// PushRebalance queues a rebalance event with the proposed partitions.
func (c *Consumer) PushRebalance(code native.ErrorCode, proposed *native.TopicPartitionList) {
	c.push(func() (*native.Message, error) {
		if err := c.tr.OnRebalance(c.Opaque(), c, code, proposed); err != nil {
			c.mu.Lock()
			c.rebalanceErr = append(c.rebalanceErr, err)
			c.mu.Unlock()
		}
		return nil, nil
	})
}

// PushAssign is PushRebalance with ErrAssignPartitions.
func (c *Consumer) PushAssign(parts ...native.TopicPartition) {
	c.PushRebalance(native.ErrAssignPartitions, native.NewTopicPartitionListFrom(parts...))
}

// PushRevoke is PushRebalance with ErrRevokePartitions.
func (c *Consumer) PushRevoke(parts ...native.TopicPartition) {
	c.PushRebalance(native.ErrRevokePartitions, native.NewTopicPartitionListFrom(parts...))
}

// PushMessage queues a fetched message. Poll returns it and advances the
// consumed position of its partition.
func (c *Consumer) PushMessage(msg *native.Message) {
	c.push(func() (*native.Message, error) {
		c.mu.Lock()
		c.positions.AddOffset(msg.Topic, msg.Partition, msg.Offset+1)
		c.mu.Unlock()
		return msg, nil
	})
}

// PushConsumeError makes the next Poll fail with err.
func (c *Consumer) PushConsumeError(err *native.Error) {
	c.push(func() (*native.Message, error) {
		return nil, err
	})
}

func (c *Consumer) Subscribe(topics []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscription = append([]string(nil), topics...)
	return nil
}

func (c *Consumer) Assign(partitions *native.TopicPartitionList) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.assignErr != nil {
		return c.assignErr
	}
	c.assigns = append(c.assigns, partitions.Clone())
	c.assignment = native.NewTopicPartitionList()
	for _, tp := range partitions.Partitions() {
		c.assignment.AddOffset(tp.Topic, tp.Partition, tp.Offset)
		if tp.Offset >= 0 {
			c.positions.AddOffset(tp.Topic, tp.Partition, tp.Offset)
		}
	}
	return nil
}

func (c *Consumer) Unassign() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unassignErr != nil {
		return c.unassignErr
	}
	c.unassigns++
	c.assignment = native.NewTopicPartitionList()
	return nil
}

func (c *Consumer) Assignment() (*native.TopicPartitionList, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assignment.Clone(), nil
}

func (c *Consumer) Seek(topic string, partition int32, offset int64, timeout time.Duration) error {
	c.mu.Lock()
	c.seeks = append(c.seeks, SeekCall{Topic: topic, Partition: partition, Offset: offset, Timeout: timeout})
	latency, seekErr := c.seekLatency, c.seekErr
	_, owned := c.assignment.Offset(topic, partition)
	c.mu.Unlock()

	if latency > 0 {
		if latency > timeout {
			time.Sleep(timeout)
			return native.NewError(native.ErrTimedOut, "Local: Timed out")
		}
		time.Sleep(latency)
	}
	if seekErr != nil {
		return seekErr
	}
	if !owned {
		return native.NewError(native.ErrState, "Local: Erroneous state: partition %s[%d] is not assigned", topic, partition)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions.AddOffset(topic, partition, offset)
	return nil
}

func (c *Consumer) Commit(partitions *native.TopicPartitionList, async bool) error {
	c.mu.Lock()
	c.commits = append(c.commits, CommitCall{Partitions: partitions.Clone(), Async: async})
	offsets := partitions
	if offsets == nil {
		offsets = native.NewTopicPartitionList()
		for _, tp := range c.assignment.Partitions() {
			if pos, ok := c.positions.Offset(tp.Topic, tp.Partition); ok {
				offsets.AddOffset(tp.Topic, tp.Partition, pos)
			}
		}
	}
	err := c.commitErr
	if err == nil {
		for _, tp := range offsets.Partitions() {
			if _, ok := c.assignment.Offset(tp.Topic, tp.Partition); !ok {
				err = native.NewError(native.ErrUnknownPartition, "Local: Unknown partition: %s[%d] is not owned", tp.Topic, tp.Partition)
				break
			}
		}
	}
	if err == nil {
		for _, tp := range offsets.Partitions() {
			c.committed.AddOffset(tp.Topic, tp.Partition, tp.Offset)
		}
	}
	c.mu.Unlock()

	if err == nil || !async {
		return err
	}
	ne, ok := err.(*native.Error)
	if !ok {
		ne = native.NewError(native.ErrFail, "%s", err.Error())
	}
	c.PushError(ne)
	return nil
}

func (c *Consumer) Committed(partitions *native.TopicPartitionList, _ time.Duration) (*native.TopicPartitionList, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := native.NewTopicPartitionList()
	for _, tp := range partitions.Partitions() {
		off, ok := c.committed.Offset(tp.Topic, tp.Partition)
		if !ok {
			off = native.OffsetInvalid
		}
		out.AddOffset(tp.Topic, tp.Partition, off)
	}
	return out, nil
}

// SetSeekLatency makes Seek take d. A Seek whose timeout is shorter than d
// times out.
func (c *Consumer) SetSeekLatency(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seekLatency = d
}

func (c *Consumer) FailSeek(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seekErr = err
}

func (c *Consumer) FailCommit(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commitErr = err
}

func (c *Consumer) FailAssign(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assignErr = err
}

func (c *Consumer) FailUnassign(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unassignErr = err
}

func (c *Consumer) Subscription() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subscription...)
}

// Assigns returns every list passed to Assign.
func (c *Consumer) Assigns() []*native.TopicPartitionList {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*native.TopicPartitionList(nil), c.assigns...)
}

func (c *Consumer) Unassigns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unassigns
}

func (c *Consumer) Seeks() []SeekCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SeekCall(nil), c.seeks...)
}

func (c *Consumer) Commits() []CommitCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CommitCall(nil), c.commits...)
}

// CommittedOffsets is a snapshot of what the group coordinator holds.
func (c *Consumer) CommittedOffsets() *native.TopicPartitionList {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed.Clone()
}

// Position is the next offset Poll would read from the partition.
func (c *Consumer) Position(topic string, partition int32) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positions.Offset(topic, partition)
}

// RebalanceErrors returns what OnRebalance reported back to the engine.
func (c *Consumer) RebalanceErrors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.rebalanceErr...)
}
