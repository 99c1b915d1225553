//go:build cgo

package confluent

import (
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/loipv/kafka-bridge/native"
)

type consumer struct {
	base
	kc *kafka.Consumer

	commits *committer
	seeks   seeker
}

var _ native.ConsumerHandle = (*consumer)(nil)

func (Engine) NewConsumer(cfg native.Config, tr native.Trampolines) (native.ConsumerHandle, error) {
	conf, ok := cfg.(*config)
	if !ok {
		return nil, native.NewError(native.ErrInvalidArg, "configuration was not created by the %s engine", engineName)
	}

	c, err := kafka.NewConsumer(conf.clone())
	if err != nil {
		return nil, convertErr(err)
	}

	h := &consumer{kc: c}
	h.commits = newCommitter(h.commitSync)
	h.base = base{c: c, cfg: conf, tr: tr}
	h.self = h
	return h, nil
}

func (h *consumer) Kind() native.HandleKind {
	return native.KindConsumer
}

func (h *consumer) Subscribe(topics []string) error {
	return convertErr(h.kc.SubscribeTopics(topics, h.onRebalance))
}

// onRebalance runs inside confluent's Poll. Returning without calling
// Assign or Unassign leaves the default action to confluent, which is what
// a detached handle wants while it is being closed.
func (h *consumer) onRebalance(_ *kafka.Consumer, ev kafka.Event) error {
	if h.detached.Load() {
		return nil
	}

	var (
		code  native.ErrorCode
		parts []kafka.TopicPartition
	)
	switch e := ev.(type) {
	case kafka.AssignedPartitions:
		code, parts = native.ErrAssignPartitions, e.Partitions
	case kafka.RevokedPartitions:
		code, parts = native.ErrRevokePartitions, e.Partitions
	default:
		return nil
	}

	// the bridge records failures itself and reports them from Poll
	_ = h.tr.OnRebalance(h.cfg.opaque, h, code, fromConfluent(parts))
	return nil
}

func (h *consumer) Poll(timeout time.Duration) (*native.Message, error) {
	if h.detached.Load() {
		return nil, native.NewError(native.ErrDestroy, "handle is destroyed")
	}

	deadline := time.Now().Add(timeout)

	// nothing is fetched while a timed out seek is still moving the position
	idle, failed := h.seeks.await(deadline)
	h.report(failed)
	if !idle {
		h.drainLogs()
		h.drainCommits()
		return nil, nil
	}

	for {
		h.drainLogs()
		h.drainCommits()

		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}

		ev := h.kc.Poll(int(remaining.Milliseconds()))
		switch e := ev.(type) {
		case nil:
		case *kafka.Message:
			if e.TopicPartition.Error != nil {
				return nil, convertErr(e.TopicPartition.Error)
			}
			return messageFromConfluent(e), nil
		case kafka.OffsetsCommitted:
			if e.Error != nil {
				h.tr.OnError(h.cfg.opaque, convertErr(e.Error).(*native.Error))
			}
		default:
			h.dispatch(ev)
		}

		if !time.Now().Before(deadline) {
			h.drainLogs()
			return nil, nil
		}
	}
}

func (h *consumer) Assign(partitions *native.TopicPartitionList) error {
	return convertErr(h.kc.Assign(toConfluent(partitions)))
}

func (h *consumer) Unassign() error {
	return convertErr(h.kc.Unassign())
}

func (h *consumer) Assignment() (*native.TopicPartitionList, error) {
	parts, err := h.kc.Assignment()
	if err != nil {
		return nil, convertErr(err)
	}
	return fromConfluent(parts), nil
}

// Seek enforces timeout itself since confluent blocks until the fetcher
// state is updated regardless of the timeout argument. A seek that times out
// is still applied; Poll and Seek wait for it before doing anything else.
func (h *consumer) Seek(topic string, partition int32, offset int64, timeout time.Duration) error {
	tp := kafka.TopicPartition{Topic: &topic, Partition: partition, Offset: kafka.Offset(offset)}
	target := fmt.Sprintf("%s[%d]@%d", topic, partition, offset)

	return h.seeks.seek(target, timeout, func() error {
		return convertErr(h.kc.Seek(tp, int(timeout.Milliseconds())))
	})
}

// Commit queues asynchronous commits on a single goroutine so they reach the
// group coordinator in order. A synchronous commit waits for the queue first.
func (h *consumer) Commit(partitions *native.TopicPartitionList, async bool) error {
	if async {
		return h.commits.enqueue(partitions)
	}
	h.commits.wait()
	return h.commitSync(partitions)
}

func (h *consumer) commitSync(partitions *native.TopicPartitionList) error {
	var (
		parts []kafka.TopicPartition
		err   error
	)
	if partitions == nil {
		parts, err = h.kc.Commit()
	} else {
		parts, err = h.kc.CommitOffsets(toConfluent(partitions))
	}
	if err != nil {
		return convertErr(err)
	}
	return firstPartitionErr(parts)
}

func (h *consumer) drainCommits() {
	h.report(h.commits.takeFailed())
}

func (h *consumer) report(failed []error) {
	for _, err := range failed {
		nerr, ok := err.(*native.Error)
		if !ok {
			nerr = native.NewError(native.ErrFail, "%s", err.Error())
		}
		h.tr.OnError(h.cfg.opaque, nerr)
	}
}

func (h *consumer) Committed(partitions *native.TopicPartitionList, timeout time.Duration) (*native.TopicPartitionList, error) {
	parts, err := h.kc.Committed(toConfluent(partitions), int(timeout.Milliseconds()))
	if err != nil {
		return nil, convertErr(err)
	}
	return fromConfluent(parts), nil
}

// Destroy detaches the trampolines before closing, so the final revoke
// confluent triggers from Close is handled by confluent alone.
func (h *consumer) Destroy() error {
	if !h.detached.CompareAndSwap(false, true) {
		return native.NewError(native.ErrDestroy, "handle is already destroyed")
	}
	h.seeks.close()
	h.commits.close()
	return convertErr(h.kc.Close())
}
