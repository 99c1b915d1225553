package franz

import (
	"context"
	stderr "errors"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/loipv/kafka-bridge/native"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

type consumer struct {
	*handle

	mu         sync.Mutex
	assignment *native.TopicPartitionList
	// starts are offsets chosen by Assign, applied when kgo resolves the
	// fetch offsets of newly assigned partitions
	starts     map[string]map[int32]int64
	positions  map[string]map[int32]int64
	watermarks map[string]map[int32]int64
	buffered   []*kgo.Record
	rebalances int64

	wakeMu sync.Mutex
	wake   context.CancelFunc
}

var _ native.ConsumerHandle = (*consumer)(nil)

func (e Engine) NewConsumer(cfg native.Config, tr native.Trampolines) (native.ConsumerHandle, error) {
	conf, err := asConfig(cfg)
	if err != nil {
		return nil, err
	}
	if conf.groupID == "" {
		return nil, native.NewError(native.ErrInvalidArg, "group.id must be set for a group consumer")
	}

	h := &consumer{
		handle:     newHandle(native.KindConsumer, conf, tr),
		assignment: native.NewTopicPartitionList(),
		starts:     make(map[string]map[int32]int64),
		positions:  make(map[string]map[int32]int64),
		watermarks: make(map[string]map[int32]int64),
	}
	h.self = h
	h.fill = h.fillStats

	opts, err := h.opts(e)
	if err != nil {
		return nil, err
	}
	opts = append(opts, conf.consumerOpts()...)
	opts = append(opts,
		kgo.OnPartitionsAssigned(h.onAssigned),
		kgo.OnPartitionsRevoked(h.onRevoked),
		kgo.OnPartitionsLost(h.onRevoked),
		kgo.AdjustFetchOffsetsFn(h.adjustOffsets),
	)

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, convertErr(err)
	}
	h.start(cl)
	return h, nil
}

func (h *consumer) Subscribe(topics []string) error {
	if len(topics) == 0 {
		return native.NewError(native.ErrInvalidArg, "no topics to subscribe to")
	}
	h.cl.AddConsumeTopics(topics...)
	return nil
}

func (h *consumer) onAssigned(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
	h.rebalance(ctx, native.ErrAssignPartitions, assigned)
}

func (h *consumer) onRevoked(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
	h.rebalance(ctx, native.ErrRevokePartitions, revoked)
}

// rebalance hands a group change to Poll and blocks kgo's group goroutine
// until it has been served.
func (h *consumer) rebalance(ctx context.Context, code native.ErrorCode, parts map[string][]int32) {
	if h.detached.Load() || len(parts) == 0 {
		return
	}

	list := native.NewTopicPartitionList()
	for _, topic := range slices.Sorted(maps.Keys(parts)) {
		ps := slices.Clone(parts[topic])
		slices.Sort(ps)
		for _, p := range ps {
			list.AddOffset(topic, p, native.OffsetInvalid)
		}
	}

	ev := event{kind: evRebalance, code: code, list: list, done: make(chan struct{})}
	h.events.push(ev)
	h.interrupt()

	select {
	case <-ev.done:
	case <-h.closing:
	case <-ctx.Done():
	}
}

func (h *consumer) adjustOffsets(_ context.Context, offsets map[string]map[int32]kgo.Offset) (map[string]map[int32]kgo.Offset, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for topic, parts := range offsets {
		for p := range parts {
			off, ok := h.starts[topic][p]
			if !ok {
				continue
			}
			delete(h.starts[topic], p)
			if o, ok := startOffset(off); ok {
				parts[p] = o
			}
		}
	}
	return offsets, nil
}

func (h *consumer) interrupt() {
	h.wakeMu.Lock()
	if h.wake != nil {
		h.wake()
	}
	h.wakeMu.Unlock()
}

func (h *consumer) Poll(timeout time.Duration) (*native.Message, error) {
	if h.detached.Load() {
		return nil, native.NewError(native.ErrDestroy, "handle is destroyed")
	}

	deadline := time.Now().Add(timeout)
	for {
		h.serveQueued()
		if rec := h.next(); rec != nil {
			return h.deliver(rec), nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if err := h.fetch(remaining); err != nil {
			return nil, err
		}
	}
}

func (h *consumer) fetch(d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	h.wakeMu.Lock()
	h.wake = cancel
	h.wakeMu.Unlock()
	defer func() {
		h.wakeMu.Lock()
		h.wake = nil
		h.wakeMu.Unlock()
	}()

	// an event queued before wake was set would otherwise wait out d
	if h.events.len() > 0 {
		return nil
	}

	fetches := h.cl.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return native.NewError(native.ErrDestroy, "client is closed")
	}

	var ferr error
	fetches.EachError(func(topic string, partition int32, err error) {
		if stderr.Is(err, context.Canceled) || stderr.Is(err, context.DeadlineExceeded) {
			return
		}
		if ferr == nil {
			nerr := asNative(err)
			ferr = native.NewError(nerr.Code, "%s[%d]: %s", topic, partition, nerr.Message)
		}
	})

	h.mu.Lock()
	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		setOffset(h.watermarks, p.Topic, p.Partition, p.HighWatermark)
		h.buffered = append(h.buffered, p.Records...)
	})
	h.mu.Unlock()

	return ferr
}

// next pops the first buffered record of a partition still assigned.
func (h *consumer) next() *kgo.Record {
	h.mu.Lock()
	defer h.mu.Unlock()

	for len(h.buffered) > 0 {
		rec := h.buffered[0]
		h.buffered[0] = nil
		h.buffered = h.buffered[1:]
		if _, ok := h.assignment.Offset(rec.Topic, rec.Partition); ok {
			return rec
		}
	}
	return nil
}

func (h *consumer) deliver(rec *kgo.Record) *native.Message {
	h.mu.Lock()
	setOffset(h.positions, rec.Topic, rec.Partition, rec.Offset+1)
	h.mu.Unlock()

	if h.cfg.autoCommit {
		h.cl.MarkCommitRecords(rec)
	}
	h.counters.rxMsgs.Add(1)
	return messageFromRecord(rec)
}

func (h *consumer) Assign(partitions *native.TopicPartitionList) error {
	if partitions == nil {
		return h.Unassign()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.rebalances++
	h.assignment = partitions.Clone()
	clear(h.starts)
	partitions.ForEachTopic(func(topic string, parts []native.PartitionOffset) bool {
		for _, p := range parts {
			if _, ok := startOffset(p.Offset); ok {
				setOffset(h.starts, topic, p.Partition, p.Offset)
			}
		}
		return true
	})
	return nil
}

func (h *consumer) Unassign() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.rebalances++
	h.assignment = native.NewTopicPartitionList()
	clear(h.starts)
	h.buffered = nil
	return nil
}

func (h *consumer) Assignment() (*native.TopicPartitionList, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.assignment.Clone(), nil
}

// Seek moves an assigned partition. Logical offsets are resolved with a
// ListOffsets request bounded by timeout.
func (h *consumer) Seek(topic string, partition int32, offset int64, timeout time.Duration) error {
	h.mu.Lock()
	_, owned := h.assignment.Offset(topic, partition)
	h.mu.Unlock()
	if !owned {
		return native.NewError(native.ErrState, "partition %s[%d] is not assigned", topic, partition)
	}

	target := offset
	if offset < 0 {
		resolved, err := h.resolve(topic, partition, offset, timeout)
		if err != nil {
			return err
		}
		target = resolved
	}

	h.cl.SetOffsets(map[string]map[int32]kgo.EpochOffset{
		topic: {partition: {Epoch: -1, Offset: target}},
	})

	h.mu.Lock()
	h.buffered = slices.DeleteFunc(h.buffered, func(r *kgo.Record) bool {
		return r.Topic == topic && r.Partition == partition
	})
	setOffset(h.positions, topic, partition, target)
	h.mu.Unlock()
	return nil
}

func (h *consumer) resolve(topic string, partition int32, offset int64, timeout time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var (
		listed kadm.ListedOffsets
		err    error
	)
	switch offset {
	case native.OffsetBeginning:
		listed, err = h.adm.ListStartOffsets(ctx, topic)
	case native.OffsetEnd:
		listed, err = h.adm.ListEndOffsets(ctx, topic)
	default:
		return 0, native.NewError(native.ErrInvalidArg, "cannot seek to offset %s", native.OffsetString(offset))
	}
	if err != nil {
		if ctx.Err() != nil {
			return 0, native.NewError(native.ErrTimedOut, "seek to %s[%d]@%s timed out after %s", topic, partition, native.OffsetString(offset), timeout)
		}
		return 0, convertErr(err)
	}

	lo, ok := listed.Lookup(topic, partition)
	if !ok {
		return 0, native.NewError(native.ErrUnknownPartition, "partition %s[%d] not found", topic, partition)
	}
	if lo.Err != nil {
		return 0, convertErr(lo.Err)
	}
	return lo.Offset, nil
}

func (h *consumer) Commit(partitions *native.TopicPartitionList, async bool) error {
	offsets := h.commitOffsets(partitions)
	if len(offsets) == 0 {
		return native.NewError(native.ErrNoOffset, "Local: No offset stored")
	}

	if async {
		h.cl.CommitOffsets(context.Background(), offsets, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
			if cerr := commitErr(resp, err); cerr != nil && !h.detached.Load() {
				h.events.push(event{kind: evError, err: asNative(cerr)})
			}
		})
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.requestTimeout)
	defer cancel()

	var result error
	h.cl.CommitOffsetsSync(ctx, offsets, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
		result = commitErr(resp, err)
	})
	return result
}

// commitOffsets builds the commit request offsets. A nil list means the
// consumed positions of the current assignment.
func (h *consumer) commitOffsets(partitions *native.TopicPartitionList) map[string]map[int32]kgo.EpochOffset {
	h.mu.Lock()
	defer h.mu.Unlock()

	offsets := make(map[string]map[int32]kgo.EpochOffset)
	add := func(topic string, partition int32, offset int64) {
		if offset < 0 {
			return
		}
		if offsets[topic] == nil {
			offsets[topic] = make(map[int32]kgo.EpochOffset)
		}
		offsets[topic][partition] = kgo.EpochOffset{Epoch: -1, Offset: offset}
	}

	if partitions == nil {
		for _, tp := range h.assignment.Partitions() {
			if pos, ok := h.positions[tp.Topic][tp.Partition]; ok {
				add(tp.Topic, tp.Partition, pos)
			}
		}
		return offsets
	}

	for _, tp := range partitions.Partitions() {
		add(tp.Topic, tp.Partition, tp.Offset)
	}
	return offsets
}

func (h *consumer) Committed(partitions *native.TopicPartitionList, timeout time.Duration) (*native.TopicPartitionList, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resps, err := h.adm.FetchOffsets(ctx, h.cfg.groupID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, native.NewError(native.ErrTimedOut, "committed offsets request timed out after %s", timeout)
		}
		return nil, convertErr(err)
	}

	out := native.NewTopicPartitionList()
	for _, tp := range partitions.Partitions() {
		r, ok := resps.Lookup(tp.Topic, tp.Partition)
		switch {
		case !ok || r.At < 0:
			out.AddOffset(tp.Topic, tp.Partition, native.OffsetInvalid)
		case r.Err != nil:
			return nil, convertErr(r.Err)
		default:
			out.AddOffset(tp.Topic, tp.Partition, r.At)
		}
	}
	return out, nil
}

func (h *consumer) fillStats(p *statsPayload) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p.Topics = make(map[string]topicStats)
	h.assignment.ForEachTopic(func(topic string, parts []native.PartitionOffset) bool {
		ts := topicStats{Topic: topic, Partitions: make(map[string]partitionStats, len(parts))}
		for _, po := range parts {
			ps := partitionStats{Partition: po.Partition, ConsumerLag: -1, HiOffset: -1, AppOffset: -1}
			hw, hasHW := h.watermarks[topic][po.Partition]
			pos, hasPos := h.positions[topic][po.Partition]
			if hasHW {
				ps.HiOffset = hw
			}
			if hasPos {
				ps.AppOffset = pos
			}
			if hasHW && hasPos {
				ps.ConsumerLag = max(hw-pos, 0)
			}
			ts.Partitions[strconv.Itoa(int(po.Partition))] = ps
		}
		p.Topics[topic] = ts
		return true
	})

	state := "wait-join"
	if h.assignment.Len() > 0 {
		state = "up"
	}
	p.CGrp = &groupStats{
		State:          state,
		RebalanceCnt:   h.rebalances,
		AssignmentSize: int64(h.assignment.Len()),
	}
}

func (h *consumer) Destroy() error {
	return h.destroy()
}

func setOffset(m map[string]map[int32]int64, topic string, partition int32, offset int64) {
	if m[topic] == nil {
		m[topic] = make(map[int32]int64)
	}
	m[topic][partition] = offset
}
