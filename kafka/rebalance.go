package kafka

import (
	"context"
	"sync/atomic"

	"github.com/loipv/kafka-bridge/native"
	"go.uber.org/zap"
)

// RebalanceListener is notified of partition assignment changes. It may
// implement PartitionsAssignedListener, PartitionsRevokedListener, both or
// neither; missing hooks are skipped and the rebalance proceeds anyway.
type RebalanceListener any

// PartitionsAssignedListener sees the partitions about to be assigned. It
// may change their offsets; the list is handed to the engine afterwards.
type PartitionsAssignedListener interface {
	OnPartitionsAssigned(partitions *TopicPartitionList)
}

// PartitionsRevokedListener is told which partitions are being taken away.
type PartitionsRevokedListener interface {
	OnPartitionsRevoked(partitions *TopicPartitionList)
}

// RebalanceFuncs adapts plain functions to a RebalanceListener. Nil fields
// are skipped.
type RebalanceFuncs struct {
	Assigned func(partitions *TopicPartitionList)
	Revoked  func(partitions *TopicPartitionList)
}

func (f RebalanceFuncs) OnPartitionsAssigned(partitions *TopicPartitionList) {
	if f.Assigned != nil {
		f.Assigned(partitions)
	}
}

func (f RebalanceFuncs) OnPartitionsRevoked(partitions *TopicPartitionList) {
	if f.Revoked != nil {
		f.Revoked(partitions)
	}
}

// RebalanceKind classifies a rebalance event.
type RebalanceKind int

const (
	RebalanceAssign RebalanceKind = iota
	RebalanceRevoke
	// RebalanceUnknown is any other engine code. It is handled as a revoke.
	RebalanceUnknown
)

func (k RebalanceKind) String() string {
	switch k {
	case RebalanceAssign:
		return "assign"
	case RebalanceRevoke:
		return "revoke"
	default:
		return "unknown"
	}
}

func rebalanceKind(code native.ErrorCode) RebalanceKind {
	switch code {
	case native.ErrAssignPartitions:
		return RebalanceAssign
	case native.ErrRevokePartitions:
		return RebalanceRevoke
	default:
		return RebalanceUnknown
	}
}

// RebalanceState is where a consumer stands in the rebalance protocol.
type RebalanceState int32

const (
	StateStable RebalanceState = iota
	StateAssignPending
	StateRevokePending
)

func (s RebalanceState) String() string {
	switch s {
	case StateStable:
		return "stable"
	case StateAssignPending:
		return "assign-pending"
	case StateRevokePending:
		return "revoke-pending"
	default:
		return "invalid"
	}
}

// StartOffsetPolicy picks where an assigned partition starts. Returning
// OffsetInvalid keeps the engine-proposed offset.
type StartOffsetPolicy interface {
	StartOffset(topic string, partition int32, proposed int64) int64
}

// StartOffsetFunc adapts a function to a StartOffsetPolicy.
type StartOffsetFunc func(topic string, partition int32, proposed int64) int64

func (f StartOffsetFunc) StartOffset(topic string, partition int32, proposed int64) int64 {
	return f(topic, partition, proposed)
}

// FixedOffset starts every assigned partition at offset.
func FixedOffset(offset int64) StartOffsetPolicy {
	return StartOffsetFunc(func(string, int32, int64) int64 { return offset })
}

// FromBeginning starts every assigned partition at its earliest offset.
func FromBeginning() StartOffsetPolicy { return FixedOffset(OffsetBeginning) }

// FromEnd starts every assigned partition after its last message.
func FromEnd() StartOffsetPolicy { return FixedOffset(OffsetEnd) }

// FromStored starts every assigned partition at the group's committed
// offset, whatever the engine proposed.
func FromStored() StartOffsetPolicy { return FixedOffset(OffsetStored) }

// rebalancer runs the rebalance protocol for one consumer. Events arrive on
// the polling goroutine, one at a time.
type rebalancer struct {
	listener RebalanceListener
	policy   StartOffsetPolicy
	logger   *zap.Logger
	tracer   *TracingService
	metrics  *Metrics
	client   string

	state atomic.Int32
}

func newRebalancer(listener RebalanceListener, policy StartOffsetPolicy, logger *zap.Logger) *rebalancer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &rebalancer{listener: listener, policy: policy, logger: logger}
}

func (r *rebalancer) State() RebalanceState {
	return RebalanceState(r.state.Load())
}

func (r *rebalancer) handle(h native.ConsumerHandle, code native.ErrorCode, proposed *TopicPartitionList) error {
	if proposed == nil {
		proposed = NewTopicPartitionList()
	}
	kind := rebalanceKind(code)
	_, end := r.tracer.StartRebalanceSpan(context.Background(), r.client, kind, proposed)

	var err error
	switch kind {
	case RebalanceAssign:
		err = r.assign(h, proposed)
	case RebalanceRevoke:
		err = r.revoke(h, proposed, true)
	default:
		r.logger.Warn("unexpected rebalance event, clearing assignment",
			zap.Stringer("code", code),
			zap.Stringer("partitions", proposed),
		)
		err = r.revoke(h, proposed, false)
	}

	end(err)
	r.metrics.observeRebalance(r.client, kind, err)
	return err
}

func (r *rebalancer) assign(h native.ConsumerHandle, proposed *TopicPartitionList) error {
	r.state.Store(int32(StateAssignPending))

	if r.policy != nil {
		proposed.SetAllOffsets(func(topic string, partition int32, offset int64) int64 {
			if start := r.policy.StartOffset(topic, partition, offset); start != OffsetInvalid {
				return start
			}
			return offset
		})
	}
	if l, ok := r.listener.(PartitionsAssignedListener); ok {
		l.OnPartitionsAssigned(proposed)
	}

	if err := h.Assign(proposed); err != nil {
		r.logger.Error("engine refused assignment", zap.Stringer("partitions", proposed), zap.Error(err))
		return &RebalanceError{Kind: RebalanceAssign, Partitions: proposed, Diagnostic: diagnostic(err), Err: err}
	}

	r.state.Store(int32(StateStable))
	r.logger.Info("partitions assigned", zap.Stringer("partitions", proposed))
	return nil
}

func (r *rebalancer) revoke(h native.ConsumerHandle, proposed *TopicPartitionList, notify bool) error {
	r.state.Store(int32(StateRevokePending))

	if notify {
		if l, ok := r.listener.(PartitionsRevokedListener); ok {
			l.OnPartitionsRevoked(proposed)
		}
	}

	if err := h.Unassign(); err != nil {
		r.logger.Error("engine refused to clear assignment", zap.Stringer("partitions", proposed), zap.Error(err))
		return &RebalanceError{Kind: RebalanceRevoke, Partitions: proposed, Diagnostic: diagnostic(err), Err: err}
	}

	r.state.Store(int32(StateStable))
	r.logger.Info("partitions revoked", zap.Stringer("partitions", proposed))
	return nil
}
