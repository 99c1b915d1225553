package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loipv/kafka-bridge/native"
	"github.com/loipv/kafka-bridge/native/nativetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type assignOnly struct{ assigned []*TopicPartitionList }

func (l *assignOnly) OnPartitionsAssigned(p *TopicPartitionList) {
	l.assigned = append(l.assigned, p.Clone())
}

type revokeOnly struct{ revoked []*TopicPartitionList }

func (l *revokeOnly) OnPartitionsRevoked(p *TopicPartitionList) {
	l.revoked = append(l.revoked, p.Clone())
}

type bothHooks struct {
	assignOnly
	revokeOnly
}

func TestRebalanceStartOffsetPolicy(t *testing.T) {
	var seen *TopicPartitionList
	c := newTestConsumer(t,
		WithStartOffsetPolicy(FixedOffset(5)),
		WithRebalanceListener(RebalanceFuncs{Assigned: func(p *TopicPartitionList) { seen = p.Clone() }}),
	)

	c.handle.PushAssign(tp("T", 0, native.OffsetInvalid), tp("T", 1, native.OffsetInvalid))
	_, err := c.Poll(0)
	require.NoError(t, err)

	assigns := c.handle.Assigns()
	require.Len(t, assigns, 1)
	want := NewTopicPartitionList(tp("T", 0, 5), tp("T", 1, 5))
	assert.True(t, want.Equal(assigns[0]), "assigned %s", assigns[0])
	assert.True(t, want.Equal(seen), "listener saw %s", seen)
	assert.Equal(t, StateStable, c.RebalanceState())
}

func TestRebalancePolicyKeepsProposedOnInvalid(t *testing.T) {
	c := newTestConsumer(t, WithStartOffsetPolicy(StartOffsetFunc(func(_ string, partition int32, _ int64) int64 {
		if partition == 0 {
			return OffsetBeginning
		}
		return OffsetInvalid
	})))

	c.handle.PushAssign(tp("T", 0, 10), tp("T", 1, 20))
	_, err := c.Poll(0)
	require.NoError(t, err)

	assigns := c.handle.Assigns()
	require.Len(t, assigns, 1)
	assert.True(t, NewTopicPartitionList(tp("T", 0, OffsetBeginning), tp("T", 1, 20)).Equal(assigns[0]))
}

func TestRebalanceListenerMayRewriteOffsets(t *testing.T) {
	c := newTestConsumer(t,
		WithStartOffsetPolicy(FromStored()),
		WithRebalanceListener(RebalanceFuncs{Assigned: func(p *TopicPartitionList) {
			p.AddOffset("T", 0, 42)
		}}),
	)

	c.handle.PushAssign(tp("T", 0, native.OffsetInvalid), tp("T", 1, native.OffsetInvalid))
	_, err := c.Poll(0)
	require.NoError(t, err)

	assert.True(t, NewTopicPartitionList(tp("T", 0, 42), tp("T", 1, OffsetStored)).Equal(c.handle.Assigns()[0]))
}

func TestRebalanceRevoke(t *testing.T) {
	l := &bothHooks{}
	c := newTestConsumer(t, WithRebalanceListener(l))

	c.handle.PushAssign(tp("T", 0, native.OffsetInvalid))
	c.handle.PushRevoke(tp("T", 0, native.OffsetInvalid))
	_, err := c.Poll(0)
	require.NoError(t, err)

	require.Len(t, l.assigned, 1)
	require.Len(t, l.revoked, 1)
	assert.Equal(t, 1, l.revoked[0].Len())
	assert.Equal(t, 1, c.handle.Unassigns())

	assignment, err := c.Assignment()
	require.NoError(t, err)
	assert.Zero(t, assignment.Len())
	assert.Equal(t, StateStable, c.RebalanceState())
}

func TestRebalanceUnknownCodeClearsAssignment(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	l := &bothHooks{}
	c := newTestConsumer(t, WithRebalanceListener(l), ConsumerWithLogger(zap.New(core)))

	c.handle.PushAssign(tp("T", 0, native.OffsetInvalid))
	c.handle.PushRebalance(native.ErrFail, NewTopicPartitionList(tp("T", 0, native.OffsetInvalid)))
	_, err := c.Poll(0)
	require.NoError(t, err)

	assert.Empty(t, l.revoked)
	assert.Equal(t, 1, c.handle.Unassigns())
	assignment, err := c.Assignment()
	require.NoError(t, err)
	assert.Zero(t, assignment.Len())
	assert.Empty(t, c.handle.RebalanceErrors())
	assert.Equal(t, 1, logs.FilterMessage("unexpected rebalance event, clearing assignment").Len())
}

func TestRebalanceListenerCapabilities(t *testing.T) {
	tests := []struct {
		name     string
		listener RebalanceListener
	}{
		{name: "none", listener: nil},
		{name: "plain value", listener: struct{}{}},
		{name: "assign only", listener: &assignOnly{}},
		{name: "revoke only", listener: &revokeOnly{}},
		{name: "both", listener: &bothHooks{}},
		{name: "funcs without fields", listener: RebalanceFuncs{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestConsumer(t, WithRebalanceListener(tt.listener))

			c.handle.PushAssign(tp("T", 0, native.OffsetInvalid))
			c.handle.PushRevoke(tp("T", 0, native.OffsetInvalid))
			c.handle.PushAssign(tp("T", 1, native.OffsetInvalid))
			_, err := c.Poll(0)
			require.NoError(t, err)

			assert.Len(t, c.handle.Assigns(), 2)
			assert.Equal(t, 1, c.handle.Unassigns())
			assert.Empty(t, c.handle.RebalanceErrors())

			switch l := tt.listener.(type) {
			case *assignOnly:
				assert.Len(t, l.assigned, 2)
			case *revokeOnly:
				assert.Len(t, l.revoked, 1)
			case *bothHooks:
				assert.Len(t, l.assigned, 2)
				assert.Len(t, l.revoked, 1)
			}
		})
	}
}

func TestRebalanceAssignFailure(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	c := newTestConsumer(t, ConsumerWithLogger(zap.New(core)))

	c.handle.FailAssign(native.NewError(native.ErrState, "Local: Erroneous state"))
	c.handle.PushAssign(tp("T", 0, native.OffsetInvalid))
	c.handle.PushMessage(record("T", 0, 0, "never"))

	_, err := c.Poll(0)
	var rerr *RebalanceError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, RebalanceAssign, rerr.Kind)
	assert.Equal(t, "Local: Erroneous state", rerr.Diagnostic)
	assert.Equal(t, native.ErrState, native.Code(err))
	assert.Equal(t, StateAssignPending, c.RebalanceState())
	assert.Same(t, rerr, c.Err())

	require.Len(t, c.handle.RebalanceErrors(), 1)
	assert.Equal(t, 1, logs.FilterMessage("engine refused assignment").Len())

	msg, err := c.Poll(0)
	assert.Nil(t, msg)
	assert.Same(t, rerr, err)
}

func TestRebalanceUnassignFailure(t *testing.T) {
	c := newTestConsumer(t)
	c.handle.FailUnassign(native.NewError(native.ErrFail, "unassign refused"))
	c.handle.PushRevoke(tp("T", 0, native.OffsetInvalid))

	_, err := c.Poll(0)
	var rerr *RebalanceError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, RebalanceRevoke, rerr.Kind)
	assert.Equal(t, StateRevokePending, c.RebalanceState())
}

func TestConsumeReturnsRebalanceFailure(t *testing.T) {
	c := newTestConsumer(t)
	c.handle.FailAssign(native.NewError(native.ErrState, "Local: Erroneous state"))
	c.handle.PushAssign(tp("T", 0, native.OffsetInvalid))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- c.Consume(ctx, func(context.Context, *Message) error { return nil })
	}()

	select {
	case err := <-done:
		var rerr *RebalanceError
		assert.True(t, errors.As(err, &rerr))
	case <-time.After(2 * time.Second):
		t.Fatal("Consume kept running after a failed rebalance")
	}
}

func TestRebalanceWithoutConsumerBackReference(t *testing.T) {
	engine := nativetest.New()
	reg := NewRegistry()
	l := &assignOnly{}
	h, err := newBuilder(engine, reg, nil).buildConsumer(consumerTable(), &Entry{Rebalance: l})
	require.NoError(t, err)

	c := engine.LastConsumer()
	c.PushAssign(tp("T", 3, native.OffsetInvalid))
	_, err = h.Poll(0)
	require.NoError(t, err)

	require.Len(t, l.assigned, 1)
	require.Len(t, c.Assigns(), 1)
}

func TestRebalanceKindAndStateStrings(t *testing.T) {
	assert.Equal(t, "assign", rebalanceKind(native.ErrAssignPartitions).String())
	assert.Equal(t, "revoke", rebalanceKind(native.ErrRevokePartitions).String())
	assert.Equal(t, "unknown", rebalanceKind(native.ErrFail).String())
	assert.Equal(t, "assign-pending", StateAssignPending.String())
	assert.Equal(t, "revoke-pending", StateRevokePending.String())
	assert.Equal(t, "stable", StateStable.String())
}
