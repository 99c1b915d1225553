package franz

import (
	"context"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/loipv/kafka-bridge/native"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestQueue(t *testing.T) {
	q := newQueue()
	q.push(event{kind: evLog})
	q.push(event{kind: evDelivery})
	q.push(event{kind: evDelivery})

	assert.Equal(t, 3, q.len())
	assert.Equal(t, 2, q.count(evDelivery))

	select {
	case <-q.notify:
	default:
		t.Fatal("push did not notify")
	}

	evs := q.drain()
	require.Len(t, evs, 3)
	assert.Equal(t, evLog, evs[0].kind)
	assert.Equal(t, 0, q.len())
}

func TestQueueReleaseUnblocksRebalance(t *testing.T) {
	q := newQueue()
	done := make(chan struct{})
	q.push(event{kind: evRebalance, done: done})
	q.release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("rebalance event was not released")
	}
}

func TestServeRebalanceAppliesTrampolineAndCloses(t *testing.T) {
	rec := &recorder{}
	h := &consumer{
		handle:     newHandle(native.KindConsumer, newConfig(), rec),
		assignment: native.NewTopicPartitionList(),
		starts:     make(map[string]map[int32]int64),
		positions:  make(map[string]map[int32]int64),
		watermarks: make(map[string]map[int32]int64),
	}
	h.self = h

	list := native.NewTopicPartitionList()
	list.AddOffset("T", 0, 5)
	list.AddOffset("T", 1, native.OffsetInvalid)
	done := make(chan struct{})
	h.events.push(event{kind: evRebalance, code: native.ErrAssignPartitions, list: list, done: done})

	assert.Equal(t, 1, h.serveQueued())
	<-done

	assignment, err := h.Assignment()
	require.NoError(t, err)
	assert.Equal(t, 2, assignment.Len())
	assert.Equal(t, map[int32]int64{0: 5}, h.starts["T"])

	offsets, err := h.adjustOffsets(context.Background(), map[string]map[int32]kgo.Offset{
		"T": {0: kgo.NewOffset().AtStart(), 1: kgo.NewOffset().AtStart()},
	})
	require.NoError(t, err)
	assert.Equal(t, kgo.NewOffset().At(5), offsets["T"][0])
	assert.Equal(t, kgo.NewOffset().AtStart(), offsets["T"][1])
	assert.Empty(t, h.starts["T"])

	require.NoError(t, h.Unassign())
	assignment, err = h.Assignment()
	require.NoError(t, err)
	assert.Equal(t, 0, assignment.Len())
}

func TestBrokerTrackerSnapshot(t *testing.T) {
	tr := newBrokerTracker()
	meta := kgo.BrokerMetadata{NodeID: 1, Host: "kafka-1", Port: 9092}

	tr.OnBrokerConnect(meta, time.Millisecond, nil, nil)
	tr.OnBrokerE2E(meta, 0, kgo.BrokerE2E{TimeToWrite: 2 * time.Millisecond, TimeToRead: 2 * time.Millisecond})

	snap := tr.snapshot()
	b, ok := snap["kafka-1:9092/1"]
	require.True(t, ok)
	assert.Equal(t, "UP", b.State)
	assert.Equal(t, "learned", b.Source)
	assert.Positive(t, b.Rtt.Avg)

	tr.OnBrokerDisconnect(meta, nil)
	assert.Equal(t, "DOWN", tr.snapshot()["kafka-1:9092/1"].State)
}

func TestEmitStats(t *testing.T) {
	rec := &recorder{}
	cfg := newConfig()
	cfg.clientID = "bridge"
	h := &consumer{
		handle:     newHandle(native.KindConsumer, cfg, rec),
		assignment: native.NewTopicPartitionList(),
		starts:     make(map[string]map[int32]int64),
		positions:  make(map[string]map[int32]int64),
		watermarks: make(map[string]map[int32]int64),
	}
	h.self = h
	h.fill = h.fillStats

	h.assignment.AddOffset("T", 0, native.OffsetInvalid)
	setOffset(h.watermarks, "T", 0, 100)
	setOffset(h.positions, "T", 0, 60)

	h.emitStats()
	require.Equal(t, 1, h.serveQueued())
	require.Len(t, rec.stats, 1)

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(rec.stats[0]), &doc))
	assert.Equal(t, "bridge", doc["client_id"])
	assert.Equal(t, "consumer", doc["type"])
	assert.True(t, strings.HasPrefix(doc["name"].(string), "franz#consumer-"))

	part := doc["topics"].(map[string]any)["T"].(map[string]any)["partitions"].(map[string]any)["0"].(map[string]any)
	assert.EqualValues(t, 40, part["consumer_lag"])
	assert.Equal(t, "up", doc["cgrp"].(map[string]any)["state"])
}
