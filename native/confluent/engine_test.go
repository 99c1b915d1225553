//go:build cgo

package confluent

import (
	"errors"
	"testing"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/loipv/kafka-bridge/native"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigSet(t *testing.T) {
	cfg := New().NewConfig().(*config)

	require.NoError(t, cfg.Set("bootstrap.servers", "localhost:9092"))
	require.NoError(t, cfg.Set("log.queue", "true"))
	assert.Equal(t, "localhost:9092", cfg.m["bootstrap.servers"])
	assert.True(t, cfg.logsEnabled())
	assert.NotContains(t, cfg.m, "log.queue")

	err := cfg.Set("log.queue", "maybe")
	require.Error(t, err)
	assert.Equal(t, native.ErrInvalidArg, native.Code(err))

	err = cfg.Set("go.events.channel.enable", "true")
	require.Error(t, err)
	assert.Equal(t, native.ErrInvalidArg, native.Code(err))

	assert.Error(t, cfg.Set("", "x"))

	err = cfg.Set("partition.assignment.strategy", "cooperative-sticky")
	require.Error(t, err)
	assert.Equal(t, native.ErrInvalidArg, native.Code(err))
	require.NoError(t, cfg.Set("partition.assignment.strategy", "range,roundrobin"))

	cfg.SetOpaque(7)
	assert.Equal(t, native.Opaque(7), cfg.Opaque())
}

func TestConfigClone(t *testing.T) {
	cfg := New().NewConfig().(*config)
	require.NoError(t, cfg.Set("group.id", "g"))

	m := cfg.clone()
	(*m)["group.id"] = "other"
	assert.Equal(t, "g", cfg.m["group.id"])
}

func TestPartitionConversion(t *testing.T) {
	list := native.NewTopicPartitionList()
	list.AddOffset("T", 0, 5)
	list.AddOffset("T", 1, native.OffsetBeginning)
	list.AddOffset("U", 3, native.OffsetStored)

	parts := toConfluent(list)
	require.Len(t, parts, 3)
	assert.Equal(t, "T", *parts[0].Topic)
	assert.Equal(t, kafka.Offset(5), parts[0].Offset)
	assert.Equal(t, kafka.OffsetBeginning, parts[1].Offset)
	assert.Equal(t, kafka.OffsetStored, parts[2].Offset)

	assert.True(t, list.Equal(fromConfluent(parts)))
}

func TestConvertErr(t *testing.T) {
	assert.NoError(t, convertErr(nil))

	err := convertErr(kafka.NewError(kafka.ErrTimedOut, "Local: Timed out", false))
	assert.True(t, native.IsTimeout(err))

	err = convertErr(errors.New("boom"))
	assert.Equal(t, native.ErrFail, native.Code(err))
	assert.Equal(t, "boom", err.Error())
}

func TestMessageConversion(t *testing.T) {
	nm := &native.Message{
		Topic:     "orders",
		Partition: native.PartitionAny,
		Key:       []byte("k"),
		Value:     []byte("v"),
		Headers:   []native.Header{{Key: "h", Value: []byte("1")}},
	}

	km := messageToConfluent(nm, 42)
	assert.Equal(t, kafka.PartitionAny, km.TopicPartition.Partition)
	assert.Equal(t, uint64(42), km.Opaque)

	back := messageFromConfluent(km)
	assert.Equal(t, "orders", back.Topic)
	assert.Equal(t, nm.Key, back.Key)
	assert.Equal(t, nm.Headers, back.Headers)
}
