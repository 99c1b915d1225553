//go:build cgo

// Package confluent implements the native engine on confluent-kafka-go, the
// Go binding of librdkafka.
package confluent

import (
	stderr "errors"
	"strconv"
	"strings"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/loipv/kafka-bridge/native"
)

const engineName = "confluent"

// Engine creates librdkafka backed handles.
type Engine struct{}

var _ native.Engine = Engine{}

func New() Engine {
	return Engine{}
}

func (Engine) Name() string {
	return engineName
}

func (Engine) NewConfig() native.Config {
	return &config{m: kafka.ConfigMap{}}
}

// config collects librdkafka properties. librdkafka validates values when
// the handle is created, so Set only rejects what it can tell locally.
type config struct {
	m      kafka.ConfigMap
	opaque native.Opaque
}

func (c *config) Set(key, value string) error {
	switch {
	case key == "":
		return native.NewError(native.ErrInvalidArg, "empty configuration property name")
	case strings.HasPrefix(key, "go."):
		return native.NewError(native.ErrInvalidArg, "configuration property %q is reserved", key)
	case key == "partition.assignment.strategy" && strings.Contains(value, "cooperative"):
		// the cooperative protocol needs incremental assign calls
		return native.NewError(native.ErrInvalidArg,
			"Invalid value %q for configuration property %q: cooperative rebalancing is not supported", value, key)
	case key == "log.queue":
		enable, err := strconv.ParseBool(value)
		if err != nil {
			return native.NewError(native.ErrInvalidArg, "invalid value %q for boolean property log.queue", value)
		}
		return c.m.SetKey("go.logs.channel.enable", enable)
	}
	return c.m.SetKey(key, value)
}

func (c *config) SetOpaque(key native.Opaque) {
	c.opaque = key
}

func (c *config) Opaque() native.Opaque {
	return c.opaque
}

// clone hands librdkafka a private copy.
func (c *config) clone() *kafka.ConfigMap {
	m := make(kafka.ConfigMap, len(c.m))
	for k, v := range c.m {
		m[k] = v
	}
	return &m
}

func (c *config) logsEnabled() bool {
	v, ok := c.m["go.logs.channel.enable"].(bool)
	return ok && v
}

// convertErr maps a confluent error onto the engine error type.
func convertErr(err error) error {
	if err == nil {
		return nil
	}
	var kerr kafka.Error
	if stderr.As(err, &kerr) {
		return &native.Error{
			Code:    native.ErrorCode(kerr.Code()),
			Message: kerr.String(),
			Fatal:   kerr.IsFatal(),
		}
	}
	return native.NewError(native.ErrFail, "%s", err.Error())
}

func toConfluent(list *native.TopicPartitionList) []kafka.TopicPartition {
	parts := list.Partitions()
	out := make([]kafka.TopicPartition, 0, len(parts))
	for _, tp := range parts {
		topic := tp.Topic
		out = append(out, kafka.TopicPartition{
			Topic:     &topic,
			Partition: tp.Partition,
			Offset:    kafka.Offset(tp.Offset),
		})
	}
	return out
}

func fromConfluent(parts []kafka.TopicPartition) *native.TopicPartitionList {
	list := native.NewTopicPartitionList()
	for _, tp := range parts {
		if tp.Topic == nil {
			continue
		}
		list.AddOffset(*tp.Topic, tp.Partition, int64(tp.Offset))
	}
	return list
}

// firstPartitionErr returns the first per-partition error of a commit or
// committed result.
func firstPartitionErr(parts []kafka.TopicPartition) error {
	for _, tp := range parts {
		if tp.Error != nil {
			return convertErr(tp.Error)
		}
	}
	return nil
}

func messageFromConfluent(m *kafka.Message) *native.Message {
	nm := &native.Message{
		Partition: m.TopicPartition.Partition,
		Offset:    int64(m.TopicPartition.Offset),
		Key:       m.Key,
		Value:     m.Value,
		Timestamp: m.Timestamp,
	}
	if m.TopicPartition.Topic != nil {
		nm.Topic = *m.TopicPartition.Topic
	}
	if len(m.Headers) > 0 {
		nm.Headers = make([]native.Header, len(m.Headers))
		for i, h := range m.Headers {
			nm.Headers[i] = native.Header{Key: h.Key, Value: h.Value}
		}
	}
	return nm
}

func messageToConfluent(m *native.Message, id uint64) *kafka.Message {
	topic := m.Topic
	km := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: m.Partition,
		},
		Key:       m.Key,
		Value:     m.Value,
		Timestamp: m.Timestamp,
		Opaque:    id,
	}
	if m.Partition < 0 {
		km.TopicPartition.Partition = kafka.PartitionAny
	}
	if len(m.Headers) > 0 {
		km.Headers = make([]kafka.Header, len(m.Headers))
		for i, h := range m.Headers {
			km.Headers[i] = kafka.Header{Key: h.Key, Value: h.Value}
		}
	}
	return km
}
