package kafka

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/loipv/kafka-bridge/native"
)

// Headers is a map of header key-value pairs
type Headers map[string][]byte

// Message represents a Kafka message
type Message struct {
	Key       []byte
	Value     []byte
	Headers   Headers
	Partition int32
	Offset    int64
	Timestamp time.Time
	Topic     string
}

// TopicPartition returns the message's position.
func (m *Message) TopicPartition() TopicPartition {
	return TopicPartition{Topic: m.Topic, Partition: m.Partition, Offset: m.Offset}
}

func messageFromNative(m *native.Message) *Message {
	msg := &Message{
		Key:       m.Key,
		Value:     m.Value,
		Partition: m.Partition,
		Offset:    m.Offset,
		Timestamp: m.Timestamp,
		Topic:     m.Topic,
	}
	if len(m.Headers) > 0 {
		msg.Headers = make(Headers, len(m.Headers))
		for _, h := range m.Headers {
			msg.Headers[h.Key] = h.Value
		}
	}
	return msg
}

func (m *Message) toNative(topic string) *native.Message {
	nm := &native.Message{
		Topic:     topic,
		Partition: PartitionAny,
		Offset:    native.OffsetInvalid,
		Key:       m.Key,
		Value:     m.Value,
		Timestamp: m.Timestamp,
	}
	if m.Partition != 0 {
		nm.Partition = m.Partition
	}
	// header order is not meaningful to brokers but keep it stable
	for _, k := range slices.Sorted(maps.Keys(m.Headers)) {
		nm.Headers = append(nm.Headers, native.Header{Key: k, Value: m.Headers[k]})
	}
	return nm
}

// PartitionAny represents any partition
const PartitionAny = native.PartitionAny

type (
	TopicPartition     = native.TopicPartition
	TopicPartitionList = native.TopicPartitionList
	PartitionOffset    = native.PartitionOffset
	OAuthBearerToken   = native.OAuthBearerToken
)

// NewTopicPartitionList builds a list from parts.
func NewTopicPartitionList(parts ...TopicPartition) *TopicPartitionList {
	return native.NewTopicPartitionListFrom(parts...)
}

// Offset sentinels
const (
	OffsetBeginning = native.OffsetBeginning
	OffsetEnd       = native.OffsetEnd
	OffsetStored    = native.OffsetStored
	OffsetInvalid   = native.OffsetInvalid
)

// Acks configuration for producer acknowledgment
type Acks int

const (
	// AcksNone - No acknowledgment
	AcksNone Acks = 0
	// AcksLeader - Leader acknowledgment only
	AcksLeader Acks = 1
	// AcksAll - All replicas acknowledgment
	AcksAll Acks = -1
)

// Compression types for message compression
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGZIP
	CompressionSnappy
	CompressionLZ4
	CompressionZSTD
)

func (c Compression) String() string {
	switch c {
	case CompressionGZIP:
		return "gzip"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "none"
	}
}

// PartitionAssignor represents partition assignment strategy
type PartitionAssignor string

const (
	// AssignorRange assigns partitions based on ranges
	AssignorRange PartitionAssignor = "range"
	// AssignorRoundRobin assigns partitions in round-robin fashion
	AssignorRoundRobin PartitionAssignor = "roundrobin"
)

// HealthStatus represents health check status
type HealthStatus string

const (
	// HealthStatusUp indicates the service is healthy
	HealthStatusUp HealthStatus = "UP"
	// HealthStatusDown indicates the service is unhealthy
	HealthStatusDown HealthStatus = "DOWN"
)

// HealthResult represents health check result
type HealthResult struct {
	Status  HealthStatus   `json:"status"`
	Details map[string]any `json:"details,omitempty"`
	Error   error          `json:"error,omitempty"`
}

// LogLevel represents logging level
type LogLevel int

const (
	LogLevelNone LogLevel = iota
	LogLevelError
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

// syslog returns the engine's log_level value for l.
func (l LogLevel) syslog() int {
	switch l {
	case LogLevelNone:
		return 0
	case LogLevelError:
		return 3
	case LogLevelWarn:
		return 4
	case LogLevelInfo:
		return 6
	default:
		return 7
	}
}

// Handler types

// MessageHandler handles a single message
type MessageHandler func(ctx context.Context, msg *Message) error

// ErrorHandler receives errors the client cannot return to a caller: engine
// errors, async commit failures and handler failures. msg is nil unless the
// error concerns a message.
type ErrorHandler func(err error, msg *Message)

// LogFunc receives engine log lines. level is a syslog severity.
type LogFunc func(level int, facility, message string)

// StatsFunc receives every parsed statistics snapshot.
type StatsFunc func(stats *Stats)

// DeliveryFunc receives the outcome of messages sent with Produce.
type DeliveryFunc func(msg *Message, err error)

// TokenRefreshFunc returns a fresh OAUTHBEARER token. config is the
// sasl.oauthbearer.config property.
type TokenRefreshFunc func(config string) (OAuthBearerToken, error)
