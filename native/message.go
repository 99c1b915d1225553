package native

import "time"

// PartitionAny lets the engine pick a partition.
const PartitionAny int32 = -1

type Header struct {
	Key   string
	Value []byte
}

// Message is a record read from, or handed to, the engine.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   []Header
	Timestamp time.Time
}

// DeliveryReport is the outcome of one produced message.
type DeliveryReport struct {
	Message *Message
	ID      uint64
	Err     error
}

type OAuthBearerToken struct {
	TokenValue string
	Expiration time.Time
	Principal  string
	Extensions map[string]string
}
