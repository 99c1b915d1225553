// Package native describes the engine a Kafka bridge client talks to.
//
// An engine owns network I/O, group membership and message transport. The
// bridge only sees it through a configuration object, client handles and a
// set of trampolines the engine calls while it is being polled. Handles carry
// a single opaque, pointer-sized key back into those trampolines; they never
// hold a reference to managed callback objects.
package native

import (
	"strconv"
	"time"
)

// Opaque is the user-data key embedded into a native handle.
type Opaque uintptr

func (o Opaque) String() string {
	return "0x" + strconv.FormatUint(uint64(o), 16)
}

// HandleKind tells consumers and producers apart.
type HandleKind int

const (
	KindConsumer HandleKind = iota
	KindProducer
)

func (k HandleKind) String() string {
	switch k {
	case KindConsumer:
		return "consumer"
	case KindProducer:
		return "producer"
	default:
		return "unknown(" + strconv.Itoa(int(k)) + ")"
	}
}

// Engine creates configuration objects and client handles.
type Engine interface {
	// Name identifies the engine in logs.
	Name() string
	NewConfig() Config
	NewConsumer(cfg Config, tr Trampolines) (ConsumerHandle, error)
	NewProducer(cfg Config, tr Trampolines) (ProducerHandle, error)
}

// Config is the engine-side configuration being materialized. Set rejects
// unknown keys and malformed values with an *Error whose Message is the
// engine's diagnostic.
type Config interface {
	Set(key, value string) error
	SetOpaque(key Opaque)
	Opaque() Opaque
}

// Handle is the part shared by consumer and producer handles.
type Handle interface {
	Kind() HandleKind
	Name() string
	Opaque() Opaque

	// Poll serves queued events, invoking trampolines on the calling
	// goroutine, for at most timeout. Consumers return the next message, if
	// any. A nil message and nil error means the timeout elapsed.
	Poll(timeout time.Duration) (*Message, error)

	// RedirectLogs routes engine log lines through Poll instead of emitting
	// them from engine threads.
	RedirectLogs() error

	SetOAuthBearerToken(token OAuthBearerToken) error
	SetOAuthBearerTokenFailure(reason string) error

	// Destroy releases the handle. Trampolines are never invoked once
	// Destroy has started.
	Destroy() error
}

// ConsumerHandle is a group consumer.
type ConsumerHandle interface {
	Handle

	Subscribe(topics []string) error
	Assign(partitions *TopicPartitionList) error
	Unassign() error
	Assignment() (*TopicPartitionList, error)

	// Seek blocks for at most timeout. A timeout is reported as an *Error
	// with ErrTimedOut.
	Seek(topic string, partition int32, offset int64, timeout time.Duration) error

	// Commit commits the offsets of partitions, or the current consumed
	// positions when partitions is nil. Async commits report failures
	// through Trampolines.OnError during a later Poll.
	Commit(partitions *TopicPartitionList, async bool) error
	Committed(partitions *TopicPartitionList, timeout time.Duration) (*TopicPartitionList, error)
}

// ProducerHandle is a producer.
type ProducerHandle interface {
	Handle

	// Produce enqueues msg. id comes back in the delivery report.
	Produce(msg *Message, id uint64) error
	// Flush waits for outstanding deliveries and returns how many remain.
	Flush(timeout time.Duration) int
}

// Trampolines are the entry points an engine calls while it is polled. Every
// call carries the key the handle was configured with.
type Trampolines interface {
	OnLog(key Opaque, level int, facility, message string)
	OnStats(key Opaque, payload string)
	OnError(key Opaque, err *Error)
	OnDeliveryReport(key Opaque, report *DeliveryReport)
	OnRebalance(key Opaque, h ConsumerHandle, code ErrorCode, proposed *TopicPartitionList) error
	OnTokenRefresh(key Opaque, h Handle, config string)
}
