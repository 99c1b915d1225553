package kafka

import (
	"fmt"
	"time"

	"github.com/loipv/kafka-bridge/native"
	"github.com/roadrunner-server/errors"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.Str("client is closed")

// ConfigError reports an engine property the engine refused. No client was
// created.
type ConfigError struct {
	Key        string
	Diagnostic string
	Err        error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("kafka: configuration property %q rejected: %s", e.Key, e.Diagnostic)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ClientCreationError reports that the engine could not create a handle.
type ClientCreationError struct {
	Kind       native.HandleKind
	Diagnostic string
	Err        error
}

func (e *ClientCreationError) Error() string {
	return fmt.Sprintf("kafka: failed to create %s: %s", e.Kind, e.Diagnostic)
}

func (e *ClientCreationError) Unwrap() error { return e.Err }

// DanglingKeyError is raised when an opaque key has no registry entry. It
// always points at a lifecycle bug: a callback outliving its client, or a
// client deregistered twice.
type DanglingKeyError struct {
	Key native.Opaque
	Op  string
}

func (e *DanglingKeyError) Error() string {
	return fmt.Sprintf("kafka: %s: opaque key %s is not registered", e.Op, e.Key)
}

// TimeoutError reports a blocking engine call that did not finish in time.
// The call may be retried.
type TimeoutError struct {
	Op        string
	Topic     string
	Partition int32
	After     time.Duration
	Err       error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("kafka: %s %s[%d] timed out after %s", e.Op, e.Topic, e.Partition, e.After)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Timeout is always true.
func (e *TimeoutError) Timeout() bool { return true }

// Temporary is always true: the operation did not happen and can be retried.
func (e *TimeoutError) Temporary() bool { return true }

// SeekError reports a seek the engine refused.
type SeekError struct {
	Topic      string
	Partition  int32
	Offset     int64
	Diagnostic string
	Err        error
}

func (e *SeekError) Error() string {
	return fmt.Sprintf("kafka: seek %s[%d] to %s: %s", e.Topic, e.Partition, native.OffsetString(e.Offset), e.Diagnostic)
}

func (e *SeekError) Unwrap() error { return e.Err }

// CommitError reports a failed offset commit.
type CommitError struct {
	Async      bool
	Partitions *TopicPartitionList
	Diagnostic string
	Err        error
}

func (e *CommitError) Error() string {
	mode := "sync"
	if e.Async {
		mode = "async"
	}
	if e.Partitions == nil {
		return fmt.Sprintf("kafka: %s commit of current positions: %s", mode, e.Diagnostic)
	}
	return fmt.Sprintf("kafka: %s commit %s: %s", mode, e.Partitions, e.Diagnostic)
}

func (e *CommitError) Unwrap() error { return e.Err }

// RebalanceError reports that the engine refused an assign or unassign
// during a rebalance. The consumer's assignment is then unknown and the
// client must be closed and recreated.
type RebalanceError struct {
	Kind       RebalanceKind
	Partitions *TopicPartitionList
	Diagnostic string
	Err        error
}

func (e *RebalanceError) Error() string {
	return fmt.Sprintf("kafka: rebalance %s of %s failed: %s", e.Kind, e.Partitions, e.Diagnostic)
}

func (e *RebalanceError) Unwrap() error { return e.Err }

func diagnostic(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
