package native

import (
	"errors"
	"fmt"
)

// ErrorCode mirrors the librdkafka error code space.
type ErrorCode int

const (
	ErrNoError          ErrorCode = 0
	ErrBadMsg           ErrorCode = -199
	ErrDestroy          ErrorCode = -197
	ErrFail             ErrorCode = -196
	ErrTransport        ErrorCode = -195
	ErrAllBrokersDown   ErrorCode = -187
	ErrInvalidArg       ErrorCode = -186
	ErrTimedOut         ErrorCode = -185
	ErrQueueFull        ErrorCode = -184
	ErrUnknownPartition ErrorCode = -190
	ErrUnknownTopic     ErrorCode = -188
	ErrRevokePartitions ErrorCode = -174
	ErrAssignPartitions ErrorCode = -175
	ErrState            ErrorCode = -172
	ErrNoOffset         ErrorCode = -168
	ErrNotImplemented   ErrorCode = -170
	ErrUnknown          ErrorCode = -1
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNoError:
		return "NO_ERROR"
	case ErrBadMsg:
		return "_BAD_MSG"
	case ErrDestroy:
		return "_DESTROY"
	case ErrFail:
		return "_FAIL"
	case ErrTransport:
		return "_TRANSPORT"
	case ErrAllBrokersDown:
		return "_ALL_BROKERS_DOWN"
	case ErrInvalidArg:
		return "_INVALID_ARG"
	case ErrTimedOut:
		return "_TIMED_OUT"
	case ErrQueueFull:
		return "_QUEUE_FULL"
	case ErrUnknownPartition:
		return "_UNKNOWN_PARTITION"
	case ErrUnknownTopic:
		return "_UNKNOWN_TOPIC"
	case ErrRevokePartitions:
		return "_REVOKE_PARTITIONS"
	case ErrAssignPartitions:
		return "_ASSIGN_PARTITIONS"
	case ErrState:
		return "_STATE"
	case ErrNoOffset:
		return "_NO_OFFSET"
	case ErrNotImplemented:
		return "_NOT_IMPLEMENTED"
	default:
		return fmt.Sprintf("ERR_%d", int(c))
	}
}

// Error is a failure reported by the engine. Message is the engine's own
// diagnostic text.
type Error struct {
	Code    ErrorCode
	Message string
	Fatal   bool
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return e.Message
}

// NewError builds an *Error with a formatted diagnostic.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Code extracts the engine code from err, or ErrUnknown.
func Code(err error) ErrorCode {
	if err == nil {
		return ErrNoError
	}
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Code
	}
	return ErrUnknown
}

// IsTimeout reports whether err is an engine timeout.
func IsTimeout(err error) bool {
	return Code(err) == ErrTimedOut
}
