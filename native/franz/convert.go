package franz

import (
	"context"
	stderr "errors"

	"github.com/loipv/kafka-bridge/native"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// convertErr maps kgo, kerr and context errors onto engine errors. Broker
// error codes keep their protocol value, as librdkafka does.
func convertErr(err error) error {
	if err == nil {
		return nil
	}
	return asNative(err)
}

func asNative(err error) *native.Error {
	var ne *native.Error
	if stderr.As(err, &ne) {
		return ne
	}
	var ke *kerr.Error
	if stderr.As(err, &ke) {
		return &native.Error{Code: native.ErrorCode(ke.Code), Message: err.Error()}
	}
	switch {
	case stderr.Is(err, context.DeadlineExceeded):
		return native.NewError(native.ErrTimedOut, "Local: Timed out")
	case stderr.Is(err, kgo.ErrClientClosed):
		return native.NewError(native.ErrDestroy, "Local: Broker handle destroyed")
	case stderr.Is(err, kgo.ErrMaxBuffered):
		return native.NewError(native.ErrQueueFull, "Local: Queue full")
	}
	return native.NewError(native.ErrFail, "%s", err.Error())
}

// commitErr returns the request error or the first partition error of a
// commit response.
func commitErr(resp *kmsg.OffsetCommitResponse, err error) error {
	if err != nil {
		return convertErr(err)
	}
	if resp == nil {
		return nil
	}
	for _, t := range resp.Topics {
		for _, p := range t.Partitions {
			if perr := kerr.ErrorForCode(p.ErrorCode); perr != nil {
				return native.NewError(native.ErrorCode(p.ErrorCode), "commit %s[%d]: %v", t.Topic, p.Partition, perr)
			}
		}
	}
	return nil
}

func messageFromRecord(r *kgo.Record) *native.Message {
	m := &native.Message{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Timestamp: r.Timestamp,
	}
	if len(r.Headers) > 0 {
		m.Headers = make([]native.Header, len(r.Headers))
		for i, h := range r.Headers {
			m.Headers[i] = native.Header{Key: h.Key, Value: h.Value}
		}
	}
	return m
}

func recordFromMessage(m *native.Message) *kgo.Record {
	r := &kgo.Record{
		Topic:     m.Topic,
		Partition: m.Partition,
		Key:       m.Key,
		Value:     m.Value,
		Timestamp: m.Timestamp,
	}
	if len(m.Headers) > 0 {
		r.Headers = make([]kgo.RecordHeader, len(m.Headers))
		for i, h := range m.Headers {
			r.Headers[i] = kgo.RecordHeader{Key: h.Key, Value: h.Value}
		}
	}
	return r
}

// startOffset translates a bridge offset into a kgo start offset. Stored
// and invalid offsets leave kgo's choice untouched.
func startOffset(offset int64) (kgo.Offset, bool) {
	switch {
	case offset >= 0:
		return kgo.NewOffset().At(offset), true
	case offset == native.OffsetBeginning:
		return kgo.NewOffset().AtStart(), true
	case offset == native.OffsetEnd:
		return kgo.NewOffset().AtEnd(), true
	default:
		return kgo.Offset{}, false
	}
}
