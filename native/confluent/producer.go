//go:build cgo

package confluent

import (
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/loipv/kafka-bridge/native"
)

type producer struct {
	base
	kp *kafka.Producer
}

var _ native.ProducerHandle = (*producer)(nil)

func (Engine) NewProducer(cfg native.Config, tr native.Trampolines) (native.ProducerHandle, error) {
	conf, ok := cfg.(*config)
	if !ok {
		return nil, native.NewError(native.ErrInvalidArg, "configuration was not created by the %s engine", engineName)
	}

	p, err := kafka.NewProducer(conf.clone())
	if err != nil {
		return nil, convertErr(err)
	}

	h := &producer{kp: p}
	h.base = base{c: p, cfg: conf, tr: tr}
	h.self = h
	return h, nil
}

func (h *producer) Kind() native.HandleKind {
	return native.KindProducer
}

// Poll serves events from the producer's event channel. It returns once the
// channel is empty after serving at least one event, or when timeout passes.
func (h *producer) Poll(timeout time.Duration) (*native.Message, error) {
	if h.detached.Load() {
		return nil, native.NewError(native.ErrDestroy, "handle is destroyed")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	served := false
	for {
		h.drainLogs()

		if served {
			select {
			case ev, ok := <-h.kp.Events():
				if !ok {
					return nil, native.NewError(native.ErrDestroy, "event channel closed")
				}
				h.serve(ev)
				continue
			default:
				return nil, nil
			}
		}

		select {
		case ev, ok := <-h.kp.Events():
			if !ok {
				return nil, native.NewError(native.ErrDestroy, "event channel closed")
			}
			h.serve(ev)
			served = true
		case <-timer.C:
			h.drainLogs()
			return nil, nil
		}
	}
}

func (h *producer) serve(ev kafka.Event) {
	m, ok := ev.(*kafka.Message)
	if !ok {
		h.dispatch(ev)
		return
	}

	report := &native.DeliveryReport{
		Message: messageFromConfluent(m),
		Err:     convertErr(m.TopicPartition.Error),
	}
	if id, ok := m.Opaque.(uint64); ok {
		report.ID = id
	}
	h.tr.OnDeliveryReport(h.cfg.opaque, report)
}

func (h *producer) Produce(msg *native.Message, id uint64) error {
	return convertErr(h.kp.Produce(messageToConfluent(msg, id), nil))
}

func (h *producer) Flush(timeout time.Duration) int {
	return h.kp.Flush(int(timeout.Milliseconds()))
}

func (h *producer) Destroy() error {
	if !h.detached.CompareAndSwap(false, true) {
		return native.NewError(native.ErrDestroy, "handle is already destroyed")
	}
	h.kp.Close()
	return nil
}
