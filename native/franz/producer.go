package franz

import (
	"context"
	"time"

	"github.com/loipv/kafka-bridge/native"
	"github.com/twmb/franz-go/pkg/kgo"
)

type producer struct {
	*handle
}

var _ native.ProducerHandle = (*producer)(nil)

func (e Engine) NewProducer(cfg native.Config, tr native.Trampolines) (native.ProducerHandle, error) {
	conf, err := asConfig(cfg)
	if err != nil {
		return nil, err
	}

	h := &producer{handle: newHandle(native.KindProducer, conf, tr)}
	h.self = h

	opts, err := h.opts(e)
	if err != nil {
		return nil, err
	}
	opts = append(opts, conf.producerOpts()...)

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, convertErr(err)
	}
	h.start(cl)
	return h, nil
}

// Poll serves queued events. It returns as soon as at least one event was
// served, or when timeout passes.
func (h *producer) Poll(timeout time.Duration) (*native.Message, error) {
	if h.detached.Load() {
		return nil, native.NewError(native.ErrDestroy, "handle is destroyed")
	}
	if h.serveQueued() > 0 {
		return nil, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-h.events.notify:
			if h.serveQueued() > 0 {
				return nil, nil
			}
		case <-timer.C:
			return nil, nil
		case <-h.closing:
			return nil, native.NewError(native.ErrDestroy, "handle is destroyed")
		}
	}
}

// Produce never blocks. A full buffer is reported through the delivery
// report with ErrQueueFull.
func (h *producer) Produce(msg *native.Message, id uint64) error {
	if h.detached.Load() {
		return native.NewError(native.ErrDestroy, "handle is destroyed")
	}
	if msg.Topic == "" {
		return native.NewError(native.ErrInvalidArg, "message has no topic")
	}

	h.cl.TryProduce(context.Background(), recordFromMessage(msg), func(r *kgo.Record, err error) {
		if err == nil {
			h.counters.txMsgs.Add(1)
		}
		if h.detached.Load() {
			return
		}
		h.events.push(event{
			kind: evDelivery,
			report: &native.DeliveryReport{
				Message: messageFromRecord(r),
				ID:      id,
				Err:     convertErr(err),
			},
		})
	})
	return nil
}

// Flush waits for kgo to finish sending and for the poll loop to serve the
// resulting delivery reports.
func (h *producer) Flush(timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_ = h.cl.Flush(ctx)

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for h.events.count(evDelivery) > 0 {
		select {
		case <-ctx.Done():
			return int(h.cl.BufferedProduceRecords()) + h.events.count(evDelivery)
		case <-ticker.C:
		}
	}
	return int(h.cl.BufferedProduceRecords())
}

func (h *producer) Destroy() error {
	return h.destroy()
}
