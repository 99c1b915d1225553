package nativetest

import (
	"time"

	"github.com/loipv/kafka-bridge/native"
)

// Producer is a scripted producer handle. Every produced message is
// delivered on the next Poll, at the next offset of its topic.
type Producer struct {
	*handle

	produced    []*native.Message
	offsets     map[string]int64
	produceErr  error
	deliveryErr error
}

var _ native.ProducerHandle = (*Producer)(nil)

func (p *Producer) Produce(msg *native.Message, id uint64) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return native.NewError(native.ErrDestroy, "handle destroyed")
	}
	if p.produceErr != nil {
		err := p.produceErr
		p.mu.Unlock()
		return err
	}
	cp := *msg
	if cp.Partition < 0 {
		cp.Partition = 0
	}
	cp.Offset = p.offsets[cp.Topic]
	p.offsets[cp.Topic]++
	p.produced = append(p.produced, &cp)
	deliveryErr := p.deliveryErr
	p.mu.Unlock()

	p.push(func() (*native.Message, error) {
		p.tr.OnDeliveryReport(p.Opaque(), &native.DeliveryReport{Message: &cp, ID: id, Err: deliveryErr})
		return nil, nil
	})
	return nil
}

// Flush waits until Poll has drained the queue.
func (p *Producer) Flush(timeout time.Duration) int {
	deadline := time.Now().Add(timeout)
	for {
		n := p.Pending()
		if n == 0 || !time.Now().Before(deadline) {
			return n
		}
		time.Sleep(time.Millisecond)
	}
}

// FailProduce makes Produce return err synchronously.
func (p *Producer) FailProduce(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.produceErr = err
}

// FailDelivery makes delivery reports carry err.
func (p *Producer) FailDelivery(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deliveryErr = err
}

func (p *Producer) Produced() []*native.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*native.Message(nil), p.produced...)
}
