package franz

import (
	"sync"

	"github.com/loipv/kafka-bridge/native"
)

type eventKind int

const (
	evLog eventKind = iota
	evStats
	evError
	evRebalance
	evDelivery
	evTokenRefresh
)

// event is something that happened on a franz goroutine and waits to be
// served to the trampolines from Poll.
type event struct {
	kind eventKind

	level    int
	facility string
	message  string

	payload string
	err     *native.Error

	code native.ErrorCode
	list *native.TopicPartitionList
	// done is closed once a rebalance event has been served
	done chan struct{}

	report *native.DeliveryReport
}

// queue is an unbounded FIFO of events with a wakeup channel.
type queue struct {
	mu     sync.Mutex
	items  []event
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(ev event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) drain() []event {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// count returns how many queued events are of kind k.
func (q *queue) count(k eventKind) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for i := range q.items {
		if q.items[i].kind == k {
			n++
		}
	}
	return n
}

// release unblocks every waiting rebalance event without serving it.
func (q *queue) release() {
	for _, ev := range q.drain() {
		if ev.done != nil {
			close(ev.done)
		}
	}
}
