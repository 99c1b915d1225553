package franz

import (
	"sync"

	"github.com/loipv/kafka-bridge/native"
)

// recorder is a Trampolines implementation that keeps what it was given.
// Rebalances are applied as proposed.
type recorder struct {
	mu         sync.Mutex
	logs       []string
	stats      []string
	errs       []*native.Error
	reports    []*native.DeliveryReport
	rebalances []native.ErrorCode
	refreshes  []string
}

var _ native.Trampolines = (*recorder)(nil)

func (r *recorder) OnLog(_ native.Opaque, _ int, facility, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, facility+": "+message)
}

func (r *recorder) OnStats(_ native.Opaque, payload string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = append(r.stats, payload)
}

func (r *recorder) OnError(_ native.Opaque, err *native.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) OnDeliveryReport(_ native.Opaque, report *native.DeliveryReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
}

func (r *recorder) OnRebalance(_ native.Opaque, h native.ConsumerHandle, code native.ErrorCode, proposed *native.TopicPartitionList) error {
	r.mu.Lock()
	r.rebalances = append(r.rebalances, code)
	r.mu.Unlock()

	if code == native.ErrAssignPartitions {
		return h.Assign(proposed)
	}
	return h.Unassign()
}

func (r *recorder) OnTokenRefresh(_ native.Opaque, _ native.Handle, config string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshes = append(r.refreshes, config)
}

func (r *recorder) reportCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

func (r *recorder) logCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.logs)
}
