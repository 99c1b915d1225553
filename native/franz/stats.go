package franz

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/twmb/franz-go/pkg/kgo"
)

// statsPayload follows the field names of librdkafka's statistics JSON so
// both engines feed the same parser.
type statsPayload struct {
	Name     string                 `json:"name"`
	ClientID string                 `json:"client_id"`
	Type     string                 `json:"type"`
	Ts       int64                  `json:"ts"`
	Time     int64                  `json:"time"`
	ReplyQ   int64                  `json:"replyq"`
	MsgCnt   int64                  `json:"msg_cnt"`
	TxMsgs   int64                  `json:"txmsgs"`
	RxMsgs   int64                  `json:"rxmsgs"`
	Brokers  map[string]brokerStats `json:"brokers"`
	Topics   map[string]topicStats  `json:"topics"`
	CGrp     *groupStats            `json:"cgrp,omitempty"`
}

type brokerStats struct {
	Name     string      `json:"name"`
	NodeID   int32       `json:"nodeid"`
	NodeName string      `json:"nodename"`
	Source   string      `json:"source"`
	State    string      `json:"state"`
	Rtt      windowStats `json:"rtt"`
	TxErrs   int64       `json:"txerrs"`
	RxErrs   int64       `json:"rxerrs"`
}

type windowStats struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
	Avg int64 `json:"avg"`
}

type topicStats struct {
	Topic      string                    `json:"topic"`
	Partitions map[string]partitionStats `json:"partitions"`
}

type partitionStats struct {
	Partition   int32 `json:"partition"`
	ConsumerLag int64 `json:"consumer_lag"`
	HiOffset    int64 `json:"hi_offset"`
	AppOffset   int64 `json:"app_offset"`
}

type groupStats struct {
	State          string `json:"state"`
	RebalanceCnt   int64  `json:"rebalance_cnt"`
	AssignmentSize int64  `json:"assignment_size"`
}

// brokerTracker follows broker connections through kgo hooks.
type brokerTracker struct {
	mu      sync.Mutex
	brokers map[int32]*brokerState
}

type brokerState struct {
	meta   kgo.BrokerMetadata
	conns  int
	rtt    windowStats
	count  int64
	total  int64
	txErrs int64
	rxErrs int64
}

var (
	_ kgo.HookBrokerConnect    = (*brokerTracker)(nil)
	_ kgo.HookBrokerDisconnect = (*brokerTracker)(nil)
	_ kgo.HookBrokerE2E        = (*brokerTracker)(nil)
)

func newBrokerTracker() *brokerTracker {
	return &brokerTracker{brokers: make(map[int32]*brokerState)}
}

func (t *brokerTracker) state(meta kgo.BrokerMetadata) *brokerState {
	b, ok := t.brokers[meta.NodeID]
	if !ok {
		b = &brokerState{meta: meta}
		t.brokers[meta.NodeID] = b
	}
	return b
}

func (t *brokerTracker) OnBrokerConnect(meta kgo.BrokerMetadata, _ time.Duration, _ net.Conn, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.state(meta)
	if err != nil {
		b.txErrs++
		return
	}
	b.conns++
}

func (t *brokerTracker) OnBrokerDisconnect(meta kgo.BrokerMetadata, _ net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.state(meta)
	if b.conns > 0 {
		b.conns--
	}
}

func (t *brokerTracker) OnBrokerE2E(meta kgo.BrokerMetadata, _ int16, e2e kgo.BrokerE2E) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.state(meta)
	if e2e.WriteErr != nil {
		b.txErrs++
	}
	if e2e.ReadErr != nil {
		b.rxErrs++
	}
	us := e2e.DurationE2E().Microseconds()
	if b.count == 0 || us < b.rtt.Min {
		b.rtt.Min = us
	}
	if us > b.rtt.Max {
		b.rtt.Max = us
	}
	b.count++
	b.total += us
	b.rtt.Avg = b.total / b.count
}

func (t *brokerTracker) snapshot() map[string]brokerStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]brokerStats, len(t.brokers))
	for id, b := range t.brokers {
		// kgo uses negative node ids for seed brokers
		source := "learned"
		if id < 0 {
			source = "configured"
		}
		state := "DOWN"
		if b.conns > 0 {
			state = "UP"
		}
		addr := net.JoinHostPort(b.meta.Host, strconv.Itoa(int(b.meta.Port)))
		name := addr + "/" + strconv.Itoa(int(id))
		out[name] = brokerStats{
			Name:     name,
			NodeID:   id,
			NodeName: addr,
			Source:   source,
			State:    state,
			Rtt:      b.rtt,
			TxErrs:   b.txErrs,
			RxErrs:   b.rxErrs,
		}
	}
	return out
}

// counters are the message counts reported in statistics.
type counters struct {
	txMsgs atomic.Int64
	rxMsgs atomic.Int64
}

// runStats emits a statistics event every interval until stop is closed.
func runStats(interval time.Duration, stop <-chan struct{}, emit func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			emit()
		}
	}
}

func encodeStats(p *statsPayload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
