package kafka

import (
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// Stats is the subset of the engine's statistics payload the bridge uses.
// Raw holds the payload as received.
type Stats struct {
	Name     string `json:"name"`
	ClientID string `json:"client_id"`
	Type     string `json:"type"`
	// Ts is the engine's monotonic clock in microseconds.
	Ts   int64 `json:"ts"`
	Time int64 `json:"time"`

	ReplyQ  int64 `json:"replyq"`
	MsgCnt  int64 `json:"msg_cnt"`
	MsgSize int64 `json:"msg_size"`
	Tx      int64 `json:"tx"`
	Rx      int64 `json:"rx"`
	TxMsgs  int64 `json:"txmsgs"`
	RxMsgs  int64 `json:"rxmsgs"`

	Brokers map[string]BrokerStats `json:"brokers"`
	Topics  map[string]TopicStats  `json:"topics"`
	CGrp    *ConsumerGroupStats    `json:"cgrp,omitempty"`

	Raw        string    `json:"-"`
	ReceivedAt time.Time `json:"-"`
}

type BrokerStats struct {
	Name     string      `json:"name"`
	NodeID   int32       `json:"nodeid"`
	NodeName string      `json:"nodename"`
	Source   string      `json:"source"`
	State    string      `json:"state"`
	Rtt      WindowStats `json:"rtt"`
	TxErrs   int64       `json:"txerrs"`
	RxErrs   int64       `json:"rxerrs"`
}

// WindowStats are rolling window latencies in microseconds.
type WindowStats struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
	Avg int64 `json:"avg"`
	P99 int64 `json:"p99"`
}

type TopicStats struct {
	Topic      string                    `json:"topic"`
	Partitions map[string]PartitionStats `json:"partitions"`
}

type PartitionStats struct {
	Partition       int32 `json:"partition"`
	Leader          int32 `json:"leader"`
	ConsumerLag     int64 `json:"consumer_lag"`
	CommittedOffset int64 `json:"committed_offset"`
	HiOffset        int64 `json:"hi_offset"`
	LoOffset        int64 `json:"lo_offset"`
	AppOffset       int64 `json:"app_offset"`
}

type ConsumerGroupStats struct {
	State          string `json:"state"`
	JoinState      string `json:"join_state"`
	RebalanceAge   int64  `json:"rebalance_age"`
	RebalanceCnt   int64  `json:"rebalance_cnt"`
	AssignmentSize int64  `json:"assignment_size"`
}

// ParseStats decodes a statistics payload.
func ParseStats(payload string) (*Stats, error) {
	s := &Stats{}
	if err := json.Unmarshal([]byte(payload), s); err != nil {
		return nil, err
	}
	s.Raw = payload
	s.ReceivedAt = time.Now()
	return s, nil
}

// TotalLag sums the consumer lag of every assigned partition. Partitions
// with unknown lag (-1) and the internal "-1" partition are skipped.
func (s *Stats) TotalLag() int64 {
	var lag int64
	for _, t := range s.Topics {
		for id, p := range t.Partitions {
			if id == "-1" || p.ConsumerLag < 0 {
				continue
			}
			lag += p.ConsumerLag
		}
	}
	return lag
}

// BrokersUp counts brokers in state UP. Bootstrap entries are ignored.
func (s *Stats) BrokersUp() int {
	up := 0
	for _, b := range s.Brokers {
		if b.Source == "internal" {
			continue
		}
		if b.State == "UP" {
			up++
		}
	}
	return up
}

// statsHolder keeps the latest snapshot of a client.
type statsHolder struct {
	mu     sync.RWMutex
	latest *Stats
}

func (h *statsHolder) store(s *Stats) {
	h.mu.Lock()
	h.latest = s
	h.mu.Unlock()
}

func (h *statsHolder) load() *Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest
}
