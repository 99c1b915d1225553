package kafka

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "kafka_bridge"

// Metrics exports client activity to Prometheus. One Metrics can be shared
// by many clients; series are labelled with the client name. A nil *Metrics
// records nothing.
type Metrics struct {
	rebalances *prometheus.CounterVec
	commits    *prometheus.CounterVec
	seeks      *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	rewinds    *prometheus.CounterVec

	consumerLag *prometheus.GaugeVec
	replyQueue  *prometheus.GaugeVec
	txMessages  *prometheus.GaugeVec
	rxMessages  *prometheus.GaugeVec
	brokerRtt   *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		rebalances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rebalances_total",
			Help:      "Rebalance events handled, by kind and result.",
		}, []string{"client", "kind", "result"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commits_total",
			Help:      "Offset commits issued, by mode and result.",
		}, []string{"client", "mode", "result"}),
		seeks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "seeks_total",
			Help:      "Seeks issued, by result.",
		}, []string{"client", "result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "deliveries_total",
			Help:      "Delivery reports received, by topic and result.",
		}, []string{"client", "topic", "result"}),
		rewinds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "end_offset_rewinds_total",
			Help:      "Partitions rewound after reaching the configured end offset.",
		}, []string{"client", "topic"}),
		consumerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "consumer_lag",
			Help:      "Consumer lag per partition from the latest statistics.",
		}, []string{"client", "topic", "partition"}),
		replyQueue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "reply_queue_length",
			Help:      "Events waiting to be served by poll.",
		}, []string{"client"}),
		txMessages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "transmitted_messages",
			Help:      "Messages transmitted to brokers since the client started.",
		}, []string{"client"}),
		rxMessages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "received_messages",
			Help:      "Messages received from brokers since the client started.",
		}, []string{"client"}),
		brokerRtt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "broker_rtt_avg_seconds",
			Help:      "Average broker round-trip time from the latest statistics.",
		}, []string{"client", "broker"}),
	}

	for _, c := range []prometheus.Collector{
		m.rebalances, m.commits, m.seeks, m.deliveries, m.rewinds,
		m.consumerLag, m.replyQueue, m.txMessages, m.rxMessages, m.brokerRtt,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) observeRebalance(client string, kind RebalanceKind, err error) {
	if m == nil {
		return
	}
	m.rebalances.WithLabelValues(client, kind.String(), result(err)).Inc()
}

func (m *Metrics) observeCommit(client string, async bool, err error) {
	if m == nil {
		return
	}
	mode := "sync"
	if async {
		mode = "async"
	}
	m.commits.WithLabelValues(client, mode, result(err)).Inc()
}

func (m *Metrics) observeSeek(client string, err error) {
	if m == nil {
		return
	}
	m.seeks.WithLabelValues(client, result(err)).Inc()
}

func (m *Metrics) observeDelivery(client, topic string, err error) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(client, topic, result(err)).Inc()
}

func (m *Metrics) observeRewind(client, topic string) {
	if m == nil {
		return
	}
	m.rewinds.WithLabelValues(client, topic).Inc()
}

func (m *Metrics) observeStats(client string, s *Stats) {
	if m == nil {
		return
	}
	m.replyQueue.WithLabelValues(client).Set(float64(s.ReplyQ))
	m.txMessages.WithLabelValues(client).Set(float64(s.TxMsgs))
	m.rxMessages.WithLabelValues(client).Set(float64(s.RxMsgs))
	for name, b := range s.Brokers {
		if b.Source == "internal" {
			continue
		}
		m.brokerRtt.WithLabelValues(client, name).Set(float64(b.Rtt.Avg) / 1e6)
	}
	for topic, t := range s.Topics {
		for id, p := range t.Partitions {
			if id == "-1" || p.ConsumerLag < 0 {
				continue
			}
			m.consumerLag.WithLabelValues(client, topic, strconv.Itoa(int(p.Partition))).Set(float64(p.ConsumerLag))
		}
	}
}
