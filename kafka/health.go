package kafka

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// DefaultStatsMaxAge is how old a statistics snapshot may be before a
// client is reported DOWN.
var DefaultStatsMaxAge = time.Minute

// StatsSource is implemented by Consumer and Producer.
type StatsSource interface {
	Stats() *Stats
}

// HealthChecker reports client health from the engine's statistics. The
// client must be created with a statistics interval for it to have data.
type HealthChecker struct {
	source StatsSource
	maxAge time.Duration
	now    func() time.Time
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(source StatsSource) *HealthChecker {
	return &HealthChecker{
		source: source,
		maxAge: DefaultStatsMaxAge,
		now:    time.Now,
	}
}

// SetMaxAge sets how old the latest snapshot may be
func (h *HealthChecker) SetMaxAge(maxAge time.Duration) {
	h.maxAge = maxAge
}

// snapshot returns the latest statistics, or a DOWN result explaining why
// there are none usable.
func (h *HealthChecker) snapshot(ctx context.Context) (*Stats, *HealthResult) {
	if err := ctx.Err(); err != nil {
		return nil, down(err, nil)
	}

	s := h.source.Stats()
	if s == nil {
		return nil, down(fmt.Errorf("no statistics received"), nil)
	}
	if age := h.now().Sub(s.ReceivedAt); age > h.maxAge {
		return nil, down(fmt.Errorf("statistics are %s old", age.Round(time.Second)), map[string]any{
			"maxAge": h.maxAge.String(),
		})
	}
	return s, nil
}

// Check performs a basic health check
func (h *HealthChecker) Check(ctx context.Context) *HealthResult {
	s, res := h.snapshot(ctx)
	if res != nil {
		return res
	}

	up := s.BrokersUp()
	if up == 0 {
		return down(fmt.Errorf("no brokers available"), map[string]any{
			"client":  s.Name,
			"brokers": len(s.Brokers),
		})
	}

	details := map[string]any{
		"client":    s.Name,
		"type":      s.Type,
		"brokers":   len(s.Brokers),
		"brokersUp": up,
	}
	if s.CGrp != nil {
		details["groupState"] = s.CGrp.State
		details["assignment"] = s.CGrp.AssignmentSize
		details["lag"] = s.TotalLag()
	}
	return &HealthResult{Status: HealthStatusUp, Details: details}
}

// CheckBrokers reports the state of every broker the client knows
func (h *HealthChecker) CheckBrokers(ctx context.Context) *HealthResult {
	s, res := h.snapshot(ctx)
	if res != nil {
		return res
	}

	names := make([]string, 0, len(s.Brokers))
	for name := range s.Brokers {
		names = append(names, name)
	}
	sort.Strings(names)

	brokerInfos := make([]map[string]any, 0, len(names))
	for _, name := range names {
		b := s.Brokers[name]
		brokerInfos = append(brokerInfos, map[string]any{
			"id":     b.NodeID,
			"name":   b.NodeName,
			"state":  b.State,
			"source": b.Source,
			"rttAvg": time.Duration(b.Rtt.Avg) * time.Microsecond,
		})
	}

	status := HealthStatusUp
	var err error
	if s.BrokersUp() == 0 {
		status = HealthStatusDown
		err = fmt.Errorf("no brokers available")
	}

	return &HealthResult{
		Status: status,
		Error:  err,
		Details: map[string]any{
			"brokers":     brokerInfos,
			"brokerCount": len(brokerInfos),
		},
	}
}

// CheckConsumerLag checks the total lag of the consumer's assigned partitions
func (h *HealthChecker) CheckConsumerLag(ctx context.Context, maxLag int64) *HealthResult {
	s, res := h.snapshot(ctx)
	if res != nil {
		return res
	}
	if s.CGrp == nil {
		return down(fmt.Errorf("client %s is not a group consumer", s.Name), nil)
	}

	lagDetails := make([]map[string]any, 0)
	for topic, t := range s.Topics {
		for id, p := range t.Partitions {
			if id == "-1" || p.ConsumerLag < 0 {
				continue
			}
			lagDetails = append(lagDetails, map[string]any{
				"topic":     topic,
				"partition": p.Partition,
				"lag":       p.ConsumerLag,
			})
		}
	}

	totalLag := s.TotalLag()
	status := HealthStatusUp
	var err error
	if totalLag > maxLag {
		status = HealthStatusDown
		err = fmt.Errorf("consumer lag %d exceeds %d", totalLag, maxLag)
	}

	return &HealthResult{
		Status: status,
		Error:  err,
		Details: map[string]any{
			"state":      s.CGrp.State,
			"lag":        totalLag,
			"maxLag":     maxLag,
			"partitions": lagDetails,
		},
	}
}

// CheckTopic checks that the client has statistics for a topic
func (h *HealthChecker) CheckTopic(ctx context.Context, topic string) *HealthResult {
	s, res := h.snapshot(ctx)
	if res != nil {
		return res
	}

	t, ok := s.Topics[topic]
	if !ok {
		return down(fmt.Errorf("topic not found: %s", topic), map[string]any{
			"topic": topic,
		})
	}

	return &HealthResult{
		Status: HealthStatusUp,
		Details: map[string]any{
			"topic":          topic,
			"partitionCount": len(t.Partitions),
		},
	}
}

func down(err error, details map[string]any) *HealthResult {
	if details == nil {
		details = make(map[string]any)
	}
	details["error"] = err.Error()
	return &HealthResult{
		Status:  HealthStatusDown,
		Error:   err,
		Details: details,
	}
}
