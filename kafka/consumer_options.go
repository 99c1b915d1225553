package kafka

import (
	"strconv"
	"time"

	"github.com/loipv/kafka-bridge/native"
	"go.uber.org/zap"
)

// ConsumerConfig holds all consumer configuration
type ConsumerConfig struct {
	// Connection
	Brokers  []string
	ClientID string
	GroupID  string
	Topics   []string

	// SSL/SASL authentication
	SSL  bool
	SASL *SASLConfig

	// Session
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration

	// Commit settings
	AutoCommit         bool
	AutoCommitInterval time.Duration
	FromBeginning      bool

	// Partition assignment
	PartitionAssignor PartitionAssignor

	// Rebalance handling
	RebalanceListener RebalanceListener
	StartOffset       StartOffsetPolicy

	// EndOffset, when positive, bounds every partition: a message at or
	// past it is not delivered and the partition is rewound to
	// RewindOffset, which is also committed.
	EndOffset    int64
	RewindOffset int64

	// Blocking call bounds
	PollTimeout      time.Duration
	SeekTimeout      time.Duration
	CommittedTimeout time.Duration

	StatsInterval time.Duration
	Properties    []Option

	// Engine and registry
	Engine   native.Engine
	Registry *Registry

	// Callbacks
	ErrorHandler ErrorHandler
	OnLog        LogFunc
	OnStats      StatsFunc
	TokenRefresh TokenRefreshFunc

	// Tracing
	Tracing *TracingConfig

	// Metrics
	Metrics *Metrics

	// Logging
	LogLevel LogLevel
	Logger   *zap.Logger
}

// ConsumerOption is a function that configures the consumer
type ConsumerOption func(*ConsumerConfig)

// ==================== Consumer Options ====================

// ConsumerWithBrokers sets the Kafka broker addresses for consumer
func ConsumerWithBrokers(brokers ...string) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.Brokers = brokers
	}
}

// ConsumerWithClientID sets the client ID for consumer
func ConsumerWithClientID(clientID string) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.ClientID = clientID
	}
}

// ConsumerWithSSL enables SSL for consumer
func ConsumerWithSSL(enabled bool) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.SSL = enabled
	}
}

// ConsumerWithSASL sets SASL authentication for consumer
func ConsumerWithSASL(sasl *SASLConfig) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.SASL = sasl
	}
}

// WithGroupID sets the consumer group ID
func WithGroupID(groupID string) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.GroupID = groupID
	}
}

// WithTopics sets the topics to subscribe to
func WithTopics(topics ...string) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.Topics = topics
	}
}

// WithSessionTimeout sets the session timeout
func WithSessionTimeout(timeout time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.SessionTimeout = timeout
	}
}

// WithHeartbeatInterval sets the heartbeat interval
func WithHeartbeatInterval(interval time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.HeartbeatInterval = interval
	}
}

// WithAutoCommit enables/disables auto commit
func WithAutoCommit(enabled bool) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.AutoCommit = enabled
	}
}

// WithAutoCommitInterval sets the auto commit interval
func WithAutoCommitInterval(interval time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.AutoCommitInterval = interval
	}
}

// WithFromBeginning starts partitions without a committed offset at the
// earliest offset
func WithFromBeginning(enabled bool) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.FromBeginning = enabled
	}
}

// WithPartitionAssignor sets the partition assignment strategy
func WithPartitionAssignor(assignor PartitionAssignor) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.PartitionAssignor = assignor
	}
}

// WithErrorHandler sets the error handler
func WithErrorHandler(handler ErrorHandler) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.ErrorHandler = handler
	}
}

// WithRebalanceListener sets the rebalance listener.
// The listener may implement PartitionsAssignedListener,
// PartitionsRevokedListener or both. Use it for:
// - Overriding start offsets of newly assigned partitions
// - Committing or cleaning up before partitions are revoked
// - Logging/monitoring rebalance events
func WithRebalanceListener(listener RebalanceListener) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.RebalanceListener = listener
	}
}

// WithStartOffsetPolicy overrides the start offset of every assigned
// partition before the assignment reaches the engine
func WithStartOffsetPolicy(policy StartOffsetPolicy) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.StartOffset = policy
	}
}

// WithEndOffset rewinds a partition once a message at or past end is read
func WithEndOffset(end int64) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.EndOffset = end
	}
}

// WithRewindOffset sets where WithEndOffset rewinds to (default 0)
func WithRewindOffset(start int64) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.RewindOffset = start
	}
}

// WithPollTimeout sets how long Consume blocks in one poll
func WithPollTimeout(timeout time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.PollTimeout = timeout
	}
}

// WithSeekTimeout bounds the seeks issued by the consumer itself
func WithSeekTimeout(timeout time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.SeekTimeout = timeout
	}
}

// ConsumerWithStatsInterval enables engine statistics every interval
func ConsumerWithStatsInterval(interval time.Duration) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.StatsInterval = interval
	}
}

// ConsumerWithConfigValue passes an engine property verbatim
func ConsumerWithConfigValue(key, value string) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.Properties = append(c.Properties, Option{Key: key, Value: value})
	}
}

// ConsumerWithConfigValues passes engine properties verbatim, in key order
func ConsumerWithConfigValues(values map[string]string) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.Properties = append(c.Properties, sortedOptions(values)...)
	}
}

// ConsumerWithEngine selects the native engine
func ConsumerWithEngine(engine native.Engine) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.Engine = engine
	}
}

// ConsumerWithRegistry uses registry instead of the process-wide one
func ConsumerWithRegistry(registry *Registry) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.Registry = registry
	}
}

// ConsumerWithLogHandler receives engine log lines instead of the logger
func ConsumerWithLogHandler(fn LogFunc) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.OnLog = fn
	}
}

// ConsumerWithStatsHandler receives parsed statistics
func ConsumerWithStatsHandler(fn StatsFunc) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.OnStats = fn
	}
}

// ConsumerWithTokenRefresh supplies OAUTHBEARER tokens on demand
func ConsumerWithTokenRefresh(fn TokenRefreshFunc) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.TokenRefresh = fn
	}
}

// ConsumerWithTracing sets tracing configuration for consumer
func ConsumerWithTracing(tracing *TracingConfig) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.Tracing = tracing
	}
}

// ConsumerWithMetrics records consumer activity in m
func ConsumerWithMetrics(m *Metrics) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.Metrics = m
	}
}

// ConsumerWithLogLevel sets the log level for consumer
func ConsumerWithLogLevel(level LogLevel) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.LogLevel = level
	}
}

// ConsumerWithLogger sets the logger for consumer
func ConsumerWithLogger(logger *zap.Logger) ConsumerOption {
	return func(c *ConsumerConfig) {
		c.Logger = logger
	}
}

// newDefaultConsumerConfig creates a new consumer config with default values
func newDefaultConsumerConfig() *ConsumerConfig {
	return &ConsumerConfig{
		AutoCommit:       true,
		PollTimeout:      DefaultPollInterval,
		SeekTimeout:      DefaultSeekTimeout,
		CommittedTimeout: DefaultCommittedTimeout,
		LogLevel:         LogLevelInfo,
	}
}

// optionTable translates the config into engine properties. The required
// overrides queue engine logs for Poll and turn partition EOF events off.
func (c *ConsumerConfig) optionTable() *OptionTable {
	t := NewOptionTable()
	t.SetDefault("session.timeout.ms", millis(DefaultSessionTimeout))
	t.SetDefault("heartbeat.interval.ms", millis(DefaultHeartbeatInterval))
	t.SetDefault("auto.commit.interval.ms", millis(DefaultAutoCommitInterval))
	t.SetDefault("partition.assignment.strategy", string(AssignorRange))

	setConnection(t, c.Brokers, c.ClientID, c.SSL, c.SASL)
	if c.GroupID != "" {
		t.Set("group.id", c.GroupID)
	}
	if c.SessionTimeout > 0 {
		t.Set("session.timeout.ms", millis(c.SessionTimeout))
	}
	if c.HeartbeatInterval > 0 {
		t.Set("heartbeat.interval.ms", millis(c.HeartbeatInterval))
	}
	t.Set("enable.auto.commit", strconv.FormatBool(c.AutoCommit))
	if c.AutoCommitInterval > 0 {
		t.Set("auto.commit.interval.ms", millis(c.AutoCommitInterval))
	}
	if c.FromBeginning {
		t.Set("auto.offset.reset", "earliest")
	}
	if c.PartitionAssignor != "" {
		t.Set("partition.assignment.strategy", string(c.PartitionAssignor))
	}
	setCommon(t, c.StatsInterval, c.LogLevel, c.Properties)

	t.Override("log.queue", "true")
	t.Override("enable.partition.eof", "false")
	return t
}
