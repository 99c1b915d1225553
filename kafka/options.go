package kafka

import (
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/loipv/kafka-bridge/native"
	"go.uber.org/zap"
)

// ClientConfig holds all producer configuration
type ClientConfig struct {
	// Connection
	Brokers           []string
	ClientID          string
	ConnectionTimeout time.Duration
	RequestTimeout    time.Duration

	// SSL/SASL
	SSL  bool
	SASL *SASLConfig

	// Producer settings
	Acks        *Acks
	Compression Compression
	Idempotent  bool
	Linger      time.Duration

	// StatsInterval enables the statistics callback when positive.
	StatsInterval time.Duration

	// Properties are passed to the engine verbatim, after typed settings.
	Properties []Option

	// Engine and registry
	Engine       native.Engine
	Registry     *Registry
	PollInterval time.Duration

	// Callbacks
	OnLog        LogFunc
	OnStats      StatsFunc
	OnError      ErrorHandler
	OnDelivery   DeliveryFunc
	TokenRefresh TokenRefreshFunc

	// Logging
	LogLevel LogLevel
	Logger   *zap.Logger

	// Tracing
	Tracing *TracingConfig

	// Metrics
	Metrics *Metrics
}

// SASLConfig holds SASL authentication configuration
type SASLConfig struct {
	Mechanism string
	Username  string
	Password  string
}

// ClientOption is a function that configures the producer
type ClientOption func(*ClientConfig)

// Default values
var (
	DefaultConnectionTimeout  = 10 * time.Second
	DefaultRequestTimeout     = 30 * time.Second
	DefaultSessionTimeout     = 30 * time.Second
	DefaultHeartbeatInterval  = 3 * time.Second
	DefaultAutoCommitInterval = 5 * time.Second
	DefaultPollInterval       = 100 * time.Millisecond
	DefaultSeekTimeout        = 10 * time.Second
	DefaultCommittedTimeout   = 10 * time.Second
	DefaultFlushTimeout       = 10 * time.Second
)

// ==================== Client Options ====================

// WithBrokers sets the Kafka broker addresses
func WithBrokers(brokers ...string) ClientOption {
	return func(c *ClientConfig) {
		c.Brokers = brokers
	}
}

// WithClientID sets the client ID
func WithClientID(clientID string) ClientOption {
	return func(c *ClientConfig) {
		c.ClientID = clientID
	}
}

// WithConnectionTimeout sets the connection timeout
func WithConnectionTimeout(timeout time.Duration) ClientOption {
	return func(c *ClientConfig) {
		c.ConnectionTimeout = timeout
	}
}

// WithRequestTimeout sets the request timeout
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *ClientConfig) {
		c.RequestTimeout = timeout
	}
}

// WithSSL enables SSL
func WithSSL(enabled bool) ClientOption {
	return func(c *ClientConfig) {
		c.SSL = enabled
	}
}

// WithSASL sets SASL authentication
func WithSASL(sasl *SASLConfig) ClientOption {
	return func(c *ClientConfig) {
		c.SASL = sasl
	}
}

// WithAcks sets the acknowledgment level
func WithAcks(acks Acks) ClientOption {
	return func(c *ClientConfig) {
		c.Acks = &acks
	}
}

// WithCompression sets the compression type
func WithCompression(compression Compression) ClientOption {
	return func(c *ClientConfig) {
		c.Compression = compression
	}
}

// WithIdempotent enables idempotent producer
func WithIdempotent(enabled bool) ClientOption {
	return func(c *ClientConfig) {
		c.Idempotent = enabled
	}
}

// WithLinger sets how long the engine waits to fill a batch
func WithLinger(linger time.Duration) ClientOption {
	return func(c *ClientConfig) {
		c.Linger = linger
	}
}

// WithStatsInterval enables engine statistics every interval
func WithStatsInterval(interval time.Duration) ClientOption {
	return func(c *ClientConfig) {
		c.StatsInterval = interval
	}
}

// WithConfigValue passes an engine property verbatim
func WithConfigValue(key, value string) ClientOption {
	return func(c *ClientConfig) {
		c.Properties = append(c.Properties, Option{Key: key, Value: value})
	}
}

// WithConfigValues passes engine properties verbatim, in key order
func WithConfigValues(values map[string]string) ClientOption {
	return func(c *ClientConfig) {
		c.Properties = append(c.Properties, sortedOptions(values)...)
	}
}

// WithEngine selects the native engine
func WithEngine(engine native.Engine) ClientOption {
	return func(c *ClientConfig) {
		c.Engine = engine
	}
}

// WithRegistry uses registry instead of the process-wide one
func WithRegistry(registry *Registry) ClientOption {
	return func(c *ClientConfig) {
		c.Registry = registry
	}
}

// WithPollInterval sets how long the delivery loop blocks in one poll
func WithPollInterval(interval time.Duration) ClientOption {
	return func(c *ClientConfig) {
		c.PollInterval = interval
	}
}

// WithLogHandler receives engine log lines instead of the logger
func WithLogHandler(fn LogFunc) ClientOption {
	return func(c *ClientConfig) {
		c.OnLog = fn
	}
}

// WithStatsHandler receives parsed statistics
func WithStatsHandler(fn StatsFunc) ClientOption {
	return func(c *ClientConfig) {
		c.OnStats = fn
	}
}

// WithProducerErrorHandler receives engine errors
func WithProducerErrorHandler(fn ErrorHandler) ClientOption {
	return func(c *ClientConfig) {
		c.OnError = fn
	}
}

// WithDeliveryHandler receives the delivery reports of Produce
func WithDeliveryHandler(fn DeliveryFunc) ClientOption {
	return func(c *ClientConfig) {
		c.OnDelivery = fn
	}
}

// WithTokenRefresh supplies OAUTHBEARER tokens on demand
func WithTokenRefresh(fn TokenRefreshFunc) ClientOption {
	return func(c *ClientConfig) {
		c.TokenRefresh = fn
	}
}

// WithLogLevel sets the log level
func WithLogLevel(level LogLevel) ClientOption {
	return func(c *ClientConfig) {
		c.LogLevel = level
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *ClientConfig) {
		c.Logger = logger
	}
}

// WithTracing sets tracing configuration
func WithTracing(tracing *TracingConfig) ClientOption {
	return func(c *ClientConfig) {
		c.Tracing = tracing
	}
}

// WithMetrics records producer activity in m
func WithMetrics(m *Metrics) ClientOption {
	return func(c *ClientConfig) {
		c.Metrics = m
	}
}

// ==================== Default Configs ====================

// newDefaultClientConfig creates a new client config with default values
func newDefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Compression:  CompressionNone,
		PollInterval: DefaultPollInterval,
		LogLevel:     LogLevelInfo,
	}
}

// optionTable translates the config into engine properties.
func (c *ClientConfig) optionTable() *OptionTable {
	t := NewOptionTable()
	t.SetDefault("socket.connection.setup.timeout.ms", millis(DefaultConnectionTimeout))
	t.SetDefault("request.timeout.ms", millis(DefaultRequestTimeout))
	t.SetDefault("acks", "all")

	setConnection(t, c.Brokers, c.ClientID, c.SSL, c.SASL)
	if c.ConnectionTimeout > 0 {
		t.Set("socket.connection.setup.timeout.ms", millis(c.ConnectionTimeout))
	}
	if c.RequestTimeout > 0 {
		t.Set("request.timeout.ms", millis(c.RequestTimeout))
	}
	if c.Acks != nil {
		t.Set("acks", strconv.Itoa(int(*c.Acks)))
	}
	if c.Compression != CompressionNone {
		t.Set("compression.type", c.Compression.String())
	}
	if c.Idempotent {
		t.Set("enable.idempotence", "true")
	}
	if c.Linger > 0 {
		t.Set("linger.ms", millis(c.Linger))
	}
	setCommon(t, c.StatsInterval, c.LogLevel, c.Properties)
	return t
}

func setConnection(t *OptionTable, brokers []string, clientID string, ssl bool, sasl *SASLConfig) {
	if len(brokers) > 0 {
		t.Set("bootstrap.servers", strings.Join(brokers, ","))
	}
	if clientID != "" {
		t.Set("client.id", clientID)
	}
	if ssl {
		t.Set("security.protocol", "ssl")
	}
	if sasl != nil {
		if ssl {
			t.Set("security.protocol", "sasl_ssl")
		} else {
			t.Set("security.protocol", "sasl_plaintext")
		}
		t.Set("sasl.mechanism", sasl.Mechanism)
		if sasl.Username != "" {
			t.Set("sasl.username", sasl.Username)
			t.Set("sasl.password", sasl.Password)
		}
	}
}

func setCommon(t *OptionTable, statsInterval time.Duration, level LogLevel, props []Option) {
	if statsInterval > 0 {
		t.Set("statistics.interval.ms", millis(statsInterval))
	}
	t.Set("log_level", strconv.Itoa(level.syslog()))
	for _, p := range props {
		t.Set(p.Key, p.Value)
	}
}

func millis(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}

func sortedOptions(values map[string]string) []Option {
	out := make([]Option, 0, len(values))
	for _, k := range slices.Sorted(maps.Keys(values)) {
		out = append(out, Option{Key: k, Value: values[k]})
	}
	return out
}
