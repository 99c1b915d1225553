package franz

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/loipv/kafka-bridge/native"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

// config holds parsed librdkafka style properties. Only the keys in the
// settings table are understood; anything else is rejected the way
// librdkafka rejects an unknown property.
type config struct {
	opaque native.Opaque
	keys   []string

	brokers  []string
	clientID string
	groupID  string

	autoCommit         bool
	autoCommitInterval time.Duration
	resetOffset        *kgo.Offset
	sessionTimeout     time.Duration
	heartbeat          time.Duration
	balancers          []kgo.GroupBalancer

	requestTimeout time.Duration
	dialTimeout    time.Duration
	statsInterval  time.Duration
	logLevel       int
	logQueue       bool

	acks        string
	idempotence *bool
	compression []kgo.CompressionCodec
	linger      time.Duration

	securityProtocol string
	saslMechanism    string
	saslUsername     string
	saslPassword     string
	oauthConfig      string
	caLocation       string
	certLocation     string
	keyLocation      string
}

func newConfig() *config {
	return &config{
		autoCommit:     true,
		requestTimeout: 30 * time.Second,
		logLevel:       6,
	}
}

type setter func(c *config, value string) error

var settings = map[string]setter{
	"bootstrap.servers": func(c *config, v string) error {
		c.brokers = splitList(v)
		if len(c.brokers) == 0 {
			return invalid("bootstrap.servers", v)
		}
		return nil
	},
	"metadata.broker.list": func(c *config, v string) error {
		c.brokers = splitList(v)
		return nil
	},
	"client.id": func(c *config, v string) error {
		c.clientID = v
		return nil
	},
	"group.id": func(c *config, v string) error {
		c.groupID = v
		return nil
	},
	"enable.auto.commit": boolSetter("enable.auto.commit", func(c *config, b bool) { c.autoCommit = b }),
	"auto.commit.interval.ms": millisSetter("auto.commit.interval.ms", func(c *config, d time.Duration) {
		c.autoCommitInterval = d
	}),
	"auto.offset.reset": func(c *config, v string) error {
		var o kgo.Offset
		switch strings.ToLower(v) {
		case "earliest", "smallest", "beginning":
			o = kgo.NewOffset().AtStart()
		case "latest", "largest", "end":
			o = kgo.NewOffset().AtEnd()
		default:
			return invalid("auto.offset.reset", v)
		}
		c.resetOffset = &o
		return nil
	},
	"session.timeout.ms": millisSetter("session.timeout.ms", func(c *config, d time.Duration) { c.sessionTimeout = d }),
	"heartbeat.interval.ms": millisSetter("heartbeat.interval.ms", func(c *config, d time.Duration) {
		c.heartbeat = d
	}),
	"partition.assignment.strategy": func(c *config, v string) error {
		c.balancers = c.balancers[:0]
		for _, name := range splitList(v) {
			switch name {
			case "range":
				c.balancers = append(c.balancers, kgo.RangeBalancer())
			case "roundrobin":
				c.balancers = append(c.balancers, kgo.RoundRobinBalancer())
			case "sticky":
				c.balancers = append(c.balancers, kgo.StickyBalancer())
			case "cooperative-sticky":
				// kgo reports cooperative rebalances as increments, while
				// Assign and Unassign replace the whole assignment
				return native.NewError(native.ErrInvalidArg,
					"partition.assignment.strategy %q is not supported by the %s engine: rebalances are eager", name, engineName)
			default:
				return invalid("partition.assignment.strategy", v)
			}
		}
		return nil
	},
	"request.timeout.ms": millisSetter("request.timeout.ms", func(c *config, d time.Duration) { c.requestTimeout = d }),
	"socket.connection.setup.timeout.ms": millisSetter("socket.connection.setup.timeout.ms", func(c *config, d time.Duration) {
		c.dialTimeout = d
	}),
	"statistics.interval.ms": millisSetter("statistics.interval.ms", func(c *config, d time.Duration) {
		c.statsInterval = d
	}),
	"log_level": func(c *config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 7 {
			return invalid("log_level", v)
		}
		c.logLevel = n
		return nil
	},
	"log.queue": boolSetter("log.queue", func(c *config, b bool) { c.logQueue = b }),
	"enable.partition.eof": func(_ *config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return invalid("enable.partition.eof", v)
		}
		if b {
			return native.NewError(native.ErrNotImplemented, "enable.partition.eof=true is not supported by the %s engine", engineName)
		}
		return nil
	},
	"acks":                  setAcks,
	"request.required.acks": setAcks,
	"enable.idempotence":    boolSetter("enable.idempotence", func(c *config, b bool) { c.idempotence = &b }),
	"compression.type":      setCompression,
	"compression.codec":     setCompression,
	"linger.ms":             millisSetter("linger.ms", func(c *config, d time.Duration) { c.linger = d }),
	"security.protocol": func(c *config, v string) error {
		switch strings.ToLower(v) {
		case "plaintext", "ssl", "sasl_plaintext", "sasl_ssl":
			c.securityProtocol = strings.ToLower(v)
			return nil
		}
		return invalid("security.protocol", v)
	},
	"sasl.mechanism":  setMechanism,
	"sasl.mechanisms": setMechanism,
	"sasl.username": func(c *config, v string) error {
		c.saslUsername = v
		return nil
	},
	"sasl.password": func(c *config, v string) error {
		c.saslPassword = v
		return nil
	},
	"sasl.oauthbearer.config": func(c *config, v string) error {
		c.oauthConfig = v
		return nil
	},
	"ssl.ca.location": func(c *config, v string) error {
		c.caLocation = v
		return nil
	},
	"ssl.certificate.location": func(c *config, v string) error {
		c.certLocation = v
		return nil
	},
	"ssl.key.location": func(c *config, v string) error {
		c.keyLocation = v
		return nil
	},
}

func (c *config) Set(key, value string) error {
	set, ok := settings[key]
	if !ok {
		return native.NewError(native.ErrInvalidArg, "No such configuration property: %q", key)
	}
	if err := set(c, value); err != nil {
		return err
	}
	c.keys = append(c.keys, key)
	return nil
}

func (c *config) SetOpaque(key native.Opaque) {
	c.opaque = key
}

func (c *config) Opaque() native.Opaque {
	return c.opaque
}

// common returns the options shared by both handle kinds.
func (c *config) common() ([]kgo.Opt, error) {
	if len(c.brokers) == 0 {
		return nil, native.NewError(native.ErrInvalidArg, "bootstrap.servers is required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(c.brokers...),
		kgo.RequestTimeoutOverhead(c.requestTimeout),
	}
	if c.clientID != "" {
		opts = append(opts, kgo.ClientID(c.clientID))
	}
	if c.dialTimeout > 0 {
		opts = append(opts, kgo.DialTimeout(c.dialTimeout))
	}

	if c.securityProtocol == "ssl" || c.securityProtocol == "sasl_ssl" {
		tlsCfg, err := c.tlsConfig()
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}

	return opts, nil
}

func (c *config) tlsConfig() (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if c.caLocation != "" {
		pem, err := os.ReadFile(c.caLocation)
		if err != nil {
			return nil, native.NewError(native.ErrInvalidArg, "ssl.ca.location: %v", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, native.NewError(native.ErrInvalidArg, "ssl.ca.location: no certificates found in %s", c.caLocation)
		}
		tlsCfg.RootCAs = pool
	}

	if c.certLocation != "" || c.keyLocation != "" {
		cert, err := tls.LoadX509KeyPair(c.certLocation, c.keyLocation)
		if err != nil {
			return nil, native.NewError(native.ErrInvalidArg, "ssl.certificate.location: %v", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}

// mechanism builds the SASL mechanism for PLAIN and SCRAM. OAUTHBEARER is
// wired by the handle since its tokens come through the refresh trampoline.
func (c *config) mechanism() (sasl.Mechanism, error) {
	if c.saslUsername == "" && (c.saslMechanism == "PLAIN" || strings.HasPrefix(c.saslMechanism, "SCRAM")) {
		return nil, native.NewError(native.ErrInvalidArg, "sasl.username is required for %s", c.saslMechanism)
	}

	switch c.saslMechanism {
	case "PLAIN":
		return plain.Auth{User: c.saslUsername, Pass: c.saslPassword}.AsMechanism(), nil
	case "SCRAM-SHA-256":
		return scram.Auth{User: c.saslUsername, Pass: c.saslPassword}.AsSha256Mechanism(), nil
	case "SCRAM-SHA-512":
		return scram.Auth{User: c.saslUsername, Pass: c.saslPassword}.AsSha512Mechanism(), nil
	default:
		return nil, nil
	}
}

func (c *config) consumerOpts() []kgo.Opt {
	opts := []kgo.Opt{
		kgo.ConsumeTopics(),
	}
	if c.groupID != "" {
		opts = append(opts, kgo.ConsumerGroup(c.groupID))
	}
	if c.autoCommit {
		opts = append(opts, kgo.AutoCommitMarks())
		if c.autoCommitInterval > 0 {
			opts = append(opts, kgo.AutoCommitInterval(c.autoCommitInterval))
		}
	} else {
		opts = append(opts, kgo.DisableAutoCommit())
	}
	if c.resetOffset != nil {
		opts = append(opts, kgo.ConsumeResetOffset(*c.resetOffset))
	}
	if c.sessionTimeout > 0 {
		opts = append(opts, kgo.SessionTimeout(c.sessionTimeout))
	}
	if c.heartbeat > 0 {
		opts = append(opts, kgo.HeartbeatInterval(c.heartbeat))
	}
	opts = append(opts, kgo.Balancers(c.groupBalancers()...))
	return opts
}

func (c *config) producerOpts() []kgo.Opt {
	opts := []kgo.Opt{
		kgo.RecordPartitioner(newPartitioner()),
	}

	switch c.acks {
	case "1":
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()))
	case "0":
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()))
	default:
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	}
	// idempotent writes need acks=all; follow librdkafka and turn them off
	// unless they were asked for explicitly.
	idempotent := c.acks == "" || c.acks == "all" || c.acks == "-1"
	if c.idempotence != nil {
		idempotent = *c.idempotence
	}
	if !idempotent {
		opts = append(opts, kgo.DisableIdempotentWrite())
	}

	if len(c.compression) > 0 {
		opts = append(opts, kgo.ProducerBatchCompression(c.compression...))
	}
	if c.linger > 0 {
		opts = append(opts, kgo.ProducerLinger(c.linger))
	}
	return opts
}

func setAcks(c *config, v string) error {
	switch v {
	case "all", "-1", "1", "0":
		c.acks = v
		return nil
	}
	return invalid("acks", v)
}

func setCompression(c *config, v string) error {
	var codec kgo.CompressionCodec
	switch v {
	case "none":
		codec = kgo.NoCompression()
	case "gzip":
		codec = kgo.GzipCompression()
	case "snappy":
		codec = kgo.SnappyCompression()
	case "lz4":
		codec = kgo.Lz4Compression()
	case "zstd":
		codec = kgo.ZstdCompression()
	default:
		return invalid("compression.type", v)
	}
	c.compression = []kgo.CompressionCodec{codec}
	return nil
}

func setMechanism(c *config, v string) error {
	switch m := strings.ToUpper(v); m {
	case "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512", "OAUTHBEARER":
		c.saslMechanism = m
		return nil
	}
	return invalid("sasl.mechanism", v)
}

func boolSetter(key string, apply func(*config, bool)) setter {
	return func(c *config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return invalid(key, v)
		}
		apply(c, b)
		return nil
	}
}

func millisSetter(key string, apply func(*config, time.Duration)) setter {
	return func(c *config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return invalid(key, v)
		}
		apply(c, time.Duration(n)*time.Millisecond)
		return nil
	}
}

// groupBalancers returns the configured balancers, or librdkafka's default
// "range,roundrobin". kgo's own default is cooperative.
func (c *config) groupBalancers() []kgo.GroupBalancer {
	if len(c.balancers) > 0 {
		return c.balancers
	}
	return []kgo.GroupBalancer{kgo.RangeBalancer(), kgo.RoundRobinBalancer()}
}

func invalid(key, value string) error {
	return native.NewError(native.ErrInvalidArg, "Invalid value %q for configuration property %q", value, key)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
