// Package kafka bridges application code and a native, event-driven Kafka
// engine (librdkafka through confluent-kafka-go by default, or franz-go).
//
// Features:
//   - Three-tier configuration (defaults, user options, required overrides)
//     passed verbatim to the engine
//   - Process-wide opaque registry so engine callbacks resolve back to the
//     owning client without holding managed references
//   - Rebalance handling with optional assigned/revoked listeners and a
//     pluggable start-offset policy
//   - Bounded Seek and sync/async Commit with typed errors
//   - Statistics parsing, Prometheus metrics and stats-based health checks
//   - OpenTelemetry tracing for produce, consume, rebalance, seek and commit
//   - zap logging, including the engine's own log lines
//
// Quick Start:
//
//	// Create producer
//	producer, err := kafka.NewProducer(
//	    kafka.WithBrokers("localhost:9092"),
//	    kafka.WithClientID("my-app"),
//	)
//
//	// Send message
//	err = producer.Send(ctx, "topic", &kafka.Message{
//	    Key:   []byte("key"),
//	    Value: []byte("value"),
//	})
//
//	// Create consumer
//	consumer, err := kafka.NewConsumer(
//	    kafka.ConsumerWithBrokers("localhost:9092"),
//	    kafka.WithGroupID("my-group"),
//	    kafka.WithTopics("topic"),
//	    kafka.WithStartOffsetPolicy(kafka.FromBeginning()),
//	)
//
//	// Consume until ctx is done
//	err = consumer.Consume(ctx, func(ctx context.Context, msg *kafka.Message) error {
//	    return nil
//	})
//
// Callbacks run on the goroutine that polls the client. Seek and Commit may
// be called from inside them; they block that goroutine for at most their
// timeout.
package kafka

// Version of the library
const Version = "2.0.0"
