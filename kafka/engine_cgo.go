//go:build cgo

package kafka

import (
	"github.com/loipv/kafka-bridge/native"
	"github.com/loipv/kafka-bridge/native/confluent"
)

// defaultEngine is librdkafka through confluent-kafka-go when cgo is available.
func defaultEngine() native.Engine {
	return confluent.New()
}
