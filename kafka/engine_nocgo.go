//go:build !cgo

package kafka

import (
	"github.com/loipv/kafka-bridge/native"
	"github.com/loipv/kafka-bridge/native/franz"
)

// defaultEngine is the pure Go franz-go engine in builds without cgo.
func defaultEngine() native.Engine {
	return franz.New()
}
