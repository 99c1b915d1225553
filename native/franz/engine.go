// Package franz implements the native engine on franz-go. It needs no cgo
// and maps librdkafka style properties and events onto a kgo client.
//
// Differences from librdkafka worth knowing:
//   - only the properties in the settings table are accepted;
//   - statistics carry broker, partition lag and group data, not the full
//     librdkafka document;
//   - engine logs use the "KGO" facility.
package franz

import (
	"github.com/loipv/kafka-bridge/native"
	"github.com/twmb/franz-go/pkg/kgo"
)

const engineName = "franz"

// Engine creates kgo backed handles.
type Engine struct {
	hooks []kgo.Hook
}

var _ native.Engine = Engine{}

type Option func(*Engine)

// WithHooks installs kgo hooks, such as kprom metrics or kotel tracing, on
// every handle the engine creates.
func WithHooks(hooks ...kgo.Hook) Option {
	return func(e *Engine) {
		e.hooks = append(e.hooks, hooks...)
	}
}

func New(opts ...Option) Engine {
	e := Engine{}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

func (Engine) Name() string {
	return engineName
}

func (Engine) NewConfig() native.Config {
	return newConfig()
}

func asConfig(cfg native.Config) (*config, error) {
	conf, ok := cfg.(*config)
	if !ok {
		return nil, native.NewError(native.ErrInvalidArg, "configuration was not created by the %s engine", engineName)
	}
	return conf, nil
}
