package kafka

import (
	"regexp"

	"github.com/loipv/kafka-bridge/native"
	"go.uber.org/zap"
)

// builder turns an OptionTable into a native handle wired to a registry
// entry.
type builder struct {
	engine   native.Engine
	registry *Registry
	logger   *zap.Logger
}

func newBuilder(engine native.Engine, registry *Registry, logger *zap.Logger) *builder {
	if engine == nil {
		engine = defaultEngine()
	}
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &builder{engine: engine, registry: registry, logger: orNop(logger)}
}

func (b *builder) buildConsumer(table *OptionTable, entry *Entry) (native.ConsumerHandle, error) {
	h, err := build(b, native.KindConsumer, table, entry, b.engine.NewConsumer)
	if err != nil {
		return nil, err
	}
	if err := h.RedirectLogs(); err != nil {
		b.logger.Warn("engine log queue redirect failed, logs are emitted from engine threads", zap.Error(err))
	}
	return h, nil
}

func (b *builder) buildProducer(table *OptionTable, entry *Entry) (native.ProducerHandle, error) {
	return build(b, native.KindProducer, table, entry, b.engine.NewProducer)
}

func build[H native.Handle](b *builder, kind native.HandleKind, table *OptionTable, entry *Entry, create func(native.Config, native.Trampolines) (H, error)) (H, error) {
	var none H

	cfg := b.engine.NewConfig()
	for _, opt := range table.Build() {
		if err := cfg.Set(opt.Key, opt.Value); err != nil {
			return none, &ConfigError{Key: opt.Key, Diagnostic: diagnostic(err), Err: err}
		}
	}

	key := b.registry.Register(entry)
	cfg.SetOpaque(key)

	h, err := create(cfg, trampolines{registry: b.registry})
	if err != nil {
		if derr := b.registry.Deregister(key); derr != nil {
			b.logger.Error("registry rollback failed", zap.Stringer("key", key), zap.Error(derr))
		}
		if native.Code(err) == native.ErrInvalidArg {
			if prop, ok := rejectedProperty(diagnostic(err)); ok {
				return none, &ConfigError{Key: prop, Diagnostic: diagnostic(err), Err: err}
			}
		}
		return none, &ClientCreationError{Kind: kind, Diagnostic: diagnostic(err), Err: err}
	}

	b.logger.Debug("native handle created",
		zap.String("engine", b.engine.Name()),
		zap.Stringer("kind", kind),
		zap.String("name", h.Name()),
		zap.Stringer("key", key),
	)
	return h, nil
}

// propertyRe matches the property name quoted in librdkafka's configuration
// diagnostics, e.g. `No such configuration property: "x"` or
// `Invalid value "v" for configuration property "x"`.
var propertyRe = regexp.MustCompile(`(?i)configuration property:? "([^"]+)"`)

// rejectedProperty extracts the offending key from an engine diagnostic.
// Engines that accept every key in Config.Set only validate at creation.
func rejectedProperty(diagnostic string) (string, bool) {
	m := propertyRe.FindStringSubmatch(diagnostic)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// trampolines resolve the opaque key of every engine callback and dispatch
// into the entry. A key without entry means a callback fired for a client
// that is gone; that is a lifecycle bug and panics.
type trampolines struct {
	registry *Registry
}

var _ native.Trampolines = trampolines{}

func (t trampolines) resolve(key native.Opaque, op string) *Entry {
	e, err := t.registry.Resolve(key)
	if err != nil {
		panic(&DanglingKeyError{Key: key, Op: op})
	}
	return e
}

func (t trampolines) OnLog(key native.Opaque, level int, facility, message string) {
	e := t.resolve(key, "log")
	if e.Log != nil {
		e.Log(level, facility, message)
		return
	}
	logNative(e.logger(), level, facility, message)
}

func (t trampolines) OnStats(key native.Opaque, payload string) {
	e := t.resolve(key, "stats")
	s, err := ParseStats(payload)
	if err != nil {
		e.logger().Warn("dropping malformed statistics", zap.Error(err))
		return
	}
	switch {
	case e.Consumer != nil:
		e.Consumer.observeStats(s)
	case e.Producer != nil:
		e.Producer.observeStats(s)
	}
	if e.Stats != nil {
		e.Stats(s)
	}
}

func (t trampolines) OnError(key native.Opaque, err *native.Error) {
	e := t.resolve(key, "error")
	if e.Error != nil {
		e.Error(err, nil)
		return
	}
	if err.Fatal {
		e.logger().Error("fatal engine error", zap.Stringer("code", err.Code), zap.Error(err))
		return
	}
	e.logger().Warn("engine error", zap.Stringer("code", err.Code), zap.Error(err))
}

func (t trampolines) OnDeliveryReport(key native.Opaque, report *native.DeliveryReport) {
	e := t.resolve(key, "delivery report")
	if e.Producer != nil {
		e.Producer.deliver(report)
	}
}

func (t trampolines) OnRebalance(key native.Opaque, h native.ConsumerHandle, code native.ErrorCode, proposed *native.TopicPartitionList) error {
	e := t.resolve(key, "rebalance")
	if e.Consumer != nil {
		return e.Consumer.rebalance(h, code, proposed)
	}
	return newRebalancer(e.Rebalance, nil, e.logger()).handle(h, code, proposed)
}

func (t trampolines) OnTokenRefresh(key native.Opaque, h native.Handle, config string) {
	e := t.resolve(key, "token refresh")
	if e.TokenRefresh == nil {
		return
	}
	token, err := e.TokenRefresh(config)
	if err != nil {
		e.logger().Warn("token refresh failed", zap.Error(err))
		if serr := h.SetOAuthBearerTokenFailure(err.Error()); serr != nil {
			e.logger().Error("reporting token failure to engine", zap.Error(serr))
		}
		return
	}
	if err := h.SetOAuthBearerToken(token); err != nil {
		e.logger().Error("engine rejected token", zap.Error(err))
		if serr := h.SetOAuthBearerTokenFailure(err.Error()); serr != nil {
			e.logger().Error("reporting token failure to engine", zap.Error(serr))
		}
	}
}
