// Package nativetest provides an in-memory native.Engine for tests.
//
// Handles created by Engine never touch the network. Tests script what the
// engine "receives" (rebalances, messages, log lines, statistics) and the
// handle replays it, through the trampolines, on the goroutine calling Poll.
package nativetest

import (
	"fmt"
	"sync"
	"time"

	"github.com/loipv/kafka-bridge/native"
)

type Engine struct {
	mu         sync.Mutex
	rejected   map[string]string
	createErr  string
	createCode native.ErrorCode
	consumers  []*Consumer
	producers  []*Producer
}

var _ native.Engine = (*Engine)(nil)

func New() *Engine {
	return &Engine{rejected: make(map[string]string)}
}

func (e *Engine) Name() string { return "nativetest" }

// RejectKey makes Config.Set fail for key with diagnostic.
func (e *Engine) RejectKey(key, diagnostic string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rejected[key] = diagnostic
}

// FailCreate makes every following handle creation fail with diagnostic.
// An empty diagnostic restores normal behaviour.
func (e *Engine) FailCreate(diagnostic string) {
	e.FailCreateWith(native.ErrFail, diagnostic)
}

// FailCreateWith is FailCreate with an explicit engine error code.
func (e *Engine) FailCreateWith(code native.ErrorCode, diagnostic string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.createErr = diagnostic
	e.createCode = code
}

func (e *Engine) NewConfig() native.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	rejected := make(map[string]string, len(e.rejected))
	for k, v := range e.rejected {
		rejected[k] = v
	}
	return &Config{rejected: rejected, values: make(map[string]string)}
}

func (e *Engine) NewConsumer(cfg native.Config, tr native.Trampolines) (native.ConsumerHandle, error) {
	c, err := e.config(cfg)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	h := &Consumer{
		handle:     newHandle(native.KindConsumer, len(e.consumers)+1, c, tr),
		assignment: native.NewTopicPartitionList(),
		committed:  native.NewTopicPartitionList(),
		positions:  native.NewTopicPartitionList(),
	}
	h.self = h
	e.consumers = append(e.consumers, h)
	return h, nil
}

func (e *Engine) NewProducer(cfg native.Config, tr native.Trampolines) (native.ProducerHandle, error) {
	c, err := e.config(cfg)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	h := &Producer{
		handle:  newHandle(native.KindProducer, len(e.producers)+1, c, tr),
		offsets: make(map[string]int64),
	}
	h.self = h
	e.producers = append(e.producers, h)
	return h, nil
}

func (e *Engine) config(cfg native.Config) (*Config, error) {
	e.mu.Lock()
	createErr, createCode := e.createErr, e.createCode
	e.mu.Unlock()
	if createErr != "" {
		return nil, native.NewError(createCode, "%s", createErr)
	}
	c, ok := cfg.(*Config)
	if !ok {
		return nil, native.NewError(native.ErrInvalidArg, "foreign configuration object %T", cfg)
	}
	return c, nil
}

// Consumers returns every consumer handle created so far.
func (e *Engine) Consumers() []*Consumer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Consumer(nil), e.consumers...)
}

func (e *Engine) Producers() []*Producer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Producer(nil), e.producers...)
}

// LastConsumer returns the most recently created consumer or nil.
func (e *Engine) LastConsumer() *Consumer {
	cs := e.Consumers()
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

func (e *Engine) LastProducer() *Producer {
	ps := e.Producers()
	if len(ps) == 0 {
		return nil
	}
	return ps[len(ps)-1]
}

// Config records every property in the order it was set.
type Config struct {
	mu       sync.Mutex
	rejected map[string]string
	values   map[string]string
	keys     []string
	opaque   native.Opaque
}

func (c *Config) Set(key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if diag, ok := c.rejected[key]; ok {
		return native.NewError(native.ErrInvalidArg, "%s", diag)
	}
	if key == "" {
		return native.NewError(native.ErrInvalidArg, "empty configuration property name")
	}
	if _, ok := c.values[key]; !ok {
		c.keys = append(c.keys, key)
	}
	c.values[key] = value
	return nil
}

func (c *Config) SetOpaque(key native.Opaque) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opaque = key
}

func (c *Config) Opaque() native.Opaque {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opaque
}

func (c *Config) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok
}

// Keys returns the property names in the order they were first set.
func (c *Config) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.keys...)
}

type event func() (*native.Message, error)

// handle holds the event queue shared by consumers and producers.
type handle struct {
	kind   native.HandleKind
	name   string
	cfg    *Config
	tr     native.Trampolines
	notify chan struct{}
	self   native.Handle

	mu            sync.Mutex
	queue         []event
	redirected    bool
	destroyed     bool
	tokens        []native.OAuthBearerToken
	tokenFailures []string
}

func newHandle(kind native.HandleKind, n int, cfg *Config, tr native.Trampolines) *handle {
	return &handle{
		kind:   kind,
		name:   fmt.Sprintf("nativetest#%s-%d", kind, n),
		cfg:    cfg,
		tr:     tr,
		notify: make(chan struct{}, 1),
	}
}

func (h *handle) Kind() native.HandleKind { return h.kind }
func (h *handle) Name() string            { return h.name }
func (h *handle) Opaque() native.Opaque   { return h.cfg.Opaque() }

// Config exposes the configuration the handle was created with.
func (h *handle) Config() *Config { return h.cfg }

func (h *handle) push(ev event) {
	h.mu.Lock()
	h.queue = append(h.queue, ev)
	h.mu.Unlock()
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// Pending is the number of queued events.
func (h *handle) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

// Poll serves queued events until one yields a message or an error. It
// waits up to timeout only when nothing was queued.
func (h *handle) Poll(timeout time.Duration) (*native.Message, error) {
	deadline := time.Now().Add(timeout)
	served := false
	for {
		h.mu.Lock()
		if h.destroyed {
			h.mu.Unlock()
			return nil, native.NewError(native.ErrDestroy, "handle destroyed")
		}
		if len(h.queue) > 0 {
			ev := h.queue[0]
			h.queue = h.queue[1:]
			h.mu.Unlock()
			msg, err := ev()
			if msg != nil || err != nil {
				return msg, err
			}
			served = true
			continue
		}
		h.mu.Unlock()

		wait := time.Until(deadline)
		if served || wait <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-h.notify:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		}
	}
}

func (h *handle) RedirectLogs() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.redirected = true
	return nil
}

// Redirected reports whether RedirectLogs was called.
func (h *handle) Redirected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.redirected
}

// PushLog emits a log line. Once logs are redirected it is queued for Poll,
// otherwise the trampoline runs right away on the caller's goroutine.
func (h *handle) PushLog(level int, facility, message string) {
	h.mu.Lock()
	redirected := h.redirected
	h.mu.Unlock()
	if !redirected {
		h.tr.OnLog(h.Opaque(), level, facility, message)
		return
	}
	h.push(func() (*native.Message, error) {
		h.tr.OnLog(h.Opaque(), level, facility, message)
		return nil, nil
	})
}

func (h *handle) PushStats(payload string) {
	h.push(func() (*native.Message, error) {
		h.tr.OnStats(h.Opaque(), payload)
		return nil, nil
	})
}

func (h *handle) PushError(err *native.Error) {
	h.push(func() (*native.Message, error) {
		h.tr.OnError(h.Opaque(), err)
		return nil, nil
	})
}

// PushTokenRefresh asks the application for a fresh OAUTHBEARER token.
func (h *handle) PushTokenRefresh(config string) {
	h.push(func() (*native.Message, error) {
		h.tr.OnTokenRefresh(h.Opaque(), h.self, config)
		return nil, nil
	})
}

func (h *handle) SetOAuthBearerToken(token native.OAuthBearerToken) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tokens = append(h.tokens, token)
	return nil
}

func (h *handle) SetOAuthBearerTokenFailure(reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tokenFailures = append(h.tokenFailures, reason)
	return nil
}

// Tokens returns the tokens handed to the engine.
func (h *handle) Tokens() []native.OAuthBearerToken {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]native.OAuthBearerToken(nil), h.tokens...)
}

func (h *handle) TokenFailures() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.tokenFailures...)
}

func (h *handle) Destroy() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return native.NewError(native.ErrDestroy, "handle already destroyed")
	}
	h.destroyed = true
	h.queue = nil
	return nil
}

func (h *handle) Destroyed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.destroyed
}
