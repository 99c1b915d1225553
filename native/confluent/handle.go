//go:build cgo

package confluent

import (
	"sync/atomic"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/loipv/kafka-bridge/native"
)

// client is what confluent's Consumer and Producer have in common.
type client interface {
	String() string
	Logs() chan kafka.LogEvent
	SetOAuthBearerToken(token kafka.OAuthBearerToken) error
	SetOAuthBearerTokenFailure(errstr string) error
}

// base holds the parts shared by both handle kinds. self is the outer
// handle passed to token refresh trampolines.
type base struct {
	c        client
	cfg      *config
	tr       native.Trampolines
	self     native.Handle
	detached atomic.Bool
}

func (b *base) Name() string {
	return b.c.String()
}

func (b *base) Opaque() native.Opaque {
	return b.cfg.opaque
}

func (b *base) RedirectLogs() error {
	if b.c.Logs() == nil {
		return native.NewError(native.ErrNotImplemented, "log channel is not enabled, set log.queue=true before creating the handle")
	}
	return nil
}

func (b *base) SetOAuthBearerToken(token native.OAuthBearerToken) error {
	return convertErr(b.c.SetOAuthBearerToken(kafka.OAuthBearerToken{
		TokenValue: token.TokenValue,
		Expiration: token.Expiration,
		Principal:  token.Principal,
		Extensions: token.Extensions,
	}))
}

func (b *base) SetOAuthBearerTokenFailure(reason string) error {
	return convertErr(b.c.SetOAuthBearerTokenFailure(reason))
}

// drainLogs forwards every queued log line without blocking.
func (b *base) drainLogs() {
	logs := b.c.Logs()
	if logs == nil {
		return
	}
	for {
		select {
		case ev, ok := <-logs:
			if !ok || b.detached.Load() {
				return
			}
			b.tr.OnLog(b.cfg.opaque, ev.Level, ev.Tag, ev.Message)
		default:
			return
		}
	}
}

// dispatch serves one non-message event. It reports whether ev was known.
func (b *base) dispatch(ev kafka.Event) bool {
	key := b.cfg.opaque
	switch e := ev.(type) {
	case kafka.Error:
		b.tr.OnError(key, convertErr(e).(*native.Error))
	case *kafka.Stats:
		b.tr.OnStats(key, e.String())
	case kafka.OAuthBearerTokenRefresh:
		b.tr.OnTokenRefresh(key, b.self, e.Config)
	default:
		return false
	}
	return true
}
