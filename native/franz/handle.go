package franz

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loipv/kafka-bridge/native"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/oauth"
)

var handleSeq atomic.Int64

type tokenReply struct {
	token native.OAuthBearerToken
	err   error
}

// handle is shared by consumers and producers. Everything kgo reports from
// its own goroutines goes through events and reaches the trampolines from
// Poll.
type handle struct {
	kind native.HandleKind
	name string
	cfg  *config
	tr   native.Trampolines
	self native.Handle

	cl  *kgo.Client
	adm *kadm.Client

	events   *queue
	brokers  *brokerTracker
	counters counters
	tokens   chan tokenReply
	// fill adds kind specific data to a statistics payload
	fill func(*statsPayload)

	redirected atomic.Bool
	detached   atomic.Bool
	closing    chan struct{}
	wg         sync.WaitGroup
}

func newHandle(kind native.HandleKind, cfg *config, tr native.Trampolines) *handle {
	return &handle{
		kind:    kind,
		name:    engineName + "#" + kind.String() + "-" + strconv.FormatInt(handleSeq.Add(1), 10),
		cfg:     cfg,
		tr:      tr,
		events:  newQueue(),
		brokers: newBrokerTracker(),
		tokens:  make(chan tokenReply, 1),
		closing: make(chan struct{}),
	}
}

// opts returns the kgo options common to both kinds.
func (h *handle) opts(e Engine) ([]kgo.Opt, error) {
	opts, err := h.cfg.common()
	if err != nil {
		return nil, err
	}

	mech, err := h.cfg.mechanism()
	if err != nil {
		return nil, err
	}
	switch {
	case mech != nil:
		opts = append(opts, kgo.SASL(mech))
	case h.cfg.saslMechanism == "OAUTHBEARER":
		opts = append(opts, kgo.SASL(oauth.Oauth(h.oauthToken)))
	}

	opts = append(opts,
		kgo.WithLogger(&logger{h: h}),
		kgo.WithHooks(h.brokers),
	)
	if len(e.hooks) > 0 {
		opts = append(opts, kgo.WithHooks(e.hooks...))
	}
	return opts, nil
}

// start finishes construction once the kgo client exists.
func (h *handle) start(cl *kgo.Client) {
	h.cl = cl
	h.adm = kadm.NewClient(cl)

	if h.cfg.statsInterval > 0 {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			runStats(h.cfg.statsInterval, h.closing, h.emitStats)
		}()
	}
}

func (h *handle) Kind() native.HandleKind {
	return h.kind
}

func (h *handle) Name() string {
	return h.name
}

func (h *handle) Opaque() native.Opaque {
	return h.cfg.opaque
}

func (h *handle) RedirectLogs() error {
	h.redirected.Store(true)
	return nil
}

func (h *handle) SetOAuthBearerToken(token native.OAuthBearerToken) error {
	return h.reply(tokenReply{token: token})
}

func (h *handle) SetOAuthBearerTokenFailure(reason string) error {
	return h.reply(tokenReply{err: native.NewError(native.ErrFail, "%s", reason)})
}

func (h *handle) reply(r tokenReply) error {
	if h.cfg.saslMechanism != "OAUTHBEARER" {
		return native.NewError(native.ErrState, "sasl.mechanism is not OAUTHBEARER")
	}
	// the newest answer wins
	select {
	case <-h.tokens:
	default:
	}
	h.tokens <- r
	return nil
}

// oauthToken runs on a kgo goroutine whenever a connection authenticates.
// It asks for a token through the refresh trampoline and waits for the
// answer.
func (h *handle) oauthToken(ctx context.Context) (oauth.Auth, error) {
	if h.detached.Load() {
		return oauth.Auth{}, native.NewError(native.ErrDestroy, "handle is destroyed")
	}
	h.events.push(event{kind: evTokenRefresh, payload: h.cfg.oauthConfig})
	h.wakeup()

	select {
	case r := <-h.tokens:
		if r.err != nil {
			return oauth.Auth{}, r.err
		}
		return oauth.Auth{Token: r.token.TokenValue, Extensions: r.token.Extensions}, nil
	case <-ctx.Done():
		return oauth.Auth{}, ctx.Err()
	case <-h.closing:
		return oauth.Auth{}, native.NewError(native.ErrDestroy, "handle is destroyed")
	}
}

// wakeup is replaced by consumers to interrupt a blocked fetch.
func (h *handle) wakeup() {
	if w, ok := h.self.(interface{ interrupt() }); ok {
		w.interrupt()
	}
}

// serveQueued serves every queued event and returns how many there were.
func (h *handle) serveQueued() int {
	evs := h.events.drain()
	for i, ev := range evs {
		if h.detached.Load() {
			for _, rest := range evs[i:] {
				if rest.done != nil {
					close(rest.done)
				}
			}
			break
		}
		h.serve(ev)
	}
	return len(evs)
}

func (h *handle) serve(ev event) {
	key := h.cfg.opaque
	switch ev.kind {
	case evLog:
		h.tr.OnLog(key, ev.level, ev.facility, ev.message)
	case evStats:
		h.tr.OnStats(key, ev.payload)
	case evError:
		h.tr.OnError(key, ev.err)
	case evDelivery:
		h.tr.OnDeliveryReport(key, ev.report)
	case evTokenRefresh:
		h.tr.OnTokenRefresh(key, h.self, ev.payload)
	case evRebalance:
		defer close(ev.done)
		if c, ok := h.self.(native.ConsumerHandle); ok {
			// failures are recorded by the bridge and surface from its Poll
			_ = h.tr.OnRebalance(key, c, ev.code, ev.list)
		}
	}
}

func (h *handle) emitStats() {
	now := time.Now()
	p := &statsPayload{
		Name:     h.name,
		ClientID: h.cfg.clientID,
		Type:     h.kind.String(),
		Ts:       now.UnixMicro(),
		Time:     now.Unix(),
		ReplyQ:   int64(h.events.len()),
		TxMsgs:   h.counters.txMsgs.Load(),
		RxMsgs:   h.counters.rxMsgs.Load(),
		Brokers:  h.brokers.snapshot(),
	}
	if h.cl != nil {
		p.MsgCnt = h.cl.BufferedProduceRecords()
	}
	if h.fill != nil {
		h.fill(p)
	}

	payload, err := encodeStats(p)
	if err != nil {
		return
	}
	h.events.push(event{kind: evStats, payload: payload})
}

// detach stops every path into the trampolines. It reports false if the
// handle was already detached.
func (h *handle) detach() bool {
	if !h.detached.CompareAndSwap(false, true) {
		return false
	}
	close(h.closing)
	h.events.release()
	return true
}

func (h *handle) destroy() error {
	if !h.detach() {
		return native.NewError(native.ErrDestroy, "handle is already destroyed")
	}
	h.cl.Close()
	h.wg.Wait()
	return nil
}
