// Package bus carries typed requests and notifications between tubechat
// components over Watermill. Requests are correlated with their replies
// through message metadata, so any Watermill transport that delivers a topic
// to its subscribers can be used.
package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	metaCorrelationID = "correlation_id"
	metaReplyTo       = "reply_to"

	// DefaultRequestTimeout sits above the relay's ask timeout so a slow
	// answer is reported by the relay, not by the bus.
	DefaultRequestTimeout = 35 * time.Second
)

// ErrNoResponse is returned by Request when nobody replied before the deadline.
var ErrNoResponse = errors.New("bus: no response")

// HandlerError is returned by Request when the remote handler failed.
type HandlerError struct {
	Type    string
	Message string
}

func (e *HandlerError) Error() string {
	return "bus: " + e.Type + " handler failed: " + e.Message
}

// Handler answers one message. The returned value is sent back as the reply
// payload when the sender asked for one.
type Handler func(ctx context.Context, env Envelope) (any, error)

type handlerConfig struct {
	concurrent bool
	name       string
}

type HandlerOption func(*handlerConfig)

// Concurrent dispatches every message of the topic on its own goroutine.
// Without it messages are handled one at a time in arrival order.
func Concurrent() HandlerOption {
	return func(c *handlerConfig) { c.concurrent = true }
}

// Named sets the handler name used in logs.
func Named(name string) HandlerOption {
	return func(c *handlerConfig) { c.name = name }
}

type registration struct {
	topic   string
	handler Handler
	cfg     handlerConfig
}

type Option func(*Bus)

func WithRequestTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithCloser makes Close release the given resources (usually the
// publisher/subscriber pair the bus was built on).
func WithCloser(closers ...func() error) Option {
	return func(b *Bus) { b.closers = append(b.closers, closers...) }
}

type Bus struct {
	id         string
	pub        message.Publisher
	sub        message.Subscriber
	replyTopic string
	timeout    time.Duration
	closers    []func() error

	mu       sync.Mutex
	pending  map[string]chan Envelope
	handlers []registration
	ctx      context.Context
	started  bool
	wg       sync.WaitGroup
}

func New(pub message.Publisher, sub message.Subscriber, opts ...Option) *Bus {
	id := uuid.NewString()
	b := &Bus{
		id:         id,
		pub:        pub,
		sub:        sub,
		replyTopic: topicReplyPrefix + id,
		timeout:    DefaultRequestTimeout,
		pending:    map[string]chan Envelope{},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// ID identifies this bus instance; replies are routed to it.
func (b *Bus) ID() string {
	if b == nil {
		return ""
	}
	return b.id
}

// Handle registers h for messages published on topic. Handlers registered
// after Start are subscribed immediately.
func (b *Bus) Handle(topic string, h Handler, opts ...HandlerOption) error {
	if b == nil {
		return errors.New("bus: nil bus")
	}
	if topic == "" || h == nil {
		return errors.New("bus: handler needs a topic and a function")
	}
	cfg := handlerConfig{name: topic}
	for _, o := range opts {
		o(&cfg)
	}
	reg := registration{topic: topic, handler: h, cfg: cfg}

	b.mu.Lock()
	b.handlers = append(b.handlers, reg)
	started, ctx := b.started, b.ctx
	b.mu.Unlock()

	if started {
		return b.subscribe(ctx, reg)
	}
	return nil
}

// Start subscribes the reply topic and every registered handler. It returns
// once all subscriptions exist, so requests issued afterwards get answers.
func (b *Bus) Start(ctx context.Context) error {
	if b == nil || b.pub == nil || b.sub == nil {
		return errors.New("bus: publisher and subscriber are required")
	}
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return errors.New("bus: already started")
	}
	b.started = true
	b.ctx = ctx
	handlers := append([]registration(nil), b.handlers...)
	b.mu.Unlock()

	replies, err := b.sub.Subscribe(ctx, b.replyTopic)
	if err != nil {
		return errors.Wrap(err, "bus: subscribe replies")
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.consumeReplies(replies)
	}()

	for _, reg := range handlers {
		if err := b.subscribe(ctx, reg); err != nil {
			return err
		}
	}
	log.Debug().Str("component", "bus").Str("bus_id", b.id).Int("handlers", len(handlers)).Msg("bus started")
	return nil
}

// Run starts the bus and blocks until ctx is done and all handlers returned.
func (b *Bus) Run(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	b.wg.Wait()
	return nil
}

// Close releases the resources passed with WithCloser.
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	var first error
	for _, c := range b.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (b *Bus) subscribe(ctx context.Context, reg registration) error {
	msgs, err := b.sub.Subscribe(ctx, reg.topic)
	if err != nil {
		return errors.Wrapf(err, "bus: subscribe %s", reg.topic)
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range msgs {
			msg.Ack()
			if reg.cfg.concurrent {
				b.wg.Add(1)
				go func(m *message.Message) {
					defer b.wg.Done()
					b.dispatch(ctx, reg, m)
				}(msg)
				continue
			}
			b.dispatch(ctx, reg, msg)
		}
	}()
	return nil
}

func (b *Bus) dispatch(ctx context.Context, reg registration, msg *message.Message) {
	var env Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		log.Warn().Err(err).Str("component", "bus").Str("handler", reg.cfg.name).Msg("dropping undecodable message")
		return
	}
	replyTo := msg.Metadata.Get(metaReplyTo)
	correlationID := msg.Metadata.Get(metaCorrelationID)

	result, err := reg.handler(ctx, env)
	if err != nil {
		log.Debug().Err(err).Str("component", "bus").Str("handler", reg.cfg.name).Str("type", env.Type).Msg("handler failed")
	}
	if replyTo == "" {
		return
	}

	reply := Envelope{Type: typeReply}
	if err != nil {
		reply.Error = err.Error()
	} else if result != nil {
		raw, mErr := json.Marshal(result)
		if mErr != nil {
			reply.Error = errors.Wrap(mErr, "marshal reply").Error()
		} else {
			reply.Payload = raw
		}
	}
	if pErr := b.publish(replyTo, reply, map[string]string{metaCorrelationID: correlationID}); pErr != nil {
		log.Warn().Err(pErr).Str("component", "bus").Str("type", env.Type).Msg("could not publish reply")
	}
}

func (b *Bus) consumeReplies(msgs <-chan *message.Message) {
	for msg := range msgs {
		msg.Ack()
		id := msg.Metadata.Get(metaCorrelationID)
		var env Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			log.Warn().Err(err).Str("component", "bus").Msg("dropping undecodable reply")
			continue
		}
		b.mu.Lock()
		ch, ok := b.pending[id]
		if ok {
			delete(b.pending, id)
		}
		b.mu.Unlock()
		if ok {
			ch <- env
		}
	}
}

func (b *Bus) publish(topic string, env Envelope, metadata map[string]string) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "bus: marshal envelope")
	}
	msg := message.NewMessage(uuid.NewString(), raw)
	for k, v := range metadata {
		msg.Metadata.Set(k, v)
	}
	return b.pub.Publish(topic, msg)
}

func newEnvelope(typ string, payload any) (Envelope, error) {
	env := Envelope{Type: typ}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errors.Wrapf(err, "bus: marshal %s payload", typ)
	}
	env.Payload = raw
	return env, nil
}

// Notify publishes a fire-and-forget message. Having no subscriber is not an error.
func (b *Bus) Notify(ctx context.Context, topic, typ string, payload any) error {
	if b == nil || b.pub == nil {
		return errors.New("bus: not initialized")
	}
	env, err := newEnvelope(typ, payload)
	if err != nil {
		return err
	}
	return b.publish(topic, env, nil)
}

// Request publishes typ on topic and waits for the reply, decoding it into
// out. Without a deadline on ctx the bus request timeout applies.
func (b *Bus) Request(ctx context.Context, topic, typ string, payload any, out any) error {
	if b == nil || b.pub == nil {
		return errors.New("bus: not initialized")
	}
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if !started {
		return errors.New("bus: request before Start")
	}

	env, err := newEnvelope(typ, payload)
	if err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	id := uuid.NewString()
	ch := make(chan Envelope, 1)
	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	if err := b.publish(topic, env, map[string]string{
		metaCorrelationID: id,
		metaReplyTo:       b.replyTopic,
	}); err != nil {
		return errors.Wrapf(err, "bus: publish %s", typ)
	}

	select {
	case reply := <-ch:
		if reply.Error != "" {
			return &HandlerError{Type: typ, Message: reply.Error}
		}
		if err := reply.Decode(out); err != nil {
			return errors.Wrapf(err, "bus: decode %s reply", typ)
		}
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.Wrapf(ErrNoResponse, "%s on %s", typ, topic)
		}
		return ctx.Err()
	}
}
