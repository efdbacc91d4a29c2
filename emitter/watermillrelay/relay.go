// Package watermillrelay carries emitter events over any watermill
// Publisher/Subscriber pair, so the same bus can span processes through
// whichever broker watermill is configured with.
package watermillrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ggoodman/rpc-server-go/emitter"
	"github.com/ggoodman/rpc-server-go/internal/ids"
	"github.com/google/uuid"
)

const (
	metadataEvent  = "event"
	metadataOrigin = "origin"
)

// Option configures a Relay.
type Option func(*options)

type options struct {
	topic     string
	log       *slog.Logger
	queueSize int
}

// WithTopic sets the watermill topic. Defaults to "rpc.events".
func WithTopic(topic string) Option {
	return func(o *options) { o.topic = topic }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithQueueSize bounds the number of values waiting to be published.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// Relay is an emitter.Bus whose values also travel over a watermill topic.
type Relay[T any] struct {
	pub    message.Publisher
	local  *emitter.Emitter[T]
	topic  string
	origin string
	log    *slog.Logger

	outbox chan *message.Message
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

var _ emitter.Bus[int] = (*Relay[int])(nil)

// New subscribes to the topic and starts forwarding between it and local.
func New[T any](ctx context.Context, pub message.Publisher, sub message.Subscriber, local *emitter.Emitter[T], opts ...Option) (*Relay[T], error) {
	if pub == nil || sub == nil {
		return nil, fmt.Errorf("publisher and subscriber are required")
	}
	if local == nil {
		return nil, fmt.Errorf("local emitter is required")
	}

	o := options{topic: "rpc.events", queueSize: 256}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = slog.New(slog.DiscardHandler)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	msgs, err := sub.Subscribe(runCtx, o.topic)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", o.topic, err)
	}

	r := &Relay[T]{
		pub:    pub,
		local:  local,
		topic:  o.topic,
		origin: uuid.NewString(),
		log:    o.log.With(slog.String("topic", o.topic)),
		outbox: make(chan *message.Message, o.queueSize),
		cancel: cancel,
	}

	r.wg.Add(2)
	go r.receiveLoop(runCtx, msgs)
	go r.publishLoop(runCtx)

	return r, nil
}

// Subscribe implements emitter.Bus.
func (r *Relay[T]) Subscribe(event string) *emitter.Subscription[T] {
	return r.local.Subscribe(event)
}

// SubscribeContext implements emitter.Bus.
func (r *Relay[T]) SubscribeContext(ctx context.Context, event string) *emitter.Subscription[T] {
	return r.local.SubscribeContext(ctx, event)
}

// Emit delivers v locally and queues it for the topic. The return value
// counts local deliveries only.
func (r *Relay[T]) Emit(event string, v T) int {
	delivered := r.local.Emit(event, v)

	payload, err := json.Marshal(v)
	if err != nil {
		r.log.Error("relay.encode.fail", slog.String("event", event), slog.String("err", err.Error()))
		return delivered
	}

	msg := message.NewMessage(ids.NewEventID(), payload)
	msg.Metadata.Set(metadataEvent, event)
	msg.Metadata.Set(metadataOrigin, r.origin)

	select {
	case r.outbox <- msg:
	default:
		r.log.Warn("relay.outbox.full", slog.String("event", event))
	}
	return delivered
}

// Close stops forwarding. The publisher, subscriber and local emitter stay
// open and remain owned by the caller.
func (r *Relay[T]) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		r.wg.Wait()
	})
	return nil
}

func (r *Relay[T]) publishLoop(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.outbox:
			if err := r.pub.Publish(r.topic, msg); err != nil {
				r.log.Warn("relay.publish.fail",
					slog.String("event", msg.Metadata.Get(metadataEvent)),
					slog.String("err", err.Error()))
			}
		}
	}
}

func (r *Relay[T]) receiveLoop(ctx context.Context, msgs <-chan *message.Message) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			r.deliver(msg)
			msg.Ack()
		}
	}
}

func (r *Relay[T]) deliver(msg *message.Message) {
	if msg.Metadata.Get(metadataOrigin) == r.origin {
		return
	}
	event := msg.Metadata.Get(metadataEvent)
	if event == "" {
		r.log.Warn("relay.message.no_event", slog.String("uuid", msg.UUID))
		return
	}
	var v T
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		r.log.Warn("relay.payload.decode.fail", slog.String("event", event), slog.String("err", err.Error()))
		return
	}
	r.local.Emit(event, v)
}
